package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It defaults to a no-op logger so
// library consumers and tests that never call Init stay quiet.
var Log = zap.NewNop()

// Init configures the global logger at the given level ("debug", "info",
// "warn", "error"). An empty or unknown level falls back to info. The
// MSGSTORE_LOG_LEVEL environment variable wins over the argument so
// operators can override without touching config files.
func Init(level string) {
	if env := strings.TrimSpace(os.Getenv("MSGSTORE_LOG_LEVEL")); env != "" {
		level = env
	}
	var lv zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = zapcore.DebugLevel
	case "warn", "warning":
		lv = zapcore.WarnLevel
	case "error":
		lv = zapcore.ErrorLevel
	default:
		lv = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		lv,
	)
	Log = zap.New(core)
}

// Sync flushes buffered log entries. Safe to call on shutdown paths.
func Sync() { _ = Log.Sync() }
