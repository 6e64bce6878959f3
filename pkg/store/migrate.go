package store

import (
	"errors"
	"strconv"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"msgstore/pkg/errs"
	"msgstore/pkg/logger"
)

// schemaVersion is the column-set version understood by this build.
// Migrations are additive only; a store written by a newer build refuses
// to open rather than destructively downgrade.
const schemaVersion = 1

var schemaKey = []byte("meta:schema_version")

func (s *Store) migrate() error {
	var cur int64
	v, closer, err := s.db.Get(schemaKey)
	switch {
	case err == nil:
		cur, err = strconv.ParseInt(string(v), 10, 64)
		_ = closer.Close()
		if err != nil {
			return errs.Storage(err)
		}
	case errors.Is(err, pebble.ErrNotFound):
		cur = 0
	default:
		return errs.Storage(err)
	}

	if cur > schemaVersion {
		return errs.Storage(errSchemaAhead(cur))
	}
	if cur == schemaVersion {
		return nil
	}

	// Additive steps go here as the column set grows. Version 0 -> 1 is
	// the initial layout, nothing to rewrite.
	for v := cur + 1; v <= schemaVersion; v++ {
		logger.Log.Info("schema_migrate", zap.Int64("from", v-1), zap.Int64("to", v))
	}

	if err := s.db.Set(schemaKey, []byte(strconv.FormatInt(schemaVersion, 10)), pebble.Sync); err != nil {
		return errs.Storage(err)
	}
	return nil
}

type errSchemaAhead int64

func (e errSchemaAhead) Error() string {
	return "store schema version " + strconv.FormatInt(int64(e), 10) + " is newer than this build"
}
