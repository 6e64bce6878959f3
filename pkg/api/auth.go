package api

import (
	"net/http"

	"golang.org/x/time/rate"

	"msgstore/pkg/config"
	"msgstore/pkg/utils"
)

// Capability is the pre-checked token handed past the edge. The core
// never computes permissions; a denied capability short-circuits here,
// before the provider is invoked.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
)

func (c Capability) Has(want Capability) bool { return c&want == want }

// capabilityFor maps an API key to its capability. Write keys imply
// read. When no keys are configured at all the store runs open, which
// is intended for development only.
func capabilityFor(cfg *config.Config, key string) Capability {
	if len(cfg.API.Keys.Read) == 0 && len(cfg.API.Keys.Write) == 0 {
		return CapRead | CapWrite
	}
	for _, k := range cfg.API.Keys.Write {
		if key != "" && key == k {
			return CapRead | CapWrite
		}
	}
	for _, k := range cfg.API.Keys.Read {
		if key != "" && key == k {
			return CapRead
		}
	}
	return 0
}

func required(method string) Capability {
	if method == http.MethodGet || method == http.MethodHead {
		return CapRead
	}
	return CapWrite
}

// authorize rejects requests whose key lacks the capability the method
// needs. "Not authorized" stays an edge error, distinct from every core
// error kind.
func authorize(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caps := capabilityFor(cfg, r.Header.Get("X-API-Key"))
			if caps == 0 {
				utils.JSONError(w, http.StatusUnauthorized, "unknown api key")
				return
			}
			if !caps.Has(required(r.Method)) {
				utils.JSONError(w, http.StatusForbidden, "not authorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit applies a global token bucket when configured.
func rateLimit(cfg *config.Config) func(http.Handler) http.Handler {
	var limiter *rate.Limiter
	if cfg.API.RateLimit.RPS > 0 {
		burst := cfg.API.RateLimit.Burst
		if burst <= 0 {
			burst = int(cfg.API.RateLimit.RPS)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.API.RateLimit.RPS), burst)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow() {
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
