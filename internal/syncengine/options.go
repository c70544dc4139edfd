package syncengine

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/starford/slabsync/internal/models"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracerProvider sets the provider drain and dispatch spans come from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithAuthFailureHook registers fn to run once per drain that hit a 401,
// so the session owner can invalidate credentials.
func WithAuthFailureHook(fn func(error)) Option {
	return func(e *Engine) {
		e.onAuthFailure = fn
	}
}

// WithDrainOnSubmit makes Submit start an asynchronous drain when online.
func WithDrainOnSubmit(on bool) Option {
	return func(e *Engine) {
		e.drainOnSubmit = on
	}
}

// WithEndpoints overrides the remote collection path per partition.
// Partitions not listed use "/<partition>".
func WithEndpoints(m map[models.Partition]string) Option {
	return func(e *Engine) {
		for p, ep := range m {
			e.endpoints[p] = ep
		}
	}
}

// WithCacheTTL makes Loop refresh partitions older than ttl after each drain.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.cacheTTL = ttl
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
