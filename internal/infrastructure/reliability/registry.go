package reliability

import (
	"context"
	"errors"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	"classcast/pkg/circuitbreaker"
	"classcast/pkg/retry"

	"go.uber.org/zap"
)

// registryOutcomes are answers from the registry, not faults of the backend.
var registryOutcomes = []error{
	domain.ErrSessionExists,
	domain.ErrSessionNotFound,
	domain.ErrPortInUse,
	domain.ErrUserHasLiveSession,
}

func isOutcome(err error) bool {
	for _, o := range registryOutcomes {
		if errors.Is(err, o) {
			return true
		}
	}
	return false
}

// ResilientRegistry retries transient registry faults and stops calling a
// backend that keeps failing. Attach and Process are local to the instance
// and go straight through.
type ResilientRegistry struct {
	inner   ports.SessionRegistry
	retry   retry.Config
	breaker *circuitbreaker.Breaker
}

func NewResilientRegistry(inner ports.SessionRegistry, logger *zap.SugaredLogger) *ResilientRegistry {
	settings := circuitbreaker.DefaultSettings("session_registry")
	settings.OpenTimeout = 10 * time.Second
	settings.IsFailure = func(err error) bool { return !isOutcome(err) }
	settings.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warnw("circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}

	cfg := retry.DefaultConfig()
	cfg.Attempts = 3
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.MaxDelay = 500 * time.Millisecond
	cfg.Permanent = append([]error{circuitbreaker.ErrOpen, context.Canceled, context.DeadlineExceeded}, registryOutcomes...)

	return &ResilientRegistry{
		inner:   inner,
		retry:   cfg,
		breaker: circuitbreaker.New(settings),
	}
}

var _ ports.SessionRegistry = (*ResilientRegistry)(nil)

func (r *ResilientRegistry) call(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, r.retry, func() error {
		return r.breaker.Do(fn)
	})
}

// Breaker exposes the breaker for health reporting.
func (r *ResilientRegistry) Breaker() *circuitbreaker.Breaker {
	return r.breaker
}

// Register is not retried: a write that landed before the fault would come
// back as ErrSessionExists.
func (r *ResilientRegistry) Register(ctx context.Context, id domain.SessionID, userID domain.UserID, port int, proc domain.ProcessHandle) error {
	return r.breaker.Do(func() error {
		return r.inner.Register(ctx, id, userID, port, proc)
	})
}

func (r *ResilientRegistry) Attach(id domain.SessionID, proc domain.ProcessHandle) error {
	return r.inner.Attach(id, proc)
}

func (r *ResilientRegistry) Lookup(ctx context.Context, id domain.SessionID) (int, bool, error) {
	var (
		port int
		ok   bool
	)
	err := r.call(ctx, func() error {
		var err error
		port, ok, err = r.inner.Lookup(ctx, id)
		return err
	})
	return port, ok, err
}

// Unregister is idempotent, so retrying a write that may have landed is safe.
func (r *ResilientRegistry) Unregister(ctx context.Context, id domain.SessionID) error {
	return r.call(ctx, func() error {
		return r.inner.Unregister(ctx, id)
	})
}

// Refresh only pushes a TTL forward, so retrying it is safe.
func (r *ResilientRegistry) Refresh(ctx context.Context, id domain.SessionID) error {
	return r.call(ctx, func() error {
		return r.inner.Refresh(ctx, id)
	})
}

func (r *ResilientRegistry) Process(ctx context.Context, port int) (domain.ProcessHandle, bool) {
	return r.inner.Process(ctx, port)
}

func (r *ResilientRegistry) SessionForUser(ctx context.Context, userID domain.UserID) (domain.SessionID, bool, error) {
	var (
		id domain.SessionID
		ok bool
	)
	err := r.call(ctx, func() error {
		var err error
		id, ok, err = r.inner.SessionForUser(ctx, userID)
		return err
	})
	return id, ok, err
}

func (r *ResilientRegistry) List(ctx context.Context) ([]domain.RegistryEntry, error) {
	var entries []domain.RegistryEntry
	err := r.call(ctx, func() error {
		var err error
		entries, err = r.inner.List(ctx)
		return err
	})
	return entries, err
}
