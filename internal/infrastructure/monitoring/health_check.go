package monitoring

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"classcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports a dependency as healthy by returning nil.
type CheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name     string
	Check    CheckFunc
	Interval time.Duration // zero disables background runs
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// HealthChecker aggregates dependency checks for /ready and background probing.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, check CheckFunc, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Interval: interval, Timeout: timeout})
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HealthCheck(nil), h.checks...)
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	checks := h.snapshot()
	results := make([]error, len(checks))

	var g errgroup.Group
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			results[i] = run(ctx, check)
			return nil
		})
	}
	g.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for i, check := range checks {
		if err := results[i]; err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
			continue
		}
		status.Checks[check.Name] = StatusHealthy
	}
	return status
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

func run(ctx context.Context, check HealthCheck) error {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	return check.Check(ctx)
}

// StartBackgroundChecks runs every check with an interval until ctx is done,
// reporting failures to onFailure.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, onFailure func(name string, err error)) {
	for _, check := range h.snapshot() {
		if check.Interval <= 0 {
			continue
		}
		check := check
		go func() {
			ticker := time.NewTicker(check.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := run(ctx, check); err != nil && onFailure != nil {
						onFailure(check.Name, err)
					}
				}
			}
		}()
	}
}

func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddRegistryCheck verifies the session registry answers.
func (h *HealthChecker) AddRegistryCheck(registry ports.SessionRegistry, interval, timeout time.Duration) {
	h.AddCheck("session_registry", func(ctx context.Context) error {
		_, err := registry.List(ctx)
		return err
	}, interval, timeout)
}

// AddBinaryCheck verifies an external tool such as ffmpeg is on the path.
func (h *HealthChecker) AddBinaryCheck(name, path string, interval, timeout time.Duration) {
	h.AddCheck(name, func(context.Context) error {
		_, err := exec.LookPath(path)
		return err
	}, interval, timeout)
}

// AddWritableDirCheck verifies dir exists and accepts new files.
func (h *HealthChecker) AddWritableDirCheck(name, dir string, interval, timeout time.Duration) {
	h.AddCheck(name, func(context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return fmt.Errorf("%s not writable: %w", filepath.Clean(dir), err)
		}
		f.Close()
		return os.Remove(f.Name())
	}, interval, timeout)
}
