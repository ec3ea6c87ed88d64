// Package health runs dependency checks for the readiness probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status of a component or of the whole report
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report represents the overall readiness report
type Report struct {
	Status     Status                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Components map[string]*ComponentHealth `json:"components"`
}

// CheckFunc returns nil when the dependency is usable
type CheckFunc func(ctx context.Context) error

// Checker manages readiness checks
type Checker struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a checker whose probes each get timeout to answer
func NewChecker(logger *zap.Logger, timeout time.Duration) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{logger: logger, timeout: timeout, checks: make(map[string]CheckFunc)}
}

// Register adds or replaces a named check
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Names lists registered checks in sorted order
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every probe concurrently. The report is DOWN if any probe fails.
func (c *Checker) Check(ctx context.Context) *Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	report := &Report{
		Status:     StatusUp,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]*ComponentHealth, len(checks)),
	}
	var mu sync.Mutex
	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			start := time.Now()
			err := check(cctx)
			component := &ComponentHealth{Status: StatusUp, Duration: time.Since(start)}
			if err != nil {
				component.Status = StatusDown
				component.Error = err.Error()
				c.logger.Warn("Readiness check failed", zap.String("component", name), zap.Error(err))
			}
			mu.Lock()
			report.Components[name] = component
			if component.Status == StatusDown {
				report.Status = StatusDown
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// Handler serves the report, answering 503 when it is DOWN
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		code := http.StatusOK
		if report.Status != StatusUp {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	}
}
