// Package health aggregates dependency probes for the health endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// Checker runs registered checks with a bounded timeout.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
}

func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		timeout: 5 * time.Second,
	}
}

// Add registers a named check. Names collide by replacement.
func (c *Checker) Add(name string, check Check) *Checker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	return c
}

// Status is the health endpoint response body.
type Status struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Ready runs all checks and reports per-dependency results.
func (c *Checker) Ready(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	st := Status{Status: "ok", Checks: make(map[string]string, len(checks))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				st.Status = "degraded"
				st.Checks[name] = err.Error()
			} else {
				st.Checks[name] = "ok"
			}
		}()
	}
	wg.Wait()
	return st
}

// Handler serves the health endpoint: 200 when every check passes, 503
// otherwise.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Ready(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if st.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
