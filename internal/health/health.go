// Package health aggregates named subsystem health checks.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of checking one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker and reports aggregate health
// alongside the individual results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))
	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Report is the health endpoint payload.
type Report struct {
	Status    string   `json:"status"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// Report runs every checker and shapes the endpoint payload. A failing
// dependency makes the engine "degraded" rather than dead: trades keep
// flowing on whatever paths do not need it.
func (r *Registry) Report(ctx context.Context) (Report, bool) {
	healthy, statuses := r.CheckAll(ctx)
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	return Report{
		Status:    status,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, healthy
}
