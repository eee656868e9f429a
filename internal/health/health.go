// Package health aggregates per-subsystem health probes.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Status is one subsystem's probe result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry collects named checkers and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []registered
}

type registered struct {
	name  string
	probe Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under the given name. Checkers run in
// registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, registered{name: name, probe: check})
}

// CheckAll probes every subsystem. The aggregate is healthy only when
// every individual probe is.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := append([]registered(nil), r.checks...)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(checks))
	for _, c := range checks {
		st := c.probe(ctx)
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}

// DBChecker probes the database with a bounded ping.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}
