// Package monitor logs periodic status snapshots of a running binary.
package monitor

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Probe reports one status value.
type Probe func(ctx context.Context) (any, error)

// Dependencies holds what the monitor reports on.
type Dependencies struct {
	Logger   *slog.Logger
	Interval time.Duration
	Probes   map[string]Probe
}

// Status is one snapshot. Failed probes appear in Errors instead of Values.
type Status struct {
	Time   time.Time
	Values map[string]any
	Errors map[string]error
}

// Service takes snapshots on a ticker.
type Service struct {
	deps      Dependencies
	mu        sync.RWMutex
	isRunning bool
	now       func() time.Time
}

// NewService creates a monitor. A nil logger uses slog.Default.
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps, now: time.Now}
}

// IsRunning reports whether Run is active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Snapshot runs every probe once.
func (s *Service) Snapshot(ctx context.Context) Status {
	st := Status{
		Time:   s.now(),
		Values: make(map[string]any, len(s.deps.Probes)),
		Errors: make(map[string]error),
	}
	for name, probe := range s.deps.Probes {
		v, err := probe(ctx)
		if err != nil {
			st.Errors[name] = err
			continue
		}
		st.Values[name] = v
	}
	return st
}

// Attrs flattens a snapshot into sorted log attributes.
func (st Status) Attrs() []any {
	names := make([]string, 0, len(st.Values)+len(st.Errors))
	for name := range st.Values {
		names = append(names, name)
	}
	for name := range st.Errors {
		names = append(names, name)
	}
	slices.Sort(names)

	attrs := make([]any, 0, len(names))
	for _, name := range names {
		if err, ok := st.Errors[name]; ok {
			attrs = append(attrs, slog.String(name, "error: "+err.Error()))
			continue
		}
		attrs = append(attrs, slog.Any(name, st.Values[name]))
	}
	return attrs
}

// Run logs a snapshot every Interval until ctx is done. A zero interval
// returns immediately.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Interval <= 0 {
		return nil
	}
	s.mu.Lock()
	s.isRunning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.deps.Logger.InfoContext(ctx, "Status", s.Snapshot(ctx).Attrs()...)
		}
	}
}
