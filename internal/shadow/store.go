// Package shadow keeps the desired/reported coordinate document of an
// actuator and the movement helpers the commander drives it with.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/laserguidance/targeting/pkg/core"
)

var (
	// ErrNotFound means the thing has no shadow document yet.
	ErrNotFound = errors.New("shadow not found")
	// ErrVersionConflict means an update carried a stale version.
	ErrVersionConflict = errors.New("shadow version conflict")
)

// Backend fetches and updates shadow documents.
type Backend interface {
	// Get returns the full stored document or ErrNotFound.
	Get(ctx context.Context, thing string) (core.ShadowDocument, error)
	// Update merges doc into the stored document and returns the accepted
	// document. A non-zero doc.Version guards the write.
	Update(ctx context.Context, thing string, doc core.ShadowDocument) (core.ShadowDocument, error)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithConflictRetries bounds how often a movement is re-read and re-applied
// after a version conflict.
func WithConflictRetries(n int) StoreOption {
	return func(s *Store) {
		s.conflictRetries = n
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// Store is the commander's view of actuator shadows. Movements on the same
// thing are serialized within a process and guarded by the document version
// across processes.
type Store struct {
	backend         Backend
	logger          *slog.Logger
	conflictRetries int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore wraps backend.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend:         backend,
		logger:          slog.Default(),
		conflictRetries: 3,
		locks:           make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lock(thing string) func() {
	s.mu.Lock()
	l, ok := s.locks[thing]
	if !ok {
		l = &sync.Mutex{}
		s.locks[thing] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// current returns the resolved coordinates and the version they were read at.
func (s *Store) current(ctx context.Context, thing string) (x, y int, version int64, err error) {
	doc, err := s.backend.Get(ctx, thing)
	if errors.Is(err, ErrNotFound) {
		return 0, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("get shadow %s: %w", thing, err)
	}
	x, y = doc.Current()
	return x, y, doc.Version, nil
}

// GetCurrent returns the coordinates the actuator is heading to. A thing
// without a shadow is at (0, 0).
func (s *Store) GetCurrent(ctx context.Context, thing string) (x, y int, err error) {
	x, y, _, err = s.current(ctx, thing)
	return x, y, err
}

// SetDesired publishes a document holding only the desired half.
func (s *Store) SetDesired(ctx context.Context, thing string, x, y int) error {
	return s.setDesired(ctx, thing, x, y, 0)
}

func (s *Store) setDesired(ctx context.Context, thing string, x, y int, version int64) error {
	doc := core.ShadowDocument{
		State:   core.ShadowState{Desired: core.At(x, y)},
		Version: version,
	}
	if _, err := s.backend.Update(ctx, thing, doc); err != nil {
		return fmt.Errorf("update shadow %s: %w", thing, err)
	}
	return nil
}

// Move applies the step for a directional command and returns the new
// desired coordinates. Non-directional commands are rejected.
func (s *Store) Move(ctx context.Context, thing string, cmd core.Command, step int) (x, y int, err error) {
	var dx, dy int
	switch cmd {
	case core.CommandMoveUp:
		dy = step
	case core.CommandMoveDown:
		dy = -step
	case core.CommandMoveLeft:
		dx = -step
	case core.CommandMoveRight:
		dx = step
	default:
		return 0, 0, fmt.Errorf("shadow: %s is not a movement", cmd)
	}
	return s.moveBy(ctx, thing, dx, dy)
}

// MoveUp raises the desired y by delta.
func (s *Store) MoveUp(ctx context.Context, thing string, delta int) (int, int, error) {
	return s.Move(ctx, thing, core.CommandMoveUp, delta)
}

// MoveDown lowers the desired y by delta.
func (s *Store) MoveDown(ctx context.Context, thing string, delta int) (int, int, error) {
	return s.Move(ctx, thing, core.CommandMoveDown, delta)
}

// MoveLeft lowers the desired x by delta.
func (s *Store) MoveLeft(ctx context.Context, thing string, delta int) (int, int, error) {
	return s.Move(ctx, thing, core.CommandMoveLeft, delta)
}

// MoveRight raises the desired x by delta.
func (s *Store) MoveRight(ctx context.Context, thing string, delta int) (int, int, error) {
	return s.Move(ctx, thing, core.CommandMoveRight, delta)
}

func (s *Store) moveBy(ctx context.Context, thing string, dx, dy int) (int, int, error) {
	unlock := s.lock(thing)
	defer unlock()

	for attempt := 0; ; attempt++ {
		x, y, version, err := s.current(ctx, thing)
		if err != nil {
			return 0, 0, err
		}
		x, y = x+dx, y+dy

		err = s.setDesired(ctx, thing, x, y, version)
		if err == nil {
			return x, y, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= s.conflictRetries {
			return 0, 0, err
		}
		s.logger.Debug("shadow changed under us, retrying move", "thing", thing, "version", version, "attempt", attempt+1)
	}
}
