package shadow

import (
	"context"
	"sync"
	"time"

	"github.com/laserguidance/targeting/pkg/core"
)

// MemoryBackend keeps shadows in process. It backs tests and single-host runs.
type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string]core.ShadowDocument
	now  func() time.Time
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs: make(map[string]core.ShadowDocument),
		now:  time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, thing string) (core.ShadowDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[thing]
	if !ok {
		return core.ShadowDocument{}, ErrNotFound
	}
	return doc, nil
}

func (m *MemoryBackend) Update(_ context.Context, thing string, doc core.ShadowDocument) (core.ShadowDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored *core.ShadowDocument
	if cur, ok := m.docs[thing]; ok {
		stored = &cur
	}
	merged, err := Merge(stored, doc, m.now())
	if err != nil {
		return core.ShadowDocument{}, err
	}
	m.docs[thing] = merged
	return Accepted(doc, merged), nil
}
