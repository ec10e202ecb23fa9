// Package cursor persists stream resume positions so re-issued backend
// streams continue where they stopped.
package cursor

import (
	"context"
	"sync"

	"github.com/marko911/lnpulse/pkg/domain"
)

// Store holds per-source stream cursors and the chain listener's last
// forwarded block. Saves only ever move positions forward.
type Store interface {
	Load(ctx context.Context, source string, stream domain.StreamKind) (domain.Cursor, error)
	Save(ctx context.Context, source string, stream domain.StreamKind, c domain.Cursor) error

	LoadHeight(ctx context.Context, source string) (uint32, string, error)
	SaveHeight(ctx context.Context, source string, height uint32, hash string) error
}

type streamKey struct {
	source string
	stream domain.StreamKind
}

type tip struct {
	height uint32
	hash   string
}

// Memory is an in-process Store. Positions survive reconnects but not
// restarts.
type Memory struct {
	mu      sync.RWMutex
	cursors map[streamKey]domain.Cursor
	heights map[string]tip
}

func NewMemory() *Memory {
	return &Memory{
		cursors: make(map[streamKey]domain.Cursor),
		heights: make(map[string]tip),
	}
}

func (m *Memory) Load(_ context.Context, source string, stream domain.StreamKind) (domain.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[streamKey{source, stream}], nil
}

func (m *Memory) Save(_ context.Context, source string, stream domain.StreamKind, c domain.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := streamKey{source, stream}
	m.cursors[k] = m.cursors[k].Advance(c)
	return nil
}

func (m *Memory) LoadHeight(_ context.Context, source string) (uint32, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.heights[source]
	return t.height, t.hash, nil
}

func (m *Memory) SaveHeight(_ context.Context, source string, height uint32, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.heights[source]; ok && cur.height > height {
		return nil
	}
	m.heights[source] = tip{height: height, hash: hash}
	return nil
}
