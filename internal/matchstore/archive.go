package matchstore

import (
	"context"
	"sync"

	"github.com/park285/Cheese-Caro/internal/domain"
)

// Archive keeps finished matches beyond the Redis retention window.
// Get returns (nil, nil) when the match is unknown.
type Archive interface {
	SaveResult(ctx context.Context, m *domain.Match) error
	Get(ctx context.Context, id string) (*domain.Match, error)
}

// MemoryArchive is the archive used when no database is configured.
type MemoryArchive struct {
	mu      sync.RWMutex
	matches map[string]*domain.Match
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{matches: make(map[string]*domain.Match)}
}

func (a *MemoryArchive) SaveResult(_ context.Context, m *domain.Match) error {
	if m == nil {
		return nil
	}
	c := cloneMatch(m)
	a.mu.Lock()
	a.matches[m.ID] = c
	a.mu.Unlock()
	return nil
}

func (a *MemoryArchive) Get(_ context.Context, id string) (*domain.Match, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.matches[id]
	if !ok {
		return nil, nil
	}
	return cloneMatch(m), nil
}

func (a *MemoryArchive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.matches)
}

func cloneMatch(m *domain.Match) *domain.Match {
	c := *m
	c.Players = append([]domain.MatchPlayer(nil), m.Players...)
	c.History = append([]domain.Move(nil), m.History...)
	if m.EndTime != nil {
		t := *m.EndTime
		c.EndTime = &t
	}
	return &c
}
