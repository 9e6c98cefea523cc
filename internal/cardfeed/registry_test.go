package cardfeed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/conorfennell/knolsched/internal/domain"
)

// memRegistry is an in-memory Registry.
type memRegistry struct {
	mu      sync.Mutex
	cards   map[string]domain.CardIdentity
	retired map[string]bool
	failOn  string
}

func newMemRegistry() *memRegistry {
	return &memRegistry{cards: map[string]domain.CardIdentity{}, retired: map[string]bool{}}
}

func (m *memRegistry) RegisterCard(_ context.Context, id domain.CardIdentity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id.CardID == m.failOn {
		return false, fmt.Errorf("rejected: %w", domain.ErrInvalidInput)
	}
	if _, ok := m.cards[id.CardID]; ok && !m.retired[id.CardID] {
		return false, nil
	}
	m.cards[id.CardID] = id
	delete(m.retired, id.CardID)
	return true, nil
}

func (m *memRegistry) RetireCard(_ context.Context, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[cardID]; !ok {
		return fmt.Errorf("card %s: %w", cardID, domain.ErrNotFound)
	}
	m.retired[cardID] = true
	return nil
}

func (m *memRegistry) ActiveCards(_ context.Context, source string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, c := range m.cards {
		if c.Source == source && !m.retired[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
