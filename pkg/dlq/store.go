package dlq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists items. Implementations must be safe for concurrent use.
type Store interface {
	// Insert stores a new item.
	Insert(ctx context.Context, item *Item) error

	// Get returns the item with the given ID or an error wrapping ErrNotFound.
	Get(ctx context.Context, id string) (*Item, error)

	// UpdateStatus sets status, retry count and last error message of an item.
	UpdateStatus(ctx context.Context, id string, status Status, retryCount int, errMsg string) error

	// List returns items matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*Item, error)

	// Delete removes an item.
	Delete(ctx context.Context, id string) error
}

// StatsStore is implemented by stores that can aggregate natively.
type StatsStore interface {
	Stats(ctx context.Context) (Stats, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("dlq item already exists: %s", item.ID)
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *item
	return &cp, nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, retryCount int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	item.Status = status
	item.RetryCount = retryCount
	if errMsg != "" {
		item.ErrorMessage = errMsg
	}
	item.UpdatedAt = time.Now().UTC()
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Item, 0)
	for _, item := range s.items {
		if filter.Matches(item) {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.items, id)
	return nil
}
