package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Backend. A single mutex is the claim's
// compare-and-swap; items do not survive a restart.
type MemStore struct {
	mu    sync.Mutex
	items map[string]*memItem
	seq   uint64
	now   func() time.Time
}

type memItem struct {
	item *Item
	seq  uint64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		items: make(map[string]*memItem),
		now:   time.Now,
	}
}

// Enqueue implements Store.
func (s *MemStore) Enqueue(_ context.Context, it *Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.IdempotencyKey != "" {
		if existing := s.findActiveLocked(it.IdempotencyKey); existing != nil {
			return existing.item.ID, ErrDuplicate
		}
	}
	if it.ID == "" {
		it.ID = NewID()
	}
	if _, ok := s.items[it.ID]; ok {
		return "", fmt.Errorf("enqueue %s: id already exists", it.ID)
	}
	now := s.now()
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = now
	}
	it.UpdatedAt = now
	it.Status = StatusPending
	it.Owner = ""

	s.seq++
	s.items[it.ID] = &memItem{item: it.Clone(), seq: s.seq}
	return it.ID, nil
}

// Claim implements Store.
func (s *MemStore) Claim(_ context.Context, workerID string, lanes []Priority, now time.Time) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lane := range lanes {
		var head *memItem
		for _, m := range s.items {
			if m.item.Priority != lane || !m.item.Claimable(now) {
				continue
			}
			if head == nil || m.seq < head.seq {
				head = m
			}
		}
		if head == nil {
			continue
		}
		head.item.Status = StatusInFlight
		head.item.Owner = workerID
		head.item.UpdatedAt = now
		return head.item.Clone(), nil
	}
	return nil, ErrEmpty
}

// Ack implements Store.
func (s *MemStore) Ack(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.ownedLocked(id, workerID)
	if err != nil {
		return err
	}
	delete(s.items, m.item.ID)
	return nil
}

// Nack implements Store.
func (s *MemStore) Nack(_ context.Context, id, workerID string, r Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.ownedLocked(id, workerID)
	if err != nil {
		return err
	}
	switch r.Status {
	case StatusPending, StatusFailed, StatusDeadLettered:
	default:
		return fmt.Errorf("nack to %s: %w", r.Status, ErrInvalidState)
	}
	it := m.item
	it.Status = r.Status
	it.Attempts = r.Attempts
	it.NextRetryAt = r.NextRetryAt
	it.LastError = r.LastError
	it.ErrorKind = r.ErrorKind
	it.Owner = ""
	it.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) ownedLocked(id, workerID string) (*memItem, error) {
	m, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.item.Status != StatusInFlight || m.item.Owner != workerID {
		return nil, ErrNotOwner
	}
	return m, nil
}

func (s *MemStore) findActiveLocked(key string) *memItem {
	for _, m := range s.items {
		if m.item.IdempotencyKey == key && m.item.Status.Live() {
			return m
		}
	}
	return nil
}

// Get implements Ledger.
func (s *MemStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.item.Clone(), nil
}

// FindActive implements Ledger.
func (s *MemStore) FindActive(_ context.Context, key string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findActiveLocked(key); m != nil {
		return m.item.Clone(), nil
	}
	return nil, ErrNotFound
}

// Remove implements Ledger.
func (s *MemStore) Remove(_ context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.item.Status != StatusPending && m.item.Status != StatusFailed {
		return nil, fmt.Errorf("remove %s item: %w", m.item.Status, ErrInvalidState)
	}
	delete(s.items, id)
	return m.item.Clone(), nil
}

// Counts implements Ledger.
func (s *MemStore) Counts(context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for _, m := range s.items {
		counts[m.item.Status]++
	}
	return counts, nil
}

// List implements Ledger.
func (s *MemStore) List(_ context.Context, status Status, limit int) ([]*Item, error) {
	s.mu.Lock()
	matched := make([]*memItem, 0, len(s.items))
	for _, m := range s.items {
		if status == "" || m.item.Status == status {
			matched = append(matched, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].item.Priority != matched[j].item.Priority {
			return matched[i].item.Priority < matched[j].item.Priority
		}
		return matched[i].seq < matched[j].seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Item, len(matched))
	s.mu.Lock()
	for i, m := range matched {
		out[i] = m.item.Clone()
	}
	s.mu.Unlock()
	return out, nil
}

// Requeue implements Ledger.
func (s *MemStore) Requeue(_ context.Context, id string, now time.Time) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.item.Status != StatusDeadLettered {
		return nil, fmt.Errorf("requeue %s item: %w", m.item.Status, ErrInvalidState)
	}
	if m.item.IdempotencyKey != "" {
		if other := s.findActiveLocked(m.item.IdempotencyKey); other != nil {
			return nil, fmt.Errorf("requeue %s: %w", id, ErrDuplicate)
		}
	}
	it := m.item
	it.Status = StatusPending
	it.Attempts = 0
	it.NextRetryAt = time.Time{}
	it.UpdatedAt = now
	return it.Clone(), nil
}

// Recover implements Ledger.
func (s *MemStore) Recover(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.items {
		if m.item.Status == StatusInFlight {
			m.item.Status = StatusPending
			m.item.Owner = ""
			n++
		}
	}
	return n, nil
}

// Close implements Backend.
func (s *MemStore) Close() error { return nil }
