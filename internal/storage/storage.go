// Package storage provides the durable, concurrency-safe watch condition store.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/metrics"
	"github.com/rewired-gh/oddswatch/internal/models"
)

// ErrPersistence is wrapped by every error caused by a failed snapshot write.
// The in-memory mutation that triggered the write is kept regardless.
var ErrPersistence = errors.New("persistence failure")

// Backend persists full snapshots of the condition mapping.
type Backend interface {
	Load() (map[int64][]models.WatchCondition, error)
	Save(conditions map[int64][]models.WatchCondition) error
	Close() error
}

// ConditionStore maps subscribers to their ordered watch conditions.
// All reads and writes are serialized by a single mutex; every mutation
// writes a full snapshot to the backend before returning.
type ConditionStore struct {
	mu         sync.Mutex
	backend    Backend
	conditions map[int64][]models.WatchCondition
	metrics    *metrics.Registry
	now        func() time.Time
}

// NewConditionStore loads the persisted mapping from backend. A load failure
// is logged and the store starts empty.
func NewConditionStore(backend Backend, m *metrics.Registry) *ConditionStore {
	s := &ConditionStore{
		backend:    backend,
		conditions: make(map[int64][]models.WatchCondition),
		metrics:    m,
		now:        time.Now,
	}

	loaded, err := backend.Load()
	if err != nil {
		logger.Warn("Failed to load persisted conditions, starting empty: %v", err)
		loaded = nil
	}

	total := 0
	for sub, list := range loaded {
		for _, c := range list {
			c.Subscriber = sub
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			if err := c.Validate(); err != nil {
				logger.Warn("Dropping invalid persisted condition for %d: %v", sub, err)
				continue
			}
			s.conditions[sub] = append(s.conditions[sub], c)
			total++
		}
	}
	logger.Info("Loaded %d persisted conditions for %d subscribers", total, len(s.conditions))
	s.metrics.SetLiveConditions(total)

	return s
}

// Close closes the underlying backend.
func (s *ConditionStore) Close() error {
	return s.backend.Close()
}

// Add appends a new condition for subscriber. Duplicates are allowed.
func (s *ConditionStore) Add(subscriber int64, surname string, threshold float64) (models.WatchCondition, error) {
	c := models.WatchCondition{
		ID:         uuid.New().String(),
		Subscriber: subscriber,
		Surname:    strings.TrimSpace(surname),
		Threshold:  threshold,
		CreatedAt:  s.now().UTC(),
	}
	if err := c.Validate(); err != nil {
		return models.WatchCondition{}, fmt.Errorf("invalid condition: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conditions[subscriber] = append(s.conditions[subscriber], c)
	return c, s.persistLocked()
}

// Remove deletes every condition of subscriber whose surname matches
// case-insensitively. Nothing is written when no condition matched.
func (s *ConditionStore) Remove(subscriber int64, surname string) (int, error) {
	key := strings.ToLower(strings.TrimSpace(surname))

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.conditions[subscriber]
	kept := make([]models.WatchCondition, 0, len(list))
	for _, c := range list {
		if c.Key() != key {
			kept = append(kept, c)
		}
	}

	removed := len(list) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	s.setLocked(subscriber, kept)
	return removed, s.persistLocked()
}

// RemoveOne deletes exactly the given condition instance, identified by ID.
func (s *ConditionStore) RemoveOne(cond models.WatchCondition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.conditions[cond.Subscriber]
	for i, c := range list {
		if c.ID != cond.ID {
			continue
		}
		kept := make([]models.WatchCondition, 0, len(list)-1)
		kept = append(kept, list[:i]...)
		kept = append(kept, list[i+1:]...)
		s.setLocked(cond.Subscriber, kept)
		return true, s.persistLocked()
	}
	return false, nil
}

// Clear deletes all conditions of subscriber and returns how many were held.
func (s *ConditionStore) Clear(subscriber int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.conditions[subscriber])
	if removed == 0 {
		return 0, nil
	}
	delete(s.conditions, subscriber)
	return removed, s.persistLocked()
}

// List returns a copy of subscriber's conditions in creation order.
func (s *ConditionStore) List(subscriber int64) []models.WatchCondition {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.WatchCondition(nil), s.conditions[subscriber]...)
}

// Snapshot returns a point-in-time deep copy of the whole mapping.
func (s *ConditionStore) Snapshot() map[int64][]models.WatchCondition {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.copyLocked()
}

// Subscribers returns, in ascending order, every subscriber holding at least one condition.
func (s *ConditionStore) Subscribers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]int64, 0, len(s.conditions))
	for sub, list := range s.conditions {
		if len(list) > 0 {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	return subs
}

// Count returns the number of live conditions across all subscribers.
func (s *ConditionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.countLocked()
}

func (s *ConditionStore) setLocked(subscriber int64, list []models.WatchCondition) {
	if len(list) == 0 {
		delete(s.conditions, subscriber)
		return
	}
	s.conditions[subscriber] = list
}

func (s *ConditionStore) countLocked() int {
	n := 0
	for _, list := range s.conditions {
		n += len(list)
	}
	return n
}

func (s *ConditionStore) copyLocked() map[int64][]models.WatchCondition {
	out := make(map[int64][]models.WatchCondition, len(s.conditions))
	for sub, list := range s.conditions {
		if len(list) == 0 {
			continue
		}
		out[sub] = append([]models.WatchCondition(nil), list...)
	}
	return out
}

// persistLocked writes the full mapping. It must be called with mu held so
// that snapshots reach the backend in mutation order.
func (s *ConditionStore) persistLocked() error {
	s.metrics.SetLiveConditions(s.countLocked())

	if err := s.backend.Save(s.copyLocked()); err != nil {
		s.metrics.PersistenceFailed()
		logger.Error("Failed to persist conditions: %v", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
