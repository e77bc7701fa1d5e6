package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrRunNotFound is returned for unknown or expired run IDs.
var ErrRunNotFound = errors.New("run not found")

// Store is an in-memory run store with TTL support. Callers only ever see
// copies; changes go through Update.
type Store struct {
	runs           map[string]*Run
	idempotencyMap map[string]string // idempotency_key -> run_id
	mu             sync.RWMutex
	logger         logrus.FieldLogger
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

// NewStore creates a store that drops expired runs every cleanupEvery.
func NewStore(cleanupEvery time.Duration, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cleanupEvery <= 0 {
		cleanupEvery = time.Hour
	}
	s := &Store{
		runs:           make(map[string]*Run),
		idempotencyMap: make(map[string]string),
		logger:         logger,
		stopCleanup:    make(chan struct{}),
	}
	go s.cleanupLoop(cleanupEvery)
	return s
}

func (s *Store) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes expired runs and returns how many were dropped
func (s *Store) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, run := range s.runs {
		if !run.IsExpired() {
			continue
		}
		if run.IdempotencyKey != "" && s.idempotencyMap[run.IdempotencyKey] == id {
			delete(s.idempotencyMap, run.IdempotencyKey)
		}
		delete(s.runs, id)
		deleted++
	}

	if deleted > 0 {
		s.logger.WithField("count", deleted).Info("cleaned up expired runs")
	}
	return deleted
}

// Stop stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Save stores a new run, or returns the live run already registered under
// the same idempotency key with existing set to true.
func (s *Store) Save(run *Run) (stored *Run, existing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.IdempotencyKey != "" {
		if id, ok := s.idempotencyMap[run.IdempotencyKey]; ok {
			if prev, ok := s.runs[id]; ok && !prev.IsExpired() {
				return prev.clone(), true
			}
		}
		s.idempotencyMap[run.IdempotencyKey] = run.ID
	}
	s.runs[run.ID] = run.clone()
	return run.clone(), false
}

// Get retrieves a copy of a run by ID
func (s *Store) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok || run.IsExpired() {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run.clone(), nil
}

// Update applies fn to the stored run under the store lock and returns a
// copy of the result.
func (s *Store) Update(id string, fn func(*Run)) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	fn(run)
	return run.clone(), nil
}

// Delete removes a run from the store
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok && run.IdempotencyKey != "" {
		delete(s.idempotencyMap, run.IdempotencyKey)
	}
	delete(s.runs, id)
}

// List returns copies of all live runs
func (s *Store) List() []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		if !run.IsExpired() {
			runs = append(runs, run.clone())
		}
	}
	return runs
}
