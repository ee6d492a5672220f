package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"plant-doctor/internal/domain"
)

// Store persists raw conversation records. Implementations return records even
// when they are expired; the Machine owns the expiry decision.
type Store interface {
	// Get returns the stored record for userID and whether one exists.
	Get(ctx context.Context, userID string) (domain.ConversationState, bool, error)
	// Put writes state if the stored version still equals expectedVersion
	// (0 means no record may exist) and returns domain.ErrStateConflict otherwise.
	Put(ctx context.Context, state domain.ConversationState, expectedVersion int64) error
	// Delete removes the record if its version equals expectedVersion (0 skips
	// the check) and returns domain.ErrStateConflict otherwise. Deleting a
	// missing record is not an error.
	Delete(ctx context.Context, userID string, expectedVersion int64) error
}

// MemoryStore keeps records in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.ConversationState
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.ConversationState),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (domain.ConversationState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.records[userID]
	return st, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, state domain.ConversationState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[state.UserID]
	switch {
	case !ok && expectedVersion != 0:
		return domain.ErrStateConflict
	case ok && current.Version != expectedVersion:
		return domain.ErrStateConflict
	}
	s.records[state.UserID] = state
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[userID]
	if !ok {
		return nil
	}
	if expectedVersion != 0 && current.Version != expectedVersion {
		return domain.ErrStateConflict
	}
	delete(s.records, userID)
	return nil
}

// Sweep drops every record expired at now and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, st := range s.records {
		if st.Expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				logger.Debug("swept expired conversations", "removed", n)
			}
		}
	}
}
