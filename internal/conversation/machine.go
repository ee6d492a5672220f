package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/moby/locker"

	"plant-doctor/internal/domain"
)

const (
	DefaultTTL = time.Hour

	// maxWriteAttempts bounds re-reads after a version conflict with another process.
	maxWriteAttempts = 3
)

var (
	ErrEmptyUserID   = errors.New("conversation: user id must not be empty")
	ErrEmptyImageRef = errors.New("conversation: image reference must not be empty")
	ErrUnknownField  = errors.New("conversation: unknown metadata field")
	ErrEmptyValue    = errors.New("conversation: metadata value must not be empty")
)

// PhaseResult is returned by SubmitMetadataField.
type PhaseResult struct {
	Phase domain.Phase
	// Missing lists the fields still needed, in prompt order.
	Missing []domain.MetadataField
	// Trigger is true exactly once per cycle: on the write that completed the metadata.
	Trigger bool
	State   domain.ConversationState
}

// Machine tracks where each user is in the diagnosis flow. Mutations for one
// user are serialized; different users never wait on each other.
type Machine struct {
	store  Store
	locks  *locker.Locker
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewMachine(store Store, ttl time.Duration, opts ...Option) (*Machine, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Machine{
		store:  store,
		locks:  locker.New(),
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SubmitImage starts a new cycle for userID, replacing any live record that is
// still collecting metadata. It returns the image reference the replaced record
// held so the caller can dispose of it. A live record in PhaseProcessing is left
// untouched and domain.ErrDiagnosisInFlight is returned.
func (m *Machine) SubmitImage(ctx context.Context, userID, imageRef string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrEmptyUserID
	}
	if strings.TrimSpace(imageRef) == "" {
		return "", ErrEmptyImageRef
	}

	unlock := m.lock(userID)
	defer unlock()

	var previous string
	err := m.writeWithRetry(ctx, func() error {
		current, found, err := m.store.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("conversation: SubmitImage load: %w", err)
		}
		now := m.now()
		live := found && !current.Expired(now)
		if live && current.Phase == domain.PhaseProcessing {
			return domain.ErrDiagnosisInFlight
		}

		var expected int64
		if found {
			expected = current.Version
		}
		previous = ""
		if live && current.PendingImageRef != imageRef {
			previous = current.PendingImageRef
		}

		next := domain.ConversationState{
			UserID:          userID,
			Phase:           domain.PhaseAwaitingMetadata,
			PendingImageRef: imageRef,
			ExpiresAt:       now.Add(m.ttl),
			UpdatedAt:       now,
			Version:         expected + 1,
		}
		if err := m.store.Put(ctx, next, expected); err != nil {
			return fmt.Errorf("conversation: SubmitImage save: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	m.logger.Debug("image submitted", "user_id", userID, "replaced", previous != "")
	return previous, nil
}

// SubmitMetadataField merges one field into the live record. When the record
// becomes complete it moves to PhaseProcessing and the result has Trigger set.
func (m *Machine) SubmitMetadataField(ctx context.Context, userID string, field domain.MetadataField, value string) (PhaseResult, error) {
	if strings.TrimSpace(userID) == "" {
		return PhaseResult{}, ErrEmptyUserID
	}
	if _, ok := (domain.Metadata{}).Get(field); !ok {
		return PhaseResult{}, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return PhaseResult{}, ErrEmptyValue
	}

	unlock := m.lock(userID)
	defer unlock()

	var result PhaseResult
	err := m.writeWithRetry(ctx, func() error {
		current, found, err := m.store.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("conversation: SubmitMetadataField load: %w", err)
		}
		now := m.now()
		if !found || current.Expired(now) {
			return domain.ErrNoActiveSession
		}
		switch current.Phase {
		case domain.PhaseAwaitingMetadata:
		case domain.PhaseProcessing:
			// Already dispatched: report the phase, never trigger twice.
			result = PhaseResult{Phase: current.Phase, State: current}
			return nil
		default:
			return domain.ErrNoActiveSession
		}

		next := current
		next.PendingMetadata = current.PendingMetadata.With(field, value)
		next.UpdatedAt = now
		next.Version = current.Version + 1
		missing := next.PendingMetadata.Missing()
		if len(missing) == 0 {
			next.Phase = domain.PhaseProcessing
		}
		if err := m.store.Put(ctx, next, current.Version); err != nil {
			return fmt.Errorf("conversation: SubmitMetadataField save: %w", err)
		}
		result = PhaseResult{
			Phase:   next.Phase,
			Missing: missing,
			Trigger: len(missing) == 0,
			State:   next,
		}
		return nil
	})
	if err != nil {
		return PhaseResult{}, err
	}
	if result.Trigger {
		m.logger.Info("metadata complete, diagnosis triggered", "user_id", userID)
	}
	return result, nil
}

// CompleteOrAbort ends a cycle by removing the record.
//
// With version > 0 the caller owns the cycle that produced that version, and
// the record is removed only while it still holds that version. A newer cycle
// is left in place. With version 0 the call is a user reset: a live record in
// PhaseProcessing is kept and domain.ErrDiagnosisInFlight is returned.
func (m *Machine) CompleteOrAbort(ctx context.Context, userID string, version int64) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	unlock := m.lock(userID)
	defer unlock()

	return m.writeWithRetry(ctx, func() error {
		current, found, err := m.store.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("conversation: CompleteOrAbort load: %w", err)
		}
		if !found {
			return nil
		}
		if version > 0 && current.Version != version {
			m.logger.Debug("cycle already replaced, record kept",
				"user_id", userID, "owned_version", version, "current_version", current.Version)
			return nil
		}
		if version == 0 && current.Phase == domain.PhaseProcessing && !current.Expired(m.now()) {
			return domain.ErrDiagnosisInFlight
		}
		if err := m.store.Delete(ctx, userID, current.Version); err != nil {
			return fmt.Errorf("conversation: CompleteOrAbort: %w", err)
		}
		return nil
	})
}

// GetState returns a snapshot of the live record. Expired records are reported
// as absent even if the store has not evicted them yet.
func (m *Machine) GetState(ctx context.Context, userID string) (domain.ConversationState, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.ConversationState{}, false, ErrEmptyUserID
	}
	st, found, err := m.store.Get(ctx, userID)
	if err != nil {
		return domain.ConversationState{}, false, fmt.Errorf("conversation: GetState: %w", err)
	}
	if !found || st.Expired(m.now()) {
		return domain.ConversationState{}, false, nil
	}
	return st, true, nil
}

// lock serializes mutations for userID and returns the matching unlock.
func (m *Machine) lock(userID string) func() {
	m.locks.Lock(userID)
	return func() {
		if err := m.locks.Unlock(userID); err != nil {
			m.logger.Error("conversation: unlock failed", "user_id", userID, "error", err)
		}
	}
}

func (m *Machine) writeWithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if !errors.Is(err, domain.ErrStateConflict) {
			return err
		}
		m.logger.Warn("conversation write conflict, retrying", "attempt", attempt)
	}
	return err
}
