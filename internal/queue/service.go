package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/hearthkit/hearthsync/internal/config"
	"github.com/hearthkit/hearthsync/internal/loggy"
	"github.com/hearthkit/hearthsync/internal/ulid"
)

// Service owns the pending-operation queue. All mutating calls are durable
// before they return.
type Service struct {
	repo        Repository
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *loggy.Logger
	now         func() time.Time
}

// NewService creates a new queue service
func NewService(repo Repository, cfg config.SyncConfig, logger *loggy.Logger) *Service {
	return &Service{
		repo:        repo,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		logger:      logger,
		now:         time.Now,
	}
}

// Enqueue validates and durably queues a local mutation, returning the
// queued operation.
//
// Consecutive updates to a still-pending document coalesce into a single
// operation: the payload merges field-by-field (last write per field wins)
// and the earliest base version is kept, so rapid edits don't grow the
// queue without losing their net effect. An update arriving while a create
// for the same document is still pending folds into the create. A delete
// cancels every pending operation for the document and queues alone.
func (s *Service) Enqueue(ctx context.Context, kind Kind, collection, documentID string, payload map[string]any, baseVersion *int64) (*Operation, error) {
	now := s.now()

	op := &Operation{
		ID:            ulid.OperationID(),
		Kind:          kind,
		Collection:    collection,
		DocumentID:    documentID,
		Payload:       payload,
		BaseVersion:   baseVersion,
		Status:        StatusPending,
		NextAttemptAt: now,
		EnqueuedAt:    now,
		UpdatedAt:     now,
	}

	// Validation runs before any coalescing so a rejected operation
	// cannot disturb what is already queued
	if err := op.Validate(); err != nil {
		return nil, err
	}

	switch kind {
	case KindUpdate:
		if coalesced, err := s.coalesceUpdate(ctx, op); err != nil {
			return nil, err
		} else if coalesced != nil {
			return coalesced, nil
		}
	case KindDelete:
		removed, err := s.repo.DeletePending(ctx, collection, documentID)
		if err != nil {
			return nil, fmt.Errorf("cancelling pending operations for delete: %w", err)
		}
		if removed > 0 {
			s.logger.Debug("Delete collapsed pending operations",
				"collection", collection,
				"document_id", documentID,
				"removed", removed)
		}
	}

	if err := s.repo.Insert(ctx, op); err != nil {
		return nil, fmt.Errorf("persisting operation: %w", err)
	}

	s.logger.Debug("Operation enqueued",
		"op_id", op.ID,
		"kind", op.Kind,
		"collection", op.Collection,
		"document_id", op.DocumentID,
		"seq", op.Seq)

	return op, nil
}

// coalesceUpdate merges an incoming update into an existing pending update
// or create for the same document. Returns the surviving operation, or nil
// when no coalescing applied.
func (s *Service) coalesceUpdate(ctx context.Context, op *Operation) (*Operation, error) {
	pending, err := s.repo.GetPendingUpdate(ctx, op.Collection, op.DocumentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up pending update: %w", err)
	}

	if pending == nil {
		pending, err = s.repo.GetPendingCreate(ctx, op.Collection, op.DocumentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("looking up pending create: %w", err)
		}
	}

	if pending == nil {
		return nil, nil
	}

	// Last write per field wins locally; the pending operation keeps its
	// own (earliest) base version.
	merged := make(map[string]any, len(pending.Payload)+len(op.Payload))
	for k, v := range pending.Payload {
		merged[k] = v
	}
	for k, v := range op.Payload {
		merged[k] = v
	}

	if err := s.repo.UpdatePayload(ctx, pending.ID, merged); err != nil {
		if errors.Is(err, ErrNotFound) {
			// The pending op was dequeued between lookup and merge; queue separately
			return nil, nil
		}
		return nil, fmt.Errorf("coalescing update payload: %w", err)
	}

	pending.Payload = merged

	s.logger.Debug("Update coalesced into pending operation",
		"op_id", pending.ID,
		"kind", pending.Kind,
		"collection", pending.Collection,
		"document_id", pending.DocumentID)

	return pending, nil
}

// DequeueNext returns the oldest pending operation that is due, marking it
// in flight. When a document is given, only that document's queue is
// considered. Returns nil when nothing is due.
func (s *Service) DequeueNext(ctx context.Context, collection, documentID string) (*Operation, error) {
	op, err := s.repo.OldestPending(ctx, collection, documentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching oldest pending operation: %w", err)
	}

	// An operation still in its backoff window holds the document's queue:
	// later operations must not overtake it.
	if op.NextAttemptAt.After(s.now()) {
		return nil, nil
	}

	if err := s.repo.SetStatus(ctx, op.ID, StatusInFlight, op.Attempts, op.NextAttemptAt, op.LastError); err != nil {
		return nil, fmt.Errorf("marking operation in flight: %w", err)
	}
	op.Status = StatusInFlight

	return op, nil
}

// MarkApplied transitions an operation to its terminal applied state
func (s *Service) MarkApplied(ctx context.Context, op *Operation) error {
	if err := s.repo.SetStatus(ctx, op.ID, StatusApplied, op.Attempts, op.NextAttemptAt, ""); err != nil {
		return fmt.Errorf("marking operation applied: %w", err)
	}
	op.Status = StatusApplied
	return nil
}

// MarkFailed records a failed push attempt. Retryable failures return the
// operation to pending after an exponential backoff delay; once the attempt
// ceiling is reached, or for non-retryable failures, the operation becomes
// permanently failed and is surfaced to the caller. Returns true when the
// failure is permanent.
func (s *Service) MarkFailed(ctx context.Context, op *Operation, retryable bool, cause error) (bool, error) {
	attempts := op.Attempts + 1
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	if !retryable || attempts >= s.maxAttempts {
		if err := s.repo.SetStatus(ctx, op.ID, StatusFailed, attempts, op.NextAttemptAt, lastError); err != nil {
			return false, fmt.Errorf("marking operation failed: %w", err)
		}
		op.Status = StatusFailed
		op.Attempts = attempts

		s.logger.Warn("Operation failed permanently",
			"op_id", op.ID,
			"collection", op.Collection,
			"document_id", op.DocumentID,
			"attempts", attempts,
			"error", lastError)
		return true, nil
	}

	next := s.now().Add(s.backoffDelay(attempts))
	if err := s.repo.SetStatus(ctx, op.ID, StatusPending, attempts, next, lastError); err != nil {
		return false, fmt.Errorf("scheduling operation retry: %w", err)
	}
	op.Status = StatusPending
	op.Attempts = attempts
	op.NextAttemptAt = next

	s.logger.Debug("Operation scheduled for retry",
		"op_id", op.ID,
		"attempts", attempts,
		"next_attempt_at", next)
	return false, nil
}

// backoffDelay computes the retry delay for the given attempt count:
// base * 2^(attempts-1), capped, with up to 20% jitter. The schedule is
// persisted in next_attempt_at so it survives restarts.
func (s *Service) backoffDelay(attempts int) time.Duration {
	delay := s.backoffBase
	for i := 1; i < attempts && delay < s.backoffMax; i++ {
		delay *= 2
	}
	if delay > s.backoffMax {
		delay = s.backoffMax
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

// Release returns an in-flight operation to pending without counting an
// attempt. Used when a drain is interrupted or a conflict awaits manual
// resolution.
func (s *Service) Release(ctx context.Context, op *Operation) error {
	if err := s.repo.SetStatus(ctx, op.ID, StatusPending, op.Attempts, op.NextAttemptAt, op.LastError); err != nil {
		return fmt.Errorf("releasing operation: %w", err)
	}
	op.Status = StatusPending
	return nil
}

// RecoverInFlight returns operations stranded in flight by an
// interrupted process to pending so they are pushed again. Called once
// at startup, before any drain runs.
func (s *Service) RecoverInFlight(ctx context.Context) (int, error) {
	n, err := s.repo.ResetInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovering in-flight operations: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Recovered operations left in flight by a previous run", "count", n)
	}
	return int(n), nil
}

// Get returns an operation by ID
func (s *Service) Get(ctx context.Context, opID string) (*Operation, error) {
	return s.repo.Get(ctx, opID)
}

// HasPending reports whether a document has queued work
func (s *Service) HasPending(ctx context.Context, collection, documentID string) (bool, error) {
	_, err := s.repo.OldestPending(ctx, collection, documentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking pending operations: %w", err)
	}
	return true, nil
}

// Retry resets a permanently failed operation back to pending
func (s *Service) Retry(ctx context.Context, opID string) error {
	op, err := s.repo.Get(ctx, opID)
	if err != nil {
		return fmt.Errorf("loading operation: %w", err)
	}

	if op.Status != StatusFailed {
		return fmt.Errorf("operation %s is %s, only failed operations can be retried", opID, op.Status)
	}

	if err := s.repo.SetStatus(ctx, opID, StatusPending, 0, s.now(), ""); err != nil {
		return fmt.Errorf("resetting operation: %w", err)
	}

	s.logger.Info("Failed operation reset for retry", "op_id", opID)
	return nil
}

// Discard removes a permanently failed operation from the queue
func (s *Service) Discard(ctx context.Context, opID string) error {
	op, err := s.repo.Get(ctx, opID)
	if err != nil {
		return fmt.Errorf("loading operation: %w", err)
	}

	if op.Status != StatusFailed {
		return fmt.Errorf("operation %s is %s, only failed operations can be discarded", opID, op.Status)
	}

	if err := s.repo.Delete(ctx, opID); err != nil {
		return fmt.Errorf("discarding operation: %w", err)
	}

	s.logger.Info("Failed operation discarded", "op_id", opID)
	return nil
}

// PendingCount returns the number of pending operations
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.repo.PendingCount(ctx)
}

// ListPending returns pending operations in queue order
func (s *Service) ListPending(ctx context.Context) ([]*Operation, error) {
	return s.repo.ListByStatus(ctx, StatusPending)
}

// ListFailed returns permanently failed operations in queue order
func (s *Service) ListFailed(ctx context.Context) ([]*Operation, error) {
	return s.repo.ListByStatus(ctx, StatusFailed)
}

// PendingDocuments returns documents with pending operations, ordered by
// their oldest pending operation
func (s *Service) PendingDocuments(ctx context.Context) ([]DocumentRef, error) {
	return s.repo.PendingDocuments(ctx)
}
