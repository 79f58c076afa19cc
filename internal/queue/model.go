// Package queue implements the durable, ordered queue of pending local
// mutations. Operations are persisted to the local database before the
// enqueue call returns and survive process restarts.
package queue

import (
	"errors"
	"fmt"
	"time"
)

// Kind represents the type of a queued mutation
type Kind string

const (
	// KindCreate creates a new document
	KindCreate Kind = "create"
	// KindUpdate applies a field-level change set to a document
	KindUpdate Kind = "update"
	// KindDelete deletes a document
	KindDelete Kind = "delete"
)

// Status represents the lifecycle state of a queued operation
type Status string

const (
	// StatusPending means the operation is waiting to be pushed
	StatusPending Status = "pending"
	// StatusInFlight means the operation is currently being pushed
	StatusInFlight Status = "in_flight"
	// StatusFailed means the operation failed permanently and awaits
	// an explicit user retry or discard
	StatusFailed Status = "failed"
	// StatusApplied means the backend accepted the operation
	StatusApplied Status = "applied"
)

// ErrNotFound is returned when an operation does not exist
var ErrNotFound = errors.New("operation not found")

// ValidationError indicates a malformed operation. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation: %s %s", e.Field, e.Reason)
}

// Operation is one queued local mutation.
//
// Seq is assigned monotonically at enqueue time by the database and defines
// the apply order for operations targeting the same document.
type Operation struct {
	Seq           int64          `json:"seq"`
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Collection    string         `json:"collection"`
	DocumentID    string         `json:"document_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	BaseVersion   *int64         `json:"base_version,omitempty"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LastError     string         `json:"last_error,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Validate checks the operation for required fields
func (o *Operation) Validate() error {
	if o.Collection == "" {
		return &ValidationError{Field: "collection", Reason: "is required"}
	}
	if o.DocumentID == "" {
		return &ValidationError{Field: "document_id", Reason: "is required"}
	}

	switch o.Kind {
	case KindCreate, KindUpdate:
		if len(o.Payload) == 0 {
			return &ValidationError{Field: "payload", Reason: "is required for " + string(o.Kind)}
		}
	case KindDelete:
		if len(o.Payload) != 0 {
			return &ValidationError{Field: "payload", Reason: "must be empty for delete"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", o.Kind)}
	}

	if o.Kind == KindCreate && o.BaseVersion != nil {
		return &ValidationError{Field: "base_version", Reason: "must be null for create"}
	}
	if o.Kind != KindCreate && o.BaseVersion == nil {
		return &ValidationError{Field: "base_version", Reason: "is required for " + string(o.Kind)}
	}

	return nil
}

// DocumentRef identifies a document with pending operations
type DocumentRef struct {
	Collection string
	DocumentID string
}

func (d DocumentRef) String() string {
	return d.Collection + "/" + d.DocumentID
}
