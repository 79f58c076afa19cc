// Package conflict implements conflict detection records and the pure
// resolution logic applied when a local mutation's base version no longer
// matches the document's remote version.
package conflict

import (
	"fmt"
	"time"

	"github.com/hearthkit/hearthsync/internal/queue"
)

// Status represents the lifecycle state of a recorded conflict
type Status string

const (
	// StatusUnresolved means the conflict awaits external input
	StatusUnresolved Status = "unresolved"
	// StatusResolvedLocal means the local changes won
	StatusResolvedLocal Status = "resolved_local"
	// StatusResolvedRemote means the remote state was adopted
	StatusResolvedRemote Status = "resolved_remote"
	// StatusResolvedMerged means a field-level merge was applied
	StatusResolvedMerged Status = "resolved_merged"
)

// Policy selects how a conflict is reconciled
type Policy string

const (
	// PolicyPreferLocal lets the local operation's changed fields win outright
	PolicyPreferLocal Policy = "prefer_local"
	// PolicyPreferRemote discards the local operation and adopts the remote state
	PolicyPreferRemote Policy = "prefer_remote"
	// PolicyFieldMerge merges field-by-field against the base version,
	// tiebreaking same-field divergence by the later wall-clock timestamp
	PolicyFieldMerge Policy = "field_merge"
	// PolicyManual surfaces the conflict for an explicit user choice
	PolicyManual Policy = "manual"
)

// ParsePolicy converts a policy string into a Policy
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyPreferLocal, PolicyPreferRemote, PolicyFieldMerge, PolicyManual:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Choice is an explicit user decision for a manually resolved conflict
type Choice string

const (
	// ChoiceLocal applies the local operation's changes
	ChoiceLocal Choice = "local"
	// ChoiceRemote keeps the remote state
	ChoiceRemote Choice = "remote"
	// ChoiceMerged applies the field-merge result
	ChoiceMerged Choice = "merged"
)

// ParseChoice converts a choice string into a Choice
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceLocal, ChoiceRemote, ChoiceMerged:
		return Choice(s), nil
	}
	return "", fmt.Errorf("unknown resolution choice %q", s)
}

// Snapshot captures a document's field values at a specific version
type Snapshot struct {
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Conflict records a detected divergence between a local pending operation
// and the document's current remote state. It is persisted when detected
// and kept until its resolution has been durably applied, so no
// reconciliation is ever silent.
type Conflict struct {
	ID          string    `json:"id"`
	Collection  string    `json:"collection"`
	DocumentID  string    `json:"document_id"`
	OperationID string    `json:"operation_id"`
	// Operation is the local operation that triggered detection. It is
	// attached in memory and rehydrated from the queue when needed.
	Operation *queue.Operation `json:"-"`
	// LocalSnapshot holds the cached values the pending mutation was
	// computed against (the state at the operation's base version)
	LocalSnapshot Snapshot `json:"local_snapshot"`
	// RemoteSnapshot holds the current remote values and version
	RemoteSnapshot  Snapshot   `json:"remote_snapshot"`
	Policy          Policy     `json:"policy"`
	Status          Status     `json:"status"`
	TiebrokenFields []string   `json:"tiebroken_fields,omitempty"`
	DetectedAt      time.Time  `json:"detected_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// Outcome summarizes which side a resolution favoured
type Outcome string

const (
	// OutcomeLocal means the local changes won
	OutcomeLocal Outcome = "local"
	// OutcomeRemote means the remote state was kept
	OutcomeRemote Outcome = "remote"
	// OutcomeMerged means fields from both sides were combined
	OutcomeMerged Outcome = "merged"
	// OutcomeUnresolved means the conflict awaits a manual choice
	OutcomeUnresolved Outcome = "unresolved"
)

// Resolution is the decision produced by the resolver. It carries the final
// field values, the remote version the write must be conditioned on, and
// which fields needed the timestamp tiebreaker.
type Resolution struct {
	Outcome Outcome `json:"outcome"`
	// Fields holds the final field values to write (nil for deletes and
	// unresolved outcomes)
	Fields map[string]any `json:"fields,omitempty"`
	// Delete indicates the document should be deleted remotely
	Delete bool `json:"delete,omitempty"`
	// BaseVersion is the remote version the resolution write expects
	BaseVersion int64 `json:"base_version"`
	// TiebrokenFields lists fields where both sides changed to different
	// values and the later wall-clock timestamp decided
	TiebrokenFields []string `json:"tiebroken_fields,omitempty"`
}

// ResolvedStatus maps a resolution outcome to the conflict status recorded
// once the resolution is applied
func (r Resolution) ResolvedStatus() Status {
	switch r.Outcome {
	case OutcomeLocal:
		return StatusResolvedLocal
	case OutcomeRemote:
		return StatusResolvedRemote
	case OutcomeMerged:
		return StatusResolvedMerged
	default:
		return StatusUnresolved
	}
}
