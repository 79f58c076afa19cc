// Package metrics keeps in-memory counters for sync activity. Counters
// reset when the process restarts; durable history lives in sync logs.
package metrics

import (
	"sync"
	"time"
)

// recentErrorCap bounds how many recent errors a snapshot carries
const recentErrorCap = 32

// RecordedError is one failed push or pull attempt kept for diagnostics
type RecordedError struct {
	Time       time.Time `json:"time"`
	Collection string    `json:"collection,omitempty"`
	DocumentID string    `json:"document_id,omitempty"`
	Message    string    `json:"message"`
}

// Snapshot is a point-in-time copy of the recorder's counters
type Snapshot struct {
	Pushed              int64           `json:"pushed"`
	Pulled              int64           `json:"pulled"`
	ConflictsDetected   int64           `json:"conflicts_detected"`
	ConflictsResolved   int64           `json:"conflicts_resolved"`
	PermanentFailures   int64           `json:"permanent_failures"`
	Retries             int64           `json:"retries"`
	SyncRuns            int64           `json:"sync_runs"`
	UploadBytes         int64           `json:"upload_bytes"`
	DownloadBytes       int64           `json:"download_bytes"`
	LastSyncAt          time.Time       `json:"last_sync_at"`
	LastSuccessfulSync  time.Time       `json:"last_successful_sync"`
	LastSyncDuration    time.Duration   `json:"last_sync_duration"`
	AverageSyncDuration time.Duration   `json:"average_sync_duration"`
	RecentErrors        []RecordedError `json:"recent_errors,omitempty"`
}

// Recorder accumulates sync counters. All methods are safe for
// concurrent use.
type Recorder struct {
	mu sync.RWMutex

	pushed            int64
	pulled            int64
	conflictsDetected int64
	conflictsResolved int64
	permanentFailures int64
	retries           int64
	syncRuns          int64
	uploadBytes       int64
	downloadBytes     int64
	lastSyncAt        time.Time
	lastSuccessAt     time.Time
	lastSyncDuration  time.Duration
	totalSyncDuration time.Duration

	// errors is a ring buffer of the most recent failures
	errors []RecordedError
	next   int
	filled bool
}

// NewRecorder creates a new recorder
func NewRecorder() *Recorder {
	return &Recorder{
		errors: make([]RecordedError, recentErrorCap),
	}
}

// RecordPushed counts operations confirmed by the backend
func (r *Recorder) RecordPushed(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed += int64(n)
}

// RecordPulled counts remote changes applied locally
func (r *Recorder) RecordPulled(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulled += int64(n)
}

// RecordConflictDetected counts a version mismatch caught during push
func (r *Recorder) RecordConflictDetected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflictsDetected++
}

// RecordConflictResolved counts a conflict whose resolution was applied
func (r *Recorder) RecordConflictResolved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflictsResolved++
}

// RecordRetry counts a transient failure scheduled for another attempt
func (r *Recorder) RecordRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

// RecordPermanentFailure counts an operation abandoned after exhausting
// its attempts or hitting a non-retryable rejection
func (r *Recorder) RecordPermanentFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permanentFailures++
}

// RecordUpload counts bytes sent to the backend
func (r *Recorder) RecordUpload(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploadBytes += n
}

// RecordDownload counts bytes received from the backend
func (r *Recorder) RecordDownload(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloadBytes += n
}

// RecordSyncRun records a completed drain with its wall-clock duration.
// The last-successful timestamp only moves for clean runs.
func (r *Recorder) RecordSyncRun(startedAt time.Time, duration time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncRuns++
	r.lastSyncAt = startedAt
	if success {
		r.lastSuccessAt = startedAt
	}
	r.lastSyncDuration = duration
	r.totalSyncDuration += duration
}

// RecordError appends a failure to the recent-error ring
func (r *Recorder) RecordError(collection, documentID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors[r.next] = RecordedError{
		Time:       time.Now(),
		Collection: collection,
		DocumentID: documentID,
		Message:    message,
	}
	r.next = (r.next + 1) % recentErrorCap
	if r.next == 0 {
		r.filled = true
	}
}

// Snapshot returns a copy of the current counters. Recent errors are
// ordered oldest first.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		Pushed:             r.pushed,
		Pulled:             r.pulled,
		ConflictsDetected:  r.conflictsDetected,
		ConflictsResolved:  r.conflictsResolved,
		PermanentFailures:  r.permanentFailures,
		Retries:            r.retries,
		SyncRuns:           r.syncRuns,
		UploadBytes:        r.uploadBytes,
		DownloadBytes:      r.downloadBytes,
		LastSyncAt:         r.lastSyncAt,
		LastSuccessfulSync: r.lastSuccessAt,
		LastSyncDuration:   r.lastSyncDuration,
	}
	if r.syncRuns > 0 {
		s.AverageSyncDuration = r.totalSyncDuration / time.Duration(r.syncRuns)
	}

	if r.filled {
		s.RecentErrors = append(s.RecentErrors, r.errors[r.next:]...)
		s.RecentErrors = append(s.RecentErrors, r.errors[:r.next]...)
	} else if r.next > 0 {
		s.RecentErrors = append(s.RecentErrors, r.errors[:r.next]...)
	}

	return s
}

// Reset clears all counters and recent errors
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pushed = 0
	r.pulled = 0
	r.conflictsDetected = 0
	r.conflictsResolved = 0
	r.permanentFailures = 0
	r.retries = 0
	r.syncRuns = 0
	r.uploadBytes = 0
	r.downloadBytes = 0
	r.lastSyncAt = time.Time{}
	r.lastSuccessAt = time.Time{}
	r.lastSyncDuration = 0
	r.totalSyncDuration = 0
	r.errors = make([]RecordedError, recentErrorCap)
	r.next = 0
	r.filled = false
}
