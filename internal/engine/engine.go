// Package engine orchestrates synchronization: it drains the durable
// operation queue to the backend, pulls remote changes, and routes
// version conflicts through resolution. One drain runs at a time;
// documents drain sequentially while distinct documents push in
// parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hearthkit/hearthsync/internal/cache"
	"github.com/hearthkit/hearthsync/internal/config"
	"github.com/hearthkit/hearthsync/internal/conflict"
	"github.com/hearthkit/hearthsync/internal/loggy"
	"github.com/hearthkit/hearthsync/internal/metrics"
	"github.com/hearthkit/hearthsync/internal/netmon"
	"github.com/hearthkit/hearthsync/internal/queue"
	"github.com/hearthkit/hearthsync/internal/remote"
	"github.com/hearthkit/hearthsync/internal/synclog"
	"github.com/hearthkit/hearthsync/internal/ulid"
)

// ErrOffline is returned when a sync is requested while the backend is
// unreachable
var ErrOffline = errors.New("backend unreachable, sync skipped")

// errResolutionRace means the document changed remotely while a
// resolution write was in flight. The operation stays queued and the
// conflict is re-detected against the newer state on the next drain.
var errResolutionRace = errors.New("document changed during conflict resolution")

// RemoteClient is the backend surface the engine pushes to and pulls from
type RemoteClient interface {
	Push(ctx context.Context, op *queue.Operation) (*remote.PushResult, error)
	Pull(ctx context.Context, collection, cursor string, limit int) (*remote.PullResult, error)
}

// NetworkMonitor is the connectivity surface the engine observes
type NetworkMonitor interface {
	Status() netmon.Status
	Subscribe(fn netmon.Listener) func()
}

// pushOutcome classifies what happened to one pushed operation
type pushOutcome int

const (
	outcomeApplied pushOutcome = iota
	outcomeConflictResolved
	outcomeConflictHeld
	outcomeFailedPermanent
	outcomeFailedTransient
)

// Engine coordinates the queue, the backend client, conflict resolution
// and the document cache
type Engine struct {
	cfg       config.SyncConfig
	queue     *queue.Service
	conflicts conflict.Repository
	resolver  *conflict.Resolver
	cache     cache.Repository
	client    RemoteClient
	cursors   CursorStore
	logs      synclog.Repository
	recorder  *metrics.Recorder
	monitor   NetworkMonitor
	logger    *loggy.Logger

	mu      sync.Mutex
	state   State
	subs    map[int]func(State)
	nextSub int

	// syncMu serializes drains: one sync runs at a time
	syncMu sync.Mutex
	// triggerCh holds at most one queued trigger; further triggers during
	// a running drain coalesce into that single re-run
	triggerCh chan synclog.Trigger

	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	now func() time.Time
}

// New creates a sync engine
func New(
	cfg config.SyncConfig,
	q *queue.Service,
	conflicts conflict.Repository,
	docCache cache.Repository,
	client RemoteClient,
	cursors CursorStore,
	logs synclog.Repository,
	recorder *metrics.Recorder,
	monitor NetworkMonitor,
	logger *loggy.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		queue:     q,
		conflicts: conflicts,
		resolver:  conflict.NewResolver(),
		cache:     docCache,
		client:    client,
		cursors:   cursors,
		logs:      logs,
		recorder:  recorder,
		monitor:   monitor,
		logger:    logger,
		state:     StateIdle,
		subs:      make(map[int]func(State)),
		triggerCh: make(chan synclog.Trigger, 1),
		now:       time.Now,
	}
}

// Enqueue records a local mutation and, when online, nudges the engine
// to drain. The mutation is durable before this returns.
func (e *Engine) Enqueue(ctx context.Context, kind queue.Kind, collection, documentID string, payload map[string]any, baseVersion *int64) (*queue.Operation, error) {
	op, err := e.queue.Enqueue(ctx, kind, collection, documentID, payload, baseVersion)
	if err != nil {
		return nil, err
	}

	if e.monitor.Status().Online {
		e.TriggerSync(synclog.TriggerEnqueue)
	}

	return op, nil
}

// TriggerSync requests a drain without blocking. While a drain is
// running, any number of triggers collapse into a single follow-up run.
func (e *Engine) TriggerSync(trigger synclog.Trigger) {
	select {
	case e.triggerCh <- trigger:
	default:
	}
}

// Start launches the background loop: periodic drains, trigger handling
// and reconnect-driven syncs. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.mu.Unlock()

	unsubscribe := e.monitor.Subscribe(func(s netmon.Status) {
		if s.Online {
			e.TriggerSync(synclog.TriggerNetwork)
		} else {
			e.setState(StateOffline)
		}
	})

	go func() {
		defer close(e.done)
		defer unsubscribe()

		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case trigger := <-e.triggerCh:
				e.runSync(ctx, trigger)
			case <-ticker.C:
				e.runSync(ctx, synclog.TriggerTimer)
			}
		}
	}()
}

// Stop halts the background loop and waits for any in-flight drain
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
}

// SyncNow runs one full drain synchronously and returns its log entry
func (e *Engine) SyncNow(ctx context.Context) (*synclog.Entry, error) {
	return e.runSync(ctx, synclog.TriggerManual)
}

// runSync performs one push-then-pull cycle under the drain lock
func (e *Engine) runSync(ctx context.Context, trigger synclog.Trigger) (*synclog.Entry, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if !e.monitor.Status().Online {
		e.setState(StateOffline)
		return nil, ErrOffline
	}

	entry := synclog.NewEntry(trigger)
	e.setState(StateSyncing)

	e.logger.Debug("Sync started", "trigger", trigger)

	e.pushPhase(ctx, entry)
	e.pullPhase(ctx, entry)

	completed := e.now()
	entry.CompletedAt = &completed
	entry.Success = entry.ErrorMessage == ""

	if err := e.logs.Record(ctx, entry); err != nil {
		e.logger.Error("Failed to record sync run", "error", err)
	}
	e.recorder.RecordSyncRun(entry.StartedAt, completed.Sub(entry.StartedAt), entry.Success)

	e.refreshState(ctx)

	e.logger.Info("Sync completed",
		"trigger", trigger,
		"pushed", entry.Pushed,
		"pulled", entry.Pulled,
		"conflicts", entry.Conflicts,
		"failed", entry.Failed,
		"duration", entry.Duration())

	if !entry.Success {
		return entry, errors.New(entry.ErrorMessage)
	}
	return entry, nil
}

// pushPhase drains every document with pending work. Documents push in
// parallel up to the configured concurrency; operations within one
// document stay strictly ordered.
func (e *Engine) pushPhase(ctx context.Context, entry *synclog.Entry) {
	refs, err := e.queue.PendingDocuments(ctx)
	if err != nil {
		e.logger.Error("Failed to list pending documents", "error", err)
		entry.ErrorMessage = err.Error()
		return
	}
	if len(refs) == 0 {
		return
	}

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ref queue.DocumentRef) {
			defer wg.Done()
			defer func() { <-sem }()

			pushed, conflicts, failed := e.drainDocument(ctx, ref)

			mu.Lock()
			entry.Pushed += pushed
			entry.Conflicts += conflicts
			entry.Failed += failed
			mu.Unlock()
		}(ref)
	}

	wg.Wait()
}

// drainDocument pushes a single document's operations in queue order
// until the document is empty, held back by backoff, or waiting on a
// conflict
func (e *Engine) drainDocument(ctx context.Context, ref queue.DocumentRef) (pushed, conflicts, failed int) {
	held, err := e.conflicts.HasUnresolved(ctx, ref.Collection, ref.DocumentID)
	if err != nil {
		e.logger.Error("Failed to check document conflicts", "document", ref.String(), "error", err)
		return
	}
	if held {
		// The document waits for manual resolution before anything else
		// may push
		return
	}

	for {
		// A disconnect observed mid-drain stops new pushes; whatever is
		// already in flight finishes on its own
		if ctx.Err() != nil || !e.monitor.Status().Online {
			return
		}

		op, err := e.queue.DequeueNext(ctx, ref.Collection, ref.DocumentID)
		if err != nil {
			e.logger.Error("Failed to dequeue operation", "document", ref.String(), "error", err)
			return
		}
		if op == nil {
			return
		}

		switch e.pushOperation(ctx, op) {
		case outcomeApplied:
			pushed++
		case outcomeConflictResolved:
			pushed++
			conflicts++
		case outcomeConflictHeld:
			conflicts++
			return
		case outcomeFailedPermanent:
			failed++
		case outcomeFailedTransient:
			// The backoff window now holds this document's queue
			return
		}
	}
}

// pushOperation sends one operation and settles its fate in the queue
func (e *Engine) pushOperation(ctx context.Context, op *queue.Operation) pushOutcome {
	result, err := e.client.Push(ctx, op)
	if err != nil {
		return e.recordPushFailure(ctx, op, remote.IsTransient(err), err)
	}
	e.recorder.RecordUpload(result.Bytes)

	switch result.Status {
	case remote.PushAccepted:
		if err := e.applyAccepted(ctx, op, result.NewVersion); err != nil {
			e.logger.Error("Failed to update document cache", "op_id", op.ID, "error", err)
		}
		if err := e.queue.MarkApplied(ctx, op); err != nil {
			e.logger.Error("Failed to mark operation applied", "op_id", op.ID, "error", err)
			return outcomeFailedTransient
		}
		e.recorder.RecordPushed(1)
		return outcomeApplied

	case remote.PushConflict:
		return e.handleConflict(ctx, op, result.Remote)

	default:
		return e.recordPushFailure(ctx, op, false, errors.New(result.Reason))
	}
}

// recordPushFailure routes a failed push through the queue's retry
// accounting and the metrics recorder
func (e *Engine) recordPushFailure(ctx context.Context, op *queue.Operation, retryable bool, cause error) pushOutcome {
	e.recorder.RecordError(op.Collection, op.DocumentID, cause.Error())

	permanent, err := e.queue.MarkFailed(ctx, op, retryable, cause)
	if err != nil {
		e.logger.Error("Failed to record push failure", "op_id", op.ID, "error", err)
		return outcomeFailedTransient
	}

	if permanent {
		e.recorder.RecordPermanentFailure()
		return outcomeFailedPermanent
	}
	e.recorder.RecordRetry()
	return outcomeFailedTransient
}

// applyAccepted folds an accepted write into the document cache at its
// newly assigned version
func (e *Engine) applyAccepted(ctx context.Context, op *queue.Operation, newVersion int64) error {
	now := e.now()

	if op.Kind == queue.KindDelete {
		err := e.cache.MarkDeleted(ctx, op.Collection, op.DocumentID, newVersion, now)
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return err
	}

	fields := map[string]any{}
	if cached, err := e.cache.Get(ctx, op.Collection, op.DocumentID); err == nil {
		fields = cached.Fields
	} else if !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	for k, v := range op.Payload {
		fields[k] = v
	}

	return e.cache.Put(ctx, &cache.Document{
		Collection: op.Collection,
		DocumentID: op.DocumentID,
		Fields:     fields,
		Version:    newVersion,
		UpdatedAt:  now,
	})
}

// handleConflict records a detected version conflict and either resolves
// it under the configured policy or holds the document for manual input
func (e *Engine) handleConflict(ctx context.Context, op *queue.Operation, remoteDoc *remote.Document) pushOutcome {
	e.recorder.RecordConflictDetected()

	c := &conflict.Conflict{
		ID:            ulid.ConflictID(),
		Collection:    op.Collection,
		DocumentID:    op.DocumentID,
		OperationID:   op.ID,
		Operation:     op,
		LocalSnapshot: e.localSnapshot(ctx, op),
		RemoteSnapshot: conflict.Snapshot{
			Fields:    remoteDoc.Fields,
			Version:   remoteDoc.Version,
			UpdatedAt: remoteDoc.UpdatedAt,
		},
		Policy:     conflict.Policy(e.cfg.DefaultPolicy),
		Status:     conflict.StatusUnresolved,
		DetectedAt: e.now(),
	}

	resolution, err := e.resolver.Resolve(c, c.Policy)
	if err != nil {
		return e.recordPushFailure(ctx, op, false, err)
	}

	if resolution.Outcome == conflict.OutcomeUnresolved {
		// Manual policy: the conflict is durably recorded unresolved, the
		// operation stays queued, and the document is held until someone
		// decides
		if err := e.conflicts.Create(ctx, c); err != nil {
			e.logger.Error("Failed to persist conflict", "conflict_id", c.ID, "error", err)
			return e.recordPushFailure(ctx, op, true, err)
		}
		if err := e.queue.Release(ctx, op); err != nil {
			e.logger.Error("Failed to release held operation", "op_id", op.ID, "error", err)
		}
		e.logger.Info("Conflict awaiting manual resolution",
			"conflict_id", c.ID,
			"collection", c.Collection,
			"document_id", c.DocumentID)
		return outcomeConflictHeld
	}

	// Automatic policies write the resolved state first and record the
	// conflict only once it stuck. A failed write leaves no unresolved
	// row behind: the operation returns to the retry loop and the
	// conflict is detected afresh against whatever the backend holds
	// then.
	if err := e.applyResolution(ctx, c, resolution); err != nil {
		retryable := remote.IsTransient(err) || errors.Is(err, errResolutionRace)
		return e.recordPushFailure(ctx, op, retryable, err)
	}

	e.finishResolution(ctx, c, resolution)
	return outcomeConflictResolved
}

// finishResolution settles the operation and durably records the
// already-applied resolution
func (e *Engine) finishResolution(ctx context.Context, c *conflict.Conflict, resolution conflict.Resolution) {
	if err := e.conflicts.Create(ctx, c); err != nil {
		e.logger.Error("Failed to persist conflict", "conflict_id", c.ID, "error", err)
	} else if err := e.conflicts.MarkResolved(ctx, c.ID, resolution.ResolvedStatus(), resolution.TiebrokenFields, e.now()); err != nil {
		e.logger.Error("Failed to record resolution", "conflict_id", c.ID, "error", err)
	}

	if err := e.queue.MarkApplied(ctx, c.Operation); err != nil {
		e.logger.Error("Failed to settle resolved operation", "op_id", c.OperationID, "error", err)
	}
	e.recorder.RecordConflictResolved()

	e.logger.Info("Conflict resolved automatically",
		"conflict_id", c.ID,
		"policy", c.Policy,
		"outcome", resolution.Outcome,
		"tiebroken", resolution.TiebrokenFields)
}

// localSnapshot loads the cached state the operation was based on. A
// document never synced before yields an empty snapshot.
func (e *Engine) localSnapshot(ctx context.Context, op *queue.Operation) conflict.Snapshot {
	cached, err := e.cache.Get(ctx, op.Collection, op.DocumentID)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.Error("Failed to read document cache", "op_id", op.ID, "error", err)
		}
		return conflict.Snapshot{Fields: map[string]any{}}
	}

	return conflict.Snapshot{
		Fields:    cached.Fields,
		Version:   cached.Version,
		UpdatedAt: cached.UpdatedAt,
	}
}

// ResolveConflict applies an explicit choice to a manually held conflict
// and releases the document for further pushes
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, choice conflict.Choice) error {
	c, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("loading conflict: %w", err)
	}
	if c.Status != conflict.StatusUnresolved {
		return fmt.Errorf("conflict %s is already %s", conflictID, c.Status)
	}

	op, err := e.queue.Get(ctx, c.OperationID)
	if errors.Is(err, queue.ErrNotFound) {
		// The operation was superseded locally (a later delete collapses
		// the document's queue); the local side of the conflict no longer
		// exists, so only the remote state can be adopted
		if choice != conflict.ChoiceRemote {
			return fmt.Errorf("local changes for conflict %s no longer exist, only the remote version can be kept", conflictID)
		}
		op = nil
	} else if err != nil {
		return fmt.Errorf("loading conflicted operation: %w", err)
	}
	c.Operation = op

	resolution, err := e.resolver.ResolveChoice(c, choice)
	if err != nil {
		return err
	}

	if err := e.applyResolution(ctx, c, resolution); err != nil {
		return fmt.Errorf("applying resolution: %w", err)
	}

	if op != nil {
		if err := e.queue.MarkApplied(ctx, op); err != nil {
			return fmt.Errorf("settling resolved operation: %w", err)
		}
	}
	if err := e.conflicts.MarkResolved(ctx, c.ID, resolution.ResolvedStatus(), resolution.TiebrokenFields, e.now()); err != nil {
		return fmt.Errorf("recording resolution: %w", err)
	}
	e.recorder.RecordConflictResolved()

	e.refreshState(ctx)
	e.TriggerSync(synclog.TriggerManual)

	e.logger.Info("Conflict resolved",
		"conflict_id", c.ID,
		"choice", choice,
		"outcome", resolution.Outcome)
	return nil
}

// applyResolution writes a resolution's final state to the backend
// (conditioned on the remote version the resolution was computed
// against) and mirrors it into the cache
func (e *Engine) applyResolution(ctx context.Context, c *conflict.Conflict, resolution conflict.Resolution) error {
	now := e.now()

	if resolution.Outcome == conflict.OutcomeRemote {
		// Nothing to write: the backend already holds the winning state
		return e.cache.Put(ctx, &cache.Document{
			Collection: c.Collection,
			DocumentID: c.DocumentID,
			Fields:     resolution.Fields,
			Version:    resolution.BaseVersion,
			UpdatedAt:  c.RemoteSnapshot.UpdatedAt,
		})
	}

	kind := queue.KindUpdate
	if resolution.Delete {
		kind = queue.KindDelete
	}
	baseVersion := resolution.BaseVersion

	writeOp := &queue.Operation{
		ID:          c.OperationID,
		Kind:        kind,
		Collection:  c.Collection,
		DocumentID:  c.DocumentID,
		Payload:     resolution.Fields,
		BaseVersion: &baseVersion,
	}

	result, err := e.client.Push(ctx, writeOp)
	if err != nil {
		return err
	}
	e.recorder.RecordUpload(result.Bytes)

	switch result.Status {
	case remote.PushAccepted:
		if resolution.Delete {
			err := e.cache.MarkDeleted(ctx, c.Collection, c.DocumentID, result.NewVersion, now)
			if errors.Is(err, cache.ErrNotFound) {
				return nil
			}
			return err
		}
		return e.cache.Put(ctx, &cache.Document{
			Collection: c.Collection,
			DocumentID: c.DocumentID,
			Fields:     resolution.Fields,
			Version:    result.NewVersion,
			UpdatedAt:  now,
		})

	case remote.PushConflict:
		return errResolutionRace

	default:
		return fmt.Errorf("resolution write rejected: %s", result.Reason)
	}
}

// pullPhase walks every collection's change feed from its saved cursor
// and folds remote changes into the cache. Documents with queued local
// work are skipped; their state reconciles through push-time conflict
// detection.
func (e *Engine) pullPhase(ctx context.Context, entry *synclog.Entry) {
	for _, collection := range e.cfg.Collections {
		if ctx.Err() != nil {
			return
		}
		if err := e.pullCollection(ctx, collection, entry); err != nil {
			e.logger.Error("Pull failed", "collection", collection, "error", err)
			e.recorder.RecordError(collection, "", err.Error())
			if entry.ErrorMessage == "" {
				entry.ErrorMessage = err.Error()
			}
		}
	}
}

func (e *Engine) pullCollection(ctx context.Context, collection string, entry *synclog.Entry) error {
	cursor, err := e.cursors.Get(ctx, collection)
	if err != nil {
		return err
	}

	for {
		page, err := e.client.Pull(ctx, collection, cursor, e.cfg.PullBatchLimit)
		if err != nil {
			return err
		}

		applied := 0
		for _, change := range page.Changes {
			ok, err := e.applyRemoteChange(ctx, collection, change)
			if err != nil {
				return err
			}
			if ok {
				applied++
			}
		}

		entry.Pulled += applied
		e.recorder.RecordPulled(applied)
		e.recorder.RecordDownload(page.Bytes)

		if page.NextCursor != "" && page.NextCursor != cursor {
			cursor = page.NextCursor
			if err := e.cursors.Set(ctx, collection, cursor); err != nil {
				return err
			}
		}

		if !page.HasMore {
			return nil
		}
	}
}

// applyRemoteChange folds one pulled change into the cache. Returns
// false when the change was skipped because local state takes precedence
// for now.
func (e *Engine) applyRemoteChange(ctx context.Context, collection string, change remote.Change) (bool, error) {
	pending, err := e.queue.HasPending(ctx, collection, change.DocumentID)
	if err != nil {
		return false, err
	}
	held, err := e.conflicts.HasUnresolved(ctx, collection, change.DocumentID)
	if err != nil {
		return false, err
	}
	if pending || held {
		// Local edits are in flight; the push path will reconcile against
		// this version
		return false, nil
	}

	if cached, err := e.cache.Get(ctx, collection, change.DocumentID); err == nil {
		if cached.Version >= change.Version {
			// Already at or past this change
			return false, nil
		}
	} else if !errors.Is(err, cache.ErrNotFound) {
		return false, err
	}

	return true, e.cache.Put(ctx, &cache.Document{
		Collection: collection,
		DocumentID: change.DocumentID,
		Fields:     change.Fields,
		Version:    change.Version,
		Deleted:    change.Deleted,
		UpdatedAt:  change.UpdatedAt,
	})
}
