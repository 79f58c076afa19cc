package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthkit/hearthsync/internal/queue"
)

func baseTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func intPtr(v int64) *int64 { return &v }

// newConflict builds a conflict around an update operation whose payload
// carries the locally changed fields.
func newConflict(payload map[string]any, base, remote Snapshot, enqueuedAt time.Time) *Conflict {
	return &Conflict{
		ID:          "cf-01TEST",
		Collection:  "tasks",
		DocumentID:  "task1",
		OperationID: "op-01TEST",
		Operation: &queue.Operation{
			ID:          "op-01TEST",
			Kind:        queue.KindUpdate,
			Collection:  "tasks",
			DocumentID:  "task1",
			Payload:     payload,
			BaseVersion: intPtr(base.Version),
			EnqueuedAt:  enqueuedAt,
		},
		LocalSnapshot:  base,
		RemoteSnapshot: remote,
		Policy:         PolicyFieldMerge,
		Status:         StatusUnresolved,
		DetectedAt:     enqueuedAt,
	}
}

func TestFieldMergeDisjointFields(t *testing.T) {
	// Local renames the task while remote reassigns it. Neither edit
	// touches the other's field, so both survive the merge.
	base := Snapshot{
		Fields:    map[string]any{"title": "Buy milk", "assignee": "dana"},
		Version:   3,
		UpdatedAt: baseTime(),
	}
	remote := Snapshot{
		Fields:    map[string]any{"title": "Buy milk", "assignee": "sam"},
		Version:   4,
		UpdatedAt: baseTime().Add(time.Minute),
	}
	c := newConflict(map[string]any{"title": "Buy milk and eggs"}, base, remote, baseTime().Add(2*time.Minute))

	res, err := NewResolver().Resolve(c, PolicyFieldMerge)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, "Buy milk and eggs", res.Fields["title"])
	assert.Equal(t, "sam", res.Fields["assignee"])
	assert.EqualValues(t, 4, res.BaseVersion)
	assert.Empty(t, res.TiebrokenFields, "disjoint edits need no tiebreaker")
}

func TestFieldMergeSameFieldLocalLater(t *testing.T) {
	base := Snapshot{
		Fields:    map[string]any{"title": "Buy milk"},
		Version:   3,
		UpdatedAt: baseTime(),
	}
	remote := Snapshot{
		Fields:    map[string]any{"title": "Buy oat milk"},
		Version:   4,
		UpdatedAt: baseTime().Add(time.Minute),
	}
	c := newConflict(map[string]any{"title": "Buy milk and eggs"}, base, remote, baseTime().Add(2*time.Minute))

	res, err := NewResolver().Resolve(c, PolicyFieldMerge)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, "Buy milk and eggs", res.Fields["title"])
	assert.Equal(t, []string{"title"}, res.TiebrokenFields)
}

func TestFieldMergeSameFieldRemoteLater(t *testing.T) {
	base := Snapshot{
		Fields:    map[string]any{"title": "Buy milk"},
		Version:   3,
		UpdatedAt: baseTime(),
	}
	remote := Snapshot{
		Fields:    map[string]any{"title": "Buy oat milk"},
		Version:   4,
		UpdatedAt: baseTime().Add(5 * time.Minute),
	}
	c := newConflict(map[string]any{"title": "Buy milk and eggs"}, base, remote, baseTime().Add(time.Minute))

	res, err := NewResolver().Resolve(c, PolicyFieldMerge)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRemote, res.Outcome, "no local field survived")
	assert.Equal(t, "Buy oat milk", res.Fields["title"])
	assert.Equal(t, []string{"title"}, res.TiebrokenFields)
}

func TestFieldMergeConvergedValues(t *testing.T) {
	// Both sides set the same value independently. No tiebreak needed and
	// the merge is a plain adoption of the shared state.
	base := Snapshot{
		Fields:    map[string]any{"done": false},
		Version:   1,
		UpdatedAt: baseTime(),
	}
	remote := Snapshot{
		Fields:    map[string]any{"done": true},
		Version:   2,
		UpdatedAt: baseTime().Add(time.Minute),
	}
	c := newConflict(map[string]any{"done": true}, base, remote, baseTime().Add(2*time.Minute))

	res, err := NewResolver().Resolve(c, PolicyFieldMerge)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRemote, res.Outcome)
	assert.Equal(t, true, res.Fields["done"])
	assert.Empty(t, res.TiebrokenFields)
}

func TestFieldMergeNewLocalField(t *testing.T) {
	// A field the base and remote never had is purely local and always
	// carries through.
	base := Snapshot{
		Fields:    map[string]any{"title": "Picnic"},
		Version:   1,
		UpdatedAt: baseTime(),
	}
	remote := Snapshot{
		Fields:    map[string]any{"title": "Park picnic"},
		Version:   2,
		UpdatedAt: baseTime().Add(time.Hour),
	}
	c := newConflict(map[string]any{"location": "Riverside"}, base, remote, baseTime().Add(time.Minute))

	res, err := NewResolver().Resolve(c, PolicyFieldMerge)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, "Riverside", res.Fields["location"])
	assert.Equal(t, "Park picnic", res.Fields["title"])
	assert.Empty(t, res.TiebrokenFields)
}

func TestFieldMergeIsDeterministic(t *testing.T) {
	base := Snapshot{
		Fields:    map[string]any{"a": 1.0, "b": "x", "c": true},
		Version:   1,
		UpdatedAt: baseTime(),
	}
	remote := Snapshot{
		Fields:    map[string]any{"a": 2.0, "b": "y", "c": true},
		Version:   2,
		UpdatedAt: baseTime().Add(time.Minute),
	}
	c := newConflict(map[string]any{"a": 3.0, "b": "z"}, base, remote, baseTime().Add(2*time.Minute))

	first, err := NewResolver().Resolve(c, PolicyFieldMerge)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := NewResolver().Resolve(c, PolicyFieldMerge)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"a", "b"}, first.TiebrokenFields)
}

func TestFieldMergeDeleteTiebreak(t *testing.T) {
	base := Snapshot{
		Fields:    map[string]any{"title": "Old note"},
		Version:   5,
		UpdatedAt: baseTime(),
	}
	remote := Snapshot{
		Fields:    map[string]any{"title": "Old note, revised"},
		Version:   6,
		UpdatedAt: baseTime().Add(time.Minute),
	}

	c := newConflict(nil, base, remote, baseTime().Add(2*time.Minute))
	c.Operation.Kind = queue.KindDelete
	c.Operation.Payload = nil

	res, err := NewResolver().Resolve(c, PolicyFieldMerge)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocal, res.Outcome)
	assert.True(t, res.Delete)
	assert.Equal(t, []string{"*"}, res.TiebrokenFields)

	// When the remote edit is newer, the delete loses and the document stays.
	c.RemoteSnapshot.UpdatedAt = baseTime().Add(time.Hour)
	res, err = NewResolver().Resolve(c, PolicyFieldMerge)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemote, res.Outcome)
	assert.False(t, res.Delete)
	assert.Equal(t, "Old note, revised", res.Fields["title"])
}

func TestPreferLocal(t *testing.T) {
	base := Snapshot{
		Fields:    map[string]any{"title": "Buy milk", "priority": "low"},
		Version:   3,
		UpdatedAt: baseTime(),
	}
	remote := Snapshot{
		Fields:    map[string]any{"title": "Buy oat milk", "priority": "high"},
		Version:   4,
		UpdatedAt: baseTime().Add(time.Minute),
	}
	c := newConflict(map[string]any{"title": "Buy milk and eggs"}, base, remote, baseTime())

	res, err := NewResolver().Resolve(c, PolicyPreferLocal)
	require.NoError(t, err)

	assert.Equal(t, OutcomeLocal, res.Outcome)
	assert.Equal(t, "Buy milk and eggs", res.Fields["title"])
	assert.Equal(t, "high", res.Fields["priority"], "untouched fields keep the remote value")
	assert.EqualValues(t, 4, res.BaseVersion)
	assert.Equal(t, StatusResolvedLocal, res.ResolvedStatus())
}

func TestPreferLocalDelete(t *testing.T) {
	c := newConflict(nil, Snapshot{Version: 1}, Snapshot{Version: 2}, baseTime())
	c.Operation.Kind = queue.KindDelete
	c.Operation.Payload = nil

	res, err := NewResolver().Resolve(c, PolicyPreferLocal)
	require.NoError(t, err)
	assert.True(t, res.Delete)
	assert.Equal(t, OutcomeLocal, res.Outcome)
}

func TestPreferRemote(t *testing.T) {
	remote := Snapshot{
		Fields:    map[string]any{"title": "Buy oat milk"},
		Version:   4,
		UpdatedAt: baseTime(),
	}
	c := newConflict(map[string]any{"title": "Buy milk and eggs"}, Snapshot{Version: 3}, remote, baseTime())

	res, err := NewResolver().Resolve(c, PolicyPreferRemote)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRemote, res.Outcome)
	assert.Equal(t, "Buy oat milk", res.Fields["title"])
	assert.Equal(t, StatusResolvedRemote, res.ResolvedStatus())
}

func TestManualPolicyLeavesUnresolved(t *testing.T) {
	c := newConflict(map[string]any{"title": "x"}, Snapshot{Version: 1}, Snapshot{Version: 2}, baseTime())

	res, err := NewResolver().Resolve(c, PolicyManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, res.Outcome)
	assert.Equal(t, StatusUnresolved, res.ResolvedStatus())
}

func TestResolveChoice(t *testing.T) {
	remote := Snapshot{
		Fields:    map[string]any{"title": "Buy oat milk"},
		Version:   4,
		UpdatedAt: baseTime(),
	}
	c := newConflict(map[string]any{"title": "Buy milk and eggs"}, Snapshot{Version: 3}, remote, baseTime().Add(time.Minute))

	local, err := NewResolver().ResolveChoice(c, ChoiceLocal)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocal, local.Outcome)

	rem, err := NewResolver().ResolveChoice(c, ChoiceRemote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemote, rem.Outcome)

	merged, err := NewResolver().ResolveChoice(c, ChoiceMerged)
	require.NoError(t, err)
	assert.Equal(t, "Buy milk and eggs", merged.Fields["title"])

	_, err = NewResolver().ResolveChoice(c, Choice("bogus"))
	assert.Error(t, err)
}

func TestResolveWithoutOperation(t *testing.T) {
	c := &Conflict{ID: "cf-01TEST"}
	_, err := NewResolver().Resolve(c, PolicyPreferLocal)
	assert.Error(t, err)
}

func TestChoiceRemoteWithoutOperation(t *testing.T) {
	c := &Conflict{
		ID: "cf-01TEST",
		RemoteSnapshot: Snapshot{
			Fields:    map[string]any{"title": "Buy oat milk"},
			Version:   4,
			UpdatedAt: baseTime(),
		},
	}

	// The operation was superseded locally; keeping the remote side must
	// still work
	res, err := NewResolver().ResolveChoice(c, ChoiceRemote)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemote, res.Outcome)
	assert.Equal(t, "Buy oat milk", res.Fields["title"])
	assert.EqualValues(t, 4, res.BaseVersion)

	_, err = NewResolver().ResolveChoice(c, ChoiceLocal)
	assert.Error(t, err, "a local choice needs the local operation")
}

func TestResolutionDoesNotAliasSnapshots(t *testing.T) {
	remote := Snapshot{
		Fields:    map[string]any{"title": "Buy oat milk"},
		Version:   4,
		UpdatedAt: baseTime(),
	}
	c := newConflict(map[string]any{"title": "Buy milk and eggs"}, Snapshot{Version: 3}, remote, baseTime().Add(time.Minute))

	res, err := NewResolver().Resolve(c, PolicyFieldMerge)
	require.NoError(t, err)

	res.Fields["title"] = "mutated"
	assert.Equal(t, "Buy oat milk", c.RemoteSnapshot.Fields["title"])
}

func TestParsePolicyAndChoice(t *testing.T) {
	p, err := ParsePolicy("field_merge")
	require.NoError(t, err)
	assert.Equal(t, PolicyFieldMerge, p)

	_, err = ParsePolicy("coin_flip")
	assert.Error(t, err)

	ch, err := ParseChoice("remote")
	require.NoError(t, err)
	assert.Equal(t, ChoiceRemote, ch)

	_, err = ParseChoice("")
	assert.Error(t, err)
}
