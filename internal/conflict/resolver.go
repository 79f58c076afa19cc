package conflict

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hearthkit/hearthsync/internal/queue"
)

// Resolver decides how a conflict reconciles. It is deterministic and
// side-effect free: it never touches storage or the network, it only
// returns a decision for the engine to apply.
type Resolver struct{}

// NewResolver creates a new resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve produces a Resolution for the conflict under the given policy
func (r *Resolver) Resolve(c *Conflict, policy Policy) (Resolution, error) {
	if c.Operation == nil {
		return Resolution{}, fmt.Errorf("conflict %s has no local operation attached", c.ID)
	}

	switch policy {
	case PolicyPreferLocal:
		return r.preferLocal(c), nil
	case PolicyPreferRemote:
		return r.preferRemote(c), nil
	case PolicyFieldMerge:
		return r.fieldMerge(c), nil
	case PolicyManual:
		return Resolution{Outcome: OutcomeUnresolved, BaseVersion: c.RemoteSnapshot.Version}, nil
	}

	return Resolution{}, fmt.Errorf("unknown conflict policy %q", policy)
}

// ResolveChoice produces a Resolution for an explicit user decision on a
// manually surfaced conflict. Keeping the remote side needs no local
// operation, so that choice stays available after the operation was
// superseded locally.
func (r *Resolver) ResolveChoice(c *Conflict, choice Choice) (Resolution, error) {
	switch choice {
	case ChoiceLocal:
		return r.Resolve(c, PolicyPreferLocal)
	case ChoiceRemote:
		return r.preferRemote(c), nil
	case ChoiceMerged:
		return r.Resolve(c, PolicyFieldMerge)
	}

	return Resolution{}, fmt.Errorf("unknown resolution choice %q", choice)
}

// preferLocal lets the local operation's changed fields win outright
func (r *Resolver) preferLocal(c *Conflict) Resolution {
	if c.Operation.Kind == queue.KindDelete {
		return Resolution{
			Outcome:     OutcomeLocal,
			Delete:      true,
			BaseVersion: c.RemoteSnapshot.Version,
		}
	}

	fields := cloneFields(c.RemoteSnapshot.Fields)
	for k, v := range c.Operation.Payload {
		fields[k] = v
	}

	return Resolution{
		Outcome:     OutcomeLocal,
		Fields:      fields,
		BaseVersion: c.RemoteSnapshot.Version,
	}
}

// preferRemote discards the local operation and adopts the remote snapshot
func (r *Resolver) preferRemote(c *Conflict) Resolution {
	return Resolution{
		Outcome:     OutcomeRemote,
		Fields:      cloneFields(c.RemoteSnapshot.Fields),
		BaseVersion: c.RemoteSnapshot.Version,
	}
}

// fieldMerge merges field-by-field against the state at the operation's
// base version. A field only the local side changed keeps the local edit;
// a field only the remote side changed keeps the remote value. When both
// sides changed the same field to different values, the later wall-clock
// timestamp wins and the field is reported as tiebroken.
func (r *Resolver) fieldMerge(c *Conflict) Resolution {
	localLater := c.Operation.EnqueuedAt.After(c.RemoteSnapshot.UpdatedAt)

	if c.Operation.Kind == queue.KindDelete {
		// A delete has no per-field payload: the whole document rides on
		// the tiebreaker.
		if localLater {
			return Resolution{
				Outcome:         OutcomeLocal,
				Delete:          true,
				BaseVersion:     c.RemoteSnapshot.Version,
				TiebrokenFields: []string{"*"},
			}
		}
		return Resolution{
			Outcome:         OutcomeRemote,
			Fields:          cloneFields(c.RemoteSnapshot.Fields),
			BaseVersion:     c.RemoteSnapshot.Version,
			TiebrokenFields: []string{"*"},
		}
	}

	fields := cloneFields(c.RemoteSnapshot.Fields)
	var tiebroken []string
	localApplied := false

	for k, localVal := range c.Operation.Payload {
		baseVal, hasBase := c.LocalSnapshot.Fields[k]
		remoteVal, hasRemote := c.RemoteSnapshot.Fields[k]

		remoteUnchanged := hasBase == hasRemote && valuesEqual(baseVal, remoteVal)

		switch {
		case remoteUnchanged:
			// Remote never touched this field since the base version
			fields[k] = localVal
			localApplied = true
		case valuesEqual(remoteVal, localVal):
			// Both sides converged on the same value
		case localLater:
			fields[k] = localVal
			localApplied = true
			tiebroken = append(tiebroken, k)
		default:
			// Remote edit is newer; keep it
			tiebroken = append(tiebroken, k)
		}
	}
	sort.Strings(tiebroken)

	outcome := OutcomeMerged
	if !localApplied {
		outcome = OutcomeRemote
	}

	return Resolution{
		Outcome:         outcome,
		Fields:          fields,
		BaseVersion:     c.RemoteSnapshot.Version,
		TiebrokenFields: tiebroken,
	}
}

// cloneFields copies a field map so resolutions never alias snapshot state
func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// valuesEqual compares two field values structurally. Values pass through
// JSON when queued and when pulled from the backend, so comparing their
// canonical JSON encoding treats 1 and 1.0 alike and handles nested
// maps/slices deterministically.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}

	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}

	return string(aj) == string(bj)
}
