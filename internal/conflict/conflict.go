// Package conflict classifies divergence between a local value, a remote
// value, and the baseline both sides last agreed on, and produces
// deterministic resolutions. Classification is order-insensitive: only final
// values against the baseline matter, never the sequence of broadcasts that
// produced them.
package conflict

import (
	"time"
)

// FieldValue pairs a field's value with the wall-clock timestamp (unix ms)
// of its last write.
type FieldValue struct {
	Value     string
	Timestamp int64
}

type Outcome int

const (
	// OutcomeNone: local and remote already agree.
	OutcomeNone Outcome = iota
	// OutcomeApplyRemote: local never diverged from baseline, remote is
	// simply newer.
	OutcomeApplyRemote
	// OutcomeKeepLocal: remote never diverged from baseline, nothing to
	// surface.
	OutcomeKeepLocal
	// OutcomeConflict: both sides diverged from baseline.
	OutcomeConflict
)

// Classify runs the three-way comparison for one field.
func Classify(local, remote FieldValue, baseline string) Outcome {
	if remote.Value == local.Value {
		return OutcomeNone
	}
	if local.Value == baseline {
		return OutcomeApplyRemote
	}
	if remote.Value == baseline {
		return OutcomeKeepLocal
	}
	return OutcomeConflict
}

type Policy string

const (
	// PreferLatest: the side with the newer timestamp wins. Default.
	PreferLatest Policy = "prefer_latest"
	// PreferLocal: used automatically while the field carries an active
	// shadow.
	PreferLocal Policy = "prefer_local"
	// Manual: both sides diverged and timestamps are too close to call;
	// surfaced to the user.
	Manual Policy = "manual"
)

type Choice string

const (
	ChooseLocal  Choice = "local"
	ChooseRemote Choice = "remote"
)

// Conflict describes one field where both sides genuinely diverged from the
// baseline. Until resolved, the field stays at its local value.
type Conflict struct {
	ItemID        string
	Field         string
	LocalValue    string
	RemoteValue   string
	BaselineValue string
	LocalTime     int64
	RemoteTime    int64
	Policy        Policy
}

// Key is the field key the UI resolution map is keyed by.
func (c Conflict) Key() string {
	if c.ItemID == "" {
		return "global:" + c.Field
	}
	return c.ItemID + ":" + c.Field
}

type Resolution struct {
	Chosen Choice
	Value  string
	// Manual marks a resolution that must be confirmed by the user; the
	// value holds the local side until then.
	Manual bool
}

// Detector owns the policy knobs. ActiveShadow consults the shadow store;
// nil means no shadow protection.
type Detector struct {
	// Ambiguity is the timestamp-delta cutoff below which two divergent
	// edits are too close to auto-resolve.
	Ambiguity time.Duration
	// CoreFields are the typed-content fields the document merge biases
	// toward keeping local during a race.
	CoreFields map[string]bool
	// ActiveShadow reports whether (itemID, field) is under live edit.
	// Empty itemID addresses a document-level field.
	ActiveShadow func(itemID, field string) bool
}

func (d *Detector) ambiguity() time.Duration {
	if d.Ambiguity <= 0 {
		return time.Second
	}
	return d.Ambiguity
}

func (d *Detector) shadowed(itemID, field string) bool {
	return d.ActiveShadow != nil && d.ActiveShadow(itemID, field)
}

// Detect returns nil when the three-way comparison resolves without a
// genuine conflict, otherwise a Conflict carrying the policy that governs
// its resolution.
func (d *Detector) Detect(itemID, field string, local, remote FieldValue, baseline string) *Conflict {
	if Classify(local, remote, baseline) != OutcomeConflict {
		return nil
	}
	c := &Conflict{
		ItemID:        itemID,
		Field:         field,
		LocalValue:    local.Value,
		RemoteValue:   remote.Value,
		BaselineValue: baseline,
		LocalTime:     local.Timestamp,
		RemoteTime:    remote.Timestamp,
		Policy:        PreferLatest,
	}
	switch {
	case d.shadowed(itemID, field):
		c.Policy = PreferLocal
	case withinAmbiguity(local.Timestamp, remote.Timestamp, d.ambiguity()):
		c.Policy = Manual
	}
	return c
}

// Resolve is deterministic given the conflict: it never fails. A Manual
// conflict resolves to the local value flagged for user confirmation; the
// caller auto-picks local on timeout.
func Resolve(c Conflict) Resolution {
	switch c.Policy {
	case PreferLocal:
		return Resolution{Chosen: ChooseLocal, Value: c.LocalValue}
	case Manual:
		return Resolution{Chosen: ChooseLocal, Value: c.LocalValue, Manual: true}
	default:
		if c.RemoteTime > c.LocalTime {
			return Resolution{Chosen: ChooseRemote, Value: c.RemoteValue}
		}
		return Resolution{Chosen: ChooseLocal, Value: c.LocalValue}
	}
}

func withinAmbiguity(a, b int64, cutoff time.Duration) bool {
	delta := a - b
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Millisecond <= cutoff
}
