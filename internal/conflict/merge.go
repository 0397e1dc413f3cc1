package conflict

import (
	"cueline/api/internal/store"
)

var itemFields = []string{
	store.FieldName,
	store.FieldScript,
	store.FieldTalent,
	store.FieldDuration,
}

var globalFields = []string{
	store.GlobalTitle,
	store.GlobalStartTime,
	store.GlobalTimezone,
}

// DefaultCoreFields are the typed-content fields the merge refuses to lose
// during a race.
func DefaultCoreFields() map[string]bool {
	return map[string]bool{
		store.FieldName:   true,
		store.FieldScript: true,
		store.FieldTalent: true,
	}
}

// MergeRundowns performs the whole-document three-way reconciliation.
// Items are matched by id: local-only items are kept (not yet persisted),
// remote-only items are appended, and matched items start from the remote
// version before re-applying shadow-protected fields and core-content fields
// where local diverged. Order follows local ordering with remote-only rows
// appended, so the merge preserves what the user was looking at rather than
// snapping to server order.
func (d *Detector) MergeRundowns(local, remote, baseline store.Rundown) store.Rundown {
	merged := remote
	merged.ID = local.ID

	for _, field := range globalFields {
		localValue := local.Global(field)
		remoteValue := remote.Global(field)
		if d.shadowed("", field) {
			merged.SetGlobal(field, localValue)
			continue
		}
		if Classify(FieldValue{Value: localValue}, FieldValue{Value: remoteValue}, baseline.Global(field)) == OutcomeKeepLocal {
			merged.SetGlobal(field, localValue)
		}
	}

	remoteByID := make(map[string]store.Item, len(remote.Items))
	for _, item := range remote.Items {
		remoteByID[item.ID] = item
	}
	localIDs := make(map[string]bool, len(local.Items))

	items := make([]store.Item, 0, len(local.Items)+len(remote.Items))
	for _, localItem := range local.Items {
		localIDs[localItem.ID] = true
		remoteItem, matched := remoteByID[localItem.ID]
		if !matched {
			items = append(items, localItem)
			continue
		}
		items = append(items, d.mergeItem(localItem, remoteItem, baseline.ItemByID(localItem.ID)))
	}
	for _, remoteItem := range remote.Items {
		if !localIDs[remoteItem.ID] {
			items = append(items, remoteItem)
		}
	}

	merged.Items = items
	return merged
}

// mergeItem starts from the remote row and re-applies local values that must
// not be lost: anything under an active shadow, and core-content fields where
// local diverged from the baseline. A field the local side never touched
// keeps the remote value.
func (d *Detector) mergeItem(local, remote store.Item, baseline *store.Item) store.Item {
	merged := remote
	baselineValue := func(field string) string {
		if baseline == nil {
			return ""
		}
		return baseline.Field(field)
	}
	restore := func(field string) {
		localValue := local.Field(field)
		if d.shadowed(local.ID, field) {
			merged.SetField(field, localValue)
			return
		}
		if d.CoreFields[field] && localValue != baselineValue(field) && localValue != remote.Field(field) {
			merged.SetField(field, localValue)
		}
	}
	for _, field := range itemFields {
		restore(field)
	}
	for field := range local.Custom {
		restore(field)
	}
	return merged
}

// ApplyChoices applies a user's resolution map to the rundown: each conflict
// keyed in choices lands on its chosen side, anything absent keeps local.
func ApplyChoices(r *store.Rundown, conflicts []Conflict, choices map[string]Choice) {
	for _, c := range conflicts {
		value := c.LocalValue
		if choices[c.Key()] == ChooseRemote {
			value = c.RemoteValue
		}
		if c.ItemID == "" {
			r.SetGlobal(c.Field, value)
			continue
		}
		if item := r.ItemByID(c.ItemID); item != nil {
			item.SetField(c.Field, value)
		}
	}
}
