package conflict

import (
	"testing"

	"cueline/api/internal/store"
)

func baseRundown() store.Rundown {
	return store.Rundown{
		ID:    "rd_1",
		Title: "Evening Show",
		Items: []store.Item{
			{ID: "it_1", Type: store.ItemTypeRegular, Name: "Open", Script: "A", Duration: "00:01:00"},
			{ID: "it_2", Type: store.ItemTypeRegular, Name: "Weather", Script: "W", Duration: "00:02:00"},
		},
	}
}

func TestMergeKeepsLocalOnlyItemsAndAppendsRemoteOnly(t *testing.T) {
	d := &Detector{CoreFields: DefaultCoreFields()}
	baseline := baseRundown()

	local := baseRundown()
	local.Items = append(local.Items, store.Item{ID: "it_local", Type: store.ItemTypeRegular, Name: "Breaking"})

	remote := baseRundown()
	remote.Items = append(remote.Items, store.Item{ID: "it_remote", Type: store.ItemTypeRegular, Name: "Sports"})

	merged := d.MergeRundowns(local, remote, baseline)

	ids := make([]string, 0, len(merged.Items))
	for _, item := range merged.Items {
		ids = append(ids, item.ID)
	}
	want := []string{"it_1", "it_2", "it_local", "it_remote"}
	if len(ids) != len(want) {
		t.Fatalf("merged ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("merged ids = %v, want %v (local order first, remote-only appended)", ids, want)
		}
	}
}

func TestMergeMatchedItemStartsFromRemote(t *testing.T) {
	d := &Detector{CoreFields: DefaultCoreFields()}
	baseline := baseRundown()

	local := baseRundown()
	remote := baseRundown()
	remote.Items[0].Duration = "00:05:00"

	merged := d.MergeRundowns(local, remote, baseline)
	if got := merged.ItemByID("it_1").Duration; got != "00:05:00" {
		t.Fatalf("duration = %q, want remote value (duration is not a core field)", got)
	}
}

func TestMergeBiasesTowardLocalTypedContent(t *testing.T) {
	d := &Detector{CoreFields: DefaultCoreFields()}
	baseline := baseRundown()

	local := baseRundown()
	local.Items[0].Script = "typed locally"
	remote := baseRundown()
	remote.Items[0].Script = "remote version"

	merged := d.MergeRundowns(local, remote, baseline)
	if got := merged.ItemByID("it_1").Script; got != "typed locally" {
		t.Fatalf("script = %q, core content must not be lost during a race", got)
	}
}

func TestMergeAppliesRemoteCoreEditWhenLocalUntouched(t *testing.T) {
	d := &Detector{CoreFields: DefaultCoreFields()}
	baseline := baseRundown()

	local := baseRundown()
	remote := baseRundown()
	remote.Items[1].Script = "storm warning"

	merged := d.MergeRundowns(local, remote, baseline)
	if got := merged.ItemByID("it_2").Script; got != "storm warning" {
		t.Fatalf("script = %q, a change only the remote side made must apply", got)
	}
}

func TestMergeShadowedFieldBeatsRemote(t *testing.T) {
	d := &Detector{
		CoreFields:   DefaultCoreFields(),
		ActiveShadow: func(itemID, field string) bool { return itemID == "it_2" && field == "duration" },
	}
	baseline := baseRundown()

	local := baseRundown()
	local.Items[1].Duration = "00:09:00"
	remote := baseRundown()
	remote.Items[1].Duration = "00:03:00"

	merged := d.MergeRundowns(local, remote, baseline)
	if got := merged.ItemByID("it_2").Duration; got != "00:09:00" {
		t.Fatalf("duration = %q, shadowed field must keep local", got)
	}
}

func TestMergeGlobalsFollowThreeWayRules(t *testing.T) {
	d := &Detector{CoreFields: DefaultCoreFields()}
	baseline := baseRundown()

	// Local renamed the show; remote left the title at baseline.
	local := baseRundown()
	local.Title = "Late Edition"
	remote := baseRundown()

	merged := d.MergeRundowns(local, remote, baseline)
	if merged.Title != "Late Edition" {
		t.Fatalf("title = %q, local-only change must survive", merged.Title)
	}

	// Remote changed the timezone; local never touched it.
	remote.Timezone = "America/New_York"
	merged = d.MergeRundowns(local, remote, baseline)
	if merged.Timezone != "America/New_York" {
		t.Fatalf("timezone = %q, remote change must apply", merged.Timezone)
	}
}

func TestApplyChoices(t *testing.T) {
	r := baseRundown()
	conflicts := []Conflict{
		{ItemID: "it_1", Field: store.FieldScript, LocalValue: "ours", RemoteValue: "theirs"},
		{Field: store.GlobalTitle, LocalValue: "Our Title", RemoteValue: "Their Title"},
	}
	ApplyChoices(&r, conflicts, map[string]Choice{
		"it_1:script":  ChooseRemote,
		"global:title": ChooseLocal,
	})
	if got := r.ItemByID("it_1").Script; got != "theirs" {
		t.Errorf("script = %q, want remote choice", got)
	}
	if r.Title != "Our Title" {
		t.Errorf("title = %q, want local choice", r.Title)
	}
}
