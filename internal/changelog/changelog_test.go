package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/clock"
)

type fakeProvider struct {
	sets EntitySets
}

func (f fakeProvider) CurrentEntities() EntitySets { return f.sets }

func newTestChangelog(t *testing.T, provider EntityProvider) *Changelog {
	t.Helper()
	c, err := Open(Options{Path: ":memory:", Provider: provider})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestParseCursor(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"", false},
		{"123:4", true},
		{"bogus", false},
		{"-1:2", false},
		{"1:2:3", false},
		{"0:0", true},
	}
	for _, tc := range cases {
		_, ok := ParseCursor(tc.in)
		if ok != tc.ok {
			t.Errorf("ParseCursor(%q) ok=%v, want %v", tc.in, ok, tc.ok)
		}
	}
}

func TestGetChanges_EmptyCursorReturnsFullSnapshot(t *testing.T) {
	provider := fakeProvider{sets: EntitySets{
		HostMACs:     []string{"AA:BB:CC:DD:EE:FF"},
		StartConfIDs: []string{"win10"},
		ConfigIDs:    []string{"win10"},
	}}
	c := newTestChangelog(t, provider)

	delta, err := c.GetChanges(context.Background(), "")
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if !delta.FullSnapshot {
		t.Error("expected full snapshot")
	}
	if !delta.DHCPChanged {
		t.Error("expected dhcpChanged=true on full snapshot")
	}
	if len(delta.HostsChanged) != 1 || delta.HostsChanged[0] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("unexpected hosts: %v", delta.HostsChanged)
	}
	if delta.NextCursor.Seq == 0 && delta.NextCursor.TS == 0 {
		t.Error("expected a synthesized cursor when log is empty")
	}
}

func TestGetChanges_MalformedCursorReturnsFullSnapshot(t *testing.T) {
	c := newTestChangelog(t, fakeProvider{})
	delta, err := c.GetChanges(context.Background(), "not-a-cursor")
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if !delta.FullSnapshot {
		t.Error("expected full snapshot for malformed cursor")
	}
}

func TestGetChanges_Incremental(t *testing.T) {
	c := newTestChangelog(t, fakeProvider{})

	first, err := c.GetChanges(context.Background(), "")
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}

	if _, err := c.RecordChange(EntityStartConf, "win10", ActionUpsert); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	delta, err := c.GetChanges(context.Background(), first.NextCursor.String())
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if delta.FullSnapshot {
		t.Error("expected incremental delta, got full snapshot")
	}
	if len(delta.StartConfsChanged) != 1 || delta.StartConfsChanged[0] != "win10" {
		t.Errorf("unexpected startConfsChanged: %v", delta.StartConfsChanged)
	}
	if len(delta.HostsChanged) != 0 {
		t.Errorf("expected no host changes, got %v", delta.HostsChanged)
	}
	if delta.DHCPChanged {
		t.Error("startconf-only change should not set dhcpChanged")
	}
}

func TestGetChanges_StaleCursorFallsBackToSnapshot(t *testing.T) {
	c := newTestChangelog(t, fakeProvider{})
	if _, err := c.RecordChange(EntityHost, "AA:BB:CC:DD:EE:FF", ActionUpsert); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	delta, err := c.GetChanges(context.Background(), "9999999999:9999")
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if !delta.FullSnapshot {
		t.Error("expected full snapshot for a cursor that doesn't exist")
	}
}

func TestGetChanges_HostUpsertSetsDHCPChanged(t *testing.T) {
	c := newTestChangelog(t, fakeProvider{})
	first, _ := c.GetChanges(context.Background(), "")

	if _, err := c.RecordChange(EntityHost, "AA:BB:CC:DD:EE:FF", ActionUpsert); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	delta, err := c.GetChanges(context.Background(), first.NextCursor.String())
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	if !delta.DHCPChanged {
		t.Error("expected dhcpChanged=true after host upsert")
	}
	if len(delta.HostsChanged) != 1 {
		t.Errorf("expected 1 host changed, got %v", delta.HostsChanged)
	}
}

func TestGetChanges_DeletedDisjointFromChanged(t *testing.T) {
	c := newTestChangelog(t, fakeProvider{})
	first, _ := c.GetChanges(context.Background(), "")

	if _, err := c.RecordChange(EntityHost, "AA:BB:CC:DD:EE:FF", ActionUpsert); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	if _, err := c.RecordChange(EntityHost, "11:22:33:44:55:66", ActionDelete); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	delta, err := c.GetChanges(context.Background(), first.NextCursor.String())
	if err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	for _, deleted := range delta.DeletedHosts {
		for _, changed := range delta.HostsChanged {
			if deleted == changed {
				t.Errorf("host %q present in both changed and deleted", deleted)
			}
		}
	}
}

func TestRecordChange_CursorUsesClock(t *testing.T) {
	pinned := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	restore := clock.Override(clock.NewFixed(pinned))
	defer restore()

	c := newTestChangelog(t, fakeProvider{})
	cur, err := c.RecordChange(EntityHost, "a", ActionUpsert)
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	if cur.TS != uint64(pinned.Unix()) {
		t.Errorf("cursor TS = %d, want %d", cur.TS, pinned.Unix())
	}
}

func TestRecordChange_SequenceMonotonic(t *testing.T) {
	c := newTestChangelog(t, fakeProvider{})
	cur1, err := c.RecordChange(EntityHost, "a", ActionUpsert)
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	cur2, err := c.RecordChange(EntityHost, "b", ActionUpsert)
	if err != nil {
		t.Fatalf("RecordChange: %v", err)
	}
	if cur2.Seq <= cur1.Seq {
		t.Errorf("expected monotonic sequence, got %d then %d", cur1.Seq, cur2.Seq)
	}
}

func TestCompact(t *testing.T) {
	c := newTestChangelog(t, fakeProvider{})
	for i := 0; i < 10; i++ {
		if _, err := c.RecordChange(EntityHost, "h", ActionUpsert); err != nil {
			t.Fatalf("RecordChange: %v", err)
		}
	}

	removed, err := c.Compact(24*time.Hour, 3)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if removed != 7 {
		t.Errorf("expected 7 rows removed, got %d", removed)
	}

	var count int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM changes").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 rows remaining, got %d", count)
	}
}

func TestCompact_AgeCutoff(t *testing.T) {
	c := newTestChangelog(t, fakeProvider{})

	// Insert a row directly with an old timestamp to avoid depending on
	// wall-clock sleeps for the age cutoff.
	old := time.Now().Add(-2 * time.Hour).Unix()
	if _, err := c.db.Exec(
		`INSERT INTO changes (cursor_ts, cursor_seq, entity_type, entity_id, action) VALUES (?, 1, 'host', 'old', 'upsert')`,
		old,
	); err != nil {
		t.Fatalf("insert old row: %v", err)
	}
	if _, err := c.RecordChange(EntityHost, "new", ActionUpsert); err != nil {
		t.Fatalf("RecordChange: %v", err)
	}

	removed, err := c.Compact(time.Hour, 100)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 row removed by age cutoff, got %d", removed)
	}
}
