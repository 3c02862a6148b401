package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"calls/cmd/internal/coord"
)

func newTestRegistry(t *testing.T) (*Registry, *coord.MemoryStore, coord.Keys) {
	t.Helper()
	st := coord.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	keys := coord.NewKeys("test")
	return New(st, keys, WithTTL(time.Hour)), st, keys
}

func TestRegistry_WriteReadRoundTripIsByteEqual(t *testing.T) {
	t.Parallel()

	reg, st, keys := newTestRegistry(t)
	ctx := context.Background()

	at := time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.FixedZone("X", 3600))
	in := Record{
		ConnectionID:    "c1",
		IdentityID:      "U1",
		AuxIdentifier:   "+15550100",
		InstanceID:      "node-a",
		ConnectedAt:     at,
		LastRefreshedAt: at,
	}
	written, err := reg.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stored, err := st.Get(ctx, keys.Session("c1"))
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	got, err := reg.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sameRecord(got, written) {
		t.Fatalf("read back differs:\n got=%+v\nwant=%+v", got, written)
	}
	reencoded, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(reencoded) != stored {
		t.Fatalf("bytes differ:\n got=%s\nwant=%s", reencoded, stored)
	}

	if d, err := st.TTL(ctx, keys.Session("c1")); err != nil || d <= 0 || d > time.Hour {
		t.Fatalf("expected record TTL in (0,1h], got %v err=%v", d, err)
	}
	members, _ := st.SMembers(ctx, keys.GroupSet())
	if len(members) != 1 || members[0] != "c1" {
		t.Fatalf("expected c1 indexed, got %v", members)
	}
}

func sameRecord(a, b Record) bool {
	return a.ConnectionID == b.ConnectionID &&
		a.IdentityID == b.IdentityID &&
		a.AuxIdentifier == b.AuxIdentifier &&
		a.InstanceID == b.InstanceID &&
		a.ConnectedAt.Equal(b.ConnectedAt) &&
		a.LastRefreshedAt.Equal(b.LastRefreshedAt)
}

func TestRegistry_CreateRejectsIncompleteRecords(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	now := time.Now()

	cases := []struct {
		name string
		rec  Record
	}{
		{name: "no connection", rec: Record{IdentityID: "U1", ConnectedAt: now, LastRefreshedAt: now}},
		{name: "no identity", rec: Record{ConnectionID: "c1", ConnectedAt: now, LastRefreshedAt: now}},
		{name: "no timestamps", rec: Record{ConnectionID: "c1", IdentityID: "U1"}},
	}
	for _, tc := range cases {
		if _, err := reg.Create(context.Background(), tc.rec); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("%s: expected ErrInvalidRecord, got %v", tc.name, err)
		}
	}
}

func TestRegistry_DeleteRemovesRecordAndIndex(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := reg.Create(ctx, Record{ConnectionID: "c1", IdentityID: "U1", ConnectedAt: now, LastRefreshedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reg.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n, err := reg.Count(ctx); err != nil || n != 0 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
	if err := reg.Delete(ctx, "c1"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

func TestRegistry_TouchRearmsTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 6, 7, 0, 0, 0, time.UTC)
	st := coord.NewMemoryStore(coord.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = st.Close() })
	keys := coord.NewKeys("test")
	reg := New(st, keys, WithTTL(time.Minute))
	ctx := context.Background()

	if _, err := reg.Create(ctx, Record{ConnectionID: "c1", IdentityID: "U1", InstanceID: "node-a", ConnectedAt: now, LastRefreshedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, _ := st.Get(ctx, keys.Session("c1"))

	now = now.Add(50 * time.Second)
	if ok, err := reg.Touch(ctx, "c1"); err != nil || !ok {
		t.Fatalf("touch: ok=%v err=%v", ok, err)
	}
	now = now.Add(50 * time.Second)
	got, err := st.Get(ctx, keys.Session("c1"))
	if err != nil {
		t.Fatalf("record lapsed after touch: %v", err)
	}
	if got != raw {
		t.Fatalf("touch rewrote the record:\n got=%s\nwant=%s", got, raw)
	}

	now = now.Add(2 * time.Minute)
	if ok, err := reg.Touch(ctx, "c1"); err != nil || ok {
		t.Fatalf("touch after expiry: ok=%v err=%v", ok, err)
	}
}

func TestRegistry_ListReportsOrphans(t *testing.T) {
	t.Parallel()

	reg, st, keys := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"c1", "c2"} {
		if _, err := reg.Create(ctx, Record{ConnectionID: id, IdentityID: "U1", ConnectedAt: now, LastRefreshedAt: now}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	// c3 indexed without a record; c4 with a corrupt record.
	if err := st.Exec(ctx,
		coord.SAdd(keys.GroupSet(), "c3"),
		coord.Set(keys.Session("c4"), "{not json", 0),
		coord.SAdd(keys.GroupSet(), "c4"),
	); err != nil {
		t.Fatalf("seed: %v", err)
	}

	l, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(l.Records) != 2 {
		t.Fatalf("expected 2 records, got %+v", l.Records)
	}
	if len(l.Orphans) != 2 || l.Orphans[0] != "c3" || l.Orphans[1] != "c4" {
		t.Fatalf("expected orphans [c3 c4], got %v", l.Orphans)
	}

	ids, err := reg.ConnectionIDsForIdentity(ctx, "U1")
	if err != nil || len(ids) != 2 {
		t.Fatalf("ConnectionIDsForIdentity: ids=%v err=%v", ids, err)
	}
}

func TestRegistry_ClassifyPaths(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(5 * time.Minute)
	t2 := t1.Add(5 * time.Minute)
	t3 := t2.Add(5 * time.Minute)

	// New: connectedAt == lastRefreshedAt.
	path, rec, err := reg.Classify(ctx, Claim{ConnectionID: "c1", IdentityID: "U1", AuxIdentifier: "a1"}, t0)
	if err != nil || path != PathNew {
		t.Fatalf("new: path=%v err=%v", path, err)
	}
	if !rec.ConnectedAt.Equal(rec.LastRefreshedAt) {
		t.Fatalf("new: connectedAt=%v lastRefreshedAt=%v", rec.ConnectedAt, rec.LastRefreshedAt)
	}

	// Refreshed: only lastRefreshedAt moves, even when the claim carries another aux.
	path, rec, err = reg.Classify(ctx, Claim{ConnectionID: "c1", IdentityID: "U1", AuxIdentifier: "a9", Refresh: true}, t1)
	if err != nil || path != PathRefreshed {
		t.Fatalf("refresh: path=%v err=%v", path, err)
	}
	if !rec.ConnectedAt.Equal(t0) || !rec.LastRefreshedAt.Equal(t1) || rec.AuxIdentifier != "a1" {
		t.Fatalf("refresh: unexpected record %+v", rec)
	}

	// Replacement: a verified claim over an existing record starts over.
	path, rec, err = reg.Classify(ctx, Claim{ConnectionID: "c1", IdentityID: "U1", AuxIdentifier: "a2"}, t2)
	if err != nil || path != PathReplacement {
		t.Fatalf("replace: path=%v err=%v", path, err)
	}
	if !rec.ConnectedAt.Equal(t2) || rec.AuxIdentifier != "a2" {
		t.Fatalf("replace: unexpected record %+v", rec)
	}

	// A refresh for a different identity never moves the record.
	path, rec, err = reg.Classify(ctx, Claim{ConnectionID: "c1", IdentityID: "U2", Refresh: true}, t3)
	if err != nil || path != PathReplacement {
		t.Fatalf("foreign refresh: path=%v err=%v", path, err)
	}
	if rec.IdentityID != "U2" || !rec.ConnectedAt.Equal(t3) {
		t.Fatalf("foreign refresh: unexpected record %+v", rec)
	}

	if n, _ := reg.Count(ctx); n != 1 {
		t.Fatalf("expected exactly one indexed record, got %d", n)
	}
	stored, err := reg.Get(ctx, "c1")
	if err != nil || !sameRecord(stored, rec) {
		t.Fatalf("stored record mismatch: %+v err=%v", stored, err)
	}
}

func TestPath_String(t *testing.T) {
	t.Parallel()

	cases := map[Path]string{
		PathNew:         "new",
		PathRefreshed:   "refreshed",
		PathReplacement: "replacement",
		Path(0):         "unknown",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Fatalf("Path(%d).String()=%q want=%q", p, got, want)
		}
	}
}
