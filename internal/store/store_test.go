package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/graffitinet/graffiti-server/internal/channel"
	"github.com/graffitinet/graffiti-server/internal/graffiti"
	"github.com/graffitinet/graffiti-server/internal/schema"
)

const (
	testSource = "https://pod.test"
	alice      = "https://alice.test"
	bob        = "https://bob.test"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graffiti.db"), testSource)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sessionFor(actor string) *graffiti.Session {
	return &graffiti.Session{Actor: actor}
}

func putObject(t *testing.T, s *Store, actor, name string, value map[string]any, channels []string, allowed []string) *graffiti.Object {
	t.Helper()
	obj := &graffiti.Object{
		Actor:    actor,
		Name:     name,
		Value:    value,
		Channels: channels,
		Allowed:  allowed,
	}
	if _, err := s.Put(context.Background(), obj, sessionFor(actor)); err != nil {
		t.Fatalf("Failed to put %s/%s: %v", actor, name, err)
	}
	return obj
}

func TestPutCreateAndReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &graffiti.Object{
		Actor:    alice,
		Name:     "post",
		Value:    map[string]any{"a": float64(1)},
		Channels: []string{"c1"},
	}
	prev, err := s.Put(ctx, first, sessionFor(alice))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if prev != nil {
		t.Errorf("Expected nil previous on create, got %+v", prev)
	}
	if first.Source != testSource {
		t.Errorf("Source not defaulted: %q", first.Source)
	}
	if first.LastModified == 0 {
		t.Error("Put did not hand the committed stamp back to the caller")
	}

	second := &graffiti.Object{
		Actor:    alice,
		Name:     "post",
		Value:    map[string]any{"a": float64(2)},
		Channels: []string{"c1"},
	}
	prev, err = s.Put(ctx, second, sessionFor(alice))
	if err != nil {
		t.Fatalf("Second put failed: %v", err)
	}
	if prev == nil {
		t.Fatal("Expected previous version on replace")
	}
	if prev.Value["a"] != float64(1) {
		t.Errorf("Previous value wrong: %v", prev.Value)
	}
	if second.LastModified <= prev.LastModified {
		t.Errorf("lastModified not strictly increasing: %d <= %d", second.LastModified, prev.LastModified)
	}
}

func TestPutValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, &graffiti.Object{Actor: alice, Name: "x", Value: map[string]any{}}, nil); !errors.Is(err, graffiti.ErrUnauthorized) {
		t.Errorf("Anonymous put: expected ErrUnauthorized, got %v", err)
	}

	if _, err := s.Put(ctx, &graffiti.Object{Actor: bob, Name: "x", Value: map[string]any{}}, sessionFor(alice)); !errors.Is(err, graffiti.ErrForbidden) {
		t.Errorf("Foreign put: expected ErrForbidden, got %v", err)
	}

	if _, err := s.Put(ctx, &graffiti.Object{Actor: alice, Name: "x"}, sessionFor(alice)); !errors.Is(err, graffiti.ErrInvalidSchema) {
		t.Errorf("Missing value: expected ErrInvalidSchema, got %v", err)
	}

	dup := &graffiti.Object{Actor: alice, Name: "x", Value: map[string]any{}, Channels: []string{"c", "c"}}
	if _, err := s.Put(ctx, dup, sessionFor(alice)); !errors.Is(err, graffiti.ErrInvalidSchema) {
		t.Errorf("Duplicate channels: expected ErrInvalidSchema, got %v", err)
	}
}

func TestGetACLProjection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putObject(t, s, alice, "private", map[string]any{"secret": true}, []string{"c"}, []string{bob})
	loc := graffiti.Location{Actor: alice, Name: "private", Source: testSource}

	// Owner sees everything.
	got, err := s.Get(ctx, loc, alice)
	if err != nil {
		t.Fatalf("Owner get failed: %v", err)
	}
	if len(got.Channels) != 1 || len(got.Allowed) != 1 {
		t.Errorf("Owner should see channels and allowed: %+v", got)
	}

	// A listed reader sees the value but no owner metadata.
	got, err = s.Get(ctx, loc, bob)
	if err != nil {
		t.Fatalf("Allowed get failed: %v", err)
	}
	if got.Value["secret"] != true {
		t.Errorf("Allowed reader missing value: %+v", got.Value)
	}
	if len(got.Channels) != 0 || got.Allowed != nil {
		t.Errorf("Owner metadata leaked to reader: %+v", got)
	}

	// Anyone else gets NotFound, not Forbidden.
	if _, err := s.Get(ctx, loc, "https://carol.test"); !errors.Is(err, graffiti.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unauthorized reader, got %v", err)
	}
	if _, err := s.Get(ctx, loc, ""); !errors.Is(err, graffiti.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for anonymous reader, got %v", err)
	}
}

func TestDeleteThenGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putObject(t, s, alice, "gone", map[string]any{"a": float64(1)}, []string{"c"}, nil)
	loc := graffiti.Location{Actor: alice, Name: "gone", Source: testSource}

	before, err := s.Get(ctx, loc, alice)
	if err != nil {
		t.Fatalf("Get before delete failed: %v", err)
	}

	prev, modified, err := s.Delete(ctx, loc, sessionFor(alice))
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if prev.Value["a"] != float64(1) {
		t.Errorf("Delete returned wrong previous: %v", prev.Value)
	}
	if modified <= before.LastModified {
		t.Errorf("Delete stamp %d not after put %d", modified, before.LastModified)
	}

	got, err := s.Get(ctx, loc, alice)
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if !got.Tombstone {
		t.Error("Expected tombstone after delete")
	}
	if got.Value != nil {
		t.Errorf("Tombstone still carries a value: %v", got.Value)
	}
	if got.LastModified != modified {
		t.Errorf("Tombstone lastModified %d does not match the stamp Delete returned %d", got.LastModified, modified)
	}

	// Deleting a tombstone is NotFound.
	if _, _, err := s.Delete(ctx, loc, sessionFor(alice)); !errors.Is(err, graffiti.ErrNotFound) {
		t.Errorf("Double delete: expected ErrNotFound, got %v", err)
	}
	// Only the owner can delete.
	putObject(t, s, alice, "kept", map[string]any{}, nil, nil)
	if _, _, err := s.Delete(ctx, graffiti.Location{Actor: alice, Name: "kept", Source: testSource}, sessionFor(bob)); !errors.Is(err, graffiti.ErrForbidden) {
		t.Errorf("Foreign delete: expected ErrForbidden, got %v", err)
	}
}

func TestOptimisticConcurrencyToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	obj := putObject(t, s, alice, "raced", map[string]any{"n": float64(0)}, nil, nil)

	// An append with a stale token must be rejected, not applied.
	stale := obj.Clone()
	stale.LastModified = obj.LastModified + 1
	ok, err := s.appendVersion(ctx, stale, 0)
	if err != nil {
		t.Fatalf("appendVersion failed: %v", err)
	}
	if ok {
		t.Error("Stale-token append was accepted")
	}

	cur, err := s.currentVersion(ctx, obj.Location())
	if err != nil {
		t.Fatalf("currentVersion failed: %v", err)
	}
	ok, err = s.appendVersion(ctx, stale, cur.seq)
	if err != nil {
		t.Fatalf("appendVersion failed: %v", err)
	}
	if !ok {
		t.Error("Fresh-token append was rejected")
	}
}

func TestPatchValueChannelsAllowed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putObject(t, s, alice, "doc", map[string]any{"a": float64(1)}, []string{"c1"}, nil)
	loc := graffiti.Location{Actor: alice, Name: "doc", Source: testSource}

	p := &graffiti.Patch{
		Value: []graffiti.PatchOp{
			{Op: "test", Path: "/a", Value: []byte(`1`)},
			{Op: "replace", Path: "/a", Value: []byte(`2`)},
		},
		Channels: []graffiti.PatchOp{{Op: "add", Path: "/-", Value: []byte(`"c2"`)}},
		Allowed:  []graffiti.PatchOp{{Op: "add", Path: "", Value: []byte(`["https://bob.test"]`)}},
	}
	prev, modified, err := s.Patch(ctx, p, loc, sessionFor(alice))
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if prev.Value["a"] != float64(1) {
		t.Errorf("Patch returned wrong previous: %v", prev.Value)
	}

	got, err := s.Get(ctx, loc, alice)
	if err != nil {
		t.Fatalf("Get after patch failed: %v", err)
	}
	if got.Value["a"] != float64(2) {
		t.Errorf("Value patch not applied: %v", got.Value)
	}
	if got.LastModified != modified {
		t.Errorf("Patched version stamped %d but Patch returned %d", got.LastModified, modified)
	}
	if len(got.Channels) != 2 || got.Channels[1] != "c2" {
		t.Errorf("Channels patch not applied: %v", got.Channels)
	}
	if len(got.Allowed) != 1 || got.Allowed[0] != bob {
		t.Errorf("Allowed patch not applied: %v", got.Allowed)
	}

	// Replaying the same patch must fail its test precondition.
	if _, _, err := s.Patch(ctx, p, loc, sessionFor(alice)); !errors.Is(err, graffiti.ErrPatchTestFailed) {
		t.Errorf("Replay: expected ErrPatchTestFailed, got %v", err)
	}
}

func TestPatchStructuralErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putObject(t, s, alice, "doc", map[string]any{"a": float64(1)}, nil, nil)
	loc := graffiti.Location{Actor: alice, Name: "doc", Source: testSource}

	bad := []*graffiti.Patch{
		{Value: []graffiti.PatchOp{{Op: "replace", Path: "/missing/deep", Value: []byte(`1`)}}},
		{Value: []graffiti.PatchOp{{Op: "frobnicate", Path: "/a"}}},
		{Value: []graffiti.PatchOp{{Op: "remove", Path: ""}}},
		{Channels: []graffiti.PatchOp{{Op: "add", Path: "/-", Value: []byte(`17`)}}},
	}
	for i, p := range bad {
		if _, _, err := s.Patch(ctx, p, loc, sessionFor(alice)); !errors.Is(err, graffiti.ErrPatchError) {
			t.Errorf("Patch %d: expected ErrPatchError, got %v", i, err)
		}
	}

	// Duplicate channels via patch are structural errors too.
	putObject(t, s, alice, "dup", map[string]any{}, []string{"c"}, nil)
	p := &graffiti.Patch{Channels: []graffiti.PatchOp{{Op: "add", Path: "/-", Value: []byte(`"c"`)}}}
	if _, _, err := s.Patch(ctx, p, graffiti.Location{Actor: alice, Name: "dup", Source: testSource}, sessionFor(alice)); !errors.Is(err, graffiti.ErrPatchError) {
		t.Errorf("Duplicate channel patch: expected ErrPatchError, got %v", err)
	}

	if _, _, err := s.Patch(ctx, &graffiti.Patch{}, graffiti.Location{Actor: alice, Name: "absent", Source: testSource}, sessionFor(alice)); !errors.Is(err, graffiti.ErrNotFound) {
		t.Errorf("Patch of absent object: expected ErrNotFound, got %v", err)
	}
}

func compileSchema(t *testing.T, doc string) *schema.Schema {
	t.Helper()
	sch, err := schema.Compile([]byte(doc))
	if err != nil {
		t.Fatalf("Failed to compile schema: %v", err)
	}
	return sch
}

func queryAll(t *testing.T, s *Store, keys []channel.Key, requester string, opts QueryOptions) []*graffiti.Object {
	t.Helper()
	stream := s.Query(context.Background(), keys, nil, requester, opts)
	defer stream.Close()
	var out []*graffiti.Object
	for _, r := range stream.Collect(context.Background()) {
		if r.Err != nil {
			t.Fatalf("Query result error: %v", r.Err)
		}
		out = append(out, r.Object)
	}
	return out
}

func TestQueryUsesStoredKeyIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	obj := putObject(t, s, alice, "indexed", map[string]any{}, []string{"c"}, nil)

	// The persisted key index matches the query without re-deriving.
	got := queryAll(t, s, []channel.Key{channel.KeyOf("c")}, bob, QueryOptions{})
	if len(got) != 1 || got[0].Name != "indexed" {
		t.Fatalf("Stored-key match failed: %v", got)
	}

	// A row whose key index is out of step with its channel list still
	// matches through derivation.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO object_versions
			(actor, name, source, value, channels, channel_keys, allowed, tombstone, last_modified)
		VALUES (?, 'legacy', ?, '{}', '["c"]', '[]', NULL, 0, ?)
	`, alice, testSource, obj.LastModified+1); err != nil {
		t.Fatalf("Raw insert failed: %v", err)
	}
	got = queryAll(t, s, []channel.Key{channel.KeyOf("c")}, bob, QueryOptions{})
	if len(got) != 2 || got[1].Name != "legacy" {
		t.Fatalf("Derivation fallback failed: %v", got)
	}
}

func TestQueryChannelMembership(t *testing.T) {
	s := openTestStore(t)

	channels := []string{"c0", "c1", "c2", "c3", "c4"}
	want := make(map[string]int)
	for i := 0; i < 100; i++ {
		c := channels[i%len(channels)]
		putObject(t, s, alice, fmt.Sprintf("obj-%03d", i), map[string]any{"i": float64(i)}, []string{c}, nil)
		want[c]++
	}

	for _, c := range channels {
		got := queryAll(t, s, []channel.Key{channel.KeyOf(c)}, bob, QueryOptions{})
		if len(got) != want[c] {
			t.Errorf("Channel %s: got %d objects, want %d", c, len(got), want[c])
		}
	}

	// Ordering is ascending lastModified.
	got := queryAll(t, s, channel.KeysOf(channels), bob, QueryOptions{})
	if len(got) != 100 {
		t.Fatalf("Expected 100 objects, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].LastModified < got[i-1].LastModified {
			t.Fatalf("Results out of order at %d", i)
		}
	}

	limited := queryAll(t, s, channel.KeysOf(channels), bob, QueryOptions{Limit: 7})
	if len(limited) != 7 {
		t.Errorf("Limit ignored: got %d", len(limited))
	}
}

func TestQueryMasking(t *testing.T) {
	s := openTestStore(t)

	putObject(t, s, alice, "masked", map[string]any{"v": float64(1)}, []string{"public", "hidden"}, []string{bob})
	key := channel.KeyOf("public")

	// The allowed reader sees the value, only the matched channel key,
	// and no ACL.
	got := queryAll(t, s, []channel.Key{key}, bob, QueryOptions{})
	if len(got) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(got))
	}
	if got[0].Value["v"] != float64(1) {
		t.Errorf("Reader missing value: %v", got[0].Value)
	}
	if len(got[0].Channels) != 1 || got[0].Channels[0] != key.String() {
		t.Errorf("Masked channels wrong: %v", got[0].Channels)
	}
	if got[0].Allowed != nil {
		t.Errorf("ACL leaked: %v", got[0].Allowed)
	}

	// The owner sees plaintext channels and the ACL.
	got = queryAll(t, s, []channel.Key{key}, alice, QueryOptions{})
	if len(got) != 1 || len(got[0].Channels) != 2 || got[0].Channels[0] != "public" {
		t.Fatalf("Owner view wrong: %+v", got)
	}
	if len(got[0].Allowed) != 1 {
		t.Errorf("Owner missing ACL: %v", got[0].Allowed)
	}

	// An uninvolved actor does not see the restricted object at all.
	if got := queryAll(t, s, []channel.Key{key}, "https://carol.test", QueryOptions{}); len(got) != 0 {
		t.Errorf("Restricted object leaked: %+v", got)
	}
}

func TestQuerySchemaFilter(t *testing.T) {
	s := openTestStore(t)

	putObject(t, s, alice, "note", map[string]any{"kind": "note"}, []string{"c"}, nil)
	putObject(t, s, alice, "like", map[string]any{"kind": "like"}, []string{"c"}, nil)

	sch := compileSchema(t, `{"properties":{"value":{"properties":{"kind":{"enum":["note"]}}, "required":["kind"]}}}`)
	stream := s.Query(context.Background(), []channel.Key{channel.KeyOf("c")}, sch, bob, QueryOptions{})
	defer stream.Close()
	results := stream.Collect(context.Background())
	if len(results) != 1 || results[0].Object.Value["kind"] != "note" {
		t.Fatalf("Schema filter wrong: %+v", results)
	}
}

func TestQueryEmitsRemovals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := channel.KeyOf("c")

	putObject(t, s, alice, "a", map[string]any{"v": float64(1)}, []string{"c"}, nil)
	obj := putObject(t, s, alice, "b", map[string]any{"v": float64(2)}, []string{"c"}, nil)
	since := obj.LastModified + 1

	// Delete "a": a delta query must observe the removal even though
	// the current version is a tombstone.
	if _, _, err := s.Delete(ctx, graffiti.Location{Actor: alice, Name: "a", Source: testSource}, sessionFor(alice)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got := queryAll(t, s, []channel.Key{key}, bob, QueryOptions{IfModifiedSince: since})
	if len(got) != 1 {
		t.Fatalf("Expected 1 delta record, got %d", len(got))
	}
	if !got[0].Tombstone || got[0].Name != "a" || got[0].Value != nil {
		t.Errorf("Expected value-less tombstone for a, got %+v", got[0])
	}

	// Restrict "b": to bob it must now look like a removal; to the
	// owner it is still the live object.
	p := &graffiti.Patch{Allowed: []graffiti.PatchOp{{Op: "add", Path: "", Value: []byte(`[]`)}}}
	if _, _, err := s.Patch(ctx, p, graffiti.Location{Actor: alice, Name: "b", Source: testSource}, sessionFor(alice)); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	got = queryAll(t, s, []channel.Key{key}, bob, QueryOptions{IfModifiedSince: since})
	foundB := false
	for _, rec := range got {
		if rec.Name == "b" {
			foundB = true
			if !rec.Tombstone {
				t.Errorf("ACL-invisible object not emitted as tombstone: %+v", rec)
			}
		}
	}
	if !foundB {
		t.Error("ACL removal not observed in delta query")
	}

	got = queryAll(t, s, []channel.Key{key}, alice, QueryOptions{IfModifiedSince: since})
	for _, rec := range got {
		if rec.Name == "b" && rec.Tombstone {
			t.Error("Owner should still see the live object")
		}
	}

	// An unchanged store yields zero records past the newest write.
	var newest int64
	for _, rec := range queryAll(t, s, []channel.Key{key}, alice, QueryOptions{}) {
		if rec.LastModified > newest {
			newest = rec.LastModified
		}
	}
	if got := queryAll(t, s, []channel.Key{key}, alice, QueryOptions{IfModifiedSince: newest + 1}); len(got) != 0 {
		t.Errorf("Expected empty delta, got %d records", len(got))
	}
}

func TestChannelStatsAndOrphans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	putObject(t, s, alice, "a", map[string]any{}, []string{"c1", "c2"}, nil)
	putObject(t, s, alice, "b", map[string]any{}, []string{"c1"}, nil)
	putObject(t, s, alice, "orphaned", map[string]any{}, nil, nil)
	putObject(t, s, bob, "other", map[string]any{}, []string{"c1"}, nil)

	stats, err := s.ChannelStats(ctx, alice)
	if err != nil {
		t.Fatalf("ChannelStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("Expected 2 channels, got %d: %+v", len(stats), stats)
	}
	if stats[0].Channel != "c1" || stats[0].Count != 2 {
		t.Errorf("c1 stat wrong: %+v", stats[0])
	}
	if stats[1].Channel != "c2" || stats[1].Count != 1 {
		t.Errorf("c2 stat wrong: %+v", stats[1])
	}

	orphans, err := s.Orphans(ctx, alice)
	if err != nil {
		t.Fatalf("Orphans failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Name != "orphaned" {
		t.Fatalf("Orphans wrong: %+v", orphans)
	}

	// Deleted objects leave the aggregates.
	if _, _, err := s.Delete(ctx, graffiti.Location{Actor: alice, Name: "b", Source: testSource}, sessionFor(alice)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	stats, _ = s.ChannelStats(ctx, alice)
	if stats[0].Count != 1 {
		t.Errorf("c1 count after delete: %+v", stats[0])
	}

	if _, err := s.ChannelStats(ctx, ""); !errors.Is(err, graffiti.ErrUnauthorized) {
		t.Errorf("Anonymous stats: expected ErrUnauthorized, got %v", err)
	}
}

func TestSubscriptionDeliversInIssueOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := channel.KeyOf("c")

	sub := s.Subscribe([]channel.Key{key}, nil, bob)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		putObject(t, s, alice, fmt.Sprintf("n%d", i), map[string]any{"i": float64(i)}, []string{"c"}, nil)
	}

	// Delivery happened synchronously with the puts; the buffer is
	// already complete and ordered.
	for i := 0; i < 5; i++ {
		r, ok := sub.Next(ctx)
		if !ok {
			t.Fatalf("Subscription ended early at %d", i)
		}
		if r.Object.Value["i"] != float64(i) {
			t.Errorf("Event %d out of order: %v", i, r.Object.Value)
		}
	}

	// A delete arrives as a tombstone event.
	if _, _, err := s.Delete(ctx, graffiti.Location{Actor: alice, Name: "n0", Source: testSource}, sessionFor(alice)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	r, ok := sub.Next(ctx)
	if !ok || !r.Object.Tombstone || r.Object.Name != "n0" {
		t.Errorf("Expected tombstone event, got %+v", r)
	}

	// Events outside the subscribed channels are not delivered.
	putObject(t, s, alice, "elsewhere", map[string]any{}, []string{"other"}, nil)
	sub.Close()
	if _, ok := sub.Next(ctx); ok {
		t.Error("Expected closed subscription to end")
	}
}
