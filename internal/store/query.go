package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/graffitinet/graffiti-server/internal/channel"
	"github.com/graffitinet/graffiti-server/internal/graffiti"
	"github.com/graffitinet/graffiti-server/internal/schema"
)

// QueryOptions narrows a discovery query.
type QueryOptions struct {
	// IfModifiedSince keeps only identities whose version log moved
	// at or after this unix-millisecond timestamp.
	IfModifiedSince int64
	// Limit caps the number of emitted records; zero means no cap.
	Limit int
}

// streamBuffer is the capacity of the producer/consumer channel
// behind query streams.
const streamBuffer = 64

// Query evaluates a channel-addressed discovery query and returns a
// lazy result stream ordered by ascending lastModified.
//
// Candidates are versions whose derived channel keys intersect the
// queried keys, that are ACL-visible to the requester, and that were
// modified inside the window. Each touched identity reduces to its
// current version. A current version that is live, visible and
// schema-matching is emitted masked for the requester; one that is a
// tombstone, or that has dropped out of the requester's view since
// the window opened, is emitted as a tombstone so consumers observe
// the removal.
func (s *Store) Query(ctx context.Context, keys []channel.Key, sch *schema.Schema, requester string, opts QueryOptions) *graffiti.Stream {
	out := graffiti.NewStream(streamBuffer)
	go func() {
		defer out.Finish()
		records, err := s.collectQuery(ctx, keys, requester, opts.IfModifiedSince)
		if err != nil {
			out.Push(ctx, graffiti.Result{Err: err, Source: s.source})
			return
		}

		emitted := 0
		for _, rec := range records {
			if opts.Limit > 0 && emitted >= opts.Limit {
				return
			}
			if !rec.Tombstone && !sch.MatchObject(rec) {
				continue
			}
			if !out.Push(ctx, graffiti.Result{Object: rec, Source: s.source}) {
				return
			}
			emitted++
		}
	}()
	return out
}

// identityState accumulates the scan state for one identity.
type identityState struct {
	current     *graffiti.Object
	currentSeq  int64
	currentKeys []string
	candidate   bool
	matchedKeys []channel.Key
}

// collectQuery runs the two-pass reduction: scan the window, reduce
// each identity to its current version, then mask and order.
func (s *Store) collectQuery(ctx context.Context, keys []channel.Key, requester string, since int64) ([]*graffiti.Object, error) {
	queried := make(map[channel.Key]struct{}, len(keys))
	for _, k := range keys {
		queried[k] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, actor, name, source, value, channels, channel_keys, allowed, tombstone, last_modified
		FROM object_versions
		WHERE last_modified >= ?
		ORDER BY last_modified ASC, seq ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query scan failed: %w", err)
	}
	defer rows.Close()

	states := make(map[graffiti.Location]*identityState)
	for rows.Next() {
		var (
			seq           int64
			loc           graffiti.Location
			value         sql.NullString
			channelsJSON  string
			keysJSON      string
			allowed       sql.NullString
			tombstone     bool
			lastModified  int64
		)
		if err := rows.Scan(&seq, &loc.Actor, &loc.Name, &loc.Source, &value, &channelsJSON, &keysJSON, &allowed, &tombstone, &lastModified); err != nil {
			return nil, fmt.Errorf("query scan failed: %w", err)
		}
		obj, err := decodeVersion(loc, value, channelsJSON, allowed, tombstone, lastModified)
		if err != nil {
			log.Warnf("Skipping corrupt version row %d: %v", seq, err)
			continue
		}
		var keyStrs []string
		if err := json.Unmarshal([]byte(keysJSON), &keyStrs); err != nil {
			log.Warnf("Skipping corrupt key index on row %d: %v", seq, err)
			keyStrs = nil
		}

		st := states[loc]
		if st == nil {
			st = &identityState{}
			states[loc] = st
		}
		// Rows arrive in ascending order, so the last row seen for an
		// identity is its current version.
		st.current = obj
		st.currentSeq = seq
		st.currentKeys = keyStrs

		matched := matchStoredKeys(keyStrs, obj.Channels, queried)
		if len(matched) > 0 && obj.VisibleTo(requester) {
			st.candidate = true
			st.matchedKeys = mergeKeys(st.matchedKeys, matched)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query scan failed: %w", err)
	}

	records := make([]*graffiti.Object, 0, len(states))
	seqs := make(map[*graffiti.Object]int64, len(states))
	for _, st := range states {
		if !st.candidate {
			continue
		}
		rec := s.reduceIdentity(st, queried, requester)
		records = append(records, rec)
		seqs[rec] = st.currentSeq
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].LastModified != records[j].LastModified {
			return records[i].LastModified < records[j].LastModified
		}
		return seqs[records[i]] < seqs[records[j]]
	})
	return records, nil
}

// reduceIdentity turns the scan state of one identity into the record
// to emit: the masked current version when it is still in view, or a
// removal tombstone when it is not.
func (s *Store) reduceIdentity(st *identityState, queried map[channel.Key]struct{}, requester string) *graffiti.Object {
	cur := st.current
	curMatched := matchStoredKeys(st.currentKeys, cur.Channels, queried)

	inView := len(curMatched) > 0 && cur.VisibleTo(requester) && !cur.Tombstone
	if inView {
		return maskObject(cur, curMatched, requester)
	}

	// The identity left the requester's view (tombstoned, ACL
	// tightened, or channels rewritten): emit a tombstone carrying
	// the keys the requester previously matched.
	matched := st.matchedKeys
	if len(curMatched) > 0 {
		matched = curMatched
	}
	tomb := &graffiti.Object{
		Actor:        cur.Actor,
		Name:         cur.Name,
		Source:       cur.Source,
		Tombstone:    true,
		LastModified: cur.LastModified,
	}
	if requester == cur.Actor {
		tomb.Channels = append([]string(nil), cur.Channels...)
		if cur.Allowed != nil {
			tomb.Allowed = append([]string{}, cur.Allowed...)
		}
	} else {
		tomb.Channels = keyStrings(matched)
	}
	return tomb
}

// maskObject projects an object for a requester. Owners see the full
// record; everyone else sees only the channel keys that matched their
// query and no ACL.
func maskObject(obj *graffiti.Object, matched []channel.Key, requester string) *graffiti.Object {
	if requester == obj.Actor {
		return obj.Clone()
	}
	masked := obj.Clone()
	masked.Channels = keyStrings(matched)
	masked.Allowed = nil
	if masked.Tombstone {
		masked.Value = nil
	}
	return masked
}

// matchStoredKeys matches the derived keys persisted alongside a
// version row, sparing a per-channel key derivation on every scanned
// row. Rows whose key index is missing or out of step with the channel
// list fall back to deriving.
func matchStoredKeys(keyStrs, channels []string, queried map[channel.Key]struct{}) []channel.Key {
	if len(keyStrs) != len(channels) {
		return matchKeys(channels, queried)
	}
	var matched []channel.Key
	for _, ks := range keyStrs {
		k := channel.Key(ks)
		if _, ok := queried[k]; ok {
			matched = append(matched, k)
		}
	}
	return matched
}

func matchKeys(channels []string, queried map[channel.Key]struct{}) []channel.Key {
	var matched []channel.Key
	for _, c := range channels {
		k := channel.KeyOf(c)
		if _, ok := queried[k]; ok {
			matched = append(matched, k)
		}
	}
	return matched
}

func mergeKeys(have, add []channel.Key) []channel.Key {
	seen := make(map[channel.Key]struct{}, len(have))
	for _, k := range have {
		seen[k] = struct{}{}
	}
	for _, k := range add {
		if _, ok := seen[k]; !ok {
			have = append(have, k)
			seen[k] = struct{}{}
		}
	}
	return have
}

func keyStrings(keys []channel.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// ChannelStats aggregates the actor's current object versions by
// plaintext channel. Tombstones do not count.
func (s *Store) ChannelStats(ctx context.Context, actor string) ([]graffiti.ChannelStat, error) {
	if actor == "" {
		return nil, graffiti.ErrUnauthorized
	}
	objects, err := s.currentVersionsOf(ctx, actor)
	if err != nil {
		return nil, err
	}

	type agg struct {
		count int
		last  int64
	}
	byChannel := make(map[string]*agg)
	for _, obj := range objects {
		if obj.Tombstone {
			continue
		}
		for _, c := range obj.Channels {
			a := byChannel[c]
			if a == nil {
				a = &agg{}
				byChannel[c] = a
			}
			a.count++
			if obj.LastModified > a.last {
				a.last = obj.LastModified
			}
		}
	}

	stats := make([]graffiti.ChannelStat, 0, len(byChannel))
	for c, a := range byChannel {
		stats = append(stats, graffiti.ChannelStat{Channel: c, Count: a.count, LastModified: a.last})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Channel < stats[j].Channel })
	return stats, nil
}

// Orphans lists the actor's live objects that sit in no channel and
// are therefore unreachable through discovery.
func (s *Store) Orphans(ctx context.Context, actor string) ([]*graffiti.Object, error) {
	if actor == "" {
		return nil, graffiti.ErrUnauthorized
	}
	objects, err := s.currentVersionsOf(ctx, actor)
	if err != nil {
		return nil, err
	}

	var orphans []*graffiti.Object
	for _, obj := range objects {
		if !obj.Tombstone && len(obj.Channels) == 0 {
			orphans = append(orphans, obj)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].LastModified < orphans[j].LastModified })
	return orphans, nil
}

// currentVersionsOf resolves all current versions owned by an actor.
func (s *Store) currentVersionsOf(ctx context.Context, actor string) ([]*graffiti.Object, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.name, v.source, v.value, v.channels, v.allowed, v.tombstone, v.last_modified
		FROM object_versions v
		JOIN (
			SELECT name, source, MAX(last_modified) AS last_modified
			FROM object_versions
			WHERE actor = ?
			GROUP BY name, source
		) cur ON v.name = cur.name AND v.source = cur.source AND v.last_modified = cur.last_modified
		WHERE v.actor = ?
		ORDER BY v.last_modified ASC
	`, actor, actor)
	if err != nil {
		return nil, fmt.Errorf("failed to scan actor versions: %w", err)
	}
	defer rows.Close()

	var objects []*graffiti.Object
	for rows.Next() {
		loc := graffiti.Location{Actor: actor}
		var (
			value        sql.NullString
			channelsJSON string
			allowed      sql.NullString
			tombstone    bool
			lastModified int64
		)
		if err := rows.Scan(&loc.Name, &loc.Source, &value, &channelsJSON, &allowed, &tombstone, &lastModified); err != nil {
			return nil, fmt.Errorf("failed to scan actor versions: %w", err)
		}
		obj, err := decodeVersion(loc, value, channelsJSON, allowed, tombstone, lastModified)
		if err != nil {
			log.Warnf("Skipping corrupt version for %s/%s: %v", loc.Actor, loc.Name, err)
			continue
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}
