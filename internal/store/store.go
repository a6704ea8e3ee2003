// Package store implements the append-only versioned object store.
//
// Every put, patch and delete appends a new version row; the current
// value of an identity is a query-time reduction (latest wins by
// lastModified), never a stored pointer. Writers race through an
// optimistic-concurrency token, so concurrent mutations of one
// identity fail with a retryable conflict instead of overwriting each
// other.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/graffitinet/graffiti-server/internal/channel"
	"github.com/graffitinet/graffiti-server/internal/graffiti"
)

var log = logging.Logger("store")

// putAttempts bounds the internal retry loop for Put. Put has no
// read-your-write precondition, so losing the version-token race just
// means re-reading the previous version and trying again.
const putAttempts = 32

// Store is a SQLite-backed append-only object store.
type Store struct {
	db     *sql.DB
	source string
	subs   *subscribers
}

// Open opens (or creates) a store at dbPath. The source is the
// HTTP(S) origin this store is canonical for; objects put without an
// explicit source default to it.
func Open(dbPath, source string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, source: source, subs: newSubscribers()}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return s, nil
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS object_versions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			value TEXT,
			channels TEXT NOT NULL DEFAULT '[]',
			channel_keys TEXT NOT NULL DEFAULT '[]',
			allowed TEXT,
			tombstone INTEGER NOT NULL DEFAULT 0,
			last_modified INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create version table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_versions_identity
		ON object_versions (actor, name, source, last_modified DESC)
	`); err != nil {
		return fmt.Errorf("failed to create identity index: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_versions_modified
		ON object_versions (last_modified)
	`); err != nil {
		return fmt.Errorf("failed to create modification index: %w", err)
	}

	return nil
}

// Close closes the database and cancels all live subscriptions.
func (s *Store) Close() error {
	s.subs.closeAll()
	return s.db.Close()
}

// Source returns the origin this store is canonical for.
func (s *Store) Source() string { return s.source }

// versionRow is one row of the version log plus its sequence number,
// which doubles as the optimistic-concurrency token.
type versionRow struct {
	seq int64
	obj *graffiti.Object
}

// currentVersion resolves the current version of an identity, or nil
// if no version exists.
func (s *Store) currentVersion(ctx context.Context, loc graffiti.Location) (*versionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, value, channels, allowed, tombstone, last_modified
		FROM object_versions
		WHERE actor = ? AND name = ? AND source = ?
		ORDER BY last_modified DESC, seq DESC
		LIMIT 1
	`, loc.Actor, loc.Name, loc.Source)

	var (
		seq          int64
		value        sql.NullString
		channelsJSON string
		allowed      sql.NullString
		tombstone    bool
		lastModified int64
	)
	if err := row.Scan(&seq, &value, &channelsJSON, &allowed, &tombstone, &lastModified); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read current version: %w", err)
	}

	obj, err := decodeVersion(loc, value, channelsJSON, allowed, tombstone, lastModified)
	if err != nil {
		return nil, err
	}
	return &versionRow{seq: seq, obj: obj}, nil
}

func decodeVersion(loc graffiti.Location, value sql.NullString, channelsJSON string, allowed sql.NullString, tombstone bool, lastModified int64) (*graffiti.Object, error) {
	obj := &graffiti.Object{
		Actor:        loc.Actor,
		Name:         loc.Name,
		Source:       loc.Source,
		Tombstone:    tombstone,
		LastModified: lastModified,
	}
	if value.Valid {
		if err := json.Unmarshal([]byte(value.String), &obj.Value); err != nil {
			return nil, fmt.Errorf("corrupt value for %v: %w", loc, err)
		}
	}
	if err := json.Unmarshal([]byte(channelsJSON), &obj.Channels); err != nil {
		return nil, fmt.Errorf("corrupt channels for %v: %w", loc, err)
	}
	if allowed.Valid {
		if err := json.Unmarshal([]byte(allowed.String), &obj.Allowed); err != nil {
			return nil, fmt.Errorf("corrupt allowed for %v: %w", loc, err)
		}
		if obj.Allowed == nil {
			obj.Allowed = []string{}
		}
	}
	return obj, nil
}

// appendVersion appends one version row, guarded by the version token
// read earlier. It reports false when a concurrent writer advanced
// the identity in the meantime.
func (s *Store) appendVersion(ctx context.Context, obj *graffiti.Object, token int64) (bool, error) {
	var valueJSON any
	if obj.Value != nil {
		raw, err := json.Marshal(obj.Value)
		if err != nil {
			return false, graffiti.InvalidSchemaf("value is not serializable")
		}
		valueJSON = string(raw)
	}

	channelsJSON, err := json.Marshal(obj.Channels)
	if err != nil {
		return false, graffiti.InvalidSchemaf("channels are not serializable")
	}
	keys := channel.KeysOf(obj.Channels)
	keyStrings := make([]string, len(keys))
	for i, k := range keys {
		keyStrings[i] = k.String()
	}
	keysJSON, _ := json.Marshal(keyStrings)

	var allowedJSON any
	if obj.Allowed != nil {
		raw, err := json.Marshal(obj.Allowed)
		if err != nil {
			return false, graffiti.InvalidSchemaf("allowed list is not serializable")
		}
		allowedJSON = string(raw)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO object_versions
			(actor, name, source, value, channels, channel_keys, allowed, tombstone, last_modified)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (
			SELECT COALESCE(MAX(seq), 0) FROM object_versions
			WHERE actor = ? AND name = ? AND source = ?
		) = ?
	`,
		obj.Actor, obj.Name, obj.Source, valueJSON, string(channelsJSON), string(keysJSON),
		allowedJSON, obj.Tombstone, obj.LastModified,
		obj.Actor, obj.Name, obj.Source, token,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check append result: %w", err)
	}
	return n == 1, nil
}

// nextModified produces the lastModified for a new version: wall
// clock time, bumped past the previous version so the per-identity
// ordering stays strictly increasing.
func nextModified(prev *versionRow) int64 {
	lm := graffiti.NowMillis()
	if prev != nil && lm <= prev.obj.LastModified {
		lm = prev.obj.LastModified + 1
	}
	return lm
}

func validateChannels(channels []string) error {
	seen := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		if _, dup := seen[c]; dup {
			return graffiti.InvalidSchemaf("duplicate channel %q", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Put appends a new version of an object owned by the session actor
// and returns the previously-current version, or nil when the object
// was created.
func (s *Store) Put(ctx context.Context, obj *graffiti.Object, session *graffiti.Session) (*graffiti.Object, error) {
	actor := session.ActorOrEmpty()
	if actor == "" {
		return nil, graffiti.ErrUnauthorized
	}
	if obj.Actor == "" {
		obj.Actor = actor
	} else if obj.Actor != actor {
		return nil, graffiti.Forbiddenf("cannot put object owned by %s", obj.Actor)
	}
	if obj.Name == "" {
		return nil, graffiti.InvalidSchemaf("object name is required")
	}
	if obj.Source == "" {
		obj.Source = s.source
	}
	if obj.Value == nil {
		return nil, graffiti.InvalidSchemaf("value must be a JSON object")
	}
	if err := validateChannels(obj.Channels); err != nil {
		return nil, err
	}

	next := obj.Clone()
	next.Tombstone = false

	for attempt := 0; attempt < putAttempts; attempt++ {
		prev, err := s.currentVersion(ctx, next.Location())
		if err != nil {
			return nil, err
		}
		token := int64(0)
		if prev != nil {
			token = prev.seq
		}
		next.LastModified = nextModified(prev)

		ok, err := s.appendVersion(ctx, next, token)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		// The caller's object now names a committed version; hand the
		// stamp back so response headers and delta bounds see it.
		obj.Tombstone = false
		obj.LastModified = next.LastModified

		var prevObj *graffiti.Object
		if prev != nil {
			prevObj = prev.obj
		}
		s.subs.publish(prevObj, next)
		return prevObj, nil
	}
	return nil, fmt.Errorf("put lost the version race repeatedly: %w", graffiti.ErrConflict)
}

// Get returns the current version of an object if it is visible to
// the requesting actor. Restricted objects behave as absent to
// non-owners, never revealing their existence.
func (s *Store) Get(ctx context.Context, loc graffiti.Location, requester string) (*graffiti.Object, error) {
	cur, err := s.currentVersion(ctx, loc)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, graffiti.NotFoundf("object %s/%s", loc.Actor, loc.Name)
	}
	obj := cur.obj
	if requester != loc.Actor {
		if !obj.VisibleTo(requester) {
			return nil, graffiti.NotFoundf("object %s/%s", loc.Actor, loc.Name)
		}
		// Channel membership and the ACL are owner-only metadata.
		obj = obj.Clone()
		obj.Channels = []string{}
		obj.Allowed = nil
	}
	return obj, nil
}

// Delete appends a tombstone version and returns the pre-delete
// version along with the tombstone's lastModified. The tombstone keeps
// the channel memberships and the ACL so the removal stays
// discoverable by exactly the readers that could see the object.
func (s *Store) Delete(ctx context.Context, loc graffiti.Location, session *graffiti.Session) (*graffiti.Object, int64, error) {
	actor := session.ActorOrEmpty()
	if actor == "" {
		return nil, 0, graffiti.ErrUnauthorized
	}
	if loc.Actor != actor {
		return nil, 0, graffiti.Forbiddenf("cannot delete object owned by %s", loc.Actor)
	}

	prev, err := s.currentVersion(ctx, loc)
	if err != nil {
		return nil, 0, err
	}
	if prev == nil || prev.obj.Tombstone {
		return nil, 0, graffiti.NotFoundf("object %s/%s", loc.Actor, loc.Name)
	}

	tomb := prev.obj.Clone()
	tomb.Value = nil
	tomb.Tombstone = true
	tomb.LastModified = nextModified(prev)

	ok, err := s.appendVersion(ctx, tomb, prev.seq)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("delete raced a concurrent write: %w", graffiti.ErrConflict)
	}

	s.subs.publish(prev.obj, tomb)
	return prev.obj, tomb.LastModified, nil
}
