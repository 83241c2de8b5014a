// Package changelog implements a durable, append-only change log backed by
// an embedded SQLite database. Readers drive incremental sync via an
// opaque cursor; a malformed, empty, or compacted-away cursor falls back
// to a full snapshot built from an injected EntityProvider.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/clock"

	_ "modernc.org/sqlite"
)

// EntityType identifies what kind of thing a changelog row describes.
type EntityType string

const (
	EntityHost      EntityType = "host"
	EntityStartConf EntityType = "startconf"
	EntityConfig    EntityType = "config"
	EntityDHCP      EntityType = "dhcp"
	EntitySynthetic EntityType = "_synthetic"
)

// Action identifies what happened to the entity.
type Action string

const (
	ActionUpsert   Action = "upsert"
	ActionDelete   Action = "delete"
	ActionSnapshot Action = "snapshot"
)

// Cursor is a monotonic (timestamp, sequence) pair identifying a
// position in the log.
type Cursor struct {
	TS  uint64
	Seq uint64
}

// String renders the cursor in its wire format "<ts>:<seq>".
func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.TS, c.Seq)
}

var cursorPattern = regexp.MustCompile(`^\d+:\d+$`)

// ParseCursor parses the wire cursor format. ok is false for an empty or
// malformed cursor, in which case callers should treat it as a request
// for a full snapshot.
func ParseCursor(s string) (c Cursor, ok bool) {
	if s == "" || !cursorPattern.MatchString(s) {
		return Cursor{}, false
	}
	parts := strings.SplitN(s, ":", 2)
	ts, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, false
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{TS: ts, Seq: seq}, true
}

// Entry is a single append-only row in the changelog.
type Entry struct {
	EntityType EntityType
	EntityID   string
	Action     Action
	Cursor     Cursor
}

// EntitySets describes the current universe of entities, used to build a
// full-snapshot response.
type EntitySets struct {
	HostMACs     []string
	StartConfIDs []string
	ConfigIDs    []string
}

// EntityProvider supplies the current entity universe for snapshot
// responses. Implemented by the adapters package to avoid a changelog ->
// adapters import cycle.
type EntityProvider interface {
	CurrentEntities() EntitySets
}

// Delta is the result of a get_changes query: either a full snapshot or
// an incremental delta, depending on whether the caller's cursor was
// honored.
type Delta struct {
	HostsChanged      []string
	StartConfsChanged []string
	ConfigsChanged    []string
	DeletedHosts      []string
	DeletedStartConfs []string
	DHCPChanged       bool
	NextCursor        Cursor
	FullSnapshot      bool
}

// Changelog is a durable, append-only change log.
type Changelog struct {
	db       *sql.DB
	mu       sync.Mutex
	sequence uint64
	provider EntityProvider
}

// Options configures a Changelog.
type Options struct {
	Path     string // database file path (":memory:" for in-memory)
	Provider EntityProvider
}

// Open opens or creates the changelog database at opts.Path and restores
// the in-memory sequence counter from the persisted maximum.
func Open(opts Options) (*Changelog, error) {
	dsn := opts.Path
	if opts.Path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open changelog database: %w", err)
	}
	// One connection: SQLite is single-writer, and an in-memory database
	// exists per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping changelog database: %w", err)
	}

	c := &Changelog{db: db, provider: opts.Provider}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init changelog schema: %w", err)
	}
	if err := c.loadSequence(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load changelog sequence: %w", err)
	}
	return c, nil
}

func (c *Changelog) initSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS changes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			cursor_ts   INTEGER NOT NULL,
			cursor_seq  INTEGER NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			action      TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_changes_cursor ON changes(cursor_ts, cursor_seq);
	`)
	return err
}

func (c *Changelog) loadSequence() error {
	var seq sql.NullInt64
	if err := c.db.QueryRow("SELECT MAX(cursor_seq) FROM changes").Scan(&seq); err != nil {
		return err
	}
	if seq.Valid {
		c.sequence = uint64(seq.Int64)
	}
	return nil
}

// RecordChange atomically increments the sequence counter and appends a
// row stamped with the current wall-clock second.
func (c *Changelog) RecordChange(entityType EntityType, entityID string, action Action) (Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence++
	cur := Cursor{TS: uint64(clock.Now().Unix()), Seq: c.sequence}

	_, err := c.db.Exec(
		`INSERT INTO changes (cursor_ts, cursor_seq, entity_type, entity_id, action) VALUES (?, ?, ?, ?, ?)`,
		cur.TS, cur.Seq, string(entityType), entityID, string(action),
	)
	if err != nil {
		c.sequence--
		return Cursor{}, err
	}
	return cur, nil
}

// GetChanges answers an incremental sync request. An empty or malformed
// cursor, or one whose exact (ts, seq) pair has been compacted away,
// yields a full snapshot instead of an error.
func (c *Changelog) GetChanges(ctx context.Context, cursorStr string) (Delta, error) {
	cur, ok := ParseCursor(cursorStr)
	if !ok {
		return c.fullSnapshot(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM changes WHERE cursor_ts = ? AND cursor_seq = ?`,
		cur.TS, cur.Seq,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return c.fullSnapshotLocked(ctx)
	}
	if err != nil {
		return Delta{}, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, action, cursor_ts, cursor_seq
		FROM changes
		WHERE (cursor_ts > ?) OR (cursor_ts = ? AND cursor_seq > ?)
		ORDER BY cursor_ts, cursor_seq
	`, cur.TS, cur.TS, cur.Seq)
	if err != nil {
		return Delta{}, err
	}
	defer rows.Close()

	delta := Delta{NextCursor: cur}
	seenHosts := make(map[string]bool)
	seenStartConfs := make(map[string]bool)
	seenConfigs := make(map[string]bool)
	seenDeletedHosts := make(map[string]bool)
	seenDeletedStartConfs := make(map[string]bool)

	for rows.Next() {
		var entityType, entityID, action string
		var ts, seq uint64
		if err := rows.Scan(&entityType, &entityID, &action, &ts, &seq); err != nil {
			return Delta{}, err
		}
		delta.NextCursor = Cursor{TS: ts, Seq: seq}

		switch EntityType(entityType) {
		case EntityHost:
			if Action(action) == ActionDelete {
				if !seenDeletedHosts[entityID] {
					seenDeletedHosts[entityID] = true
					delta.DeletedHosts = append(delta.DeletedHosts, entityID)
				}
			} else if !seenHosts[entityID] {
				seenHosts[entityID] = true
				delta.HostsChanged = append(delta.HostsChanged, entityID)
			}
			delta.DHCPChanged = true
		case EntityStartConf:
			if Action(action) == ActionDelete {
				if !seenDeletedStartConfs[entityID] {
					seenDeletedStartConfs[entityID] = true
					delta.DeletedStartConfs = append(delta.DeletedStartConfs, entityID)
				}
			} else if !seenStartConfs[entityID] {
				seenStartConfs[entityID] = true
				delta.StartConfsChanged = append(delta.StartConfsChanged, entityID)
			}
		case EntityConfig:
			if !seenConfigs[entityID] {
				seenConfigs[entityID] = true
				delta.ConfigsChanged = append(delta.ConfigsChanged, entityID)
			}
		case EntityDHCP:
			delta.DHCPChanged = true
		}
	}
	if err := rows.Err(); err != nil {
		return Delta{}, err
	}

	return delta, nil
}

func (c *Changelog) fullSnapshot(ctx context.Context) (Delta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullSnapshotLocked(ctx)
}

// fullSnapshotLocked must be called with c.mu held.
func (c *Changelog) fullSnapshotLocked(ctx context.Context) (Delta, error) {
	var sets EntitySets
	if c.provider != nil {
		sets = c.provider.CurrentEntities()
	}

	delta := Delta{
		HostsChanged:      sets.HostMACs,
		StartConfsChanged: sets.StartConfIDs,
		ConfigsChanged:    sets.ConfigIDs,
		DHCPChanged:       true,
		FullSnapshot:      true,
	}

	var latestTS, latestSeq sql.NullInt64
	err := c.db.QueryRowContext(ctx, `
		SELECT cursor_ts, cursor_seq FROM changes
		ORDER BY cursor_ts DESC, cursor_seq DESC LIMIT 1
	`).Scan(&latestTS, &latestSeq)
	if err != nil && err != sql.ErrNoRows {
		return Delta{}, err
	}

	if latestTS.Valid {
		delta.NextCursor = Cursor{TS: uint64(latestTS.Int64), Seq: uint64(latestSeq.Int64)}
		return delta, nil
	}

	// No rows exist yet: synthesize one so a future cursor can validate.
	c.sequence++
	cur := Cursor{TS: uint64(clock.Now().Unix()), Seq: c.sequence}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO changes (cursor_ts, cursor_seq, entity_type, entity_id, action) VALUES (?, ?, ?, ?, ?)`,
		cur.TS, cur.Seq, string(EntitySynthetic), "snapshot", string(ActionSnapshot),
	)
	if err != nil {
		c.sequence--
		return Delta{}, err
	}
	delta.NextCursor = cur
	return delta, nil
}

// Compact deletes rows older than maxAge, then trims the log down to the
// newest maxEntries rows.
func (c *Changelog) Compact(maxAge time.Duration, maxEntries int) (removed int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := clock.Now().Add(-maxAge).Unix()
	res, err := c.db.Exec(`DELETE FROM changes WHERE cursor_ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n1, _ := res.RowsAffected()

	res, err = c.db.Exec(`
		DELETE FROM changes WHERE id NOT IN (
			SELECT id FROM changes ORDER BY cursor_ts DESC, cursor_seq DESC LIMIT ?
		)
	`, maxEntries)
	if err != nil {
		return n1, err
	}
	n2, _ := res.RowsAffected()

	return n1 + n2, nil
}

// Close closes the underlying database.
func (c *Changelog) Close() error {
	return c.db.Close()
}
