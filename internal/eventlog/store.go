package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/telemetry"

	_ "modernc.org/sqlite"
)

const (
	DefaultPartitions = 4
	defaultQueryLimit = 100
	vacuumInterval    = 10 // incremental vacuum every N purges that removed rows
)

var _ Log = (*Store)(nil)
var _ Feed = (*Store)(nil)

// Store is the SQLite-backed event log. A single writer connection plus a
// transaction per Put gives per-id atomicity and a total write order, which
// is also the change-feed order.
type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	partitions int
	clock      clock.Clock
	bus        *events.Bus

	purgeCounter int
	vacuum       func(context.Context) error
}

type Option func(*Store)

func WithPartitions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.partitions = n
		}
	}
}

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithBus publishes a wake-up notice per committed write.
func WithBus(b *events.Bus) Option { return func(s *Store) { s.bus = b } }

func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		partitions: DefaultPartitions,
		clock:      clock.WallClock,
	}
	s.vacuum = s.incrementalVacuum
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA auto_vacuum = INCREMENTAL`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			id         TEXT    PRIMARY KEY,
			source     TEXT    NOT NULL,
			event_type TEXT    NOT NULL,
			payload    BLOB    NOT NULL,
			ts         INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			version    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_source_ts ON records(source, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_records_type_ts ON records(event_type, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_records_expires ON records(expires_at)`,
		`CREATE TABLE IF NOT EXISTS changes (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			part       INTEGER NOT NULL,
			op         TEXT    NOT NULL,
			record_id  TEXT    NOT NULL,
			source     TEXT    NOT NULL,
			event_type TEXT    NOT NULL,
			payload    BLOB    NOT NULL,
			ts         INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			version    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_part_seq ON changes(part, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_expires ON changes(expires_at)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			consumer TEXT    NOT NULL,
			part     INTEGER NOT NULL,
			seq      INTEGER NOT NULL,
			updated  INTEGER NOT NULL,
			PRIMARY KEY (consumer, part)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema (%s): %w", stmt, err)
		}
	}

	s.db = db
	if err := s.checkPartitions(); err != nil {
		db.Close()
		return nil, err
	}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("read record count: %w", err)
	}

	telemetry.Infof("event log: opened %s  records=%d  partitions=%d", path, count, s.partitions)
	return s, nil
}

// checkPartitions pins the partition count on first open. Changing it later
// would move ids between partitions and break per-id ordering for consumers
// with committed cursors.
func (s *Store) checkPartitions() error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'partitions'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('partitions', ?)`, strconv.Itoa(s.partitions))
		if err != nil {
			return fmt.Errorf("store partition count: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read partition count: %w", err)
	}
	n, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("parse partition count %q: %w", stored, err)
	}
	if n != s.partitions {
		return fmt.Errorf("event log was created with %d partitions, configured %d", n, s.partitions)
	}
	return nil
}

func (s *Store) Partitions() int { return s.partitions }

// Put inserts rec, or overwrites the live record with the same id and
// reports a modify. An expired record that has not been purged yet counts
// as absent. The write and its change-feed entry commit together.
func (s *Store) Put(ctx context.Context, rec events.Record) (events.ChangeOp, error) {
	if rec.ID == "" {
		return events.OpUnknown, storageErr("put", errors.New("empty record id"))
	}
	part := PartitionFor(rec.ID, s.partitions)
	now := s.clock.Now().UnixNano()
	expires := expiryNanos(rec.ExpiresAt)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.OpUnknown, storageErr("put: begin", err)
	}
	defer tx.Rollback()

	op := events.OpInsert
	var prevVersion, prevExpires int64
	err = tx.QueryRowContext(ctx, `SELECT version, expires_at FROM records WHERE id = ?`, rec.ID).
		Scan(&prevVersion, &prevExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return events.OpUnknown, storageErr("put: lookup", err)
	case prevExpires > now:
		op = events.OpModify
	}

	rec.Version = 1
	if op == events.OpModify {
		rec.Version = prevVersion + 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, source, event_type, payload, ts, expires_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			event_type = excluded.event_type,
			payload = excluded.payload,
			ts = excluded.ts,
			expires_at = excluded.expires_at,
			version = excluded.version`,
		rec.ID, rec.Source, string(rec.Type), []byte(rec.Payload),
		rec.Timestamp.UnixNano(), expires, rec.Version,
	)
	if err != nil {
		return events.OpUnknown, storageErr("put: upsert", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO changes (part, op, record_id, source, event_type, payload, ts, expires_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		part, op.String(), rec.ID, rec.Source, string(rec.Type), []byte(rec.Payload),
		rec.Timestamp.UnixNano(), expires, rec.Version,
	)
	if err != nil {
		return events.OpUnknown, storageErr("put: append change", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return events.OpUnknown, storageErr("put: change seq", err)
	}

	if err := tx.Commit(); err != nil {
		return events.OpUnknown, storageErr("put: commit", err)
	}

	if op == events.OpInsert {
		telemetry.Metrics.LogInserts.Inc()
	} else {
		telemetry.Metrics.LogModifies.Inc()
	}
	s.bus.Publish(events.Notice{Partition: part, Seq: seq})
	return op, nil
}

const recordColumns = `id, source, event_type, payload, ts, expires_at, version`

func (s *Store) Get(ctx context.Context, id string) (events.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ? AND expires_at > ?`,
		id, s.clock.Now().UnixNano())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Record{}, false, nil
	}
	if err != nil {
		return events.Record{}, false, storageErr("get", err)
	}
	return rec, true, nil
}

// QueryBySource returns the live records of one source, newest first.
// A zero since means no lower bound.
func (s *Store) QueryBySource(ctx context.Context, source string, since time.Time) ([]events.Record, error) {
	sinceNanos := int64(math.MinInt64)
	if !since.IsZero() {
		sinceNanos = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE source = ? AND ts >= ? AND expires_at > ?
		ORDER BY ts DESC, id DESC`,
		source, sinceNanos, s.clock.Now().UnixNano())
	if err != nil {
		return nil, storageErr("query by source", err)
	}
	return collectRecords(rows, "query by source")
}

// QueryByEventType returns up to limit live records of one type, newest first.
func (s *Store) QueryByEventType(ctx context.Context, t events.EventType, limit int) ([]events.Record, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE event_type = ? AND expires_at > ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`,
		string(t), s.clock.Now().UnixNano(), limit)
	if err != nil {
		return nil, storageErr("query by event type", err)
	}
	return collectRecords(rows, "query by event type")
}

// ReadChanges returns up to limit feed entries of one partition after afterSeq,
// in feed order.
func (s *Store) ReadChanges(ctx context.Context, partition int, afterSeq int64, limit int) ([]events.Change, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, part, op, record_id, source, event_type, payload, ts, expires_at, version
		FROM changes
		WHERE part = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		partition, afterSeq, limit)
	if err != nil {
		return nil, storageErr("read changes", err)
	}
	defer rows.Close()

	var out []events.Change
	for rows.Next() {
		var (
			c                events.Change
			op, typ          string
			payload          []byte
			ts, expiresNanos int64
		)
		if err := rows.Scan(&c.Seq, &c.Partition, &op, &c.Record.ID, &c.Record.Source, &typ,
			&payload, &ts, &expiresNanos, &c.Record.Version); err != nil {
			return nil, storageErr("read changes: scan", err)
		}
		c.Op = events.ParseChangeOp(op)
		c.Record.Type = events.EventType(typ)
		c.Record.Payload = payload
		c.Record.Timestamp = time.Unix(0, ts).UTC()
		c.Record.ExpiresAt = fromExpiryNanos(expiresNanos)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read changes: rows", err)
	}
	return out, nil
}

// Head returns the latest feed sequence of a partition, 0 when it is empty.
func (s *Store) Head(ctx context.Context, partition int) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM changes WHERE part = ?`, partition).Scan(&seq)
	if err != nil {
		return 0, storageErr("head", err)
	}
	return seq, nil
}

func (s *Store) LoadCursor(ctx context.Context, consumer string, partition int) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM cursors WHERE consumer = ? AND part = ?`, consumer, partition).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("load cursor", err)
	}
	return seq, true, nil
}

// CommitCursor records that consumer has issued everything up to seq.
// Cursors only move forward; committing an older seq is a no-op.
func (s *Store) CommitCursor(ctx context.Context, consumer string, partition int, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (consumer, part, seq, updated) VALUES (?, ?, ?, ?)
		ON CONFLICT(consumer, part) DO UPDATE SET
			seq = max(cursors.seq, excluded.seq),
			updated = excluded.updated`,
		consumer, partition, seq, s.clock.Now().UnixNano())
	if err != nil {
		return storageErr("commit cursor", err)
	}
	return nil
}

// Purge removes expired records and expired feed entries. It is garbage
// collection: nothing is published to the change feed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	now := s.clock.Now().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, storageErr("purge records", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge records", err)
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM changes WHERE expires_at <= ?`, now)
	if err != nil {
		return purged, storageErr("purge changes", err)
	}
	purgedChanges, err := res.RowsAffected()
	if err != nil {
		return purged, storageErr("purge changes", err)
	}

	if purged+purgedChanges > 0 {
		telemetry.Metrics.LogPurged.Add(purged)
		s.purgeCounter++
		if s.purgeCounter%vacuumInterval == 0 {
			// Rows are already gone; a failed vacuum only delays reclaiming pages.
			if err := s.vacuum(ctx); err != nil {
				telemetry.Warnf("event log: incremental vacuum failed: %v", err)
			}
		}
	}
	return purged, nil
}

func (s *Store) incrementalVacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA incremental_vacuum`)
	return err
}

// RunJanitor purges on every tick until ctx is cancelled.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Purge(ctx)
			if err != nil {
				telemetry.Warnf("event log: purge failed: %v", err)
				continue
			}
			if n > 0 {
				telemetry.Infof("event log: purged %d expired records", n)
			}
		}
	}
}

// Stats is a point-in-time summary used by health checks.
type Stats struct {
	Records int64   `json:"records"`
	Heads   []int64 `json:"heads"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&st.Records); err != nil {
		return Stats{}, storageErr("stats", err)
	}
	for p := 0; p < s.partitions; p++ {
		head, err := s.Head(ctx, p)
		if err != nil {
			return Stats{}, err
		}
		st.Heads = append(st.Heads, head)
	}
	return st, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (events.Record, error) {
	var (
		rec              events.Record
		typ              string
		payload          []byte
		ts, expiresNanos int64
	)
	if err := row.Scan(&rec.ID, &rec.Source, &typ, &payload, &ts, &expiresNanos, &rec.Version); err != nil {
		return events.Record{}, err
	}
	rec.Type = events.EventType(typ)
	rec.Payload = payload
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.ExpiresAt = fromExpiryNanos(expiresNanos)
	return rec, nil
}

func collectRecords(rows *sql.Rows, op string) ([]events.Record, error) {
	defer rows.Close()
	var out []events.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr(op+": scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op+": rows", err)
	}
	return out, nil
}

// A zero expiry means "never"; it is stored as the largest timestamp so the
// expiry comparisons stay simple.
func expiryNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MaxInt64
	}
	return t.UnixNano()
}

func fromExpiryNanos(n int64) time.Time {
	if n == math.MaxInt64 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
