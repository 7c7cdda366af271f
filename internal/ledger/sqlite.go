package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite-backed ledger at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also makes every conditional update a true serialization
	// point, which is what the claim CAS relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Enqueue(ctx context.Context, in Intent) error {
	if strings.TrimSpace(in.ID) == "" {
		return errors.New("intent id is required")
	}
	now := time.Now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.NotBefore.IsZero() {
		in.NotBefore = in.CreatedAt
	}
	if in.PayloadHash == "" {
		in.PayloadHash = ContentHash(in.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO intents(intent_id, channel, payload, payload_hash, state, created_at, not_before, attempts, updated_at)
		 VALUES(?,?,?,?,?,?,?,0,?)
		 ON CONFLICT(intent_id) DO NOTHING`,
		in.ID, in.Channel, in.Payload, in.PayloadHash, string(StateQueued),
		in.CreatedAt.UnixMilli(), in.NotBefore.UnixMilli(), now.UnixMilli(),
	)
	return err
}

const intentCols = `intent_id, channel, payload, payload_hash, state, created_at, not_before,
	confirmation_id, confirmed_at, unconfirmed_at, last_error, attempts`

func scanIntent(row interface{ Scan(...any) error }) (Intent, error) {
	var (
		in                     Intent
		state                  string
		createdMS, notBeforeMS int64
		confID, lastErr        sql.NullString
		confirmedMS, unconfMS  sql.NullInt64
	)
	err := row.Scan(&in.ID, &in.Channel, &in.Payload, &in.PayloadHash, &state,
		&createdMS, &notBeforeMS, &confID, &confirmedMS, &unconfMS, &lastErr, &in.Attempts)
	if err != nil {
		return Intent{}, err
	}
	in.State = State(state)
	in.CreatedAt = time.UnixMilli(createdMS)
	in.NotBefore = time.UnixMilli(notBeforeMS)
	if confID.Valid {
		in.ConfirmationID = confID.String
	}
	if confirmedMS.Valid {
		in.ConfirmedAt = time.UnixMilli(confirmedMS.Int64)
	}
	if unconfMS.Valid {
		in.UnconfirmedAt = time.UnixMilli(unconfMS.Int64)
	}
	if lastErr.Valid {
		in.LastError = lastErr.String
	}
	return in, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentCols+` FROM intents WHERE intent_id = ?`, id)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Intent{}, ErrNotFound
	}
	return in, err
}

func (s *sqliteStore) NextReady(ctx context.Context, channel string, limit int, now time.Time) ([]Intent, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentCols+` FROM intents
		 WHERE channel = ? AND state = ? AND not_before <= ?
		 ORDER BY not_before ASC, created_at ASC
		 LIMIT ?`,
		channel, string(StateQueued), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// exec1 runs a conditional update and reports whether exactly one row changed.
func (s *sqliteStore) exec1(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Claim(ctx context.Context, id string) (bool, error) {
	return s.exec1(ctx,
		`UPDATE intents SET state = ?, updated_at = ? WHERE intent_id = ? AND state = ?`,
		string(StateClaimed), time.Now().UnixMilli(), id, string(StateQueued),
	)
}

func (s *sqliteStore) ReleaseClaim(ctx context.Context, id string) (bool, error) {
	return s.exec1(ctx,
		`UPDATE intents SET state = ?, updated_at = ? WHERE intent_id = ? AND state = ?`,
		string(StateQueued), time.Now().UnixMilli(), id, string(StateClaimed),
	)
}

func (s *sqliteStore) BeginPublish(ctx context.Context, id string) (bool, error) {
	return s.exec1(ctx,
		`UPDATE intents SET state = ?, attempts = attempts + 1, updated_at = ?
		 WHERE intent_id = ? AND state = ?`,
		string(StatePublishing), time.Now().UnixMilli(), id, string(StateClaimed),
	)
}

func (s *sqliteStore) Confirm(ctx context.Context, id, confirmationID string, confirmedAt time.Time) (bool, error) {
	if confirmedAt.IsZero() {
		confirmedAt = time.Now()
	}
	return s.exec1(ctx,
		`UPDATE intents SET state = ?, confirmation_id = ?, confirmed_at = ?, last_error = NULL, updated_at = ?
		 WHERE intent_id = ? AND state IN (?, ?)`,
		string(StateConfirmed), confirmationID, confirmedAt.UnixMilli(), time.Now().UnixMilli(),
		id, string(StatePublishing), string(StateUnconfirmed),
	)
}

func (s *sqliteStore) MarkUnconfirmed(ctx context.Context, id, reason string) (bool, error) {
	now := time.Now().UnixMilli()
	return s.exec1(ctx,
		`UPDATE intents SET state = ?, unconfirmed_at = ?, last_error = ?, updated_at = ?
		 WHERE intent_id = ? AND state = ?`,
		string(StateUnconfirmed), now, nullStr(reason), now, id, string(StatePublishing),
	)
}

func (s *sqliteStore) RequeueAttempt(ctx context.Context, id, reason string) (bool, error) {
	return s.exec1(ctx,
		`UPDATE intents SET state = ?, last_error = ?, updated_at = ?
		 WHERE intent_id = ? AND state = ?`,
		string(StateQueued), nullStr(reason), time.Now().UnixMilli(), id, string(StatePublishing),
	)
}

func (s *sqliteStore) Fail(ctx context.Context, id, reason string) (bool, error) {
	return s.exec1(ctx,
		`UPDATE intents SET state = ?, last_error = ?, updated_at = ?
		 WHERE intent_id = ? AND state IN (?, ?, ?, ?)`,
		string(StateFailed), nullStr(reason), time.Now().UnixMilli(), id,
		string(StateQueued), string(StateClaimed), string(StatePublishing), string(StateUnconfirmed),
	)
}

func (s *sqliteStore) Cancel(ctx context.Context, id, reason string) (bool, error) {
	return s.exec1(ctx,
		`UPDATE intents SET state = ?, last_error = ?, updated_at = ?
		 WHERE intent_id = ? AND state = ?`,
		string(StateCancelled), nullStr(reason), time.Now().UnixMilli(), id, string(StateQueued),
	)
}

func (s *sqliteStore) ConfirmedCountSince(ctx context.Context, channel string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intents WHERE channel = ? AND state = ? AND confirmed_at > ?`,
		channel, string(StateConfirmed), since.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) HasConfirmedHash(ctx context.Context, hash string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM intents WHERE payload_hash = ? AND state = ? AND confirmed_at > ? LIMIT 1`,
		hash, string(StateConfirmed), since.UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) UnconfirmedBefore(ctx context.Context, cutoff time.Time) ([]Intent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentCols+` FROM intents
		 WHERE state = ? AND unconfirmed_at <= ?
		 ORDER BY unconfirmed_at ASC`,
		string(StateUnconfirmed), cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM intents GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[State]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[State(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordEngagement(ctx context.Context, e Engagement) error {
	if strings.TrimSpace(e.PlatformID) == "" {
		return nil
	}
	if e.CollectedAt.IsZero() {
		e.CollectedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engagement(platform_id, likes, reposts, replies, collected_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(platform_id) DO UPDATE SET
		   likes=excluded.likes, reposts=excluded.reposts, replies=excluded.replies, collected_at=excluded.collected_at`,
		e.PlatformID, e.Likes, e.Reposts, e.Replies, e.CollectedAt.UnixMilli(),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
