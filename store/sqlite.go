package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/post-relay/relay"
)

// SQLite is a relay.Store for single-node deployments on modernc.org/sqlite.
type SQLite struct{ db *sql.DB }

var (
	_ relay.Store   = (*SQLite)(nil)
	_ relay.Session = (*sqliteSession)(nil)
)

// NewSQLite wraps a database opened with db.OpenSQLite and migrated with db.MigrateSQLite.
func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

func (s *SQLite) Session(ctx context.Context) (relay.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &sqliteSession{conn: conn}, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLite) Close() error                   { return s.db.Close() }

type sqliteSession struct {
	mu   sync.Mutex
	conn *sql.Conn
}

func (s *sqliteSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.conn.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

func (s *sqliteSession) ListActiveAccounts(ctx context.Context) ([]relay.Account, error) {
	return s.query(ctx, `SELECT `+accountColumns+` FROM watched_accounts WHERE active=1 ORDER BY added_at, id`)
}

func (s *sqliteSession) ListAccounts(ctx context.Context) ([]relay.Account, error) {
	return s.query(ctx, `SELECT `+accountColumns+` FROM watched_accounts ORDER BY added_at, id`)
}

func (s *sqliteSession) query(ctx context.Context, q string, args ...any) ([]relay.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.Account
	for rows.Next() {
		acc, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (s *sqliteSession) UpdateWatermark(ctx context.Context, id string, wm relay.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE watched_accounts SET watermark_count=?, watermark_time=?, last_seen_id=? WHERE id=?`,
		countArg(wm.Count), textTime(wm.Time), stringArg(wm.LastSeenID), id)
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return relay.ErrAccountNotFound
	}
	return tx.Commit()
}

func (s *sqliteSession) TouchChecked(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE watched_accounts SET last_checked_at=? WHERE id=?`, textTime(at), id)
}

func (s *sqliteSession) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, `UPDATE watched_accounts SET active=? WHERE id=?`, boolToInt(active), id)
}

func (s *sqliteSession) exec(ctx context.Context, q string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.conn.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return relay.ErrAccountNotFound
	}
	return nil
}

func (s *sqliteSession) FindByHandle(ctx context.Context, handle string) (relay.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM watched_accounts WHERE handle = ? COLLATE NOCASE ORDER BY active DESC, added_at LIMIT 1`,
		handle)
	acc, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Account{}, false, nil
	}
	if err != nil {
		return relay.Account{}, false, err
	}
	return acc, true, nil
}

func (s *sqliteSession) Insert(ctx context.Context, acc relay.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addedAt := acc.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO watched_accounts(`+accountColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		acc.ID, acc.Handle, countArg(acc.Watermark.Count), textTime(acc.Watermark.Time), stringArg(acc.Watermark.LastSeenID),
		boolToInt(acc.Active), acc.AddedBy, textTime(addedAt), textTime(acc.LastCheckedAt))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return relay.ErrAccountExists
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSQLite(row rowScanner) (relay.Account, error) {
	var (
		acc       relay.Account
		count     sql.NullInt64
		wmTime    sql.NullString
		lastSeen  sql.NullString
		active    int
		addedAt   sql.NullString
		lastCheck sql.NullString
	)
	if err := row.Scan(&acc.ID, &acc.Handle, &count, &wmTime, &lastSeen, &active, &acc.AddedBy, &addedAt, &lastCheck); err != nil {
		return relay.Account{}, err
	}
	if count.Valid {
		acc.Watermark.Count = normalizeCount(&count.Int64)
	} else {
		acc.Watermark.Count = relay.UnknownCount
	}
	if wmTime.Valid && strings.TrimSpace(wmTime.String) != "" {
		t, err := relay.ParseTimestamp(wmTime.String)
		if err != nil {
			// An unreadable watermark time means there is no usable prior watermark.
			slog.Warn("unparseable watermark time; treating as no prior watermark",
				slog.String("component", "store"), slog.String("account_id", acc.ID), slog.Any("err", err))
			acc.Watermark.Count = relay.UnknownCount
		} else {
			acc.Watermark.Time = t
		}
	}
	acc.Watermark.LastSeenID = lastSeen.String
	acc.Active = active != 0
	if addedAt.Valid {
		acc.AddedAt, _ = relay.ParseTimestamp(addedAt.String)
	}
	if lastCheck.Valid {
		acc.LastCheckedAt, _ = relay.ParseTimestamp(lastCheck.String)
	}
	return acc, nil
}

func textTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
