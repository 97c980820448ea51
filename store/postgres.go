package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onnwee/post-relay/relay"
)

// Postgres is a relay.Store backed by a pgx pool.
type Postgres struct{ pool *pgxpool.Pool }

var (
	_ relay.Store   = (*Postgres)(nil)
	_ relay.Session = (*pgSession)(nil)
)

// NewPostgres wraps an open pool. The schema must already exist (see db.RunMigrations).
func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

// Session acquires one pooled connection for the caller.
func (s *Postgres) Session(ctx context.Context) (relay.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &pgSession{conn: conn}, nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

type pgSession struct {
	mu     sync.Mutex
	conn   *pgxpool.Conn
	closed bool
}

func (s *pgSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.conn.Release()
		s.closed = true
	}
	return nil
}

func (s *pgSession) ListActiveAccounts(ctx context.Context) ([]relay.Account, error) {
	return s.query(ctx, `SELECT `+accountColumns+` FROM watched_accounts WHERE active ORDER BY added_at, id`)
}

func (s *pgSession) ListAccounts(ctx context.Context) ([]relay.Account, error) {
	return s.query(ctx, `SELECT `+accountColumns+` FROM watched_accounts ORDER BY added_at, id`)
}

func (s *pgSession) query(ctx context.Context, q string, args ...any) ([]relay.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.Account
	for rows.Next() {
		acc, err := scanPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// UpdateWatermark replaces the watermark inside a transaction so a failed
// write leaves the previous watermark intact.
func (s *pgSession) UpdateWatermark(ctx context.Context, id string, wm relay.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE watched_accounts SET watermark_count=$2, watermark_time=$3, last_seen_id=$4 WHERE id=$1`,
		id, countArg(wm.Count), timeArg(wm.Time), stringArg(wm.LastSeenID))
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return relay.ErrAccountNotFound
	}
	return tx.Commit(ctx)
}

func (s *pgSession) TouchChecked(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE watched_accounts SET last_checked_at=$2 WHERE id=$1`, id, at.UTC())
}

func (s *pgSession) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, `UPDATE watched_accounts SET active=$2 WHERE id=$1`, id, active)
}

func (s *pgSession) exec(ctx context.Context, q string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return relay.ErrAccountNotFound
	}
	return nil
}

func (s *pgSession) FindByHandle(ctx context.Context, handle string) (relay.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.conn.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM watched_accounts WHERE LOWER(handle)=LOWER($1) ORDER BY active DESC, added_at LIMIT 1`,
		handle)
	acc, err := scanPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.Account{}, false, nil
	}
	if err != nil {
		return relay.Account{}, false, err
	}
	return acc, true, nil
}

func (s *pgSession) Insert(ctx context.Context, acc relay.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addedAt := acc.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}
	tag, err := s.conn.Exec(ctx,
		`INSERT INTO watched_accounts(`+accountColumns+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT(id) DO NOTHING`,
		acc.ID, acc.Handle, countArg(acc.Watermark.Count), timeArg(acc.Watermark.Time), stringArg(acc.Watermark.LastSeenID),
		acc.Active, acc.AddedBy, addedAt.UTC(), timeArg(acc.LastCheckedAt))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return relay.ErrAccountExists
	}
	return nil
}

func scanPG(row pgx.Row) (relay.Account, error) {
	var (
		acc       relay.Account
		count     *int64
		wmTime    *time.Time
		lastSeen  *string
		addedBy   *string
		addedAt   *time.Time
		lastCheck *time.Time
	)
	if err := row.Scan(&acc.ID, &acc.Handle, &count, &wmTime, &lastSeen, &acc.Active, &addedBy, &addedAt, &lastCheck); err != nil {
		return relay.Account{}, err
	}
	acc.Watermark.Count = normalizeCount(count)
	if wmTime != nil {
		acc.Watermark.Time = wmTime.UTC()
	}
	if lastSeen != nil {
		acc.Watermark.LastSeenID = *lastSeen
	}
	if addedBy != nil {
		acc.AddedBy = *addedBy
	}
	if addedAt != nil {
		acc.AddedAt = addedAt.UTC()
	}
	if lastCheck != nil {
		acc.LastCheckedAt = lastCheck.UTC()
	}
	return acc, nil
}
