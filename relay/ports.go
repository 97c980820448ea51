package relay

import (
	"context"
	"time"
)

// Repository is the persistence contract the engine and subscription management need.
type Repository interface {
	// ListActiveAccounts returns every account with Active set.
	ListActiveAccounts(ctx context.Context) ([]Account, error)
	// ListAccounts returns every account regardless of Active.
	ListAccounts(ctx context.Context) ([]Account, error)
	// UpdateWatermark atomically replaces the stored watermark of one account.
	UpdateWatermark(ctx context.Context, id string, wm Watermark) error
	// TouchChecked records when the account was last compared against the source.
	TouchChecked(ctx context.Context, id string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
	// FindByHandle matches handles case-insensitively. ok is false when no row matches.
	FindByHandle(ctx context.Context, handle string) (acc Account, ok bool, err error)
	// Insert stores a new account; it returns ErrAccountExists when the id is taken.
	Insert(ctx context.Context, acc Account) error
}

// Session is a Repository bound to one acquired connection. Close releases it.
type Session interface {
	Repository
	Close() error
}

// Store hands out sessions.
type Store interface {
	Session(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close() error
}

// Source is the remote content API.
type Source interface {
	// BatchLiveCounts returns live post counts keyed by account id in a single
	// round trip. An empty ids slice yields an empty map and no error.
	BatchLiveCounts(ctx context.Context, ids []string) (map[string]int64, error)
	// FetchRecent returns up to max of the account's most recent posts, newest first.
	FetchRecent(ctx context.Context, id string, max int) (Batch, error)
	// FetchByID returns a single post; ok is false when the post does not exist.
	FetchByID(ctx context.Context, postID string) (post Post, ok bool, err error)
}

// Notifier delivers a post to the destination channel.
type Notifier interface {
	Deliver(ctx context.Context, post Post) error
}
