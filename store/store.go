// Package store implements relay.Store over Postgres, SQLite and process memory.
//
// Every implementation returns sessions bound to a single connection. A
// session serializes its own calls, so one session may be shared by the
// engine's account workers.
package store

import (
	"time"

	"github.com/onnwee/post-relay/relay"
)

const accountColumns = `id, handle, watermark_count, watermark_time, last_seen_id, active, added_by, added_at, last_checked_at`

// normalizeCount maps a missing or negative stored count to relay.UnknownCount.
func normalizeCount(v *int64) int64 {
	if v == nil || *v < 0 {
		return relay.UnknownCount
	}
	return *v
}

// countArg is the inverse of normalizeCount: an unknown count is stored as NULL.
func countArg(c int64) any {
	if c < 0 {
		return nil
	}
	return c
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func stringArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}
