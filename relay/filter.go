package relay

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Delta estimates how many new posts exist. A live count below the watermark
// (deleted posts) yields zero, never a negative value.
func Delta(live, watermark int64) int64 {
	if live <= watermark {
		return 0
	}
	return live - watermark
}

// CompareIDs compares two post ids numerically. Ids are decimal strings that
// grow monotonically, so comparing length first and then lexicographically
// avoids overflowing int64 on long ids.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// timestampLayouts lists the creation-time formats seen from sources and
// storage. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RubyDate, // "Mon Jan 02 15:04:05 -0700 2006", the X API format
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses a creation time and normalizes it to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// CanonicalTime returns t in UTC so comparisons never depend on the zone a value was read in.
func CanonicalTime(t time.Time) time.Time { return t.UTC() }

// ResolvePinned drops stale pinned posts. A pinned post survives only when its
// rank is at least the highest organic rank in the same batch; stale ones are
// returned as a count so the caller can fold them into the ignored total. A
// pinned copy of a post that is also in the organic timeline is dropped
// without being counted.
func ResolvePinned(posts []Post) (kept []Post, stale int) {
	var maxOrganic int64
	hasOrganic := false
	organic := make(map[string]struct{}, len(posts))
	for _, p := range posts {
		if p.Pinned {
			continue
		}
		organic[p.ID] = struct{}{}
		if !hasOrganic || p.Rank > maxOrganic {
			maxOrganic = p.Rank
			hasOrganic = true
		}
	}
	kept = make([]Post, 0, len(posts))
	for _, p := range posts {
		if !p.Pinned {
			kept = append(kept, p)
			continue
		}
		if _, dup := organic[p.ID]; dup {
			continue
		}
		if hasOrganic && p.Rank < maxOrganic {
			stale++
			continue
		}
		kept = append(kept, p)
	}
	return kept, stale
}

// FilterNew keeps posts strictly newer than the watermark by both clock and
// id. Either guard is skipped when its watermark field is unset.
func FilterNew(posts []Post, wm Watermark) []Post {
	out := make([]Post, 0, len(posts))
	since := CanonicalTime(wm.Time)
	for _, p := range posts {
		if !wm.Time.IsZero() && !CanonicalTime(p.CreatedAt).After(since) {
			continue
		}
		if wm.LastSeenID != "" && CompareIDs(p.ID, wm.LastSeenID) <= 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SortOldestFirst orders posts by creation time, breaking ties by id.
func SortOldestFirst(posts []Post) {
	slices.SortStableFunc(posts, func(a, b Post) int {
		if c := CanonicalTime(a.CreatedAt).Compare(CanonicalTime(b.CreatedAt)); c != 0 {
			return c
		}
		return CompareIDs(a.ID, b.ID)
	})
}

// Advance moves the watermark past one processed post.
func Advance(wm Watermark, p Post) Watermark {
	wm.Count++
	if created := CanonicalTime(p.CreatedAt); created.After(wm.Time) {
		wm.Time = created
	}
	if wm.LastSeenID == "" || CompareIDs(p.ID, wm.LastSeenID) > 0 {
		wm.LastSeenID = p.ID
	}
	return wm
}
