package relay

import (
	"slices"
	"testing"
	"time"
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestDelta(t *testing.T) {
	tests := []struct {
		live, wm, want int64
	}{
		{103, 100, 3},
		{100, 100, 0},
		{47, 50, 0},
		{5, 0, 5},
	}
	for _, tt := range tests {
		if got := Delta(tt.live, tt.wm); got != tt.want {
			t.Errorf("Delta(%d, %d) = %d, want %d", tt.live, tt.wm, got, tt.want)
		}
	}
}

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"9", "10", -1},
		{"1790000000000000001", "1790000000000000000", 1},
		{"00042", "42", 0},
		{"123456789012345678901234", "99", 1},
	}
	for _, tt := range tests {
		if got := CompareIDs(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
	}{
		{"x api", "Wed Jan 03 10:00:00 +0000 2024"},
		{"x api offset", "Wed Jan 03 12:00:00 +0200 2024"},
		{"rfc3339", "2024-01-03T10:00:00Z"},
		{"naive iso is utc", "2024-01-03T10:00:00"},
		{"naive sql is utc", "2024-01-03 10:00:00"},
		{"sql with offset", "2024-01-03 05:00:00-05:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if err != nil {
				t.Fatalf("ParseTimestamp(%q): %v", tt.in, err)
			}
			if !got.Equal(want) || got.Location() != time.UTC {
				t.Errorf("ParseTimestamp(%q) = %v", tt.in, got)
			}
		})
	}
	for _, bad := range []string{"", "yesterday", "2024-13-45"} {
		if _, err := ParseTimestamp(bad); err == nil {
			t.Errorf("ParseTimestamp(%q) expected error", bad)
		}
	}
}

func TestResolvePinned(t *testing.T) {
	organic := []Post{{ID: "10", Rank: 10}, {ID: "9", Rank: 9}}
	tests := []struct {
		name      string
		posts     []Post
		wantIDs   []string
		wantStale int
	}{
		{"no pin", organic, []string{"10", "9"}, 0},
		{"stale pin", append([]Post{{ID: "3", Rank: 3, Pinned: true}}, organic...), []string{"10", "9"}, 1},
		{"fresh pin", append([]Post{{ID: "11", Rank: 11, Pinned: true}}, organic...), []string{"11", "10", "9"}, 0},
		{"pin ties max organic", append([]Post{{ID: "x", Rank: 10, Pinned: true}}, organic...), []string{"x", "10", "9"}, 0},
		{"pin duplicates organic", append([]Post{{ID: "9", Rank: 9, Pinned: true}}, organic...), []string{"10", "9"}, 0},
		{"only a pin", []Post{{ID: "1", Rank: 1, Pinned: true}}, []string{"1"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, stale := ResolvePinned(tt.posts)
			var ids []string
			for _, p := range kept {
				ids = append(ids, p.ID)
			}
			if !slices.Equal(ids, tt.wantIDs) || stale != tt.wantStale {
				t.Errorf("ResolvePinned() = %v, %d; want %v, %d", ids, stale, tt.wantIDs, tt.wantStale)
			}
		})
	}
}

func TestFilterNew(t *testing.T) {
	posts := []Post{
		{ID: "5", CreatedAt: base.Add(5 * time.Minute)},
		{ID: "4", CreatedAt: base.Add(4 * time.Minute)},
		{ID: "3", CreatedAt: base.Add(3 * time.Minute)},
	}
	tests := []struct {
		name string
		wm   Watermark
		want []string
	}{
		{"empty watermark keeps all", Watermark{}, []string{"5", "4", "3"}},
		{"time guard is strict", Watermark{Time: base.Add(4 * time.Minute)}, []string{"5"}},
		{"id guard", Watermark{LastSeenID: "3"}, []string{"5", "4"}},
		{"both guards", Watermark{Time: base.Add(3 * time.Minute), LastSeenID: "4"}, []string{"5"}},
		{"time in another zone", Watermark{Time: base.Add(4 * time.Minute).In(time.FixedZone("EST", -5*3600))}, []string{"5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, p := range FilterNew(posts, tt.wm) {
				ids = append(ids, p.ID)
			}
			if !slices.Equal(ids, tt.want) {
				t.Errorf("FilterNew() = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestSortOldestFirst(t *testing.T) {
	posts := []Post{
		{ID: "12", CreatedAt: base.Add(time.Minute)},
		{ID: "11", CreatedAt: base.Add(time.Minute)},
		{ID: "100", CreatedAt: base},
		{ID: "9", CreatedAt: base.Add(2 * time.Minute)},
	}
	SortOldestFirst(posts)
	var ids []string
	for _, p := range posts {
		ids = append(ids, p.ID)
	}
	if want := []string{"100", "11", "12", "9"}; !slices.Equal(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}
}

func TestAdvance(t *testing.T) {
	wm := Watermark{Count: 7, Time: base, LastSeenID: "50"}
	wm = Advance(wm, Post{ID: "60", CreatedAt: base.Add(time.Hour)})
	if wm.Count != 8 || wm.LastSeenID != "60" || !wm.Time.Equal(base.Add(time.Hour)) {
		t.Errorf("after newer post: %+v", wm)
	}
	// an older post still counts but never moves time or id backwards
	wm = Advance(wm, Post{ID: "55", CreatedAt: base})
	if wm.Count != 9 || wm.LastSeenID != "60" || !wm.Time.Equal(base.Add(time.Hour)) {
		t.Errorf("after older post: %+v", wm)
	}
}
