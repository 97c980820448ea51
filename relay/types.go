package relay

import "time"

// UnknownCount marks a watermark count that could not be read from storage.
const UnknownCount int64 = -1

// DefaultFetchCap bounds how many posts a single account fetch may request.
const DefaultFetchCap = 20

// Watermark records how much of an account's content has already been processed.
type Watermark struct {
	// Count is the last observed post count, or UnknownCount.
	Count int64
	// Time is the creation time of the newest processed post (UTC). Zero means unset.
	Time time.Time
	// LastSeenID is the id of the newest processed post. Empty means unset.
	LastSeenID string
}

// Known reports whether the stored count is usable for delta computation.
func (w Watermark) Known() bool { return w.Count >= 0 }

// Account is a watched remote account.
type Account struct {
	ID            string
	Handle        string
	AddedBy       string
	Watermark     Watermark
	Active        bool
	AddedAt       time.Time
	LastCheckedAt time.Time
}

// Post is a single piece of content returned by a Source. Posts live for one cycle.
type Post struct {
	ID        string
	CreatedAt time.Time
	Body      string
	Media     []string
	Author    string
	// Rank orders posts within one fetch; higher is newer.
	Rank int64
	// Pinned is set when the post came from the profile's pin slot.
	Pinned bool
	// Truncated is set when Body is a shortened rendition that needs a full fetch.
	Truncated bool
	// QuotedID is the id of a quoted post, empty when the post quotes nothing.
	QuotedID string
}

// Batch is the result of Source.FetchRecent.
type Batch struct {
	// Posts are ordered newest first.
	Posts []Post
	// Ignored counts entries the source discarded while assembling the page
	// (replies, malformed entries).
	Ignored int
}

// CycleReport summarizes one RunCycle invocation. It exists for observability only.
type CycleReport struct {
	ID               string         `json:"id"`
	StartedAt        time.Time      `json:"started_at"`
	Duration         time.Duration  `json:"duration"`
	AccountsChecked  int            `json:"accounts_checked"`
	AccountsWithNew  int            `json:"accounts_with_new"`
	PostsDelivered   int            `json:"posts_delivered"`
	PostsIgnored     int            `json:"posts_ignored"`
	DeliveryFailures int            `json:"delivery_failures"`
	Errors           int            `json:"errors"`
	AccountErrors    []AccountError `json:"account_errors,omitempty"`
}

// BaselineReport summarizes one InitializeBaselines invocation.
type BaselineReport struct {
	AccountsSynced  int            `json:"accounts_synced"`
	AccountsMissing int            `json:"accounts_missing"`
	Errors          int            `json:"errors"`
	AccountErrors   []AccountError `json:"account_errors,omitempty"`
}

// Profile is a remote account resolved from a handle.
type Profile struct {
	ID        string
	Handle    string
	PostCount int64
}
