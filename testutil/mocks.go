// Package testutil holds httptest doubles for the upstream APIs and database helpers.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// MockTwitterServer mocks the twitter241 RapidAPI endpoints.
type MockTwitterServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockTwitterServer creates a mock server. Requests without the expected
// RapidAPI key header get 403.
func NewMockTwitterServer(t *testing.T, apiKey string) *MockTwitterServer {
	t.Helper()
	m := &MockTwitterServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[r.URL.Path]++
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if r.Header.Get("x-rapidapi-key") != apiKey {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler under the server lock.
func (m *MockTwitterServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Calls returns how many requests hit path.
func (m *MockTwitterServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUsers answers /get-users with the given statuses_count per rest_id.
// Ids not in counts are omitted from the response.
func (m *MockTwitterServer) MockUsers(counts map[string]int64) {
	m.Handle("/get-users", func(w http.ResponseWriter, r *http.Request) {
		users := []map[string]any{}
		for _, id := range strings.Split(r.URL.Query().Get("users"), ",") {
			c, ok := counts[id]
			if !ok {
				continue
			}
			users = append(users, map[string]any{"result": map[string]any{
				"rest_id": id,
				"legacy":  map[string]any{"statuses_count": c, "screen_name": "user" + id},
			}})
		}
		writeJSON(w, map[string]any{"result": map[string]any{"data": map[string]any{"users": users}}})
	})
}

// MockUser answers /user for one handle.
func (m *MockTwitterServer) MockUser(handle, restID string, count int64) {
	m.Handle("/user", func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.URL.Query().Get("username"), handle) {
			writeJSON(w, map[string]any{"result": map[string]any{"data": map[string]any{"user": map[string]any{}}}})
			return
		}
		writeJSON(w, map[string]any{"result": map[string]any{"data": map[string]any{"user": map[string]any{
			"result": map[string]any{
				"rest_id": restID,
				"legacy":  map[string]any{"screen_name": handle, "statuses_count": count},
			},
		}}}})
	})
}

// TweetFixture describes one timeline tweet.
type TweetFixture struct {
	ID        string
	CreatedAt string // RubyDate, as the API sends it
	Text      string
	Note      string
	Author    string
	ReplyTo   string
	QuotedID  string
	Media     []string
	Pinned    bool
}

func (f TweetFixture) result() map[string]any {
	media := []map[string]any{}
	for _, u := range f.Media {
		media = append(media, map[string]any{"media_url_https": u})
	}
	legacy := map[string]any{
		"id_str":     f.ID,
		"full_text":  f.Text,
		"created_at": f.CreatedAt,
		"entities":   map[string]any{"media": media},
	}
	if f.ReplyTo != "" {
		legacy["in_reply_to_status_id_str"] = f.ReplyTo
		legacy["in_reply_to_user_id_str"] = "1"
	}
	if f.QuotedID != "" {
		legacy["is_quote_status"] = true
		legacy["quoted_status_id_str"] = f.QuotedID
	}
	res := map[string]any{
		"__typename": "Tweet",
		"rest_id":    f.ID,
		"legacy":     legacy,
		"core": map[string]any{"user_results": map[string]any{"result": map[string]any{
			"legacy": map[string]any{"screen_name": f.Author},
		}}},
	}
	if f.Note != "" {
		res["note_tweet"] = map[string]any{"note_tweet_results": map[string]any{"result": map[string]any{"text": f.Note}}}
	}
	return res
}

// TimelineEntry builds one TimelineAddEntries entry for f.
func TimelineEntry(f TweetFixture) map[string]any {
	return map[string]any{
		"entryId":   "tweet-" + f.ID,
		"sortIndex": f.ID,
		"content": map[string]any{
			"entryType": "TimelineTimelineItem",
			"itemContent": map[string]any{
				"itemType":      "TimelineTweet",
				"tweet_results": map[string]any{"result": f.result()},
			},
		},
	}
}

// TimelineBody builds a /user-tweets response. Fixtures with Pinned set go
// into a TimelinePinEntry instruction.
func TimelineBody(tweets ...TweetFixture) map[string]any {
	var entries []map[string]any
	instructions := []map[string]any{}
	for _, f := range tweets {
		if f.Pinned {
			instructions = append(instructions, map[string]any{"type": "TimelinePinEntry", "entry": TimelineEntry(f)})
			continue
		}
		entries = append(entries, TimelineEntry(f))
	}
	instructions = append([]map[string]any{{"type": "TimelineAddEntries", "entries": entries}}, instructions...)
	return map[string]any{"result": map[string]any{"timeline": map[string]any{"instructions": instructions}}}
}

// MockTimeline answers /user-tweets for userID with a fixed body.
func (m *MockTwitterServer) MockTimeline(userID string, body any) {
	m.Handle("/user-tweets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user") != userID {
			writeJSON(w, TimelineBody())
			return
		}
		writeJSON(w, body)
	})
}

// MockTweets answers /tweet for the given fixtures and 404 otherwise.
func (m *MockTwitterServer) MockTweets(tweets ...TweetFixture) {
	byID := make(map[string]TweetFixture, len(tweets))
	for _, f := range tweets {
		byID[f.ID] = f
	}
	m.Handle("/tweet", func(w http.ResponseWriter, r *http.Request) {
		f, ok := byID[r.URL.Query().Get("pid")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		res := f.result()
		tweet := res["legacy"].(map[string]any)
		tweet["user_id_str"] = f.Author
		if note, ok := res["note_tweet"]; ok {
			tweet["note_tweet"] = note
		}
		writeJSON(w, map[string]any{"tweet": tweet})
	})
}

// TelegramRequest is one captured Bot API call.
type TelegramRequest struct {
	Method string
	Params url.Values
}

// MockTelegramServer mocks the Telegram Bot API. Endpoint() plugs into
// tgbotapi.NewBotAPIWithClient.
type MockTelegramServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []TelegramRequest
	// Reject, when set, decides whether a sendMessage call fails with 400.
	reject func(params url.Values) bool
	// held methods never answer until the request is abandoned or the test ends.
	held    map[string]bool
	release chan struct{}
}

// NewMockTelegramServer answers getMe, getChat and sendMessage.
func NewMockTelegramServer(t *testing.T) *MockTelegramServer {
	t.Helper()
	m := &MockTelegramServer{held: map[string]bool{}, release: make(chan struct{})}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		method := parts[len(parts)-1]

		m.mu.Lock()
		m.requests = append(m.requests, TelegramRequest{Method: method, Params: r.PostForm})
		reject := m.reject
		hold := m.held[method]
		m.mu.Unlock()

		if hold {
			select {
			case <-r.Context().Done():
			case <-m.release:
			}
			return
		}

		switch method {
		case "getMe":
			writeJSON(w, map[string]any{"ok": true, "result": map[string]any{
				"id": 42, "is_bot": true, "first_name": "relay", "username": "relay_bot",
			}})
		case "getChat":
			if r.PostForm.Get("chat_id") == "@missing" {
				w.WriteHeader(http.StatusBadRequest)
				writeJSON(w, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"})
				return
			}
			writeJSON(w, map[string]any{"ok": true, "result": map[string]any{
				"id": -100123, "type": "channel", "title": "relay test",
			}})
		case "sendMessage":
			if reject != nil && reject(r.PostForm) {
				w.WriteHeader(http.StatusBadRequest)
				writeJSON(w, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: can't parse entities"})
				return
			}
			writeJSON(w, map[string]any{"ok": true, "result": map[string]any{
				"message_id": len(m.Sent()), "date": 0, "chat": map[string]any{"id": -100123, "type": "channel"},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"ok": false, "error_code": 404, "description": "Not Found"})
		}
	}))
	t.Cleanup(m.Close)
	// runs before Close so held handlers can return
	t.Cleanup(func() { close(m.release) })
	return m
}

// Hold makes every call to method stall without a response.
func (m *MockTelegramServer) Hold(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[method] = true
}

// Endpoint returns the API endpoint format string for tgbotapi.
func (m *MockTelegramServer) Endpoint() string { return m.URL + "/bot%s/%s" }

// RejectWhen makes sendMessage fail for requests matching fn.
func (m *MockTelegramServer) RejectWhen(fn func(params url.Values) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = fn
}

// RejectMarkdown makes every MarkdownV2 send fail.
func (m *MockTelegramServer) RejectMarkdown() {
	m.RejectWhen(func(p url.Values) bool { return p.Get("parse_mode") == "MarkdownV2" })
}

// Requests returns every captured call.
func (m *MockTelegramServer) Requests() []TelegramRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TelegramRequest(nil), m.requests...)
}

// Sent returns the sendMessage calls that were not rejected.
func (m *MockTelegramServer) Sent() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []url.Values
	for _, r := range m.requests {
		if r.Method == "sendMessage" && (m.reject == nil || !m.reject(r.Params)) {
			out = append(out, r.Params)
		}
	}
	return out
}

// String helps when a test fails.
func (r TelegramRequest) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.Params.Encode())
}
