package notify

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/onnwee/post-relay/relay"
	"github.com/onnwee/post-relay/store"
	"github.com/onnwee/post-relay/testutil"
)

func newTestNotifier(t *testing.T, m *testutil.MockTelegramServer, chatID string) *Telegram {
	t.Helper()
	n, err := NewTelegram(Config{Token: "123:abc", ChatID: chatID, APIEndpoint: m.Endpoint(), HTTPClient: m.Client()})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	return n
}

func TestNewTelegramValidates(t *testing.T) {
	if _, err := NewTelegram(Config{ChatID: "1"}); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := NewTelegram(Config{Token: "x"}); err == nil {
		t.Error("expected error for empty chat id")
	}
}

func TestDeliverMarkdown(t *testing.T) {
	m := testutil.NewMockTelegramServer(t)
	n := newTestNotifier(t, m, "-100123")
	if n.BotUsername() != "relay_bot" {
		t.Errorf("bot username = %q", n.BotUsername())
	}

	post := relay.Post{ID: "42", Author: "some_user", Body: "Hello. World!", Media: []string{"https://pbs.twimg.com/x.jpg"}}
	if err := n.Deliver(context.Background(), post); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	sent := m.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	msg := sent[0]
	if msg.Get("chat_id") != "-100123" || msg.Get("parse_mode") != "MarkdownV2" {
		t.Errorf("params = %v", msg)
	}
	text := msg.Get("text")
	if !strings.HasPrefix(text, `[some\_user](https://x.com/some_user/status/42)`) {
		t.Errorf("text head = %q", text)
	}
	if !strings.Contains(text, `Hello\. World\!`) || !strings.Contains(text, `pbs\.twimg\.com`) {
		t.Errorf("text not escaped: %q", text)
	}
}

func TestDeliverFallsBackToPlain(t *testing.T) {
	m := testutil.NewMockTelegramServer(t)
	m.RejectMarkdown()
	n := newTestNotifier(t, m, "@relaychan")

	post := relay.Post{ID: "42", Author: "alice", Body: "*broken markup"}
	if err := n.Deliver(context.Background(), post); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	sent := m.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %v", sent)
	}
	if sent[0].Get("parse_mode") != "" || sent[0].Get("text") != "alice: *broken markup" {
		t.Errorf("fallback params = %v", sent[0])
	}
	if sent[0].Get("chat_id") != "@relaychan" {
		t.Errorf("chat id = %q", sent[0].Get("chat_id"))
	}
}

func TestDeliverFailsWhenBothSendsFail(t *testing.T) {
	m := testutil.NewMockTelegramServer(t)
	m.RejectWhen(func(url.Values) bool { return true })
	n := newTestNotifier(t, m, "1")
	err := n.Deliver(context.Background(), relay.Post{ID: "1", Body: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	var attempts int
	for _, r := range m.Requests() {
		if r.Method == "sendMessage" {
			attempts++
		}
	}
	if attempts != 2 {
		t.Errorf("sendMessage attempts = %d, want 2", attempts)
	}
}

func TestDeliverHonorsCancelledContext(t *testing.T) {
	m := testutil.NewMockTelegramServer(t)
	n := newTestNotifier(t, m, "1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Deliver(ctx, relay.Post{ID: "1", Body: "x"}); err == nil {
		t.Fatal("expected context error")
	}
	if len(m.Sent()) != 0 {
		t.Error("nothing should be sent after cancellation")
	}
}

func TestVerify(t *testing.T) {
	m := testutil.NewMockTelegramServer(t)
	if err := newTestNotifier(t, m, "@relaychan").Verify(context.Background()); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := newTestNotifier(t, m, "missing").Verify(context.Background()); err == nil {
		t.Error("expected error for unknown chat")
	}
}

func TestFormatMarkdownTruncates(t *testing.T) {
	post := relay.Post{ID: "1", Author: "a", Body: strings.Repeat("a.b", 3000)}
	text := FormatMarkdown(post, "https://x.com/")
	if n := utf8.RuneCountInString(text); n > MaxMessageLength {
		t.Errorf("length = %d, want <= %d", n, MaxMessageLength)
	}
	if !strings.HasPrefix(text, "[a](https://x.com/a/status/1)") {
		t.Errorf("head = %q", text[:40])
	}
}

func TestFormatPlain(t *testing.T) {
	tests := []struct {
		name string
		post relay.Post
		want string
	}{
		{"author and body", relay.Post{Author: "bob", Body: "hi"}, "bob: hi"},
		{"media", relay.Post{Author: "bob", Body: "hi", Media: []string{"u1", "u2"}}, "bob: hi\nu1\nu2"},
		{"no author", relay.Post{Body: "hi"}, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatPlain(tt.post); got != tt.want {
				t.Errorf("FormatPlain() = %q, want %q", got, tt.want)
			}
		})
	}
	long := FormatPlain(relay.Post{Body: strings.Repeat("x", MaxMessageLength+10)})
	if utf8.RuneCountInString(long) != MaxMessageLength {
		t.Errorf("truncated length = %d", utf8.RuneCountInString(long))
	}
}

func TestDeliverReturnsAtContextDeadline(t *testing.T) {
	m := testutil.NewMockTelegramServer(t)
	n := newTestNotifier(t, m, "-100123")
	m.Hold("sendMessage")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := n.Deliver(ctx, relay.Post{ID: "7", Author: "a", Body: "stalled"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Deliver blocked %v past a 100ms deadline", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	// a timed-out markdown send must not fall through to the plain retry
	for _, r := range m.Requests() {
		if r.Method == "sendMessage" && r.Params.Get("parse_mode") == "" {
			t.Errorf("plain fallback attempted after deadline: %v", r)
		}
	}
}

func TestVerifyReturnsAtContextDeadline(t *testing.T) {
	m := testutil.NewMockTelegramServer(t)
	n := newTestNotifier(t, m, "@relay_channel")
	m.Hold("getChat")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := n.Verify(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Verify blocked %v past a 100ms deadline", elapsed)
	}
}

func TestNewTelegramDefaultsClientTimeout(t *testing.T) {
	m := testutil.NewMockTelegramServer(t)
	n, err := NewTelegram(Config{Token: "123:abc", ChatID: "1", APIEndpoint: m.Endpoint()})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	client, ok := n.bot.Client.(*http.Client)
	if !ok || client.Timeout != DefaultTimeout {
		t.Errorf("client = %#v, want timeout %v", n.bot.Client, DefaultTimeout)
	}
}

type oneAccountSource struct{ posts []relay.Post }

func (s oneAccountSource) BatchLiveCounts(_ context.Context, ids []string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, id := range ids {
		out[id] = int64(len(s.posts))
	}
	return out, nil
}

func (s oneAccountSource) FetchRecent(context.Context, string, int) (relay.Batch, error) {
	return relay.Batch{Posts: s.posts}, nil
}

func (s oneAccountSource) FetchByID(context.Context, string) (relay.Post, bool, error) {
	return relay.Post{}, false, nil
}

func TestStalledTelegramDoesNotWedgeCycles(t *testing.T) {
	m := testutil.NewMockTelegramServer(t)
	n := newTestNotifier(t, m, "-100123")
	m.Hold("sendMessage")

	mem := store.NewMemory()
	sess, err := mem.Session(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Insert(context.Background(), relay.Account{ID: "1", Handle: "a", Active: true}); err != nil {
		t.Fatal(err)
	}
	_ = sess.Close()

	src := oneAccountSource{posts: []relay.Post{{ID: "5", Author: "a", Body: "hi", CreatedAt: time.Now().UTC()}}}
	engine := relay.New(mem, src, n, relay.Options{AccountTimeout: 100 * time.Millisecond})

	var reports []relay.CycleReport
	for i := range 2 {
		type result struct {
			rep relay.CycleReport
			err error
		}
		done := make(chan result, 1)
		go func() {
			rep, err := engine.RunCycle(context.Background())
			done <- result{rep, err}
		}()
		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("cycle %d: %v", i, r.err)
			}
			reports = append(reports, r.rep)
		case <-time.After(3 * time.Second):
			t.Fatalf("cycle %d did not finish while Telegram stalled", i)
		}
	}
	if reports[0].DeliveryFailures != 1 || reports[0].PostsDelivered != 0 {
		t.Errorf("first cycle = %+v", reports[0])
	}
	// delivery is at most once: the stalled post is not retried
	if reports[1].DeliveryFailures != 0 {
		t.Errorf("second cycle = %+v", reports[1])
	}
}
