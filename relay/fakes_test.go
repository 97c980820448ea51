package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/post-relay/relay"
	"github.com/onnwee/post-relay/store"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeSource serves canned counts, batches and single posts.
type fakeSource struct {
	mu         sync.Mutex
	counts     map[string]int64
	countsErr  error
	batches    map[string]relay.Batch
	fetchErr   map[string]error
	byID       map[string]relay.Post
	byIDErr    error
	countCalls int
	fetchCalls map[string][]int // account id -> requested max per call
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		counts:     map[string]int64{},
		batches:    map[string]relay.Batch{},
		fetchErr:   map[string]error{},
		byID:       map[string]relay.Post{},
		fetchCalls: map[string][]int{},
	}
}

func (f *fakeSource) BatchLiveCounts(_ context.Context, ids []string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	if f.countsErr != nil {
		return nil, f.countsErr
	}
	out := make(map[string]int64, len(ids))
	for _, id := range ids {
		if c, ok := f.counts[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeSource) FetchRecent(_ context.Context, id string, max int) (relay.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls[id] = append(f.fetchCalls[id], max)
	if err := f.fetchErr[id]; err != nil {
		return relay.Batch{}, err
	}
	b := f.batches[id]
	posts := append([]relay.Post(nil), b.Posts...)
	if len(posts) > max {
		posts = posts[:max]
	}
	return relay.Batch{Posts: posts, Ignored: b.Ignored}, nil
}

func (f *fakeSource) FetchByID(_ context.Context, postID string) (relay.Post, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byIDErr != nil {
		return relay.Post{}, false, f.byIDErr
	}
	p, ok := f.byID[postID]
	return p, ok, nil
}

func (f *fakeSource) fetches(id string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.fetchCalls[id]...)
}

// fakeNotifier records delivered posts and fails the ids in failIDs.
type fakeNotifier struct {
	mu        sync.Mutex
	delivered []relay.Post
	attempts  int
	failIDs   map[string]bool
	block     func(ctx context.Context, p relay.Post) error
}

func (n *fakeNotifier) Deliver(ctx context.Context, p relay.Post) error {
	if n.block != nil {
		if err := n.block(ctx, p); err != nil {
			n.mu.Lock()
			n.attempts++
			n.mu.Unlock()
			return err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	if n.failIDs[p.ID] {
		return errors.New("telegram: chat not found")
	}
	n.delivered = append(n.delivered, p)
	return nil
}

func (n *fakeNotifier) posts() []relay.Post {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]relay.Post(nil), n.delivered...)
}

func (n *fakeNotifier) ids() []string {
	var out []string
	for _, p := range n.posts() {
		out = append(out, p.ID)
	}
	return out
}

// flakyStore fails UpdateWatermark for the listed account ids.
type flakyStore struct {
	*store.Memory
	failWrites map[string]bool
}

func (s *flakyStore) Session(ctx context.Context) (relay.Session, error) {
	sess, err := s.Memory.Session(ctx)
	if err != nil {
		return nil, err
	}
	return flakySession{Session: sess, fail: s.failWrites}, nil
}

type flakySession struct {
	relay.Session
	fail map[string]bool
}

func (s flakySession) UpdateWatermark(ctx context.Context, id string, wm relay.Watermark) error {
	if s.fail[id] {
		return errors.New("db: connection reset")
	}
	return s.Session.UpdateWatermark(ctx, id, wm)
}

func seed(t *testing.T, mem *store.Memory, accounts ...relay.Account) {
	t.Helper()
	ctx := context.Background()
	sess, err := mem.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	for _, a := range accounts {
		a.Active = true
		if err := sess.Insert(ctx, a); err != nil {
			t.Fatalf("insert %s: %v", a.ID, err)
		}
	}
}

func account(id string, wm relay.Watermark) relay.Account {
	return relay.Account{ID: id, Handle: "user" + id, Watermark: wm}
}

func post(id string, rank int64, minutes int) relay.Post {
	return relay.Post{ID: id, Rank: rank, CreatedAt: t0.Add(time.Duration(minutes) * time.Minute), Body: "post " + id, Author: "author"}
}

func mustGet(t *testing.T, mem *store.Memory, id string) relay.Account {
	t.Helper()
	acc, ok := mem.Get(id)
	if !ok {
		t.Fatalf("account %s not found", id)
	}
	return acc
}
