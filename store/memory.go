package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/post-relay/relay"
)

// Memory is a process-local relay.Store used by DB_DRIVER=memory and tests.
// State is lost on exit.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]relay.Account
	order    []string // insertion order
}

var _ relay.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]relay.Account)}
}

// Session returns a view over the shared map. Closing it is a no-op.
func (m *Memory) Session(ctx context.Context) (relay.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return memSession{m}, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }
func (m *Memory) Close() error                   { return nil }

// Get returns a copy of one account.
func (m *Memory) Get(id string) (relay.Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	return acc, ok
}

type memSession struct{ m *Memory }

func (s memSession) Close() error { return nil }

func (s memSession) list(filter func(relay.Account) bool) []relay.Account {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]relay.Account, 0, len(s.m.order))
	for _, id := range s.m.order {
		if acc := s.m.accounts[id]; filter(acc) {
			out = append(out, acc)
		}
	}
	return out
}

func (s memSession) ListActiveAccounts(ctx context.Context) ([]relay.Account, error) {
	return s.list(func(a relay.Account) bool { return a.Active }), ctx.Err()
}

func (s memSession) ListAccounts(ctx context.Context) ([]relay.Account, error) {
	return s.list(func(relay.Account) bool { return true }), ctx.Err()
}

func (s memSession) update(ctx context.Context, id string, fn func(*relay.Account)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	acc, ok := s.m.accounts[id]
	if !ok {
		return relay.ErrAccountNotFound
	}
	fn(&acc)
	s.m.accounts[id] = acc
	return nil
}

func (s memSession) UpdateWatermark(ctx context.Context, id string, wm relay.Watermark) error {
	return s.update(ctx, id, func(a *relay.Account) {
		wm.Time = wm.Time.UTC()
		if wm.Count < 0 {
			wm.Count = relay.UnknownCount
		}
		a.Watermark = wm
	})
}

func (s memSession) TouchChecked(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, func(a *relay.Account) { a.LastCheckedAt = at.UTC() })
}

func (s memSession) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(ctx, id, func(a *relay.Account) { a.Active = active })
}

func (s memSession) FindByHandle(ctx context.Context, handle string) (relay.Account, bool, error) {
	matches := s.list(func(a relay.Account) bool { return strings.EqualFold(a.Handle, handle) })
	if len(matches) == 0 {
		return relay.Account{}, false, ctx.Err()
	}
	// Prefer an active row, mirroring the SQL stores' ORDER BY active DESC.
	if i := slices.IndexFunc(matches, func(a relay.Account) bool { return a.Active }); i >= 0 {
		return matches[i], true, ctx.Err()
	}
	return matches[0], true, ctx.Err()
}

func (s memSession) Insert(ctx context.Context, acc relay.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.accounts[acc.ID]; ok {
		return relay.ErrAccountExists
	}
	if acc.AddedAt.IsZero() {
		acc.AddedAt = time.Now().UTC()
	}
	acc.Watermark.Time = acc.Watermark.Time.UTC()
	s.m.accounts[acc.ID] = acc
	s.m.order = append(s.m.order, acc.ID)
	return nil
}
