package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/post-relay/config"
	"github.com/onnwee/post-relay/relay"
	"github.com/onnwee/post-relay/store"
)

type stubLookup map[string]relay.Profile

func (s stubLookup) UserByHandle(_ context.Context, handle string) (relay.Profile, bool, error) {
	p, ok := s[strings.ToLower(handle)]
	return p, ok, nil
}

type stubSource struct{ counts map[string]int64 }

func (s stubSource) BatchLiveCounts(_ context.Context, ids []string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, id := range ids {
		if c, ok := s.counts[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (stubSource) FetchRecent(context.Context, string, int) (relay.Batch, error) {
	return relay.Batch{}, nil
}

func (stubSource) FetchByID(context.Context, string) (relay.Post, bool, error) {
	return relay.Post{}, false, nil
}

func newTestApp(mem *store.Memory) *app {
	return &app{
		cfg: &config.Config{
			DBDriver: config.DriverMemory, FetchCap: 20, Concurrency: 2,
			AccountTimeout: time.Second, TwttrMaxAttempts: 1,
		},
		store: mem,
		lookup: stubLookup{
			"nasa": {ID: "1", Handle: "NASA", PostCount: 10},
			"jack": {ID: "2", Handle: "jack", PostCount: 20},
		},
		source: stubSource{counts: map[string]int64{"1": 15, "2": 20}},
	}
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(a)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAccountsAddListRemove(t *testing.T) {
	mem := store.NewMemory()
	a := newTestApp(mem)

	out, err := run(t, a, "accounts", "add", "nasa", "https://x.com/jack", "--added-by", "ops")
	if err != nil {
		t.Fatalf("add: %v (%s)", err, out)
	}
	if !strings.Contains(out, "subscribed NASA (1)") || !strings.Contains(out, "subscribed jack (2)") {
		t.Errorf("add output = %q", out)
	}
	if acc, _ := mem.Get("1"); acc.AddedBy != "ops" {
		t.Errorf("added_by = %q", acc.AddedBy)
	}

	if _, err := run(t, a, "accounts", "remove", "@NASA"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	out, err = run(t, a, "accounts", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.TrimSpace(out) != "jack (2)" {
		t.Errorf("list output = %q", out)
	}
	out, _ = run(t, a, "accounts", "list", "--all")
	if !strings.Contains(out, "NASA (1)") {
		t.Errorf("list --all output = %q", out)
	}
}

func TestAccountsAddReportsFailures(t *testing.T) {
	a := newTestApp(store.NewMemory())
	out, err := run(t, a, "accounts", "add", "ghost", "nasa")
	if err == nil {
		t.Fatal("expected error for unknown account")
	}
	if !strings.Contains(out, "failed ghost") || !strings.Contains(out, "subscribed NASA") {
		t.Errorf("output = %q", out)
	}
}

func TestAccountsImport(t *testing.T) {
	mem := store.NewMemory()
	a := newTestApp(mem)
	path := filepath.Join(t.TempDir(), "seed.yaml")
	seed := "added_by: bootstrap\naccounts:\n  - nasa\n  - \"  \"\n  - https://twitter.com/jack\n"
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}
	if out, err := run(t, a, "accounts", "import", path); err != nil {
		t.Fatalf("import: %v (%s)", err, out)
	}
	for _, id := range []string{"1", "2"} {
		acc, ok := mem.Get(id)
		if !ok || acc.AddedBy != "bootstrap" {
			t.Errorf("account %s = %+v ok=%v", id, acc, ok)
		}
	}
}

func TestParseSeed(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{"list", "accounts: [a, b]", 2, false},
		{"blank entries dropped", "accounts: [a, '', ' ']", 1, false},
		{"unknown field", "acounts: [a]", 0, true},
		{"empty", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := parseSeed(strings.NewReader(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(s.Accounts) != tt.want {
				t.Errorf("accounts = %v, want %d", s.Accounts, tt.want)
			}
		})
	}
}

func TestBaselineCommand(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	sess, _ := mem.Session(ctx)
	_ = sess.Insert(ctx, relay.Account{ID: "1", Handle: "NASA", Active: true, Watermark: relay.Watermark{Count: 3}})
	_ = sess.Insert(ctx, relay.Account{ID: "9", Handle: "gone", Active: true, Watermark: relay.Watermark{Count: 4}})

	out, err := run(t, newTestApp(mem), "baseline")
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if !strings.Contains(out, "synced 1 accounts, 1 missing") {
		t.Errorf("output = %q", out)
	}
	if acc, _ := mem.Get("1"); acc.Watermark.Count != 15 {
		t.Errorf("count = %d, want 15", acc.Watermark.Count)
	}
}

func TestMigrateRequiresSchemaDriver(t *testing.T) {
	a := newTestApp(store.NewMemory())
	if _, err := run(t, a, "migrate", "up"); err == nil {
		t.Error("expected error for memory driver")
	}
	if _, err := run(t, a, "migrate", "version"); err == nil {
		t.Error("expected error for non-postgres driver")
	}
}
