// Package subscription manages the set of watched accounts: subscribing by
// handle or profile link, unsubscribing and listing.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/onnwee/post-relay/relay"
)

var (
	// ErrInvalidLink is returned for links outside twitter.com / x.com or handles with invalid characters.
	ErrInvalidLink = errors.New("subscription: not a valid X/Twitter handle or profile link")
	// ErrUserNotFound is returned when the handle does not resolve to an account.
	ErrUserNotFound = errors.New("subscription: user not found")
	// ErrNotSubscribed is returned by Unsubscribe for an unknown handle.
	ErrNotSubscribed = errors.New("subscription: handle is not subscribed")
)

var (
	handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	validHosts    = map[string]bool{
		"twitter.com":     true,
		"www.twitter.com": true,
		"x.com":           true,
		"www.x.com":       true,
	}
)

// Lookup resolves handles to remote profiles.
type Lookup interface {
	UserByHandle(ctx context.Context, handle string) (relay.Profile, bool, error)
}

// Result describes what Subscribe did.
type Result struct {
	Account relay.Account
	// Reactivated is true when an existing (case-insensitive) handle was switched back on.
	Reactivated bool
}

// Service wires a store and a lookup.
type Service struct {
	store  relay.Store
	lookup Lookup
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a Service. lookup may be nil, in which case only
// re-subscribing known handles succeeds.
func NewService(store relay.Store, lookup Lookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, lookup: lookup, now: time.Now, logger: logger.With(slog.String("component", "subscription"))}
}

// ParseHandle accepts a bare handle (optionally prefixed with @) or a profile
// link on twitter.com / x.com and returns the handle.
func ParseHandle(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrInvalidLink
	}
	if strings.Contains(s, "/") || strings.Contains(s, ".") {
		if !strings.Contains(s, "://") {
			s = "https://" + s
		}
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
		}
		if !validHosts[strings.ToLower(u.Hostname())] {
			return "", ErrInvalidLink
		}
		s = strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)[0]
	}
	s = strings.TrimPrefix(s, "@")
	if !handlePattern.MatchString(s) {
		return "", ErrInvalidLink
	}
	return s, nil
}

// Subscribe starts watching the account behind input. A handle that is
// already stored (case-insensitively) is re-activated without a lookup. A
// new account is seeded with its current post count so that history is not
// relayed.
func (s *Service) Subscribe(ctx context.Context, input, addedBy string) (Result, error) {
	handle, err := ParseHandle(input)
	if err != nil {
		return Result{}, err
	}
	sess, err := s.store.Session(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	existing, ok, err := sess.FindByHandle(ctx, handle)
	if err != nil {
		return Result{}, fmt.Errorf("find handle: %w", err)
	}
	if ok {
		if !existing.Active {
			if err := sess.SetActive(ctx, existing.ID, true); err != nil {
				return Result{}, fmt.Errorf("reactivate: %w", err)
			}
			existing.Active = true
		}
		s.logger.Info("resubscribed", slog.String("handle", existing.Handle), slog.String("account_id", existing.ID))
		return Result{Account: existing, Reactivated: true}, nil
	}

	if s.lookup == nil {
		return Result{}, ErrUserNotFound
	}
	profile, found, err := s.lookup.UserByHandle(ctx, handle)
	if err != nil {
		return Result{}, fmt.Errorf("lookup %s: %w", handle, err)
	}
	if !found || profile.ID == "" {
		return Result{}, fmt.Errorf("%w: %s", ErrUserNotFound, handle)
	}
	if profile.Handle == "" {
		profile.Handle = handle
	}

	acc := relay.Account{
		ID:        profile.ID,
		Handle:    profile.Handle,
		AddedBy:   addedBy,
		Active:    true,
		AddedAt:   s.now().UTC(),
		Watermark: relay.Watermark{Count: profile.PostCount},
	}
	if err := sess.Insert(ctx, acc); err != nil {
		if !errors.Is(err, relay.ErrAccountExists) {
			return Result{}, fmt.Errorf("insert: %w", err)
		}
		// The account was stored under a previous handle; switch it back on.
		if err := sess.SetActive(ctx, acc.ID, true); err != nil {
			return Result{}, fmt.Errorf("reactivate: %w", err)
		}
		s.logger.Info("resubscribed renamed account", slog.String("handle", acc.Handle), slog.String("account_id", acc.ID))
		return Result{Account: acc, Reactivated: true}, nil
	}
	s.logger.Info("subscribed", slog.String("handle", acc.Handle), slog.String("account_id", acc.ID), slog.String("added_by", addedBy))
	return Result{Account: acc}, nil
}

// Unsubscribe deactivates the account behind input. Its watermark is kept so
// re-subscribing resumes where it left off.
func (s *Service) Unsubscribe(ctx context.Context, input string) (relay.Account, error) {
	handle, err := ParseHandle(input)
	if err != nil {
		return relay.Account{}, err
	}
	sess, err := s.store.Session(ctx)
	if err != nil {
		return relay.Account{}, fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	acc, ok, err := sess.FindByHandle(ctx, handle)
	if err != nil {
		return relay.Account{}, fmt.Errorf("find handle: %w", err)
	}
	if !ok {
		return relay.Account{}, fmt.Errorf("%w: %s", ErrNotSubscribed, handle)
	}
	if err := sess.SetActive(ctx, acc.ID, false); err != nil {
		return relay.Account{}, fmt.Errorf("deactivate: %w", err)
	}
	acc.Active = false
	s.logger.Info("unsubscribed", slog.String("handle", acc.Handle), slog.String("account_id", acc.ID))
	return acc, nil
}

// List returns watched accounts; all of them when includeInactive is set.
func (s *Service) List(ctx context.Context, includeInactive bool) ([]relay.Account, error) {
	sess, err := s.store.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = sess.Close() }()
	if includeInactive {
		return sess.ListAccounts(ctx)
	}
	return sess.ListActiveAccounts(ctx)
}

// FormatList renders accounts one per line as "handle (id)".
func FormatList(accounts []relay.Account) string {
	if len(accounts) == 0 {
		return "No active subscriptions"
	}
	lines := make([]string, 0, len(accounts))
	for _, a := range accounts {
		lines = append(lines, fmt.Sprintf("%s (%s)", a.Handle, a.ID))
	}
	return strings.Join(lines, "\n")
}
