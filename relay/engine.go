package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/post-relay/telemetry"
)

const (
	// QuotedSeparator precedes a quoted post's body appended to the quoting post.
	QuotedSeparator = "\n\nQuoted post:\n"
	// QuotedUnavailable is appended when the quoted post could not be fetched.
	QuotedUnavailable = "\n\n[Quoted post unavailable]"

	tracerName = "relay"
)

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	// FetchCap bounds the posts requested per account per cycle. Default: DefaultFetchCap.
	FetchCap int
	// Concurrency is the number of accounts processed in parallel. Default: 4.
	Concurrency int
	// AccountTimeout bounds the network work for one account. Default: 60s.
	AccountTimeout time.Duration
	// PersistTimeout bounds each repository write; writes outlive account cancellation. Default: 10s.
	PersistTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

func (o *Options) defaults() {
	if o.FetchCap <= 0 {
		o.FetchCap = DefaultFetchCap
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.AccountTimeout <= 0 {
		o.AccountTimeout = 60 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine runs poll cycles and baseline initialization against injected collaborators.
// It is meant to be driven by a single caller; overlapping calls are rejected.
type Engine struct {
	store    Store
	source   Source
	notifier Notifier
	opts     Options

	running atomic.Bool

	mu      sync.RWMutex
	last    CycleReport
	hasLast bool
}

// New creates an Engine.
func New(store Store, source Source, notifier Notifier, opts Options) *Engine {
	opts.defaults()
	return &Engine{store: store, source: source, notifier: notifier, opts: opts}
}

// LastReport returns the report of the most recent finished cycle.
func (e *Engine) LastReport() (CycleReport, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.hasLast
}

// accountResult is what one account contributes to the cycle report.
type accountResult struct {
	checked   bool
	hasNew    bool
	delivered int
	ignored   int
	failures  int
	errs      []AccountError
}

func (r *accountResult) fail(kind ErrorKind, accountID, postID string, err error) {
	r.errs = append(r.errs, AccountError{AccountID: accountID, PostID: postID, Kind: kind, Err: err})
	telemetry.RecordAccountError(kind.String())
}

// RunCycle performs one poll cycle over every active account.
//
// Per-account failures are recorded in the report and never abort the cycle.
// An error is returned only when the cycle could not start: no session, the
// account list could not be loaded, or the batch live-count lookup failed.
func (e *Engine) RunCycle(ctx context.Context) (report CycleReport, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInProgress
	}
	defer e.running.Store(false)

	report = CycleReport{ID: uuid.NewString(), StartedAt: e.opts.Now().UTC()}
	ctx = telemetry.WithCorrelation(ctx, report.ID)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "relay.RunCycle")
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx, e.opts.Logger).With(slog.String("component", "relay_cycle"))
	start := time.Now()

	defer func() {
		report.Duration = time.Since(start)
		report.Errors = len(report.AccountErrors)
		if err != nil {
			telemetry.RecordError(span, err)
			return
		}
		telemetry.RecordCycle(report.Duration, report.PostsDelivered, report.PostsIgnored)
		telemetry.SetSpanSuccess(span)
		e.mu.Lock()
		e.last, e.hasLast = report, true
		e.mu.Unlock()
	}()

	sess, err := e.store.Session(ctx)
	if err != nil {
		return report, fmt.Errorf("open repository session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("release repository session", slog.Any("err", cerr))
		}
	}()

	accounts, err := sess.ListActiveAccounts(ctx)
	if err != nil {
		return report, fmt.Errorf("list active accounts: %w", err)
	}
	telemetry.SetActiveAccounts(len(accounts))
	if len(accounts) == 0 {
		logger.Debug("no active accounts")
		return report, nil
	}

	ids := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		ids = append(ids, acc.ID)
	}
	live, err := e.source.BatchLiveCounts(ctx, ids)
	if err != nil {
		return report, fmt.Errorf("batch live counts: %w", err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for _, acc := range accounts {
		g.Go(func() error {
			res := e.processAccount(ctx, sess, acc, live, logger)
			mu.Lock()
			defer mu.Unlock()
			if res.checked {
				report.AccountsChecked++
			}
			if res.hasNew {
				report.AccountsWithNew++
			}
			report.PostsDelivered += res.delivered
			report.PostsIgnored += res.ignored
			report.DeliveryFailures += res.failures
			report.AccountErrors = append(report.AccountErrors, res.errs...)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("relay.accounts_checked", report.AccountsChecked),
		attribute.Int("relay.posts_delivered", report.PostsDelivered),
	)
	logger.Info("poll cycle complete",
		slog.Int("accounts_checked", report.AccountsChecked),
		slog.Int("accounts_with_new", report.AccountsWithNew),
		slog.Int("posts_delivered", report.PostsDelivered),
		slog.Int("posts_ignored", report.PostsIgnored),
		slog.Int("delivery_failures", report.DeliveryFailures),
		slog.Int("errors", len(report.AccountErrors)),
		slog.Duration("duration", time.Since(start)))
	return report, nil
}

// processAccount runs the diff/fetch/filter/deliver/advance sequence for one
// account. All reads and writes of this account's watermark happen on the
// calling goroutine.
func (e *Engine) processAccount(ctx context.Context, repo Repository, acc Account, live map[string]int64, base *slog.Logger) (res accountResult) {
	logger := base.With(slog.String("account_id", acc.ID), slog.String("handle", acc.Handle))
	ctx, span := telemetry.StartSpan(ctx, tracerName, "relay.processAccount", telemetry.AccountAttr(acc.ID))
	defer span.End()

	liveCount, ok := live[acc.ID]
	if !ok {
		err := errors.New("account missing from live count response")
		logger.Warn("skipping account", slog.Any("err", err))
		telemetry.RecordError(span, err)
		res.fail(ErrorKindSource, acc.ID, "", err)
		return res
	}
	res.checked = true

	wm := acc.Watermark
	known := wm.Known()
	if !known {
		logger.Warn("malformed watermark; treating fetched posts as new")
		wm.Count = 0
	}

	if wm.Count > liveCount {
		logger.Debug("live count below watermark; clamping delta",
			slog.Int64("live_count", liveCount), slog.Int64("watermark_count", wm.Count))
		telemetry.RecordCountDrift()
	}
	delta := Delta(liveCount, wm.Count)
	if delta == 0 {
		e.touch(ctx, repo, acc.ID, logger)
		return res
	}

	want := min(delta, int64(e.opts.FetchCap))
	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.AccountTimeout)
	defer cancel()

	batch, err := e.source.FetchRecent(fetchCtx, acc.ID, int(want))
	if err != nil {
		logger.Warn("fetch recent posts failed; will retry next cycle", slog.Any("err", err), slog.Int64("delta", delta))
		telemetry.RecordError(span, err)
		res.fail(ErrorKindSource, acc.ID, "", fmt.Errorf("fetch recent: %w", err))
		return res
	}

	posts, stale := ResolvePinned(batch.Posts)
	ignored := batch.Ignored + stale
	fresh := FilterNew(posts, wm)
	SortOldestFirst(fresh)
	logger.Debug("fetched posts",
		slog.Int64("delta", delta),
		slog.Int("fetched", len(batch.Posts)),
		slog.Int("new", len(fresh)),
		slog.Int("ignored", ignored))

	if len(fresh) > 0 {
		res.hasNew = true
	}
	for _, p := range fresh {
		if fetchCtx.Err() != nil {
			// Undelivered posts stay behind the watermark and are picked up next cycle.
			logger.Warn("account deadline reached; deferring remaining posts", slog.Any("err", fetchCtx.Err()))
			res.fail(ErrorKindSource, acc.ID, p.ID, fetchCtx.Err())
			break
		}
		p = e.enrich(fetchCtx, p, logger)
		if err := e.notifier.Deliver(fetchCtx, p); err != nil {
			logger.Error("delivery failed; advancing watermark anyway", slog.String("post_id", p.ID), slog.Any("err", err))
			telemetry.RecordDeliveryFailure()
			res.failures++
			res.fail(ErrorKindDelivery, acc.ID, p.ID, err)
		} else {
			res.delivered++
		}
		wm = Advance(wm, p)
		if err := e.persist(ctx, repo, acc.ID, wm); err != nil {
			logger.Error("persist watermark failed", slog.String("post_id", p.ID), slog.Any("err", err))
			res.fail(ErrorKindPersistence, acc.ID, p.ID, err)
		}
	}

	changed := false
	if ignored > 0 {
		wm.Count += int64(ignored)
		res.ignored = ignored
		changed = true
	}
	if !known && wm.Count < liveCount {
		wm.Count = liveCount
		changed = true
	}
	if changed {
		if err := e.persist(ctx, repo, acc.ID, wm); err != nil {
			logger.Error("persist watermark failed", slog.Any("err", err))
			res.fail(ErrorKindPersistence, acc.ID, "", err)
		}
	}
	e.touch(ctx, repo, acc.ID, logger)

	if len(res.errs) == 0 {
		telemetry.SetSpanSuccess(span)
	}
	return res
}

// enrich resolves truncated bodies and quoted posts. Lookup failures degrade
// the body instead of dropping the post.
func (e *Engine) enrich(ctx context.Context, p Post, logger *slog.Logger) Post {
	if p.Truncated {
		full, ok, err := e.source.FetchByID(ctx, p.ID)
		switch {
		case err != nil:
			logger.Warn("full text fetch failed; delivering truncated body", slog.String("post_id", p.ID), slog.Any("err", err))
		case !ok || full.Body == "":
			logger.Warn("full text unavailable; delivering truncated body", slog.String("post_id", p.ID))
		default:
			p.Body = full.Body
			p.Truncated = false
			if len(p.Media) == 0 {
				p.Media = full.Media
			}
		}
	}
	if p.QuotedID != "" {
		quoted, ok, err := e.source.FetchByID(ctx, p.QuotedID)
		if err != nil || !ok || quoted.Body == "" {
			logger.Warn("quoted post unavailable", slog.String("post_id", p.ID), slog.String("quoted_id", p.QuotedID), slog.Any("err", err))
			p.Body += QuotedUnavailable
		} else {
			p.Body += QuotedSeparator + quoted.Body
		}
	}
	return p
}

// persist writes the watermark with its own deadline so that an expired
// account context does not leave delivered posts unrecorded.
func (e *Engine) persist(ctx context.Context, repo Repository, id string, wm Watermark) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.PersistTimeout)
	defer cancel()
	return repo.UpdateWatermark(pctx, id, wm)
}

func (e *Engine) touch(ctx context.Context, repo Repository, id string, logger *slog.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.PersistTimeout)
	defer cancel()
	if err := repo.TouchChecked(pctx, id, e.opts.Now().UTC()); err != nil {
		logger.Debug("touch last_checked failed", slog.Any("err", err))
	}
}
