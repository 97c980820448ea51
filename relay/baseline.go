package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/post-relay/telemetry"
)

// InitializeBaselines sets every active account's watermark count to its
// current live count without delivering anything. Watermark time and last
// seen id are left as stored. It shares the reentrancy guard with RunCycle.
func (e *Engine) InitializeBaselines(ctx context.Context) (report BaselineReport, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return BaselineReport{}, ErrCycleInProgress
	}
	defer e.running.Store(false)

	ctx, span := telemetry.StartSpan(ctx, tracerName, "relay.InitializeBaselines")
	defer span.End()
	logger := e.opts.Logger.With(slog.String("component", "relay_baseline"))
	defer func() {
		report.Errors = len(report.AccountErrors)
		if err != nil {
			telemetry.RecordError(span, err)
			return
		}
		telemetry.RecordBaseline()
		telemetry.SetSpanSuccess(span)
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
	if len(accounts) == 0 {
		logger.Info("no active accounts to baseline")
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

	for _, acc := range accounts {
		count, ok := live[acc.ID]
		if !ok {
			report.AccountsMissing++
			logger.Warn("account missing from live count response; leaving watermark",
				slog.String("account_id", acc.ID), slog.String("handle", acc.Handle))
			continue
		}
		wm := acc.Watermark
		wm.Count = count
		if err := e.persist(ctx, sess, acc.ID, wm); err != nil {
			logger.Error("persist baseline failed", slog.String("account_id", acc.ID), slog.Any("err", err))
			report.AccountErrors = append(report.AccountErrors, AccountError{AccountID: acc.ID, Kind: ErrorKindPersistence, Err: err})
			telemetry.RecordAccountError(ErrorKindPersistence.String())
			continue
		}
		e.touch(ctx, sess, acc.ID, logger)
		report.AccountsSynced++
		logger.Debug("baseline synced",
			slog.String("account_id", acc.ID),
			slog.Int64("previous", acc.Watermark.Count),
			slog.Int64("live", count))
	}

	logger.Info("baseline complete",
		slog.Int("synced", report.AccountsSynced),
		slog.Int("missing", report.AccountsMissing),
		slog.Int("errors", len(report.AccountErrors)))
	return report, nil
}
