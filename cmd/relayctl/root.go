package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/post-relay/config"
	"github.com/onnwee/post-relay/notify"
	"github.com/onnwee/post-relay/relay"
	"github.com/onnwee/post-relay/store"
	"github.com/onnwee/post-relay/subscription"
	"github.com/onnwee/post-relay/twitterapi"
)

// app holds lazily built dependencies shared by subcommands. Tests set the
// fields directly to skip environment loading.
type app struct {
	cfg      *config.Config
	store    relay.Store
	source   relay.Source
	lookup   subscription.Lookup
	notifier relay.Notifier
	closers  []func() error
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) openStore(ctx context.Context) (relay.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, store.OpenOptions{Driver: cfg.DBDriver, DSN: cfg.DBDsn, Migrate: true})
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	return st, nil
}

func (a *app) twitter() (*twitterapi.Client, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	return twitterapi.New(twitterapi.Config{
		APIKey:      cfg.TwttrAPIKey,
		Host:        cfg.TwttrAPIHost,
		BaseURL:     cfg.TwttrBaseURL,
		MaxAttempts: cfg.TwttrMaxAttempts,
	})
}

func (a *app) subscriptions(ctx context.Context) (*subscription.Service, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.lookup == nil {
		client, err := a.twitter()
		if err != nil {
			return nil, err
		}
		a.lookup = client
	}
	return subscription.NewService(st, a.lookup, nil), nil
}

// engine builds a relay engine. The notifier is only needed for cycles.
func (a *app) engine(ctx context.Context, withNotifier bool) (*relay.Engine, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if a.source == nil {
		client, err := a.twitter()
		if err != nil {
			return nil, err
		}
		a.source = client
	}
	if withNotifier && a.notifier == nil {
		n, err := notify.NewTelegram(notify.Config{
			Token:       cfg.TelegramToken,
			ChatID:      cfg.ChatID,
			APIEndpoint: cfg.TelegramAPIEndpoint,
			HTTPClient:  &http.Client{Timeout: cfg.TelegramTimeout},
		})
		if err != nil {
			return nil, err
		}
		a.notifier = n
	}
	return relay.New(st, a.source, a.notifier, relay.Options{
		FetchCap:       cfg.FetchCap,
		Concurrency:    cfg.Concurrency,
		AccountTimeout: cfg.AccountTimeout,
	}), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", slog.Any("err", err))
		}
	}
	a.closers = nil
}

func newRootCmd(a *app) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Operate a post-relay deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl := slog.LevelWarn
			_ = lvl.UnmarshalText([]byte(strings.ToUpper(logLevel)))
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	root.AddCommand(newMigrateCmd(a))
	root.AddCommand(newBaselineCmd(a))
	root.AddCommand(newCycleCmd(a))
	root.AddCommand(newAccountsCmd(a))
	return root
}

func newBaselineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "baseline",
		Short: "Sync every active account's count to its live value without delivering",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.engine(ctx, false)
			if err != nil {
				return err
			}
			rep, err := e.InitializeBaselines(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d accounts, %d missing, %d errors\n",
				rep.AccountsSynced, rep.AccountsMissing, rep.Errors)
			for _, ae := range rep.AccountErrors {
				fmt.Fprintf(cmd.OutOrStdout(), "  %v\n", ae)
			}
			return nil
		},
	}
}

func newCycleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one poll cycle and deliver new posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.engine(ctx, true)
			if err != nil {
				return err
			}
			rep, err := e.RunCycle(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cycle %s: checked=%d with_new=%d delivered=%d ignored=%d delivery_failures=%d errors=%d (%s)\n",
				rep.ID, rep.AccountsChecked, rep.AccountsWithNew, rep.PostsDelivered, rep.PostsIgnored,
				rep.DeliveryFailures, rep.Errors, rep.Duration)
			for _, ae := range rep.AccountErrors {
				fmt.Fprintf(out, "  %v\n", ae)
			}
			return nil
		},
	}
}
