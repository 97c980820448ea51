package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/onnwee/post-relay/subscription"
)

// seedFile is the YAML format accepted by "accounts import":
//
//	added_by: bootstrap
//	accounts:
//	  - nasa
//	  - https://x.com/jack
type seedFile struct {
	AddedBy  string   `yaml:"added_by"`
	Accounts []string `yaml:"accounts"`
}

func parseSeed(r io.Reader) (seedFile, error) {
	var s seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return s, errors.New("seed file is empty")
		}
		return s, fmt.Errorf("parse seed file: %w", err)
	}
	kept := s.Accounts[:0]
	for _, a := range s.Accounts {
		if a = strings.TrimSpace(a); a != "" {
			kept = append(kept, a)
		}
	}
	s.Accounts = kept
	return s, nil
}

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage watched accounts",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List watched accounts as handle (id)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			accounts, err := subscription.NewService(st, nil, nil).List(cmd.Context(), all)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), subscription.FormatList(accounts))
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "Include inactive accounts")

	var addedBy string
	add := &cobra.Command{
		Use:   "add <handle|link>...",
		Short: "Subscribe to one or more accounts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.subscriptions(cmd.Context())
			if err != nil {
				return err
			}
			return subscribeAll(cmd, svc, args, addedBy)
		},
	}
	add.Flags().StringVar(&addedBy, "added-by", "relayctl", "Recorded as the subscriber")

	remove := &cobra.Command{
		Use:   "remove <handle|link>",
		Short: "Unsubscribe from an account (its watermark is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			acc, err := subscription.NewService(st, nil, nil).Unsubscribe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unsubscribed %s (%s)\n", acc.Handle, acc.ID)
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Subscribe to every account listed in a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			seed, err := parseSeed(f)
			if err != nil {
				return err
			}
			if seed.AddedBy == "" {
				seed.AddedBy = "relayctl-import"
			}
			svc, err := a.subscriptions(cmd.Context())
			if err != nil {
				return err
			}
			return subscribeAll(cmd, svc, seed.Accounts, seed.AddedBy)
		},
	}

	cmd.AddCommand(list, add, remove, importCmd)
	return cmd
}

// subscribeAll keeps going past individual failures and reports them together.
func subscribeAll(cmd *cobra.Command, svc *subscription.Service, inputs []string, addedBy string) error {
	out := cmd.OutOrStdout()
	var errs []error
	for _, in := range inputs {
		res, err := svc.Subscribe(cmd.Context(), in, addedBy)
		if err != nil {
			fmt.Fprintf(out, "failed %s: %v\n", in, err)
			errs = append(errs, fmt.Errorf("%s: %w", in, err))
			continue
		}
		verb := "subscribed"
		if res.Reactivated {
			verb = "reactivated"
		}
		fmt.Fprintf(out, "%s %s (%s)\n", verb, res.Account.Handle, res.Account.ID)
	}
	return errors.Join(errs...)
}
