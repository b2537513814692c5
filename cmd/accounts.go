package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/lkarlslund/xiaobairouter/pkg/accounts"
	"github.com/lkarlslund/xiaobairouter/pkg/upkeep"
	"github.com/lkarlslund/xiaobairouter/pkg/upstream"
	"github.com/spf13/cobra"
)

func withDirectory(fn func(ctx context.Context, d *accounts.Directory) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := accounts.Open(accounts.Config{Path: cfg.Auth.DBPath})
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(context.Background(), d)
}

func init() {
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage users, API keys and upstream tokens in the account directory",
	}

	var (
		password string
		email    string
		admin    bool
	)
	addUser := &cobra.Command{
		Use:   "add-user <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = uuid.NewString()
				fmt.Fprintf(cmd.OutOrStdout(), "generated password: %s\n", password)
			}
			return withDirectory(func(ctx context.Context, d *accounts.Directory) error {
				id, err := d.CreateUser(ctx, args[0], password, email, admin)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", args[0], id)
				return nil
			})
		},
	}
	addUser.Flags().StringVar(&password, "password", "", "Password (generated when empty)")
	addUser.Flags().StringVar(&email, "email", "", "Email address")
	addUser.Flags().BoolVar(&admin, "admin", false, "Grant admin rights")
	accountsCmd.AddCommand(addUser)

	var keyName string
	addKey := &cobra.Command{
		Use:   "add-key <username>",
		Short: "Issue an API key for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, d *accounts.Directory) error {
				u, err := d.UserByName(ctx, args[0])
				if err != nil {
					return fmt.Errorf("user %q: %w", args[0], err)
				}
				key, err := d.CreateAPIKey(ctx, u.ID, keyName)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
	addKey.Flags().StringVar(&keyName, "name", "default", "Key label")
	accountsCmd.AddCommand(addKey)

	accountsCmd.AddCommand(&cobra.Command{
		Use:   "revoke-key <key>",
		Short: "Deactivate an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, d *accounts.Directory) error {
				return d.SetAPIKeyActive(ctx, args[0], false)
			})
		},
	})

	var tok accounts.NewToken
	addToken := &cobra.Command{
		Use:   "add-token <username>",
		Short: "Attach an upstream access token to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, d *accounts.Directory) error {
				u, err := d.UserByName(ctx, args[0])
				if err != nil {
					return fmt.Errorf("user %q: %w", args[0], err)
				}
				t := tok
				t.UserID = u.ID
				if t.DeviceID == "" {
					t.DeviceID = upstream.NewDeviceID(time.Now())
				}
				id, err := d.AddToken(ctx, t)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added token %d for %s\n", id, u.Username)
				return nil
			})
		},
	}
	addToken.Flags().StringVar(&tok.AccessToken, "access-token", "", "Upstream access token")
	addToken.Flags().StringVar(&tok.DeviceID, "device-id", "", "Upstream device id (generated when empty)")
	addToken.Flags().StringVar(&tok.Name, "name", "", "Token label")
	addToken.Flags().StringVar(&tok.UpstreamUsername, "upstream-username", "", "Upstream account name, for display")
	addToken.Flags().BoolVar(&tok.AutoTask, "auto-task", false, "Let upkeep run daily tasks for this token")
	_ = addToken.MarkFlagRequired("access-token")
	accountsCmd.AddCommand(addToken)

	accountsCmd.AddCommand(&cobra.Command{
		Use:   "tokens",
		Short: "List active upstream tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(ctx context.Context, d *accounts.Directory) error {
				tokens, err := d.ActiveTokens(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tUSER\tNAME\tBALANCE\tCALLS TODAY\tAUTO TASK\t")
				for _, t := range tokens {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%.2f\t%d\t%v\t\n", t.ID, t.UserID, t.Name, t.Balance, t.CallsToday, t.AutoTask)
				}
				return tw.Flush()
			})
		},
	})

	var withTasks bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Refresh token balances now, optionally running daily tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withDirectory(func(ctx context.Context, d *accounts.Directory) error {
				client := upstream.NewClient(upstream.Options{
					BaseURL:            cfg.Upstream.BaseURL,
					Timeout:            time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
					InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify,
				})
				r := upkeep.New(d, client, upkeep.Config{
					LowBalance:        cfg.Upkeep.LowBalance,
					DailyBrowseLimit:  cfg.Upkeep.DailyBrowseLimit,
					DailyCheckinLimit: cfg.Upkeep.DailyCheckinLimit,
				})
				if withTasks {
					n, err := r.RunTasks(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "completed %d tasks\n", n)
				}
				if _, err := r.CheckBalances(ctx); err != nil {
					return err
				}
				tokens, err := d.ActiveTokens(ctx)
				if err != nil {
					return err
				}
				for _, t := range tokens {
					rep, ok := r.Snapshot(t.ID)
					if !ok {
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "token %d: %s %.2f\n", t.ID, strings.ToUpper(rep.Status), rep.Balance)
				}
				return nil
			})
		},
	}
	check.Flags().BoolVar(&withTasks, "tasks", false, "Run daily tasks for auto-task tokens first")
	accountsCmd.AddCommand(check)

	rootCmd.AddCommand(accountsCmd)
}
