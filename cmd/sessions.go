package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lkarlslund/xiaobairouter/pkg/session"
	"github.com/spf13/cobra"
)

// The session store is single-process; these commands need the server stopped.
func withSessions(fn func(ctx context.Context, s *session.BadgerStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := session.Open(session.DefaultConfig(cfg.Sessions.Path))
	if err != nil {
		return fmt.Errorf("open session store %s: %w", cfg.Sessions.Path, err)
	}
	defer s.Close()
	return fn(context.Background(), s)
}

func init() {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain stored conversations (server must be stopped)",
	}

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions and their conversation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, s *session.BadgerStore) error {
				records, err := s.List(ctx)
				if err != nil {
					return err
				}
				def, err := s.DefaultSession(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tCONVERSATION\tTURN\tUPDATED\t")
				for _, r := range records {
					id := r.ID
					if id == def {
						id += " *"
					}
					updated := "-"
					if !r.UpdatedAt.IsZero() {
						updated = r.UpdatedAt.Local().Format(time.DateTime)
					}
					conv := r.ConversationID
					if conv == "" {
						conv = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t\n", id, conv, r.TurnIndex, updated)
				}
				return tw.Flush()
			})
		},
	})

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "reset <session-id>...",
		Short: "Forget sessions so their next request starts a new conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, s *session.BadgerStore) error {
				for _, id := range args {
					if err := s.Delete(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", id)
				}
				return nil
			})
		},
	})

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "export <file>",
		Short: "Write all sessions to a zstd-compressed archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, s *session.BadgerStore) error {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				n, err := session.Export(ctx, s, f)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d sessions to %s\n", n, args[0])
				return nil
			})
		},
	})

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Load sessions from an export archive, overwriting matching ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(func(ctx context.Context, s *session.BadgerStore) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				n, err := session.Import(ctx, s, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d sessions from %s\n", n, args[0])
				return nil
			})
		},
	})

	rootCmd.AddCommand(sessionsCmd)
}
