package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lkarlslund/xiaobairouter/pkg/accounts"
	"github.com/lkarlslund/xiaobairouter/pkg/config"
	"github.com/lkarlslund/xiaobairouter/pkg/engine"
	"github.com/lkarlslund/xiaobairouter/pkg/models"
	"github.com/lkarlslund/xiaobairouter/pkg/proxy"
	"github.com/lkarlslund/xiaobairouter/pkg/session"
	"github.com/lkarlslund/xiaobairouter/pkg/upkeep"
	"github.com/lkarlslund/xiaobairouter/pkg/upstream"
	"github.com/lkarlslund/xiaobairouter/pkg/version"
	"github.com/lkarlslund/xiaobairouter/pkg/wizard"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveListenAddrOverride   string
	serveAllowLocalhostNoAuth bool
	serveNoWizard             bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				cfg = config.NewDefaultServerConfig()
				if serveNoWizard {
					// Environment-only deployments keep running without a file.
					if err := config.Save(configPath, cfg); err != nil {
						return fmt.Errorf("write default config: %w", err)
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "No server config found at %s. Running first-time setup wizard.\n", configPath)
					if err := wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), configPath, cfg); err != nil {
						return fmt.Errorf("first-time setup failed: %w", err)
					}
				}
				if cfg, err = config.LoadServerConfig(configPath); err != nil {
					return fmt.Errorf("load server config after setup: %w", err)
				}
			}

			store := config.NewServerConfigStore(configPath, cfg)
			// A generated device id is persisted so the upstream sees a stable device.
			if cfg.Upstream.DeviceID == "" && os.Getenv(config.EnvDeviceID) == "" {
				err := store.Update(func(c *config.ServerConfig) error {
					config.EnsureDeviceID(c, func() string { return upstream.NewDeviceID(time.Now()) })
					return nil
				})
				if err != nil {
					return fmt.Errorf("persist device id: %w", err)
				}
			}
			store.SetOverlay(func(c *config.ServerConfig) {
				config.ApplyEnv(c, os.Getenv)
				if cmd.Flags().Changed("listen-addr") {
					c.ListenAddr = serveListenAddrOverride
				}
				if cmd.Flags().Changed("allow-localhost-no-auth") {
					c.AllowLocalhostNoAuth = serveAllowLocalhostNoAuth
				}
			})
			if err := store.Reload(); err != nil {
				return fmt.Errorf("apply overrides: %w", err)
			}
			snap := store.Snapshot()
			if err := snap.ValidateForServe(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, store, snap)
		},
	}
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().BoolVar(&serveAllowLocalhostNoAuth, "allow-localhost-no-auth", false, "Override allow_localhost_no_auth in config")
	serveCmd.Flags().BoolVar(&serveNoWizard, "no-wizard", false, "Write a default config instead of prompting when none exists")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, store *config.ServerConfigStore, snap config.ServerConfig) error {
	slog.Info("starting", "version", version.String(), "config", store.Path())

	catalog, err := models.Load(snap.ModelsFile, snap.DefaultModel)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	sessions, err := session.Open(session.DefaultConfig(snap.Sessions.Path))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()
	if n, err := session.ImportLegacyJSON(ctx, sessions, snap.Sessions.LegacyJSON); err != nil {
		slog.Warn("legacy session import failed", "path", snap.Sessions.LegacyJSON, "error", err)
	} else if n > 0 {
		slog.Info("imported legacy sessions", "path", snap.Sessions.LegacyJSON, "count", n)
	}

	defaultID, err := sessions.DefaultSession(ctx)
	if err != nil {
		return fmt.Errorf("read default session: %w", err)
	}
	if defaultID == "" {
		defaultID = snap.Sessions.DefaultSessionID
	}
	pointer := session.NewPointer(defaultID)
	pointer.OnRotate(func(id string) error {
		return sessions.SetDefaultSession(context.Background(), id)
	})

	client := upstream.NewClient(upstream.Options{
		BaseURL:            snap.Upstream.BaseURL,
		Timeout:            time.Duration(snap.Upstream.TimeoutSeconds) * time.Second,
		InsecureSkipVerify: snap.Upstream.InsecureSkipVerify,
	})
	eng := engine.New(client, sessions, pointer, catalog, engine.Config{
		UserID:      snap.Upstream.UserID,
		SoftTurnCap: snap.Sessions.SoftTurnCap,
	})

	var (
		opts   proxy.Options
		runner *upkeep.Runner
	)
	if snap.Auth.Enabled {
		dir, err := accounts.Open(accounts.Config{Path: snap.Auth.DBPath})
		if err != nil {
			return err
		}
		defer dir.Close()
		opts.Keys = dir
		opts.Ledger = dir
		if snap.Upkeep.Enabled {
			runner = upkeep.New(dir, client, upkeep.Config{
				BalanceSchedule:   snap.Upkeep.BalanceSchedule,
				TasksSchedule:     snap.Upkeep.TasksSchedule,
				BalanceEveryCalls: snap.Upkeep.BalanceEveryCalls,
				LowBalance:        snap.Upkeep.LowBalance,
				DailyBrowseLimit:  snap.Upkeep.DailyBrowseLimit,
				DailyCheckinLimit: snap.Upkeep.DailyCheckinLimit,
			})
			opts.Upkeep = runner
		}
	}

	srv := proxy.NewServer(store, eng, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := store.Watch(gctx, 0, func(c config.ServerConfig) {
			slog.Info("config reloaded", "incoming_tokens", len(c.IncomingTokens))
			srv.Authenticator().Invalidate()
		})
		if err != nil && gctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
		return nil
	})
	if runner != nil {
		g.Go(func() error {
			if err := runner.Run(gctx); err != nil {
				return fmt.Errorf("upkeep: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return srv.Run(gctx)
	})
	return g.Wait()
}
