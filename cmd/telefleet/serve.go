package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danhigham/telefleet/internal/authz"
	"github.com/danhigham/telefleet/internal/command"
	"github.com/danhigham/telefleet/internal/config"
	"github.com/danhigham/telefleet/internal/credstore"
	"github.com/danhigham/telefleet/internal/dispatch"
	"github.com/danhigham/telefleet/internal/fleet"
	"github.com/danhigham/telefleet/internal/logging"
	"github.com/danhigham/telefleet/internal/server"
	"github.com/danhigham/telefleet/internal/state"
	"github.com/danhigham/telefleet/internal/telegram"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session fleet and the pairing HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
				return fmt.Errorf("telegram.api_id and telegram.api_hash are required; get them from https://my.telegram.org")
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
}

func openStore(cfg *config.Config) (credstore.Store, func() error, error) {
	if cfg.Sessions.Backend == config.BackendSQLite {
		st, err := credstore.OpenSQLite(cfg.Sessions.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return credstore.NewFileStore(cfg.Sessions.Dir), func() error { return nil }, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := os.MkdirAll(cfg.Commands.Dir, 0o755); err != nil {
		return fmt.Errorf("commands dir: %w", err)
	}
	registry := command.NewRegistry(logger.Named("commands"))
	n, err := registry.Load(cfg.Commands.Dir)
	if err != nil {
		return err
	}
	logger.Info("commands loaded", zap.Int("count", n), zap.String("dir", cfg.Commands.Dir))

	if cfg.Commands.Watch {
		w, err := command.NewWatcher(registry, command.DefaultDebounce, logger.Named("watcher"))
		if err != nil {
			return err
		}
		w.Start()
		defer w.Stop()
	}

	engine := dispatch.New(dispatch.Options{
		Prefix:   cfg.Prefix,
		Owners:   authz.NewOwners(cfg.Owners),
		Location: loc,
		Registry: registry,
		Logger:   logger.Named("dispatch"),
	})

	mgr := fleet.NewManager(fleet.Options{
		Transport: &telegram.Transport{
			APIID:   cfg.Telegram.APIID,
			APIHash: cfg.Telegram.APIHash,
			Logger:  logger.Named("telegram"),
		},
		Credentials:    store,
		Dispatcher:     engine,
		Table:          state.New(),
		Logger:         logger.Named("fleet"),
		ReconnectDelay: cfg.Reconnect.Delay,
		Pairing: fleet.PairingPolicy{
			Attempts:   cfg.Pairing.MaxRetries,
			RetryDelay: cfg.Pairing.RetryDelay,
			Settle:     cfg.Pairing.Settle,
		},
		Welcome: fleet.Welcome{
			Enabled:        cfg.Welcome.Enabled,
			Settle:         cfg.Welcome.SettleDelay,
			FollowChannel:  cfg.Welcome.FollowChannel,
			ReactChat:      cfg.Welcome.FollowChannel,
			ReactMessageID: cfg.Welcome.ReactMessageID,
			ReactEmoji:     cfg.Welcome.ReactEmoji,
			Location:       loc,
		},
		PurgeOnLogout: cfg.Sessions.PurgeOnLogout,
	})

	if _, err := mgr.Restore(ctx); err != nil {
		logger.Error("restore sessions", zap.Error(err))
	}

	srv := server.New(server.Config{
		Addr:       cfg.HTTP.Addr,
		StaticDir:  cfg.HTTP.StaticDir,
		EnableCORS: true,
	}, mgr, logger.Named("http"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	if serr := mgr.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("fleet shutdown", zap.Error(serr))
	}
	return err
}
