package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/git-hunters/githunters/internal/cache"
	"github.com/git-hunters/githunters/internal/database/migrations"
	"github.com/git-hunters/githunters/internal/events"
	"github.com/git-hunters/githunters/internal/httpapi"
	"github.com/git-hunters/githunters/internal/indexer"
	"github.com/git-hunters/githunters/internal/middleware"
)

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and indexer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}

func runServe(cmd *cobra.Command, migrate bool) error {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, pg, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if pg != nil && (migrate || cfg.Database.AutoMigrate) {
		if err := migrations.Up(ctx, pg.DB()); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	c, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	if mc, ok := c.(*cache.Memory); ok {
		go sweepCache(ctx, mc)
	}

	client, err := openChain(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}

	sealer, err := newSealer(cfg, logger)
	if err != nil {
		return err
	}
	oauth, gh, err := newGitHub(cfg, c, logger)
	if err != nil {
		return err
	}

	auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTTTL, store, logger)
	cors := middleware.NewCORSMiddleware(cfg.Server.AllowedOrigins())
	hub := events.NewHub(logger, func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || cors.IsOriginAllowed(origin)
	})
	defer hub.Close()

	deps := httpapi.Deps{
		Store:     store,
		Cache:     c,
		Auth:      auth,
		Chain:     client,
		Contracts: cfg.Contracts,
		OAuth:     oauth,
		GitHub:    gh,
		Sealer:    sealer,
		Hub:       hub,
		Logger:    logger,
	}

	if cfg.Indexer.Enabled && client != nil {
		ix, err := indexer.New(client, cfg.Contracts, store, hub, logger, indexer.Config{
			Interval:          cfg.Indexer.Interval,
			ReconcileInterval: cfg.Indexer.ReconcileInterval,
			BatchSize:         cfg.Indexer.BatchSize,
			Confirmations:     cfg.Indexer.Confirmations,
			StartBlock:        cfg.Indexer.StartBlock,
			TxWaitTimeout:     cfg.Chain.TxWaitTimeout,
		})
		if err != nil {
			return err
		}
		stopIndexer, err := ix.Start(ctx)
		if err != nil {
			return err
		}
		defer stopIndexer()
		deps.Indexer = ix
	}

	api, err := httpapi.NewServer(deps, httpapi.Options{
		Version:        version,
		AllowedOrigins: cfg.Server.AllowedOrigins(),
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		TxWaitTimeout:  cfg.Chain.TxWaitTimeout,
		TxPollInterval: cfg.Chain.TxPollInterval,
		StateTTL:       cfg.Auth.StateCookieTTL,
		SecureCookies:  cfg.IsProduction(),
	})
	if err != nil {
		return err
	}
	if limiter := api.RateLimiter(); limiter != nil {
		limiter.StartCleanup(ctx, time.Minute)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fields := map[string]interface{}{"addr": server.Addr, "version": version}
		if client != nil {
			fields["chain_id"] = client.ChainID().String()
		}
		logger.WithFields(fields).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
	return nil
}

func sweepCache(ctx context.Context, mc *cache.Memory) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.Sweep()
		}
	}
}
