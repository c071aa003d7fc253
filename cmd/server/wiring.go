package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/git-hunters/githunters/internal/cache"
	"github.com/git-hunters/githunters/internal/chain"
	"github.com/git-hunters/githunters/internal/config"
	"github.com/git-hunters/githunters/internal/database"
	"github.com/git-hunters/githunters/internal/database/memory"
	"github.com/git-hunters/githunters/internal/database/postgres"
	"github.com/git-hunters/githunters/internal/github"
	"github.com/git-hunters/githunters/internal/logging"
	"github.com/git-hunters/githunters/internal/secretstore"
)

const (
	serviceName   = "githunters"
	githubTimeout = 15 * time.Second
)

func loadConfig(cmd *cobra.Command, validate bool) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if validate {
		return config.Load(envFile)
	}
	return config.LoadUnvalidated(envFile)
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(serviceName, cfg.Logging.LoggerConfig())
}

// openPostgres connects to DATABASE_URL.
func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	return postgres.Open(ctx, cfg.Database.URL, postgres.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

// openStore returns the postgres store when DATABASE_URL is set and an
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (database.RepositoryInterface, *postgres.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return memory.New(), nil, nil
	}
	pg, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg, nil
}

// openCache returns a Redis cache when REDIS_URL is set and an in-memory
// cache otherwise.
func openCache(ctx context.Context, cfg *config.Config, logger *logging.Logger) (cache.Cache, error) {
	if cfg.Redis.URL == "" {
		logger.Info("REDIS_URL not set, using in-memory cache")
		return cache.NewMemory(), nil
	}
	return cache.NewRedis(ctx, cfg.Redis.URL, serviceName+":")
}

// openChain dials RPC_URL. Without it the server runs cache-only: reads are
// answered from the cache, and writes and the indexer are disabled.
func openChain(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*chain.Client, error) {
	if !cfg.Chain.Configured() {
		logger.Warn("RPC_URL not set, serving cached chain state only")
		return nil, nil
	}
	client, err := chain.Dial(ctx, cfg.Chain.ClientConfig())
	if err != nil {
		return nil, err
	}
	if op, ok := client.Operator(); ok {
		logger.WithField("operator", op.Hex()).Info("operator signer loaded")
	} else {
		logger.Warn("OPERATOR_PRIVATE_KEY not set, contract writes are disabled")
	}
	return client, nil
}

func newSealer(cfg *config.Config, logger *logging.Logger) (*secretstore.Sealer, error) {
	if cfg.Auth.TokenSealingKey == "" {
		logger.Warn("TOKEN_SEALING_KEY not set, GitHub tokens are stored unsealed")
		return nil, nil
	}
	return secretstore.New([]byte(cfg.Auth.TokenSealingKey), "github-token")
}

// newGitHub builds the OAuth helper and the cached API client. Both are nil
// when GitHub credentials are not configured.
func newGitHub(cfg *config.Config, c cache.Cache, logger *logging.Logger) (*github.OAuth, github.API, error) {
	if !cfg.GitHub.Enabled() {
		logger.Info("GitHub OAuth not configured")
		return nil, nil, nil
	}
	oauth, err := github.NewOAuth(github.OAuthConfig{
		ClientID:     cfg.GitHub.ClientID,
		ClientSecret: cfg.GitHub.ClientSecret,
		RedirectURL:  cfg.GitHub.RedirectURL,
		Scopes:       cfg.GitHub.ScopeList(),
	})
	if err != nil {
		return nil, nil, err
	}
	api := github.NewCached(github.NewClient(cfg.GitHub.APIURL, githubTimeout), c, cfg.GitHub.CacheTTL, logger)
	return oauth, api, nil
}
