// Package httpapi serves the bounty backend REST surface: health, wallet and
// GitHub authentication, and the contract endpoints.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/git-hunters/githunters/internal/cache"
	"github.com/git-hunters/githunters/internal/chain"
	"github.com/git-hunters/githunters/internal/database"
	"github.com/git-hunters/githunters/internal/events"
	"github.com/git-hunters/githunters/internal/github"
	"github.com/git-hunters/githunters/internal/indexer"
	"github.com/git-hunters/githunters/internal/logging"
	"github.com/git-hunters/githunters/internal/metrics"
	"github.com/git-hunters/githunters/internal/middleware"
	"github.com/git-hunters/githunters/internal/secretstore"
)

// IndexerStatus reports indexer progress for /health.
type IndexerStatus interface {
	Status() indexer.Status
}

// Options are the tunables of the API server.
type Options struct {
	Version        string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	TxWaitTimeout  time.Duration
	TxPollInterval time.Duration
	StateTTL       time.Duration
	SecureCookies  bool
}

// Deps are the collaborators of the API server. Chain, OAuth, GitHub,
// Sealer, Hub and Indexer may be nil; the endpoints that need them answer
// 503 instead.
type Deps struct {
	Store     database.RepositoryInterface
	Cache     cache.Cache
	Auth      *middleware.AuthMiddleware
	Chain     *chain.Client
	Contracts chain.ContractAddresses
	OAuth     *github.OAuth
	GitHub    github.API
	Sealer    *secretstore.Sealer
	Hub       *events.Hub
	Indexer   IndexerStatus
	Logger    *logging.Logger
}

// Server holds the handlers.
type Server struct {
	deps     Deps
	opts     Options
	logger   *logging.Logger
	escrow   *chain.EscrowContract
	registry *chain.RegistryContract
	limiter  *middleware.RateLimiter
	started  time.Time
}

// NewServer validates deps and binds the contract wrappers.
func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Store == nil || deps.Auth == nil || deps.Cache == nil {
		return nil, fmt.Errorf("httpapi: store, cache and auth are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if opts.TxWaitTimeout <= 0 {
		opts.TxWaitTimeout = chain.DefaultTxWaitTimeout
	}
	if opts.TxPollInterval <= 0 {
		opts.TxPollInterval = chain.DefaultPollInterval
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = 10 * time.Minute
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		deps:    deps,
		opts:    opts,
		logger:  deps.Logger,
		started: time.Now(),
	}

	if deps.Chain != nil {
		if escrow, err := chain.ParseAddress(deps.Contracts.Escrow); err == nil {
			s.escrow = chain.NewEscrowContract(deps.Chain, escrow)
		}
		if registry, err := chain.ParseAddress(deps.Contracts.Registry); err == nil {
			s.registry = chain.NewRegistryContract(deps.Chain, registry)
		}
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, deps.Logger)
	}
	return s, nil
}

// RateLimiter returns the API rate limiter, or nil when disabled.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.limiter
}

// Handler builds the router with its middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.MetricsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.Handler)
	}
	requireAuth := s.deps.Auth.Handler

	// Auth
	api.HandleFunc("/auth/wallet/nonce", s.handleWalletNonce).Methods(http.MethodGet)
	api.HandleFunc("/auth/wallet", s.handleWalletVerify).Methods(http.MethodPost)
	api.HandleFunc("/auth/github", s.handleGitHubStart).Methods(http.MethodGet)
	api.HandleFunc("/auth/github/callback", s.handleGitHubCallback).Methods(http.MethodGet)
	api.Handle("/auth/repos", requireAuth(http.HandlerFunc(s.handleGitHubRepos))).Methods(http.MethodGet)
	api.Handle("/auth/repos/{owner}/{repo}/issues", requireAuth(http.HandlerFunc(s.handleGitHubIssues))).Methods(http.MethodGet)
	api.Handle("/auth/me", requireAuth(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)
	api.Handle("/auth/logout", requireAuth(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)

	// Contracts
	c := api.PathPrefix("/contracts").Subrouter()
	c.HandleFunc("/balance/{address}", s.handleBalance).Methods(http.MethodGet)
	c.Handle("/repos", requireAuth(http.HandlerFunc(s.handleRegisterRepo))).Methods(http.MethodPost)
	c.HandleFunc("/repos", s.handleListRepos).Methods(http.MethodGet)
	c.HandleFunc("/repos/{owner}/{repo}", s.handleGetRepo).Methods(http.MethodGet)
	c.Handle("/pools/{owner}/{repo}/donate", requireAuth(http.HandlerFunc(s.handleDonate))).Methods(http.MethodPost)
	c.HandleFunc("/pools/{owner}/{repo}", s.handleGetPool).Methods(http.MethodGet)
	c.Handle("/bounties", requireAuth(http.HandlerFunc(s.handleCreateBounty))).Methods(http.MethodPost)
	c.HandleFunc("/bounties/{owner}/{repo}/{issue:[0-9]+}", s.handleGetBounty).Methods(http.MethodGet)
	c.Handle("/bounties/{id:[0-9]+}/release", requireAuth(http.HandlerFunc(s.handleReleaseBounty))).Methods(http.MethodPost)
	c.Handle("/bounties/{id:[0-9]+}/cancel", requireAuth(http.HandlerFunc(s.handleCancelBounty))).Methods(http.MethodPost)
	c.HandleFunc("/tx/{hash}", s.handleTxStatus).Methods(http.MethodGet)
	c.HandleFunc("/tx/{hash}/wait", s.handleTxWait).Methods(http.MethodPost)

	// Events
	if s.deps.Hub != nil {
		api.Handle("/events", s.deps.Hub).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, errNotFound("route", r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, errMethodNotAllowed(r.Method))
	})

	tracing := middleware.NewTracingMiddleware(s.logger, "/health", "/metrics")
	cors := middleware.NewCORSMiddleware(s.opts.AllowedOrigins)
	return cors.Handler(tracing.Handler(r))
}
