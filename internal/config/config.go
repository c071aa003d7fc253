// Package config loads runtime configuration from the environment, an
// optional .env file and an optional YAML contract address book.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/git-hunters/githunters/internal/chain"
	"github.com/git-hunters/githunters/internal/logging"
)

// Config is the full service configuration.
type Config struct {
	Env           string `env:"APP_ENV,default=development"`
	ContractsFile string `env:"CONTRACTS_FILE"`

	Server   ServerConfig
	Chain    ChainConfig
	GitHub   GitHubConfig
	Auth     AuthConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Indexer  IndexerConfig
	Logging  LoggingConfig

	// Contracts is filled from ContractsFile and then the environment.
	Contracts chain.ContractAddresses
}

type ServerConfig struct {
	Host            string        `env:"HOST,default=0.0.0.0"`
	Port            int           `env:"PORT,default=8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=150s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	FrontendURL     string        `env:"FRONTEND_URL,default=http://localhost:3000"`
	CORSOrigins     string        `env:"CORS_ORIGINS,default=http://localhost:3000"`
	RateLimitRPS    float64       `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST,default=40"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AllowedOrigins splits CORSOrigins on commas.
func (s ServerConfig) AllowedOrigins() []string {
	return SplitList(s.CORSOrigins)
}

type ChainConfig struct {
	RPCURL         string        `env:"RPC_URL"`
	ChainID        uint64        `env:"CHAIN_ID"`
	OperatorKey    string        `env:"OPERATOR_PRIVATE_KEY"`
	RPCTimeout     time.Duration `env:"RPC_TIMEOUT,default=30s"`
	TxWaitTimeout  time.Duration `env:"TX_WAIT_TIMEOUT,default=2m"`
	TxPollInterval time.Duration `env:"TX_POLL_INTERVAL,default=2s"`
}

// Configured reports whether an RPC endpoint is set.
func (c ChainConfig) Configured() bool {
	return strings.TrimSpace(c.RPCURL) != ""
}

// ClientConfig converts to the chain client configuration.
func (c ChainConfig) ClientConfig() chain.Config {
	return chain.Config{
		RPCURL:     c.RPCURL,
		ChainID:    c.ChainID,
		PrivateKey: c.OperatorKey,
		Timeout:    c.RPCTimeout,
	}
}

type GitHubConfig struct {
	ClientID     string        `env:"GITHUB_CLIENT_ID"`
	ClientSecret string        `env:"GITHUB_CLIENT_SECRET"`
	RedirectURL  string        `env:"GITHUB_REDIRECT_URL"`
	APIURL       string        `env:"GITHUB_API_URL,default=https://api.github.com"`
	Scopes       string        `env:"GITHUB_SCOPES,default=read:user repo"`
	CacheTTL     time.Duration `env:"GITHUB_CACHE_TTL,default=5m"`
}

// Enabled reports whether OAuth credentials are configured.
func (g GitHubConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

// ScopeList splits Scopes on commas or spaces.
func (g GitHubConfig) ScopeList() []string {
	return strings.FieldsFunc(g.Scopes, func(r rune) bool { return r == ',' || r == ' ' })
}

type AuthConfig struct {
	JWTSecret       string        `env:"JWT_SECRET"`
	JWTTTL          time.Duration `env:"JWT_TTL,default=24h"`
	TokenSealingKey string        `env:"TOKEN_SEALING_KEY"`
	StateCookieTTL  time.Duration `env:"OAUTH_STATE_TTL,default=10m"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`
	AutoMigrate     bool          `env:"DB_AUTO_MIGRATE,default=false"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type IndexerConfig struct {
	Enabled           bool          `env:"INDEXER_ENABLED,default=true"`
	Interval          time.Duration `env:"INDEXER_INTERVAL,default=15s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL,default=10s"`
	BatchSize         uint64        `env:"INDEXER_BATCH_SIZE,default=2000"`
	Confirmations     uint64        `env:"INDEXER_CONFIRMATIONS,default=2"`
	StartBlock        uint64        `env:"INDEXER_START_BLOCK,default=0"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// LoggerConfig converts to the logging package configuration.
func (l LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads envFile (if it exists), decodes the environment and validates
// the result. An empty envFile tries ".env".
func Load(envFile string) (*Config, error) {
	cfg, err := LoadUnvalidated(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnvalidated is Load without Validate, for commands that use only part
// of the configuration (migrate, wait-tx).
func LoadUnvalidated(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return decode()
}

// FromEnv decodes and validates configuration from the process environment.
func FromEnv() (*Config, error) {
	cfg, err := decode()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if cfg.ContractsFile != "" {
		addrs, err := LoadContracts(cfg.ContractsFile)
		if err != nil {
			return nil, err
		}
		cfg.Contracts = *addrs
	}
	cfg.Contracts.LoadFromEnv()
	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	var problems []string

	// Without RPC_URL the server runs in cache-only mode, which production
	// does not allow.
	if c.IsProduction() && !c.Chain.Configured() {
		problems = append(problems, "RPC_URL is required in production")
	}
	if c.Chain.Configured() || c.IsProduction() {
		if err := c.Contracts.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(c.Auth.JWTSecret) < 32 {
		problems = append(problems, "JWT_SECRET must be at least 32 bytes")
	}
	if c.Auth.JWTTTL <= 0 {
		problems = append(problems, "JWT_TTL must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst <= 0 {
		problems = append(problems, "RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.Chain.TxWaitTimeout <= 0 || c.Chain.TxPollInterval <= 0 {
		problems = append(problems, "TX_WAIT_TIMEOUT and TX_POLL_INTERVAL must be positive")
	}
	// ?wait=true responses are written after up to TX_WAIT_TIMEOUT; a zero
	// WRITE_TIMEOUT disables the server deadline.
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Chain.TxWaitTimeout {
		problems = append(problems, fmt.Sprintf("WRITE_TIMEOUT %s must exceed TX_WAIT_TIMEOUT %s", c.Server.WriteTimeout, c.Chain.TxWaitTimeout))
	}
	if c.Indexer.Enabled {
		if c.Indexer.Interval <= 0 || c.Indexer.ReconcileInterval <= 0 {
			problems = append(problems, "indexer intervals must be positive")
		}
		if c.Indexer.BatchSize == 0 {
			problems = append(problems, "INDEXER_BATCH_SIZE must be positive")
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("LOG_FORMAT %q must be json or text", c.Logging.Format))
	}
	if c.GitHub.ClientID != "" && c.GitHub.ClientSecret == "" {
		problems = append(problems, "GITHUB_CLIENT_SECRET is required when GITHUB_CLIENT_ID is set")
	}
	if c.IsProduction() && c.GitHub.Enabled() && c.Auth.TokenSealingKey == "" {
		problems = append(problems, "TOKEN_SEALING_KEY is required in production")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SplitList splits a comma separated value, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
