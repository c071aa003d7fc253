package github

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/git-hunters/githunters/internal/cache"
	"github.com/git-hunters/githunters/internal/logging"
)

// Cached wraps an API with a response cache keyed by token digest. Cache
// failures fall through to the API.
type Cached struct {
	api    API
	cache  cache.Cache
	ttl    time.Duration
	logger *logging.Logger
}

// Invalidator is implemented by APIs that cache per-token responses.
type Invalidator interface {
	Invalidate(ctx context.Context, token string) error
}

var (
	_ API         = (*Cached)(nil)
	_ Invalidator = (*Cached)(nil)
)

// NewCached creates a caching API. A zero ttl defaults to five minutes.
func NewCached(api API, c cache.Cache, ttl time.Duration, logger *logging.Logger) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Cached{api: api, cache: c, ttl: ttl, logger: logger}
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// GetUser is not cached; it backs login.
func (c *Cached) GetUser(ctx context.Context, token string) (*User, error) {
	return c.api.GetUser(ctx, token)
}

func (c *Cached) ListRepos(ctx context.Context, token string) ([]Repo, error) {
	key := "gh:repos:" + tokenKey(token)
	var repos []Repo
	if c.lookup(ctx, key, &repos) {
		return repos, nil
	}
	repos, err := c.api.ListRepos(ctx, token)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, repos)
	return repos, nil
}

func (c *Cached) ListIssues(ctx context.Context, token, fullName string) ([]Issue, error) {
	key := "gh:issues:" + tokenKey(token) + ":" + strings.ToLower(fullName)
	var issues []Issue
	if c.lookup(ctx, key, &issues) {
		return issues, nil
	}
	issues, err := c.api.ListIssues(ctx, token, fullName)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, issues)
	return issues, nil
}

func (c *Cached) lookup(ctx context.Context, key string, dest any) bool {
	ok, err := cache.GetJSON(ctx, c.cache, key, dest)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("github cache read failed")
		return false
	}
	return ok
}

func (c *Cached) store(ctx context.Context, key string, value any) {
	if err := cache.SetJSON(ctx, c.cache, key, value, c.ttl); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("github cache write failed")
	}
}

// Invalidate drops the cached repository list for token.
func (c *Cached) Invalidate(ctx context.Context, token string) error {
	return c.cache.Delete(ctx, "gh:repos:"+tokenKey(token))
}
