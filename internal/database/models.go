// Package database defines the cache records kept alongside the chain and
// the repository interface implemented by the memory and postgres stores.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("database: record not found")
	// ErrInvalidInput is returned for records that fail validation.
	ErrInvalidInput = errors.New("database: invalid input")
)

// NotFoundError names the missing record. It matches ErrNotFound.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(resource, key string) error {
	return &NotFoundError{Resource: resource, Key: key}
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// =============================================================================
// Records
// =============================================================================

// User is a wallet and/or GitHub identity. Address is lowercase hex or empty.
type User struct {
	ID          string    `db:"id" json:"id"`
	Address     string    `db:"address" json:"address,omitempty"`
	GitHubID    int64     `db:"github_id" json:"githubId,omitempty"`
	GitHubLogin string    `db:"github_login" json:"githubLogin,omitempty"`
	GitHubToken string    `db:"github_token" json:"-"` // sealed
	Nonce       string    `db:"nonce" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Session records an issued JWT by the SHA-256 of the token.
type Session struct {
	TokenHash string    `db:"token_hash" json:"-"`
	UserID    string    `db:"user_id" json:"userId"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Repository caches a RepoRegistry entry.
type Repository struct {
	FullName     string    `db:"full_name" json:"fullName"`
	OwnerAddress string    `db:"owner_address" json:"owner"`
	MetadataCID  string    `db:"metadata_cid" json:"metadataCid"`
	RegisteredAt time.Time `db:"registered_at" json:"registeredAt"`
	Active       bool      `db:"active" json:"active"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Pool caches a repository's escrow pool balance.
type Pool struct {
	RepoFullName string    `db:"repo_full_name" json:"repo"`
	BalanceWei   string    `db:"balance_wei" json:"balanceWei"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Bounty statuses.
const (
	BountyOpen      = "open"
	BountyReleased  = "released"
	BountyCancelled = "cancelled"
)

// Bounty caches an escrow bounty. ID is the on-chain id in decimal.
type Bounty struct {
	ID           string    `db:"id" json:"id"`
	RepoFullName string    `db:"repo_full_name" json:"repo"`
	IssueNumber  int64     `db:"issue_number" json:"issue"`
	AmountWei    string    `db:"amount_wei" json:"amountWei"`
	Contributor  string    `db:"contributor" json:"contributor,omitempty"`
	Status       string    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Transaction statuses.
const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxReverted  = "reverted"
	TxTimeout   = "timeout"
)

// TxRecord tracks a submitted transaction until it resolves.
type TxRecord struct {
	Hash        string     `db:"hash" json:"hash"`
	Kind        string     `db:"kind" json:"kind"`
	From        string     `db:"from_address" json:"from,omitempty"`
	To          string     `db:"to_address" json:"to,omitempty"`
	Status      string     `db:"status" json:"status"`
	BlockNumber int64      `db:"block_number" json:"blockNumber,omitempty"`
	Error       string     `db:"error" json:"error,omitempty"`
	SubmittedAt time.Time  `db:"submitted_at" json:"submittedAt"`
	ConfirmedAt *time.Time `db:"confirmed_at" json:"confirmedAt,omitempty"`
}

// Resolved reports whether the record left the pending state.
func (t *TxRecord) Resolved() bool {
	return t.Status != TxPending
}

// =============================================================================
// Repository Interface
// =============================================================================

type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByAddress(ctx context.Context, address string) (*User, error)
	GetUserByGitHubID(ctx context.Context, githubID int64) (*User, error)
	// UpsertUser inserts or replaces a user, assigning ID and timestamps.
	UpsertUser(ctx context.Context, user *User) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, tokenHash string) (*Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type ChainCacheStore interface {
	UpsertRepository(ctx context.Context, repo *Repository) error
	GetRepository(ctx context.Context, fullName string) (*Repository, error)
	ListRepositoriesByOwner(ctx context.Context, ownerAddress string) ([]Repository, error)

	UpsertPool(ctx context.Context, pool *Pool) error
	GetPool(ctx context.Context, repoFullName string) (*Pool, error)

	UpsertBounty(ctx context.Context, bounty *Bounty) error
	GetBounty(ctx context.Context, id string) (*Bounty, error)
	ListBountiesByRepo(ctx context.Context, repoFullName string) ([]Bounty, error)
}

type TxStore interface {
	UpsertTx(ctx context.Context, tx *TxRecord) error
	GetTx(ctx context.Context, hash string) (*TxRecord, error)
	ListPendingTxs(ctx context.Context, limit int) ([]TxRecord, error)
}

type CursorStore interface {
	// GetCursor returns ErrNotFound when the cursor was never set.
	GetCursor(ctx context.Context, name string) (uint64, error)
	SetCursor(ctx context.Context, name string, block uint64) error
}

// RepositoryInterface is the full cache repository.
type RepositoryInterface interface {
	UserStore
	SessionStore
	ChainCacheStore
	TxStore
	CursorStore

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Validation
// =============================================================================

// ValidateUser checks a user before it is written.
func ValidateUser(u *User) error {
	if u == nil {
		return fmt.Errorf("%w: user cannot be nil", ErrInvalidInput)
	}
	if u.Address == "" && u.GitHubID == 0 {
		return fmt.Errorf("%w: user needs an address or a GitHub identity", ErrInvalidInput)
	}
	if u.Address != "" && u.Address != strings.ToLower(u.Address) {
		return fmt.Errorf("%w: address must be lowercase", ErrInvalidInput)
	}
	return nil
}

// LessBountyID orders decimal bounty ids numerically. Ids are uint256
// values rendered without leading zeros, so a shorter id is smaller.
func LessBountyID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// ValidateTx checks a transaction record before it is written.
func ValidateTx(tx *TxRecord) error {
	if tx == nil || tx.Hash == "" {
		return fmt.Errorf("%w: transaction hash is required", ErrInvalidInput)
	}
	switch tx.Status {
	case TxPending, TxConfirmed, TxReverted, TxTimeout:
		return nil
	default:
		return fmt.Errorf("%w: unknown transaction status %q", ErrInvalidInput, tx.Status)
	}
}

// ValidateBounty checks a bounty record before it is written.
func ValidateBounty(b *Bounty) error {
	if b == nil || b.ID == "" || b.RepoFullName == "" {
		return fmt.Errorf("%w: bounty id and repository are required", ErrInvalidInput)
	}
	switch b.Status {
	case BountyOpen, BountyReleased, BountyCancelled:
		return nil
	default:
		return fmt.Errorf("%w: unknown bounty status %q", ErrInvalidInput, b.Status)
	}
}
