// Package postgres implements database.RepositoryInterface on PostgreSQL
// using sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/git-hunters/githunters/internal/database"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements the repository backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ database.RepositoryInterface = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return New(db), nil
}

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func notFound(err error, resource, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return database.NewNotFoundError(resource, key)
	}
	return fmt.Errorf("get %s: %w", resource, err)
}

// --- Users -------------------------------------------------------------------

const userColumns = `id, COALESCE(address, '') AS address, COALESCE(github_id, 0) AS github_id,
	github_login, github_token, nonce, created_at, updated_at`

func (s *Store) GetUser(ctx context.Context, id string) (*database.User, error) {
	var u database.User
	if err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "user", id)
	}
	return &u, nil
}

func (s *Store) GetUserByAddress(ctx context.Context, address string) (*database.User, error) {
	var u database.User
	if err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE address = $1`, address); err != nil {
		return nil, notFound(err, "user", address)
	}
	return &u, nil
}

func (s *Store) GetUserByGitHubID(ctx context.Context, githubID int64) (*database.User, error) {
	var u database.User
	if err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE github_id = $1`, githubID); err != nil {
		return nil, notFound(err, "user", strconv.FormatInt(githubID, 10))
	}
	return &u, nil
}

func (s *Store) UpsertUser(ctx context.Context, user *database.User) error {
	if err := database.ValidateUser(user); err != nil {
		return err
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	user.UpdatedAt = now

	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO users (id, address, github_id, github_login, github_token, nonce, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, 0), $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			github_id = EXCLUDED.github_id,
			github_login = EXCLUDED.github_login,
			github_token = EXCLUDED.github_token,
			nonce = EXCLUDED.nonce,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, user.ID, user.Address, user.GitHubID, user.GitHubLogin, user.GitHubToken, user.Nonce, now)
	if err := row.Scan(&user.CreatedAt); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// --- Sessions ----------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, session *database.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, expires_at, created_at)
		VALUES (:token_hash, :user_id, :expires_at, :created_at)
		ON CONFLICT (token_hash) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, session)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, tokenHash string) (*database.Session, error) {
	var sess database.Session
	err := s.db.GetContext(ctx, &sess, `
		SELECT token_hash, user_id, expires_at, created_at FROM sessions WHERE token_hash = $1
	`, tokenHash)
	if err != nil {
		return nil, notFound(err, "session", "")
	}
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// --- Chain cache -------------------------------------------------------------

func (s *Store) UpsertRepository(ctx context.Context, repo *database.Repository) error {
	repo.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO repositories (full_name, owner_address, metadata_cid, registered_at, active, updated_at)
		VALUES (:full_name, :owner_address, :metadata_cid, :registered_at, :active, :updated_at)
		ON CONFLICT (full_name) DO UPDATE SET
			owner_address = EXCLUDED.owner_address,
			metadata_cid = EXCLUDED.metadata_cid,
			registered_at = EXCLUDED.registered_at,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, repo)
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

func (s *Store) GetRepository(ctx context.Context, fullName string) (*database.Repository, error) {
	var r database.Repository
	err := s.db.GetContext(ctx, &r, `
		SELECT full_name, owner_address, metadata_cid, registered_at, active, updated_at
		FROM repositories WHERE full_name = $1
	`, fullName)
	if err != nil {
		return nil, notFound(err, "repository", fullName)
	}
	return &r, nil
}

func (s *Store) ListRepositoriesByOwner(ctx context.Context, ownerAddress string) ([]database.Repository, error) {
	var out []database.Repository
	err := s.db.SelectContext(ctx, &out, `
		SELECT full_name, owner_address, metadata_cid, registered_at, active, updated_at
		FROM repositories WHERE owner_address = $1 ORDER BY full_name
	`, ownerAddress)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertPool(ctx context.Context, pool *database.Pool) error {
	pool.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO pools (repo_full_name, balance_wei, updated_at)
		VALUES (:repo_full_name, :balance_wei, :updated_at)
		ON CONFLICT (repo_full_name) DO UPDATE SET
			balance_wei = EXCLUDED.balance_wei,
			updated_at = EXCLUDED.updated_at
	`, pool)
	if err != nil {
		return fmt.Errorf("upsert pool: %w", err)
	}
	return nil
}

func (s *Store) GetPool(ctx context.Context, repoFullName string) (*database.Pool, error) {
	var p database.Pool
	err := s.db.GetContext(ctx, &p, `
		SELECT repo_full_name, balance_wei::TEXT AS balance_wei, updated_at FROM pools WHERE repo_full_name = $1
	`, repoFullName)
	if err != nil {
		return nil, notFound(err, "pool", repoFullName)
	}
	return &p, nil
}

const bountyColumns = `id, repo_full_name, issue_number, amount_wei::TEXT AS amount_wei, contributor, status, created_at, updated_at`

func (s *Store) UpsertBounty(ctx context.Context, bounty *database.Bounty) error {
	if err := database.ValidateBounty(bounty); err != nil {
		return err
	}
	now := time.Now().UTC()
	if bounty.CreatedAt.IsZero() {
		bounty.CreatedAt = now
	}
	bounty.UpdatedAt = now

	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO bounties (id, repo_full_name, issue_number, amount_wei, contributor, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			repo_full_name = EXCLUDED.repo_full_name,
			issue_number = EXCLUDED.issue_number,
			amount_wei = EXCLUDED.amount_wei,
			contributor = EXCLUDED.contributor,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, bounty.ID, bounty.RepoFullName, bounty.IssueNumber, bounty.AmountWei, bounty.Contributor, bounty.Status, bounty.CreatedAt, now)
	if err := row.Scan(&bounty.CreatedAt); err != nil {
		return fmt.Errorf("upsert bounty: %w", err)
	}
	return nil
}

func (s *Store) GetBounty(ctx context.Context, id string) (*database.Bounty, error) {
	var b database.Bounty
	if err := s.db.GetContext(ctx, &b, `SELECT `+bountyColumns+` FROM bounties WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "bounty", id)
	}
	return &b, nil
}

func (s *Store) ListBountiesByRepo(ctx context.Context, repoFullName string) ([]database.Bounty, error) {
	var out []database.Bounty
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+bountyColumns+` FROM bounties WHERE repo_full_name = $1 ORDER BY issue_number, id::NUMERIC`, repoFullName)
	if err != nil {
		return nil, fmt.Errorf("list bounties: %w", err)
	}
	return out, nil
}

// --- Transactions and cursors ------------------------------------------------

const txColumns = `hash, kind, from_address, to_address, status, block_number, error, submitted_at, confirmed_at`

func (s *Store) UpsertTx(ctx context.Context, tx *database.TxRecord) error {
	if err := database.ValidateTx(tx); err != nil {
		return err
	}
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = time.Now().UTC()
	}
	// submitted_at keeps its first value.
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (:hash, :kind, :from_address, :to_address, :status, :block_number, :error, :submitted_at, :confirmed_at)
		ON CONFLICT (hash) DO UPDATE SET
			kind = EXCLUDED.kind,
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			status = EXCLUDED.status,
			block_number = EXCLUDED.block_number,
			error = EXCLUDED.error,
			confirmed_at = EXCLUDED.confirmed_at
	`, tx)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTx(ctx context.Context, hash string) (*database.TxRecord, error) {
	var tx database.TxRecord
	if err := s.db.GetContext(ctx, &tx, `SELECT `+txColumns+` FROM transactions WHERE hash = $1`, hash); err != nil {
		return nil, notFound(err, "transaction", hash)
	}
	return &tx, nil
}

func (s *Store) ListPendingTxs(ctx context.Context, limit int) ([]database.TxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []database.TxRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = 'pending' ORDER BY submitted_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	return out, nil
}

func (s *Store) GetCursor(ctx context.Context, name string) (uint64, error) {
	var block int64
	if err := s.db.GetContext(ctx, &block, `SELECT last_block FROM cursors WHERE name = $1`, name); err != nil {
		return 0, notFound(err, "cursor", name)
	}
	return uint64(block), nil
}

func (s *Store) SetCursor(ctx context.Context, name string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, last_block, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET last_block = EXCLUDED.last_block, updated_at = NOW()
	`, name, int64(block))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
