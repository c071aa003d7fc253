// Package memory provides an in-memory implementation of
// database.RepositoryInterface for tests and single-process development.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/git-hunters/githunters/internal/database"
)

// Store keeps records in maps guarded by a single RWMutex. Records are
// copied on the way in and out.
type Store struct {
	mu sync.RWMutex

	users    map[string]*database.User
	sessions map[string]*database.Session
	repos    map[string]*database.Repository
	pools    map[string]*database.Pool
	bounties map[string]*database.Bounty
	txs      map[string]*database.TxRecord
	cursors  map[string]uint64

	// ErrorOnNextCall is returned (and cleared) by the next operation.
	ErrorOnNextCall error
}

var _ database.RepositoryInterface = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// Reset clears all data.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*database.User)
	s.sessions = make(map[string]*database.Session)
	s.repos = make(map[string]*database.Repository)
	s.pools = make(map[string]*database.Pool)
	s.bounties = make(map[string]*database.Bounty)
	s.txs = make(map[string]*database.TxRecord)
	s.cursors = make(map[string]uint64)
	s.ErrorOnNextCall = nil
}

// SetError injects an error for the next call.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorOnNextCall = err
}

// checkError returns and clears any injected error. Callers hold mu.
func (s *Store) checkError() error {
	if s.ErrorOnNextCall != nil {
		err := s.ErrorOnNextCall
		s.ErrorOnNextCall = nil
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkError()
}

func (s *Store) Close() error { return nil }

// =============================================================================
// Users
// =============================================================================

func (s *Store) GetUser(ctx context.Context, id string) (*database.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, database.NewNotFoundError("user", id)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByAddress(ctx context.Context, address string) (*database.User, error) {
	return s.findUser(address, func(u *database.User) bool { return address != "" && u.Address == address })
}

func (s *Store) GetUserByGitHubID(ctx context.Context, githubID int64) (*database.User, error) {
	return s.findUser(strconv.FormatInt(githubID, 10), func(u *database.User) bool { return githubID != 0 && u.GitHubID == githubID })
}

func (s *Store) findUser(key string, match func(*database.User) bool) (*database.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	for _, u := range s.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, database.NewNotFoundError("user", key)
}

func (s *Store) UpsertUser(ctx context.Context, user *database.User) error {
	if err := database.ValidateUser(user); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if existing, ok := s.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Store) CreateSession(ctx context.Context, session *database.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	cp := *session
	s.sessions[session.TokenHash] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, tokenHash string) (*database.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[tokenHash]
	if !ok {
		return nil, database.NewNotFoundError("session", "")
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	delete(s.sessions, tokenHash)
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return 0, err
	}
	var n int64
	for k, sess := range s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Chain cache
// =============================================================================

func (s *Store) UpsertRepository(ctx context.Context, repo *database.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	repo.UpdatedAt = time.Now().UTC()
	cp := *repo
	s.repos[repo.FullName] = &cp
	return nil
}

func (s *Store) GetRepository(ctx context.Context, fullName string) (*database.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	r, ok := s.repos[fullName]
	if !ok {
		return nil, database.NewNotFoundError("repository", fullName)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRepositoriesByOwner(ctx context.Context, ownerAddress string) ([]database.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []database.Repository
	for _, r := range s.repos {
		if r.OwnerAddress == ownerAddress {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (s *Store) UpsertPool(ctx context.Context, pool *database.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	pool.UpdatedAt = time.Now().UTC()
	cp := *pool
	s.pools[pool.RepoFullName] = &cp
	return nil
}

func (s *Store) GetPool(ctx context.Context, repoFullName string) (*database.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	p, ok := s.pools[repoFullName]
	if !ok {
		return nil, database.NewNotFoundError("pool", repoFullName)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpsertBounty(ctx context.Context, bounty *database.Bounty) error {
	if err := database.ValidateBounty(bounty); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if existing, ok := s.bounties[bounty.ID]; ok && !existing.CreatedAt.IsZero() {
		bounty.CreatedAt = existing.CreatedAt
	} else if bounty.CreatedAt.IsZero() {
		bounty.CreatedAt = now
	}
	bounty.UpdatedAt = now
	cp := *bounty
	s.bounties[bounty.ID] = &cp
	return nil
}

func (s *Store) GetBounty(ctx context.Context, id string) (*database.Bounty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	b, ok := s.bounties[id]
	if !ok {
		return nil, database.NewNotFoundError("bounty", id)
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBountiesByRepo(ctx context.Context, repoFullName string) ([]database.Bounty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []database.Bounty
	for _, b := range s.bounties {
		if b.RepoFullName == repoFullName {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssueNumber != out[j].IssueNumber {
			return out[i].IssueNumber < out[j].IssueNumber
		}
		return database.LessBountyID(out[i].ID, out[j].ID)
	})
	return out, nil
}

// =============================================================================
// Transactions and cursors
// =============================================================================

func (s *Store) UpsertTx(ctx context.Context, tx *database.TxRecord) error {
	if err := database.ValidateTx(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	if existing, ok := s.txs[tx.Hash]; ok && tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = existing.SubmittedAt
	}
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = time.Now().UTC()
	}
	cp := *tx
	s.txs[tx.Hash] = &cp
	return nil
}

func (s *Store) GetTx(ctx context.Context, hash string) (*database.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	tx, ok := s.txs[hash]
	if !ok {
		return nil, database.NewNotFoundError("transaction", hash)
	}
	cp := *tx
	return &cp, nil
}

func (s *Store) ListPendingTxs(ctx context.Context, limit int) ([]database.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return nil, err
	}
	var out []database.TxRecord
	for _, tx := range s.txs {
		if tx.Status == database.TxPending {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetCursor(ctx context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return 0, err
	}
	block, ok := s.cursors[name]
	if !ok {
		return 0, database.NewNotFoundError("cursor", name)
	}
	return block, nil
}

func (s *Store) SetCursor(ctx context.Context, name string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkError(); err != nil {
		return err
	}
	s.cursors[name] = block
	return nil
}
