// Package indexer keeps the chain cache current. A cron-scheduled log
// indexer applies BountyEscrow and RepoRegistry events to the store, and a
// reconciler resolves transactions recorded as pending.
package indexer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/git-hunters/githunters/internal/chain"
	"github.com/git-hunters/githunters/internal/database"
	"github.com/git-hunters/githunters/internal/events"
	"github.com/git-hunters/githunters/internal/logging"
	"github.com/git-hunters/githunters/internal/metrics"
)

// CursorName is the cursor key of the log indexer.
const CursorName = "contract_logs"

// Store is the persistence the indexer needs.
type Store interface {
	database.ChainCacheStore
	database.TxStore
	database.CursorStore
	database.SessionStore
}

// Config tunes the indexer.
type Config struct {
	Interval          time.Duration
	ReconcileInterval time.Duration
	BatchSize         uint64
	Confirmations     uint64
	StartBlock        uint64
	TxWaitTimeout     time.Duration
	PendingLimit      int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 10 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 2000
	}
	if c.TxWaitTimeout <= 0 {
		c.TxWaitTimeout = chain.DefaultTxWaitTimeout
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 100
	}
}

// Status is a snapshot for the health endpoint.
type Status struct {
	LastBlock   uint64    `json:"lastBlock"`
	Head        uint64    `json:"head"`
	LastRun     time.Time `json:"lastRun,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	LogsApplied uint64    `json:"logsApplied"`
}

// Indexer applies contract events to the cache.
type Indexer struct {
	client   *chain.Client
	escrow   *chain.EscrowContract
	registry *chain.RegistryContract
	store    Store
	hub      events.Publisher
	logger   *logging.Logger
	cfg      Config
	now      func() time.Time

	mu     sync.RWMutex
	status Status
}

// New creates an indexer for the contracts at addrs. hub may be nil.
func New(client *chain.Client, addrs chain.ContractAddresses, store Store, hub events.Publisher, logger *logging.Logger, cfg Config) (*Indexer, error) {
	escrowAddr, err := chain.ParseAddress(addrs.Escrow)
	if err != nil {
		return nil, fmt.Errorf("escrow address: %w", err)
	}
	registryAddr, err := chain.ParseAddress(addrs.Registry)
	if err != nil {
		return nil, fmt.Errorf("registry address: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if hub == nil {
		hub = nopPublisher{}
	}
	cfg.applyDefaults()

	return &Indexer{
		client:   client,
		escrow:   chain.NewEscrowContract(client, escrowAddr),
		registry: chain.NewRegistryContract(client, registryAddr),
		store:    store,
		hub:      hub,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Status returns the latest indexing status.
func (ix *Indexer) Status() Status {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.status
}

func (ix *Indexer) recordRun(last, head uint64, applied int, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.status.LastRun = ix.now().UTC()
	if head > 0 {
		ix.status.Head = head
	}
	if last > 0 {
		ix.status.LastBlock = last
	}
	ix.status.LogsApplied += uint64(applied)
	ix.status.LastError = ""
	if err != nil {
		ix.status.LastError = err.Error()
	}
}

// =============================================================================
// Log indexing
// =============================================================================

// SyncOnce processes one batch of confirmed blocks past the cursor and
// returns the number of logs applied. The cursor only advances after every
// log in the batch has been applied.
func (ix *Indexer) SyncOnce(ctx context.Context) (int, error) {
	applied, last, head, err := ix.syncOnce(ctx)
	ix.recordRun(last, head, applied, err)
	return applied, err
}

func (ix *Indexer) syncOnce(ctx context.Context) (int, uint64, uint64, error) {
	var cursor uint64
	stored, err := ix.store.GetCursor(ctx, CursorName)
	switch {
	case err == nil:
		cursor = stored
	case database.IsNotFound(err):
		if ix.cfg.StartBlock > 0 {
			cursor = ix.cfg.StartBlock - 1
		}
	default:
		return 0, 0, 0, fmt.Errorf("read cursor: %w", err)
	}

	head, err := ix.client.BlockNumber(ctx)
	if err != nil {
		return 0, cursor, 0, fmt.Errorf("read head: %w", err)
	}
	if head < ix.cfg.Confirmations {
		return 0, cursor, head, nil
	}
	safe := head - ix.cfg.Confirmations
	if cursor >= safe {
		metrics.SetIndexerLag(0)
		return 0, cursor, head, nil
	}

	from := cursor + 1
	to := safe
	if to-from+1 > ix.cfg.BatchSize {
		to = from + ix.cfg.BatchSize - 1
	}

	logs, err := ix.client.Backend().FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{ix.escrow.Address(), ix.registry.Address()},
		Topics:    [][]common.Hash{append(chain.EscrowTopics(), chain.RegistryTopics()...)},
	})
	if err != nil {
		return 0, cursor, head, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	// Events are held back until the cursor moves so that a batch retried
	// after a failure does not reach subscribers twice.
	var outbox []events.Event
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := ix.applyLog(ctx, lg)
		if err != nil {
			return len(outbox), cursor, head, fmt.Errorf("apply log %s/%d: %w", lg.TxHash.Hex(), lg.Index, err)
		}
		if ev != nil {
			outbox = append(outbox, *ev)
		}
	}
	applied := len(outbox)

	if err := ix.store.SetCursor(ctx, CursorName, to); err != nil {
		return applied, cursor, head, fmt.Errorf("advance cursor: %w", err)
	}
	metrics.SetIndexerLag(safe - to)
	for _, ev := range outbox {
		ix.hub.Publish(ev)
	}

	ix.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"from": from,
		"to":   to,
		"logs": applied,
	}).Debug("indexed contract logs")
	return applied, to, head, nil
}

func (ix *Indexer) parse(lg types.Log) (chain.Event, error) {
	switch lg.Address {
	case ix.escrow.Address():
		return chain.ParseEscrowLog(lg)
	case ix.registry.Address():
		return chain.ParseRegistryLog(lg)
	default:
		return nil, chain.ErrUnknownEvent
	}
}

// applyLog writes the log's effect to the cache and returns the event to
// publish, or nil for logs that are skipped.
func (ix *Indexer) applyLog(ctx context.Context, lg types.Log) (*events.Event, error) {
	ev, err := ix.parse(lg)
	if err != nil {
		ix.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"tx":    lg.TxHash.Hex(),
			"index": lg.Index,
		}).Warn("skipping undecodable log")
		return nil, nil
	}

	var out events.Event
	switch e := ev.(type) {
	case *chain.PoolDonationEvent:
		out, err = ix.applyDonation(ctx, e)
	case *chain.BountyCreatedEvent:
		out, err = ix.applyBountyCreated(ctx, e)
	case *chain.BountyReleasedEvent:
		out, err = ix.applyBountyReleased(ctx, e)
	case *chain.BountyCancelledEvent:
		out, err = ix.applyBountyCancelled(ctx, e)
	case *chain.RepositoryRegisteredEvent:
		out, err = ix.applyRepositoryRegistered(ctx, e)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordIndexedLog(ev.EventName())
	out.TxHash = lg.TxHash.Hex()
	out.Block = lg.BlockNumber
	return &out, nil
}

// refreshPool reads the pool balance from chain and caches it.
func (ix *Indexer) refreshPool(ctx context.Context, repo string) (*database.Pool, error) {
	balance, err := ix.escrow.GetPoolBalance(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("pool balance %s: %w", repo, err)
	}
	pool := &database.Pool{
		RepoFullName: strings.ToLower(repo),
		BalanceWei:   balance.String(),
		UpdatedAt:    ix.now().UTC(),
	}
	if err := ix.store.UpsertPool(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func (ix *Indexer) applyDonation(ctx context.Context, e *chain.PoolDonationEvent) (events.Event, error) {
	pool, err := ix.refreshPool(ctx, e.RepoFullName)
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type: events.TypePoolDonation,
		Repo: pool.RepoFullName,
		Data: map[string]string{
			"donor":      strings.ToLower(e.Donor.Hex()),
			"amountWei":  e.Amount.String(),
			"balanceWei": pool.BalanceWei,
		},
	}, nil
}

func (ix *Indexer) applyBountyCreated(ctx context.Context, e *chain.BountyCreatedEvent) (events.Event, error) {
	now := ix.now().UTC()
	createdAt := now
	if onChain, err := ix.escrow.GetBounty(ctx, e.BountyID); err == nil && onChain.CreatedAt > 0 {
		createdAt = time.Unix(int64(onChain.CreatedAt), 0).UTC()
	}

	bounty := &database.Bounty{
		ID:           e.BountyID.String(),
		RepoFullName: strings.ToLower(e.RepoFullName),
		IssueNumber:  int64(e.IssueNumber),
		AmountWei:    e.Amount.String(),
		Status:       database.BountyOpen,
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	}
	if err := ix.store.UpsertBounty(ctx, bounty); err != nil {
		return events.Event{}, err
	}
	if _, err := ix.refreshPool(ctx, e.RepoFullName); err != nil {
		return events.Event{}, err
	}
	return events.Event{Type: events.TypeBountyCreated, Repo: bounty.RepoFullName, Data: bounty}, nil
}

// cachedBounty returns the cached bounty, filling it from chain when absent
// (the create event may predate the start block).
func (ix *Indexer) cachedBounty(ctx context.Context, id *big.Int) (*database.Bounty, error) {
	b, err := ix.store.GetBounty(ctx, id.String())
	if err == nil {
		return b, nil
	}
	if !database.IsNotFound(err) {
		return nil, err
	}

	onChain, err := ix.escrow.GetBounty(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("bounty %s: %w", id, err)
	}
	return &database.Bounty{
		ID:           id.String(),
		RepoFullName: strings.ToLower(onChain.Repo),
		IssueNumber:  int64(onChain.IssueNumber),
		AmountWei:    onChain.Amount.String(),
		CreatedAt:    time.Unix(int64(onChain.CreatedAt), 0).UTC(),
	}, nil
}

func (ix *Indexer) applyBountyReleased(ctx context.Context, e *chain.BountyReleasedEvent) (events.Event, error) {
	bounty, err := ix.cachedBounty(ctx, e.BountyID)
	if err != nil {
		return events.Event{}, err
	}
	bounty.Status = database.BountyReleased
	bounty.Contributor = strings.ToLower(e.Contributor.Hex())
	bounty.UpdatedAt = ix.now().UTC()
	if err := ix.store.UpsertBounty(ctx, bounty); err != nil {
		return events.Event{}, err
	}
	return events.Event{Type: events.TypeBountyReleased, Repo: bounty.RepoFullName, Data: bounty}, nil
}

func (ix *Indexer) applyBountyCancelled(ctx context.Context, e *chain.BountyCancelledEvent) (events.Event, error) {
	bounty, err := ix.cachedBounty(ctx, e.BountyID)
	if err != nil {
		return events.Event{}, err
	}
	bounty.Status = database.BountyCancelled
	bounty.UpdatedAt = ix.now().UTC()
	if err := ix.store.UpsertBounty(ctx, bounty); err != nil {
		return events.Event{}, err
	}
	if _, err := ix.refreshPool(ctx, bounty.RepoFullName); err != nil {
		return events.Event{}, err
	}
	return events.Event{Type: events.TypeBountyCancelled, Repo: bounty.RepoFullName, Data: bounty}, nil
}

func (ix *Indexer) applyRepositoryRegistered(ctx context.Context, e *chain.RepositoryRegisteredEvent) (events.Event, error) {
	now := ix.now().UTC()
	repo := &database.Repository{
		FullName:     strings.ToLower(e.RepoFullName),
		OwnerAddress: strings.ToLower(e.Owner.Hex()),
		MetadataCID:  e.MetadataCID,
		RegisteredAt: now,
		Active:       true,
		UpdatedAt:    now,
	}
	if entry, err := ix.registry.GetRepository(ctx, e.RepoFullName); err == nil && entry.Registered() {
		repo.MetadataCID = entry.MetadataCID
		repo.Active = entry.Active
		if entry.RegisteredAt > 0 {
			repo.RegisteredAt = time.Unix(int64(entry.RegisteredAt), 0).UTC()
		}
	}
	if err := ix.store.UpsertRepository(ctx, repo); err != nil {
		return events.Event{}, err
	}
	return events.Event{Type: events.TypeRepositoryRegistered, Repo: repo.FullName, Data: repo}, nil
}
