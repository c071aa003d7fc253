// Package chaintest provides an in-memory chain.Backend that executes the
// BountyEscrow and RepoRegistry semantics. Every sent transaction is mined in
// its own block. Intended for tests only.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/git-hunters/githunters/internal/chain"
)

// DefaultChainID is the chain id used when none is given.
var DefaultChainID = big.NewInt(31337)

// gasEstimate is returned by EstimateGas for calls that would succeed.
const gasEstimate = 60000

type repoEntry struct {
	owner        common.Address
	cid          string
	registeredAt uint64
}

type bountyEntry struct {
	repo        string
	issue       uint64
	amount      *big.Int
	contributor common.Address
	status      chain.BountyStatus
	createdAt   uint64
}

// Backend is a deterministic fake chain.
type Backend struct {
	mu sync.Mutex

	chainID  *big.Int
	escrow   common.Address
	registry common.Address

	head     uint64
	gasPrice *big.Int
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	lookups  map[common.Hash]int
	logs     []types.Log

	receiptDelay int

	repos       map[string]*repoEntry
	ownerRepos  map[common.Address][]string
	pools       map[string]*big.Int
	bounties    map[uint64]*bountyEntry
	bountyIndex map[string]uint64
	nextBounty  uint64

	// Failure injection. Non-nil values are returned by the matching method.
	CallErr    error
	SendErr    error
	ReceiptErr error
}

var _ chain.Backend = (*Backend)(nil)

// New creates a backend with the contracts deployed at escrow and registry.
func New(escrow, registry common.Address) *Backend {
	return &Backend{
		chainID:     new(big.Int).Set(DefaultChainID),
		escrow:      escrow,
		registry:    registry,
		head:        1,
		gasPrice:    big.NewInt(1_000_000_000),
		balances:    make(map[common.Address]*big.Int),
		nonces:      make(map[common.Address]uint64),
		receipts:    make(map[common.Hash]*types.Receipt),
		lookups:     make(map[common.Hash]int),
		repos:       make(map[string]*repoEntry),
		ownerRepos:  make(map[common.Address][]string),
		pools:       make(map[string]*big.Int),
		bounties:    make(map[uint64]*bountyEntry),
		bountyIndex: make(map[string]uint64),
		nextBounty:  1,
	}
}

// =============================================================================
// Test controls
// =============================================================================

// SetBalance sets the native balance reported for an account.
func (b *Backend) SetBalance(addr common.Address, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(wei)
}

// SetReceiptDelay makes each receipt invisible for the first n lookups.
func (b *Backend) SetReceiptDelay(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptDelay = n
}

// Mine advances the head by n empty blocks.
func (b *Backend) Mine(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head += n
}

// Sent returns the transactions accepted so far.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// Logs returns every log emitted so far.
func (b *Backend) Logs() []types.Log {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Log(nil), b.logs...)
}

// AddReceipt registers a receipt for a transaction sent outside the backend,
// e.g. from a browser wallet.
func (b *Backend) AddReceipt(hash common.Hash, status uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head++
	b.receipts[hash] = &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(b.head),
		GasUsed:     21000,
		Logs:        []*types.Log{},
	}
}

// PoolBalance returns the simulated pool balance of a repository.
func (b *Backend) PoolBalance(repo string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pools[repo]; ok {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}

// =============================================================================
// chain.Backend
// =============================================================================

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CallErr != nil {
		return nil, b.CallErr
	}
	if call.To == nil {
		return nil, fmt.Errorf("contract creation not supported")
	}
	out, _, err := b.execute(call.From, *call.To, call.Value, call.Data, nil)
	return out, err
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *Backend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if call.To == nil {
		return 0, fmt.Errorf("contract creation not supported")
	}
	if _, _, err := b.execute(call.From, *call.To, call.Value, call.Data, nil); err != nil {
		return 0, err
	}
	return gasEstimate, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}

	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != b.nonces[from] {
		return fmt.Errorf("nonce mismatch: have %d, want %d", tx.Nonce(), b.nonces[from])
	}
	if tx.To() == nil {
		return fmt.Errorf("contract creation not supported")
	}

	b.nonces[from]++
	b.head++
	b.sent = append(b.sent, tx)

	block := &blockContext{number: b.head, txHash: tx.Hash(), logIndex: uint(len(b.logs))}
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.head),
		GasUsed:     gasEstimate,
		Logs:        []*types.Log{},
	}
	if _, logs, err := b.execute(from, *tx.To(), tx.Value(), tx.Data(), block); err != nil {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		for i := range logs {
			receipt.Logs = append(receipt.Logs, &logs[i])
		}
		b.logs = append(b.logs, logs...)
	}
	b.receipts[tx.Hash()] = receipt
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ReceiptErr != nil {
		return nil, b.ReceiptErr
	}
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	b.lookups[txHash]++
	if b.lookups[txHash] <= b.receiptDelay {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []types.Log
	for _, lg := range b.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, lg.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && !containsHash(q.Topics[0], lg.Topics[0]) {
			continue
		}
		out = append(out, lg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

// =============================================================================
// Contract execution
// =============================================================================

// blockContext is nil for read-only and estimate calls; state only changes
// when it is set.
type blockContext struct {
	number   uint64
	txHash   common.Hash
	logIndex uint
	logs     []types.Log
}

func revert(reason string) error {
	return fmt.Errorf("execution reverted: %s", reason)
}

func (b *Backend) execute(from, to common.Address, value *big.Int, data []byte, blk *blockContext) ([]byte, []types.Log, error) {
	if value == nil {
		value = new(big.Int)
	}
	var contractABI *abi.ABI
	switch to {
	case b.escrow:
		contractABI = chain.EscrowABI()
	case b.registry:
		contractABI = chain.RegistryABI()
	default:
		// No code at the address: calls return empty data.
		return nil, nil, nil
	}
	if len(data) < 4 {
		return nil, nil, revert("missing selector")
	}
	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, revert("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, revert("bad calldata")
	}
	if value.Sign() > 0 && !method.IsPayable() {
		return nil, nil, revert("non-payable method")
	}

	var outputs []interface{}
	if to == b.escrow {
		outputs, err = b.execEscrow(method.Name, from, value, args, blk)
	} else {
		outputs, err = b.execRegistry(method.Name, from, args, blk)
	}
	if err != nil {
		return nil, nil, err
	}

	packed, err := method.Outputs.Pack(outputs...)
	if err != nil {
		return nil, nil, fmt.Errorf("pack %s outputs: %w", method.Name, err)
	}
	var logs []types.Log
	if blk != nil {
		logs = blk.logs
	}
	return packed, logs, nil
}

func (b *Backend) emit(blk *blockContext, contract common.Address, contractABI *abi.ABI, name string, topics []common.Hash, data ...interface{}) {
	ev := contractABI.Events[name]
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(fmt.Sprintf("pack %s: %v", name, err))
	}
	blk.logs = append(blk.logs, types.Log{
		Address:     contract,
		Topics:      append([]common.Hash{ev.ID}, topics...),
		Data:        packed,
		BlockNumber: blk.number,
		TxHash:      blk.txHash,
		Index:       blk.logIndex + uint(len(blk.logs)),
	})
}

func bountyKey(repo string, issue uint64) string {
	return fmt.Sprintf("%s#%d", repo, issue)
}

func (b *Backend) now() uint64 {
	return uint64(time.Unix(1_700_000_000, 0).Unix()) + b.head*12
}

func (b *Backend) execEscrow(name string, from common.Address, value *big.Int, args []interface{}, blk *blockContext) ([]interface{}, error) {
	switch name {
	case "donateToPool":
		repo := args[0].(string)
		if value.Sign() <= 0 {
			return nil, revert("donation must be positive")
		}
		if blk != nil {
			pool := b.poolLocked(repo)
			pool.Add(pool, value)
			b.emit(blk, b.escrow, chain.EscrowABI(), chain.EventPoolDonation,
				[]common.Hash{common.BytesToHash(from.Bytes())}, repo, new(big.Int).Set(value))
		}
		return nil, nil

	case "getPoolBalance":
		return []interface{}{new(big.Int).Set(b.poolLocked(args[0].(string)))}, nil

	case "createBounty":
		repo := args[0].(string)
		issue := args[1].(*big.Int).Uint64()
		amount := args[2].(*big.Int)
		if amount.Sign() <= 0 {
			return nil, revert("amount must be positive")
		}
		if id, ok := b.bountyIndex[bountyKey(repo, issue)]; ok && b.bounties[id].status == chain.BountyOpen {
			return nil, revert("bounty already open")
		}
		pool := b.poolLocked(repo)
		if pool.Cmp(amount) < 0 {
			return nil, revert("insufficient pool balance")
		}
		if blk != nil {
			id := b.nextBounty
			b.nextBounty++
			pool.Sub(pool, amount)
			b.bounties[id] = &bountyEntry{
				repo:      repo,
				issue:     issue,
				amount:    new(big.Int).Set(amount),
				status:    chain.BountyOpen,
				createdAt: b.now(),
			}
			b.bountyIndex[bountyKey(repo, issue)] = id
			idBig := new(big.Int).SetUint64(id)
			b.emit(blk, b.escrow, chain.EscrowABI(), chain.EventBountyCreated,
				[]common.Hash{common.BigToHash(idBig)}, repo, new(big.Int).SetUint64(issue), new(big.Int).Set(amount))
		}
		return nil, nil

	case "releaseBounty":
		id := args[0].(*big.Int)
		contributor := args[1].(common.Address)
		bounty, ok := b.bounties[id.Uint64()]
		if !ok || bounty.status != chain.BountyOpen {
			return nil, revert("bounty not open")
		}
		if contributor == (common.Address{}) {
			return nil, revert("zero contributor")
		}
		if blk != nil {
			bounty.status = chain.BountyReleased
			bounty.contributor = contributor
			b.emit(blk, b.escrow, chain.EscrowABI(), chain.EventBountyReleased,
				[]common.Hash{common.BigToHash(id), common.BytesToHash(contributor.Bytes())}, new(big.Int).Set(bounty.amount))
		}
		return nil, nil

	case "cancelBounty":
		id := args[0].(*big.Int)
		bounty, ok := b.bounties[id.Uint64()]
		if !ok || bounty.status != chain.BountyOpen {
			return nil, revert("bounty not open")
		}
		if blk != nil {
			bounty.status = chain.BountyCancelled
			pool := b.poolLocked(bounty.repo)
			pool.Add(pool, bounty.amount)
			b.emit(blk, b.escrow, chain.EscrowABI(), chain.EventBountyCancelled,
				[]common.Hash{common.BigToHash(id)}, new(big.Int).Set(bounty.amount))
		}
		return nil, nil

	case "getBounty":
		id := args[0].(*big.Int)
		bounty, ok := b.bounties[id.Uint64()]
		if !ok {
			return []interface{}{"", new(big.Int), new(big.Int), common.Address{}, uint8(0), new(big.Int)}, nil
		}
		return []interface{}{
			bounty.repo,
			new(big.Int).SetUint64(bounty.issue),
			new(big.Int).Set(bounty.amount),
			bounty.contributor,
			uint8(bounty.status),
			new(big.Int).SetUint64(bounty.createdAt),
		}, nil

	case "getBountyId":
		repo := args[0].(string)
		issue := args[1].(*big.Int).Uint64()
		return []interface{}{new(big.Int).SetUint64(b.bountyIndex[bountyKey(repo, issue)])}, nil
	}
	return nil, revert("unsupported method " + name)
}

func (b *Backend) poolLocked(repo string) *big.Int {
	pool, ok := b.pools[repo]
	if !ok {
		pool = new(big.Int)
		b.pools[repo] = pool
	}
	return pool
}

func (b *Backend) execRegistry(name string, from common.Address, args []interface{}, blk *blockContext) ([]interface{}, error) {
	switch name {
	case "registerRepository":
		repo, cid := args[0].(string), args[1].(string)
		if _, ok := b.repos[repo]; ok {
			return nil, revert("already registered")
		}
		if blk != nil {
			b.repos[repo] = &repoEntry{owner: from, cid: cid, registeredAt: b.now()}
			b.ownerRepos[from] = append(b.ownerRepos[from], repo)
			b.emit(blk, b.registry, chain.RegistryABI(), chain.EventRepositoryRegistered,
				[]common.Hash{common.BytesToHash(from.Bytes())}, repo, cid)
		}
		return nil, nil

	case "updateMetadata":
		repo, cid := args[0].(string), args[1].(string)
		entry, ok := b.repos[repo]
		if !ok {
			return nil, revert("not registered")
		}
		if entry.owner != from {
			return nil, revert("not repository owner")
		}
		if blk != nil {
			entry.cid = cid
		}
		return nil, nil

	case "isRegistered":
		_, ok := b.repos[args[0].(string)]
		return []interface{}{ok}, nil

	case "getRepository":
		entry, ok := b.repos[args[0].(string)]
		if !ok {
			return []interface{}{common.Address{}, "", new(big.Int), false}, nil
		}
		return []interface{}{entry.owner, entry.cid, new(big.Int).SetUint64(entry.registeredAt), true}, nil

	case "getOwnerRepositories":
		repos := b.ownerRepos[args[0].(common.Address)]
		return []interface{}{append([]string{}, repos...)}, nil
	}
	return nil, revert("unsupported method " + name)
}
