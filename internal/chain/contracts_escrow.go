package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrBountyNotFound is returned when no bounty exists for a repository issue.
var ErrBountyNotFound = errors.New("chain: bounty not found")

// EscrowContract wraps the BountyEscrow contract.
type EscrowContract struct {
	client  *Client
	address common.Address
	abi     *abi.ABI
}

// NewEscrowContract binds the escrow wrapper to a deployed address.
func NewEscrowContract(client *Client, address common.Address) *EscrowContract {
	return &EscrowContract{client: client, address: address, abi: EscrowABI()}
}

// Address returns the contract address.
func (e *EscrowContract) Address() common.Address {
	return e.address
}

// =============================================================================
// Pool Methods
// =============================================================================

// DonateToPool sends amount wei into the repository's pool.
func (e *EscrowContract) DonateToPool(ctx context.Context, repo string, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("donation amount must be positive")
	}
	return e.client.Transact(ctx, e.address, e.abi, "donateToPool", amount, repo)
}

// GetPoolBalance returns the pool balance of a repository in wei.
func (e *EscrowContract) GetPoolBalance(ctx context.Context, repo string) (*big.Int, error) {
	values, err := e.client.Call(ctx, e.address, e.abi, "getPoolBalance", repo)
	if err != nil {
		return nil, err
	}
	if err := expectOutputs("getPoolBalance", values, 1); err != nil {
		return nil, err
	}
	return ParseBigInt(values[0])
}

// =============================================================================
// Bounty Methods
// =============================================================================

// CreateBounty allocates amount wei of the repository pool to an issue.
func (e *EscrowContract) CreateBounty(ctx context.Context, repo string, issueNumber uint64, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("bounty amount must be positive")
	}
	return e.client.Transact(ctx, e.address, e.abi, "createBounty", nil,
		repo, new(big.Int).SetUint64(issueNumber), amount)
}

// ReleaseBounty pays an open bounty out to the contributor.
func (e *EscrowContract) ReleaseBounty(ctx context.Context, bountyID *big.Int, contributor common.Address) (common.Hash, error) {
	return e.client.Transact(ctx, e.address, e.abi, "releaseBounty", nil, bountyID, contributor)
}

// CancelBounty returns an open bounty's funds to its pool.
func (e *EscrowContract) CancelBounty(ctx context.Context, bountyID *big.Int) (common.Hash, error) {
	return e.client.Transact(ctx, e.address, e.abi, "cancelBounty", nil, bountyID)
}

// GetBounty reads a bounty by id.
func (e *EscrowContract) GetBounty(ctx context.Context, bountyID *big.Int) (*Bounty, error) {
	values, err := e.client.Call(ctx, e.address, e.abi, "getBounty", bountyID)
	if err != nil {
		return nil, err
	}
	return ParseBounty(bountyID, values)
}

// GetBountyID returns the bounty id for an issue; zero means none.
func (e *EscrowContract) GetBountyID(ctx context.Context, repo string, issueNumber uint64) (*big.Int, error) {
	values, err := e.client.Call(ctx, e.address, e.abi, "getBountyId", repo, new(big.Int).SetUint64(issueNumber))
	if err != nil {
		return nil, err
	}
	if err := expectOutputs("getBountyId", values, 1); err != nil {
		return nil, err
	}
	return ParseBigInt(values[0])
}

// FindBounty resolves the bounty for a repository issue.
func (e *EscrowContract) FindBounty(ctx context.Context, repo string, issueNumber uint64) (*Bounty, error) {
	id, err := e.GetBountyID(ctx, repo, issueNumber)
	if err != nil {
		return nil, err
	}
	if id.Sign() == 0 {
		return nil, fmt.Errorf("%s#%d: %w", repo, issueNumber, ErrBountyNotFound)
	}
	return e.GetBounty(ctx, id)
}
