package chain

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RegistryContract wraps the RepoRegistry contract.
type RegistryContract struct {
	client  *Client
	address common.Address
	abi     *abi.ABI
}

// NewRegistryContract binds the registry wrapper to a deployed address.
func NewRegistryContract(client *Client, address common.Address) *RegistryContract {
	return &RegistryContract{client: client, address: address, abi: RegistryABI()}
}

// Address returns the contract address.
func (r *RegistryContract) Address() common.Address {
	return r.address
}

// RegisterRepository registers a repository with its metadata CID.
func (r *RegistryContract) RegisterRepository(ctx context.Context, repo, metadataCID string) (common.Hash, error) {
	return r.client.Transact(ctx, r.address, r.abi, "registerRepository", nil, repo, strings.TrimSpace(metadataCID))
}

// UpdateMetadata replaces the metadata CID of a registered repository.
func (r *RegistryContract) UpdateMetadata(ctx context.Context, repo, metadataCID string) (common.Hash, error) {
	return r.client.Transact(ctx, r.address, r.abi, "updateMetadata", nil, repo, strings.TrimSpace(metadataCID))
}

// IsRegistered reports whether a repository is registered.
func (r *RegistryContract) IsRegistered(ctx context.Context, repo string) (bool, error) {
	values, err := r.client.Call(ctx, r.address, r.abi, "isRegistered", repo)
	if err != nil {
		return false, err
	}
	if err := expectOutputs("isRegistered", values, 1); err != nil {
		return false, err
	}
	return ParseBool(values[0])
}

// GetRepository reads a registry entry. Unregistered repositories come back
// with a zero owner; check Registered().
func (r *RegistryContract) GetRepository(ctx context.Context, repo string) (*Repository, error) {
	values, err := r.client.Call(ctx, r.address, r.abi, "getRepository", repo)
	if err != nil {
		return nil, err
	}
	return ParseRepository(repo, values)
}

// GetOwnerRepositories lists repositories registered by owner.
func (r *RegistryContract) GetOwnerRepositories(ctx context.Context, owner common.Address) ([]string, error) {
	values, err := r.client.Call(ctx, r.address, r.abi, "getOwnerRepositories", owner)
	if err != nil {
		return nil, err
	}
	if err := expectOutputs("getOwnerRepositories", values, 1); err != nil {
		return nil, err
	}
	return ParseStrings(values[0])
}
