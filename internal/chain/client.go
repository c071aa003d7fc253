// Package chain provides EVM interaction for the bounty service: read-only
// contract calls, operator-signed transactions and receipt polling against
// the BountyEscrow and RepoRegistry contracts.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of an Ethereum JSON-RPC client used by the helpers.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config holds client configuration.
type Config struct {
	RPCURL     string
	ChainID    uint64 // expected chain id; 0 accepts whatever the node reports
	PrivateKey string // operator key, hex; empty disables writes
	Timeout    time.Duration
}

// Client wraps a Backend with the chain id and an optional operator signer.
type Client struct {
	backend Backend
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	closer  func()

	// txMu serializes nonce allocation for the operator account.
	txMu sync.Mutex
}

// Dial connects to the JSON-RPC endpoint and verifies the chain id.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec, err := ethclient.DialContext(dctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	chainID, err := ec.ChainID(dctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		ec.Close()
		return nil, fmt.Errorf("chain id mismatch: node reports %s, configured %d", chainID, cfg.ChainID)
	}

	var key *ecdsa.PrivateKey
	if cfg.PrivateKey != "" {
		key, err = ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			ec.Close()
			return nil, err
		}
	}

	c := NewClient(ec, chainID, key)
	c.closer = ec.Close
	return c, nil
}

// NewClient builds a client over an existing backend. key may be nil.
func NewClient(backend Backend, chainID *big.Int, key *ecdsa.PrivateKey) *Client {
	c := &Client{
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		key:     key,
	}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// ParsePrivateKey decodes a hex secp256k1 key with or without 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	return key, nil
}

// Backend returns the underlying RPC backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// ChainID returns the chain id the client signs for.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// HasSigner reports whether write operations are available.
func (c *Client) HasSigner() bool {
	return c.key != nil
}

// Operator returns the operator address, if a key is configured.
func (c *Client) Operator() (common.Address, bool) {
	return c.from, c.key != nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// BalanceAt returns the native balance of an account in wei at the latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.backend.BalanceAt(ctx, account, nil)
}

// Close releases the RPC connection if the client owns one.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}
