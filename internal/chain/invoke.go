package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/git-hunters/githunters/internal/metrics"
)

var (
	// ErrNoSigner is returned by write operations when no operator key is configured.
	ErrNoSigner = errors.New("chain: operator signer not configured")
	// ErrTxReverted is returned when a mined transaction has status 0.
	ErrTxReverted = errors.New("chain: transaction reverted")
	// ErrTxTimeout is returned when no receipt appears before the wait deadline.
	ErrTxTimeout = errors.New("chain: timed out waiting for transaction receipt")
	// ErrWouldRevert is returned when gas estimation fails, which means the
	// call would revert if mined.
	ErrWouldRevert = errors.New("chain: transaction would revert")
	// ErrEmptyResult is returned when a view call yields no data (no code at address).
	ErrEmptyResult = errors.New("chain: empty call result")
)

// DefaultTxWaitTimeout is the default timeout for waiting for transaction execution.
const DefaultTxWaitTimeout = 2 * time.Minute

// DefaultPollInterval is the default interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

// gasHeadroomPercent is added on top of eth_estimateGas.
const gasHeadroomPercent = 20

// TxResult describes a mined transaction.
type TxResult struct {
	Hash        common.Hash
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
	Receipt     *types.Receipt
}

// Succeeded reports whether the receipt status is successful.
func (r *TxResult) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

func resultFromReceipt(receipt *types.Receipt) *TxResult {
	res := &TxResult{
		Hash:    receipt.TxHash,
		Status:  receipt.Status,
		GasUsed: receipt.GasUsed,
		Receipt: receipt,
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return res
}

// =============================================================================
// Contract Invocation Methods
// =============================================================================

// Call performs a read-only contract call at the latest block and returns the
// unpacked outputs.
func (c *Client) Call(ctx context.Context, to common.Address, contractABI *abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 && len(contractABI.Methods[method].Outputs) > 0 {
		return nil, fmt.Errorf("call %s at %s: %w", method, to.Hex(), ErrEmptyResult)
	}

	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// Transact packs, signs and broadcasts a contract call from the operator
// account. value may be nil for non-payable methods.
func (c *Client) Transact(ctx context.Context, to common.Address, contractABI *abi.ABI, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	hash, err := c.transact(ctx, to, contractABI, method, value, args...)
	metrics.RecordTxSubmission(method, err)
	return hash, err
}

func (c *Client) transact(ctx context.Context, to common.Address, contractABI *abi.ABI, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	if value == nil {
		value = new(big.Int)
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas for %s: %w: %w", method, ErrWouldRevert, err)
	}
	gas += gas * gasHeadroomPercent / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}
	return signed.Hash(), nil
}

// ReceiptStatus performs a single receipt lookup. pending is true when the
// node does not know the receipt yet.
func (c *Client) ReceiptStatus(ctx context.Context, txHash common.Hash) (res *TxResult, pending bool, err error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return resultFromReceipt(receipt), false, nil
}

// WaitForReceipt polls for a transaction receipt until it is mined, the
// timeout elapses or ctx is done. A missing receipt is treated as transient.
// The first lookup happens immediately; later ones every pollInterval.
// pollInterval <= 0 defaults to 2s and timeout <= 0 to DefaultTxWaitTimeout.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, pollInterval, timeout time.Duration) (*TxResult, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTxWaitTimeout
	}

	start := time.Now()
	res, err := c.pollReceipt(ctx, txHash, pollInterval, timeout)
	metrics.RecordTxWait(waitOutcome(err), time.Since(start))
	return res, err
}

func (c *Client) pollReceipt(ctx context.Context, txHash common.Hash, pollInterval, timeout time.Duration) (*TxResult, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		res, pending, err := c.ReceiptStatus(wctx, txHash)
		switch {
		case err != nil && wctx.Err() == nil:
			return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
		case err == nil && !pending:
			if !res.Succeeded() {
				return res, fmt.Errorf("%s: %w", txHash.Hex(), ErrTxReverted)
			}
			return res, nil
		}

		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s after %s: %w", txHash.Hex(), timeout, ErrTxTimeout)
		case <-ticker.C:
		}
	}
}

// TransactAndWait broadcasts an operator transaction and waits for its receipt
// using DefaultPollInterval and DefaultTxWaitTimeout.
func (c *Client) TransactAndWait(ctx context.Context, to common.Address, contractABI *abi.ABI, method string, value *big.Int, args ...interface{}) (*TxResult, error) {
	hash, err := c.Transact(ctx, to, contractABI, method, value, args...)
	if err != nil {
		return nil, err
	}
	res, err := c.WaitForReceipt(ctx, hash, DefaultPollInterval, DefaultTxWaitTimeout)
	if err != nil {
		if res == nil {
			res = &TxResult{Hash: hash}
		}
		return res, fmt.Errorf("wait for %s: %w", method, err)
	}
	return res, nil
}

func waitOutcome(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, ErrTxReverted):
		return "reverted"
	case errors.Is(err, ErrTxTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
