// Package evm implements pkg/chain.Client over go-ethereum's ethclient,
// grounded on the teacher's pkg/ethereum.Client: one struct holding a
// client handle, chain id, and URL, with every method wrapping its error
// via fmt.Errorf("...: %w", err).
package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/w3f-grants-archive/relayer/pkg/chain"
)

// Client wraps an *ethclient.Client as a chain.Client.
type Client struct {
	inner   *ethclient.Client
	chainID uint64
	url     string
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(url string, chainID uint64) (*Client, error) {
	c, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", url, err)
	}
	return &Client{inner: c, chainID: chainID, url: url}, nil
}

// ChainID implements chain.Client.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	return c.chainID, nil
}

// BlockNumber implements chain.Client.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.inner.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("evm: block number: %w", err)
	}
	return n, nil
}

// Logs implements chain.Client, mirroring pkg/anchor/event_watcher.go's
// pollEvents: a bounded FilterQuery over [fromBlock, toBlock].
func (c *Client) Logs(ctx context.Context, contract common.Address, topics []common.Hash, fromBlock, toBlock uint64) ([]chain.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{contract},
	}
	if len(topics) > 0 {
		query.Topics = [][]common.Hash{topics}
	}

	raw, err := c.inner.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("evm: filter logs [%d,%d] on %s: %w", fromBlock, toBlock, contract, err)
	}

	out := make([]chain.Log, 0, len(raw))
	for _, l := range raw {
		out = append(out, chain.Log{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        l.Data,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			Index:       l.Index,
		})
	}
	return out, nil
}

// Call implements chain.Client as an eth_call against the latest block.
func (c *Client) Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	result, err := c.inner.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", contract, err)
	}
	return result, nil
}

// SubmitSigned implements chain.Client. signedTx is the RLP encoding of an
// already-signed *types.Transaction; the signing boundary lives in
// pkg/txqueue, not here (SPEC_FULL.md §C.2).
func (c *Client) SubmitSigned(ctx context.Context, signedTx []byte) (string, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signedTx); err != nil {
		return "", fmt.Errorf("evm: decode signed tx: %w", err)
	}
	if err := c.inner.SendTransaction(ctx, &tx); err != nil {
		return "", fmt.Errorf("evm: send transaction %s: %w", tx.Hash(), err)
	}
	return tx.Hash().Hex(), nil
}

// WaitFor implements chain.Client by polling for the receipt, mirroring
// pkg/ethereum/client.go's WaitForTransaction/bind.WaitMined usage, and
// translating ethereum.NotFound into chain.ErrDropped once the caller has
// given up waiting.
func (c *Client) WaitFor(ctx context.Context, txHash string, confirmations uint64) (*chain.Receipt, error) {
	hash := common.HexToHash(txHash)
	receipt, err := c.inner.TransactionReceipt(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, chain.ErrDropped
		}
		return nil, fmt.Errorf("evm: receipt for %s: %w", txHash, err)
	}

	head, err := c.inner.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: block number while confirming %s: %w", txHash, err)
	}
	if receipt.BlockNumber == nil || head < receipt.BlockNumber.Uint64()+confirmations {
		return nil, fmt.Errorf("evm: %s not yet at %d confirmations", txHash, confirmations)
	}

	return &chain.Receipt{
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// PendingNonce returns the next nonce for addr, including pending
// transactions, mirroring the teacher's pkg/ethereum.Client.GetNonce.
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := c.inner.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("evm: pending nonce for %s: %w", addr, err)
	}
	return nonce, nil
}

// SuggestGasPrice mirrors the teacher's pkg/ethereum.Client.GetGasPrice.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.inner.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: suggest gas price: %w", err)
	}
	return price, nil
}

// NextIndex calls a contract's next_index()-shaped view function and
// decodes a uint32 leaf index from its 32-byte return word, used by the
// Signaler's smart-update gate (spec.md §4.6 step 2).
func NextIndex(ctx context.Context, c *Client, contract common.Address, selector [4]byte) (uint32, error) {
	out, err := c.Call(ctx, contract, selector[:])
	if err != nil {
		return 0, fmt.Errorf("evm: next_index on %s: %w", contract, err)
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("evm: next_index on %s: short return (%d bytes)", contract, len(out))
	}
	return uint32(new(big.Int).SetBytes(out[28:32]).Uint64()), nil
}
