package txqueue

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/w3f-grants-archive/relayer/pkg/chain/evm"
)

// Signer builds and signs one transaction calling target with payload as
// calldata, returning the wire-encoded signed transaction and its
// canonical hash, per spec.md §4.8 step 2 ("ECDSA over keccak256(tx) for
// EVM; chain-native signer for Substrate").
type Signer interface {
	Sign(ctx context.Context, target []byte, payload []byte, nonceOverride *uint64) (signedTx []byte, txHash string, err error)
}

// EVMSigner signs legacy (EIP-155) transactions, grounded on the teacher's
// pkg/ethereum.Client.SendContractTransaction: fetch a pending nonce and
// suggested gas price, build a types.Transaction, and sign it with
// types.SignTx under the chain's EIP-155 signer.
type EVMSigner struct {
	Client   *evm.Client
	ChainID  uint64
	Key      *ecdsa.PrivateKey
	GasLimit uint64

	// MinGasPrice floors the suggested gas price, mirroring the teacher's
	// 5 Gwei minimum so transactions aren't rejected for underpricing.
	MinGasPrice *big.Int
}

func (s *EVMSigner) Sign(ctx context.Context, target []byte, payload []byte, nonceOverride *uint64) ([]byte, string, error) {
	from := crypto.PubkeyToAddress(s.Key.PublicKey)

	var nonce uint64
	if nonceOverride != nil {
		nonce = *nonceOverride
	} else {
		n, err := s.Client.PendingNonce(ctx, from)
		if err != nil {
			return nil, "", &TransientError{Op: "pending_nonce", Err: err}
		}
		nonce = n
	}

	gasPrice, err := s.Client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, "", &TransientError{Op: "suggest_gas_price", Err: err}
	}
	if s.MinGasPrice != nil && gasPrice.Cmp(s.MinGasPrice) < 0 {
		gasPrice = s.MinGasPrice
	}

	tx := types.NewTransaction(nonce, common.BytesToAddress(target), big.NewInt(0), s.GasLimit, gasPrice, payload)

	signed, err := types.SignTx(tx, types.NewEIP155Signer(new(big.Int).SetUint64(s.ChainID)), s.Key)
	if err != nil {
		return nil, "", &CryptoError{Op: "sign_tx", Err: err}
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("txqueue: encode signed transaction: %w", err)
	}
	return raw, signed.Hash().Hex(), nil
}
