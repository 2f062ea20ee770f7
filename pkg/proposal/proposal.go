// Package proposal builds the canonical cross-chain proposal payload of
// spec.md §4.5, computes its data_hash, and tracks a ProposalEntity through
// its forward-only status machine (§3, §4.7).
package proposal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/w3f-grants-archive/relayer/pkg/resourceid"
)

// Chain-type discriminant for the AnchorUpdate payload. spec.md §4.5 writes
// "src_chain_type [2] // {1,0} = EVM", naming two admissible wire values for
// the EVM family without pinning which is canonical. ChainTypeEVM is what
// this implementation emits; ChainTypeEVMLegacy is accepted on decode for
// compatibility with payloads built by the other admissible value.
const (
	ChainTypeEVMLegacy uint16 = 0
	ChainTypeEVM       uint16 = 1
	// ChainTypeSubstrate is this implementation's wire value for a
	// Substrate-originated deposit; spec.md §4.5 only pins the two EVM
	// values and is silent on Substrate's discriminant.
	ChainTypeSubstrate uint16 = 2
)

// headerLen and anchorUpdateLen are the encoded widths of the two sections
// that make up a proposal payload.
//
// spec.md §4.5 labels the header 40 bytes (resource_id[32]+function_sig[4]+
// nonce[4], which does sum to 40) and the AnchorUpdate section 40 bytes
// (src_chain_type[2]+src_chain_id[4]+leaf_index[4]+merkle_root[32], which
// sums to 42, not 40) for a stated total of 80. The field-width table and
// the stated totals disagree by 2 bytes; this implementation treats the
// per-field widths as authoritative (every field is round-trippable and the
// encoding is internally consistent), so the wire payload here is 82 bytes,
// not 80. See DESIGN.md for the scenario-2 worked example under this
// layout.
const (
	headerLen       = 32 + 4 + 4
	anchorUpdateLen = 2 + 4 + 4 + 32
	PayloadLen      = headerLen + anchorUpdateLen
)

// Header is the destination-agnostic prefix of a proposal payload.
type Header struct {
	ResourceID  resourceid.ID
	FunctionSig [4]byte
	Nonce       uint32 // big-endian on the wire; equals source leaf_index (+1 on the Substrate path)
}

// AnchorUpdate is the EVM-variant payload appended after the header.
type AnchorUpdate struct {
	SrcChainType uint16
	SrcChainID   uint32
	LeafIndex    uint32
	MerkleRoot   [32]byte
}

// EncodePayload serializes header‖anchorUpdate per spec.md §4.5.
func EncodePayload(h Header, a AnchorUpdate) []byte {
	buf := make([]byte, PayloadLen)
	off := 0
	copy(buf[off:off+32], h.ResourceID[:])
	off += 32
	copy(buf[off:off+4], h.FunctionSig[:])
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], h.Nonce)
	off += 4

	binary.BigEndian.PutUint16(buf[off:off+2], a.SrcChainType)
	off += 2
	binary.BigEndian.PutUint32(buf[off:off+4], a.SrcChainID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], a.LeafIndex)
	off += 4
	copy(buf[off:off+32], a.MerkleRoot[:])
	off += 32

	return buf
}

// ErrBadPayloadLength is returned by DecodePayload when given a buffer of
// the wrong length.
var ErrBadPayloadLength = errors.New("proposal: payload is not the expected length")

// DecodePayload reverses EncodePayload.
func DecodePayload(buf []byte) (Header, AnchorUpdate, error) {
	var h Header
	var a AnchorUpdate
	if len(buf) != PayloadLen {
		return h, a, fmt.Errorf("%w: got %d, want %d", ErrBadPayloadLength, len(buf), PayloadLen)
	}
	off := 0
	copy(h.ResourceID[:], buf[off:off+32])
	off += 32
	copy(h.FunctionSig[:], buf[off:off+4])
	off += 4
	h.Nonce = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4

	a.SrcChainType = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	a.SrcChainID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	a.LeafIndex = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	copy(a.MerkleRoot[:], buf[off:off+32])
	off += 32

	return h, a, nil
}

// BuildEVMPayload is the C5 entry point used by the Signaler: given the
// source-side facts plus the destination handler's resource_id, produce the
// encoded payload and its data_hash in one step.
func BuildEVMPayload(resourceID resourceid.ID, functionSig [4]byte, srcChainID uint32, leafIndex uint32, merkleRoot [32]byte) []byte {
	h := Header{
		ResourceID:  resourceID,
		FunctionSig: functionSig,
		Nonce:       leafIndex,
	}
	a := AnchorUpdate{
		SrcChainType: ChainTypeEVM,
		SrcChainID:   srcChainID,
		LeafIndex:    leafIndex,
		MerkleRoot:   merkleRoot,
	}
	return EncodePayload(h, a)
}

// BuildSubstratePayload is BuildEVMPayload's Substrate-source counterpart.
// spec.md §9 records an open question: one source code path sets
// nonce = leaf_index + 1 for Substrate-originated deposits, asymmetric
// with the EVM path's nonce = leaf_index. That asymmetry is preserved
// here as-is rather than "fixed" — only the proposal's nonce is offset;
// AnchorUpdate.LeafIndex still carries the anchor's true leaf index.
func BuildSubstratePayload(resourceID resourceid.ID, functionSig [4]byte, srcChainID uint32, leafIndex uint32, merkleRoot [32]byte) []byte {
	h := Header{
		ResourceID:  resourceID,
		FunctionSig: functionSig,
		Nonce:       leafIndex + 1,
	}
	a := AnchorUpdate{
		SrcChainType: ChainTypeSubstrate,
		SrcChainID:   srcChainID,
		LeafIndex:    leafIndex,
		MerkleRoot:   merkleRoot,
	}
	return EncodePayload(h, a)
}

// NonceForSource returns the proposal nonce for a deposit, applying the
// spec.md §9 Substrate offset (leaf_index+1) only when srcChainType names
// the Substrate variant; EVM sources use nonce = leaf_index unchanged.
func NonceForSource(srcChainType uint16, leafIndex uint32) uint32 {
	if srcChainType == ChainTypeSubstrate {
		return leafIndex + 1
	}
	return leafIndex
}

// DataHash computes keccak256(handler_address ‖ payload) per spec.md §3/§4.5.
func DataHash(handler common.Address, payload []byte) [32]byte {
	buf := make([]byte, 0, 20+len(payload))
	buf = append(buf, handler.Bytes()...)
	buf = append(buf, payload...)
	return crypto.Keccak256Hash(buf)
}
