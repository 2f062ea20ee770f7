package proposal

import "github.com/w3f-grants-archive/relayer/pkg/resourceid"

// Entity is the locally-tracked mirror of an on-chain proposal (spec.md
// §3's ProposalEntity). SrcChainID is carried as uint64 rather than the
// spec's u256: nothing in this codebase needs a chain id wider than 64
// bits, and the wire AnchorUpdate field is itself only 32 bits.
type Entity struct {
	SrcChainID uint64
	Nonce      uint64 // equals the source leaf_index
	ResourceID resourceid.ID
	Data       []byte
	DataHash   [32]byte
	Status     Status
}

// Key is the (src_chain_id, nonce, resource_id) primary key named in
// spec.md §3.
type Key struct {
	SrcChainID uint64
	Nonce      uint64
	ResourceID resourceid.ID
}

func (e Entity) Key() Key {
	return Key{SrcChainID: e.SrcChainID, Nonce: e.Nonce, ResourceID: e.ResourceID}
}

// New builds an Entity in the Inactive status from a built payload.
func New(srcChainID uint64, leafIndex uint32, resourceID resourceid.ID, handlerDataHash [32]byte, data []byte) Entity {
	return Entity{
		SrcChainID: srcChainID,
		Nonce:      uint64(leafIndex),
		ResourceID: resourceID,
		Data:       data,
		DataHash:   handlerDataHash,
		Status:     StatusInactive,
	}
}
