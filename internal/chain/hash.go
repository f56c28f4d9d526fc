package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"
)

// MessageHash computes the canonical hash of an encoded message payload,
// matching what nodes report for submitted extrinsics.
func MessageHash(payload []byte) common.Hash {
	return common.Hash(blake2b.Sum256(payload))
}
