package common

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	// AccountIdxBytesLen is the length of an AccountIdx in the public data
	AccountIdxBytesLen = 4
	// NonceBytesLen is the length of a Nonce in the public data
	NonceBytesLen = 4
	// TokenIDBytesLen is the length of a TokenID in the public data
	TokenIDBytesLen = 2
	// BlockNumBytesLen is the length of a BlockNum in its byte form
	BlockNumBytesLen = 4
	// PubKeyHashLen is the length of a PubKeyHash
	PubKeyHashLen = 20
)

// AccountIdx represents the account index in the account tree
type AccountIdx uint32

// Bytes returns the big endian representation of the AccountIdx
func (idx AccountIdx) Bytes() [AccountIdxBytesLen]byte {
	var b [AccountIdxBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(idx))
	return b
}

// BigInt returns a *big.Int representing the AccountIdx
func (idx AccountIdx) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(idx))
}

// AccountIdxFromBytes returns AccountIdx from a byte array
func AccountIdxFromBytes(b []byte) (AccountIdx, error) {
	if len(b) != AccountIdxBytesLen {
		return 0, Wrap(fmt.Errorf("can not parse AccountIdx, bytes len %d, expected %d",
			len(b), AccountIdxBytesLen))
	}
	return AccountIdx(binary.BigEndian.Uint32(b)), nil
}

// Nonce is the number of operations originated by an account
type Nonce uint32

// Bytes returns the big endian representation of the Nonce
func (n Nonce) Bytes() [NonceBytesLen]byte {
	var b [NonceBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return b
}

// BigInt returns a *big.Int representing the Nonce
func (n Nonce) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(n))
}

// NonceFromBytes returns Nonce from a byte array
func NonceFromBytes(b []byte) (Nonce, error) {
	if len(b) != NonceBytesLen {
		return 0, Wrap(fmt.Errorf("can not parse Nonce, bytes len %d, expected %d",
			len(b), NonceBytesLen))
	}
	return Nonce(binary.BigEndian.Uint32(b)), nil
}

// BlockNum identifies a rollup block
type BlockNum uint32

// Bytes returns the big endian representation of the BlockNum
func (bn BlockNum) Bytes() [BlockNumBytesLen]byte {
	var b [BlockNumBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(bn))
	return b
}

// BigInt returns a *big.Int representing the BlockNum
func (bn BlockNum) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(bn))
}

// BlockNumFromBytes returns BlockNum from a byte array
func BlockNumFromBytes(b []byte) (BlockNum, error) {
	if len(b) != BlockNumBytesLen {
		return 0, Wrap(fmt.Errorf("can not parse BlockNum, bytes len %d, expected %d",
			len(b), BlockNumBytesLen))
	}
	return BlockNum(binary.BigEndian.Uint32(b)), nil
}

// PubKeyHash is the hash of the BabyJubJub public key that authorizes the
// signed operations of an account. The zero value means no key is set.
type PubKeyHash [PubKeyHashLen]byte

// EmptyPubKeyHash is the PubKeyHash of an account without signing key
var EmptyPubKeyHash PubKeyHash

// IsZero returns true when no key is set
func (pkh PubKeyHash) IsZero() bool {
	return pkh == EmptyPubKeyHash
}

// BigInt returns a *big.Int representing the PubKeyHash
func (pkh PubKeyHash) BigInt() *big.Int {
	return new(big.Int).SetBytes(pkh[:])
}

func (pkh PubKeyHash) String() string {
	return "sync:" + hex.EncodeToString(pkh[:])
}

// MarshalText implements encoding.TextMarshaler
func (pkh PubKeyHash) MarshalText() ([]byte, error) {
	return []byte(pkh.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (pkh *PubKeyHash) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) > 5 && s[:5] == "sync:" {
		s = s[5:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Wrap(err)
	}
	if len(b) != PubKeyHashLen {
		return Wrap(fmt.Errorf("invalid PubKeyHash length %d", len(b)))
	}
	copy(pkh[:], b)
	return nil
}
