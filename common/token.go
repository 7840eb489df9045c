package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Token is a struct that represents an Ethereum token that is supported in
// the rollup
type Token struct {
	TokenID  TokenID           `json:"id" meddler:"token_id"`
	EthAddr  ethCommon.Address `json:"ethereumAddress" meddler:"eth_addr"`
	Symbol   string            `json:"symbol" meddler:"symbol"`
	Decimals uint64            `json:"decimals" meddler:"decimals"`
}

// TokenID is the unique identifier of the token, as set in the smart contract
type TokenID uint16

// Bytes returns a byte array of length 2 representing the TokenID
func (t TokenID) Bytes() [TokenIDBytesLen]byte {
	var b [TokenIDBytesLen]byte
	binary.BigEndian.PutUint16(b[:], uint16(t))
	return b
}

// BigInt returns a *big.Int representing the TokenID
func (t TokenID) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(t))
}

// TokenIDFromBytes returns TokenID from a byte array
func TokenIDFromBytes(b []byte) (TokenID, error) {
	if len(b) != TokenIDBytesLen {
		return 0, Wrap(fmt.Errorf("can not parse TokenID, bytes len %d, expected %d",
			len(b), TokenIDBytesLen))
	}
	return TokenID(binary.BigEndian.Uint16(b)), nil
}

// TokenRegistry is the set of tokens that operations can use. It is immutable
// after creation and safe to share between goroutines.
type TokenRegistry struct {
	tokens map[TokenID]Token
	// limit is the number of token ids that fit in the balance subtree
	limit uint64
}

// NewTokenRegistry returns a TokenRegistry with the given tokens. balanceLevels
// is the depth of the balance subtree of every account, token ids that do not
// fit in it are never valid.
func NewTokenRegistry(tokens []Token, balanceLevels int) *TokenRegistry {
	r := &TokenRegistry{
		tokens: make(map[TokenID]Token, len(tokens)),
		limit:  1 << uint(balanceLevels),
	}
	for _, token := range tokens {
		r.tokens[token.TokenID] = token
	}
	return r
}

// Valid returns true if the token can be used in operations
func (r *TokenRegistry) Valid(id TokenID) bool {
	if uint64(id) >= r.limit {
		return false
	}
	_, ok := r.tokens[id]
	return ok
}

// Get returns the token with the given id
func (r *TokenRegistry) Get(id TokenID) (Token, bool) {
	token, ok := r.tokens[id]
	return token, ok
}

// Tokens returns the registered tokens sorted by id
func (r *TokenRegistry) Tokens() []Token {
	tokens := make([]Token, 0, len(r.tokens))
	for _, token := range r.tokens {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].TokenID < tokens[j].TokenID })
	return tokens
}
