package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/poseidon"
	cryptoUtils "github.com/iden3/go-iden3-crypto/utils"
)

const (
	// NLeafElems is the number of elements hashed into an account leaf
	NLeafElems = 4

	// accountHeaderLen is the length of the fixed part of the account
	// serialization: nonce | pubKeyHash | address | numBalances
	accountHeaderLen = NonceBytesLen + PubKeyHashLen + ethCommon.AddressLength + 2
	// balanceEntryLen is the length of a token | amount entry
	balanceEntryLen = TokenIDBytesLen + AmountBytesLength
)

var (
	// EmptyAddr is used to check if an ethereum address is 0
	EmptyAddr = ethCommon.HexToAddress("0x0000000000000000000000000000000000000000")
)

// Account is the state of an account of the rollup. Is the data structure
// that generates the Value stored in the leaf of the account tree.
type Account struct {
	Idx        AccountIdx           `json:"accountIndex"`
	Address    ethCommon.Address    `json:"address"`
	Nonce      Nonce                `json:"nonce"`
	PubKeyHash PubKeyHash           `json:"pubKeyHash"`
	Balances   map[TokenID]*big.Int `json:"balances"`
}

// NewAccount returns an account without balances for the given address
func NewAccount(idx AccountIdx, addr ethCommon.Address) *Account {
	return &Account{
		Idx:      idx,
		Address:  addr,
		Balances: make(map[TokenID]*big.Int),
	}
}

// NewEmptyAccount returns the account stored at a leaf that has never been
// allocated or that has been closed
func NewEmptyAccount(idx AccountIdx) *Account {
	return NewAccount(idx, EmptyAddr)
}

// Balance returns a copy of the balance of the given token
func (a *Account) Balance(token TokenID) *big.Int {
	if b, ok := a.Balances[token]; ok && b != nil {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// SetBalance sets the balance of the given token. Zero balances are removed
// from the map so that equal states have a unique representation.
func (a *Account) SetBalance(token TokenID, amount *big.Int) {
	if a.Balances == nil {
		a.Balances = make(map[TokenID]*big.Int)
	}
	if amount.Sign() == 0 {
		delete(a.Balances, token)
		return
	}
	a.Balances[token] = new(big.Int).Set(amount)
}

// Tokens returns the tokens with a non zero balance, sorted
func (a *Account) Tokens() []TokenID {
	tokens := make([]TokenID, 0, len(a.Balances))
	for token, b := range a.Balances {
		if b != nil && b.Sign() != 0 {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// IsEmpty returns true if the account has the same content as a never
// allocated leaf
func (a *Account) IsEmpty() bool {
	return a.Address == EmptyAddr && a.Nonce == 0 && a.PubKeyHash.IsZero() &&
		len(a.Tokens()) == 0
}

// HasZeroBalances returns true if all the balances of the account are zero
func (a *Account) HasZeroBalances() bool {
	return len(a.Tokens()) == 0
}

// Copy returns a deep copy of the account
func (a *Account) Copy() *Account {
	c := &Account{
		Idx:        a.Idx,
		Address:    a.Address,
		Nonce:      a.Nonce,
		PubKeyHash: a.PubKeyHash,
		Balances:   make(map[TokenID]*big.Int, len(a.Balances)),
	}
	for token, b := range a.Balances {
		if b != nil {
			c.Balances[token] = new(big.Int).Set(b)
		}
	}
	return c
}

// Bytes returns the serialization of the account stored in the KV database:
// nonce (4) | pubKeyHash (20) | address (20) | n (2) | n * (token (2) | amount (16))
// Balances are sorted by token so that the serialization is unique.
func (a *Account) Bytes() ([]byte, error) {
	tokens := a.Tokens()
	b := make([]byte, accountHeaderLen+len(tokens)*balanceEntryLen)
	nonceBytes := a.Nonce.Bytes()
	copy(b[0:4], nonceBytes[:])
	copy(b[4:24], a.PubKeyHash[:])
	copy(b[24:44], a.Address.Bytes())
	binary.BigEndian.PutUint16(b[44:46], uint16(len(tokens)))
	for i, token := range tokens {
		offset := accountHeaderLen + i*balanceEntryLen
		tokenBytes := token.Bytes()
		copy(b[offset:offset+2], tokenBytes[:])
		amountBytes, err := AmountBytes(a.Balances[token])
		if err != nil {
			return nil, Wrap(fmt.Errorf("%w: balance of token %d", ErrEncodingOverflow, token))
		}
		copy(b[offset+2:offset+balanceEntryLen], amountBytes[:])
	}
	return b, nil
}

// AccountFromBytes returns an Account from its KV database serialization
func AccountFromBytes(b []byte) (*Account, error) {
	if len(b) < accountHeaderLen {
		return nil, Wrap(fmt.Errorf("can not parse Account, bytes len %d, expected at least %d",
			len(b), accountHeaderLen))
	}
	n := int(binary.BigEndian.Uint16(b[44:46]))
	if len(b) != accountHeaderLen+n*balanceEntryLen {
		return nil, Wrap(fmt.Errorf("can not parse Account, bytes len %d, expected %d",
			len(b), accountHeaderLen+n*balanceEntryLen))
	}
	nonce, err := NonceFromBytes(b[0:4])
	if err != nil {
		return nil, Wrap(err)
	}
	a := &Account{
		Nonce:    nonce,
		Address:  ethCommon.BytesToAddress(b[24:44]),
		Balances: make(map[TokenID]*big.Int, n),
	}
	copy(a.PubKeyHash[:], b[4:24])
	for i := 0; i < n; i++ {
		offset := accountHeaderLen + i*balanceEntryLen
		token, err := TokenIDFromBytes(b[offset : offset+2])
		if err != nil {
			return nil, Wrap(err)
		}
		amount, err := AmountFromBytes(b[offset+2 : offset+balanceEntryLen])
		if err != nil {
			return nil, Wrap(err)
		}
		a.Balances[token] = amount
	}
	return a, nil
}

// BigInts returns the [NLeafElems]*big.Int hashed into the leaf, where each
// *big.Int is inside the Finite Field: nonce, pubKeyHash, address and the
// root of the balance subtree
func (a *Account) BigInts(balanceRoot *big.Int) ([NLeafElems]*big.Int, error) {
	e := [NLeafElems]*big.Int{
		a.Nonce.BigInt(),
		a.PubKeyHash.BigInt(),
		EthAddrToBigInt(a.Address),
		balanceRoot,
	}
	if !cryptoUtils.CheckBigIntInField(balanceRoot) {
		return e, Wrap(ErrNotInFF)
	}
	return e, nil
}

// HashValue returns the value of the Account leaf, which is the Poseidon hash
// of its *big.Int representation
func (a *Account) HashValue(balanceRoot *big.Int) (*big.Int, error) {
	bi, err := a.BigInts(balanceRoot)
	if err != nil {
		return nil, Wrap(err)
	}
	return poseidon.Hash(bi[:])
}

// EthAddrToBigInt returns a *big.Int from a given ethereum common.Address.
func EthAddrToBigInt(a ethCommon.Address) *big.Int {
	return new(big.Int).SetBytes(a.Bytes())
}
