package test

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"zkrollup/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
)

// Account is a user of the rollup with deterministic keys, used to build
// and sign operations in tests. Idx and Nonce must be kept up to date by the
// test.
type Account struct {
	Name       string
	EthKey     *ecdsa.PrivateKey
	Addr       ethCommon.Address
	BJJ        babyjub.PrivateKey
	PubKeyHash common.PubKeyHash
	Idx        common.AccountIdx
	Nonce      common.Nonce
}

// NewAccount returns the account with the keys derived from its name
func NewAccount(name string) *Account {
	ethKey, err := ethCrypto.ToECDSA(ethCrypto.Keccak256([]byte("eth" + name)))
	if err != nil {
		panic(err)
	}
	var sk babyjub.PrivateKey
	copy(sk[:], ethCrypto.Keccak256([]byte("bjj"+name)))
	pkh, err := common.PubKeyHashFromPubKey(sk.Public())
	if err != nil {
		panic(err)
	}
	return &Account{
		Name:       name,
		EthKey:     ethKey,
		Addr:       ethCrypto.PubkeyToAddress(ethKey.PublicKey),
		BJJ:        sk,
		PubKeyHash: pkh,
	}
}

// NewAccounts returns n accounts named "A0", "A1"...
func NewAccounts(n int) []*Account {
	accounts := make([]*Account, n)
	for i := range accounts {
		accounts[i] = NewAccount(fmt.Sprintf("A%d", i))
	}
	return accounts
}

// Tokens returns a TokenRegistry with the tokens 0..n-1
func Tokens(n int, balanceLevels int) *common.TokenRegistry {
	tokens := make([]common.Token, n)
	for i := range tokens {
		tokens[i] = common.Token{
			TokenID:  common.TokenID(i),
			EthAddr:  ethCommon.BigToAddress(big.NewInt(int64(1000 + i))),
			Symbol:   fmt.Sprintf("TK%d", i),
			Decimals: 18,
		}
	}
	return common.NewTokenRegistry(tokens, balanceLevels)
}

func (a *Account) sign(op common.SignedOperation) {
	if err := common.Sign(op, &a.BJJ); err != nil {
		panic(err)
	}
	a.Nonce++
}

// Deposit returns a deposit of amount to the account
func (a *Account) Deposit(token common.TokenID, amount int64) *common.DepositOp {
	return &common.DepositOp{Address: a.Addr, Token: token, Amount: big.NewInt(amount)}
}

// ChangePubKey returns the signed ChangePubKeyOp that sets the BabyJubJub key
// of the account
func (a *Account) ChangePubKey() *common.ChangePubKeyOp {
	op := &common.ChangePubKeyOp{
		Account:       a.Idx,
		Address:       a.Addr,
		NewPubKeyHash: a.PubKeyHash,
		Nonce:         a.Nonce,
	}
	if err := op.SignEth(a.EthKey); err != nil {
		panic(err)
	}
	a.sign(op)
	return op
}

// Transfer returns a signed transfer to an existing account
func (a *Account) Transfer(to *Account, token common.TokenID, amount, fee int64) *common.TransferOp {
	op := &common.TransferOp{
		From:   a.Idx,
		To:     to.Idx,
		Token:  token,
		Amount: big.NewInt(amount),
		Fee:    big.NewInt(fee),
		Nonce:  a.Nonce,
	}
	a.sign(op)
	return op
}

// TransferToNew returns a signed transfer to an address without account
func (a *Account) TransferToNew(to *Account, token common.TokenID,
	amount, fee int64) *common.TransferToNewOp {
	op := &common.TransferToNewOp{
		From:      a.Idx,
		ToAddress: to.Addr,
		Token:     token,
		Amount:    big.NewInt(amount),
		Fee:       big.NewInt(fee),
		Nonce:     a.Nonce,
	}
	a.sign(op)
	return op
}

// Withdraw returns a signed withdrawal to the address of the account
func (a *Account) Withdraw(token common.TokenID, amount, fee int64) *common.WithdrawOp {
	op := &common.WithdrawOp{
		Account: a.Idx,
		To:      a.Addr,
		Token:   token,
		Amount:  big.NewInt(amount),
		Fee:     big.NewInt(fee),
		Nonce:   a.Nonce,
	}
	a.sign(op)
	return op
}

// Close returns a signed CloseOp of the account
func (a *Account) Close() *common.CloseOp {
	op := &common.CloseOp{Account: a.Idx, Nonce: a.Nonce}
	a.sign(op)
	return op
}

// FullExit returns the FullExitOp of the token registered by the account
func (a *Account) FullExit(token common.TokenID) *common.FullExitOp {
	return &common.FullExitOp{Account: a.Idx, Address: a.Addr, Token: token}
}

// ForcedExit returns a signed ForcedExitOp of the target account
func (a *Account) ForcedExit(target *Account, token common.TokenID, fee int64) *common.ForcedExitOp {
	op := &common.ForcedExitOp{
		Initiator:     a.Idx,
		Target:        target.Idx,
		TargetAddress: target.Addr,
		Token:         token,
		Fee:           big.NewInt(fee),
		Nonce:         a.Nonce,
	}
	a.sign(op)
	return op
}
