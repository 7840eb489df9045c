package common

import (
	"fmt"
	"math/big"
	"reflect"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// ChunkBytes is the width in bytes of a public data chunk. Every operation
// occupies a fixed number of chunks of the block.
const ChunkBytes = 9

// OpType is the tag of an operation in the public data
type OpType uint8

const (
	// OpTypeNoop is the padding operation, encoded as an all zero chunk
	OpTypeNoop OpType = 0
	// OpTypeDeposit credits an L1 deposit to an address, creating its
	// account when it does not exist
	OpTypeDeposit OpType = 1
	// OpTypeTransferToNew transfers to an address without account,
	// creating it
	OpTypeTransferToNew OpType = 2
	// OpTypeWithdraw moves funds from an account to an L1 address
	OpTypeWithdraw OpType = 3
	// OpTypeClose resets an account without balances to the empty leaf
	OpTypeClose OpType = 4
	// OpTypeTransfer transfers between existing accounts
	OpTypeTransfer OpType = 5
	// OpTypeFullExit is the L1 priority request to withdraw a whole balance
	OpTypeFullExit OpType = 6
	// OpTypeChangePubKey sets the key that authorizes the signed operations
	OpTypeChangePubKey OpType = 7
	// OpTypeForcedExit withdraws the whole balance of an account without
	// signing key, paid by the initiator
	OpTypeForcedExit OpType = 8
)

var opTypeChunks = map[OpType]int{
	OpTypeNoop:          1,
	OpTypeDeposit:       6,
	OpTypeTransferToNew: 6,
	OpTypeWithdraw:      6,
	OpTypeClose:         1,
	OpTypeTransfer:      2,
	OpTypeFullExit:      6,
	OpTypeChangePubKey:  6,
	OpTypeForcedExit:    6,
}

var opTypeNames = map[OpType]string{
	OpTypeNoop:          "Noop",
	OpTypeDeposit:       "Deposit",
	OpTypeTransferToNew: "TransferToNew",
	OpTypeWithdraw:      "Withdraw",
	OpTypeClose:         "Close",
	OpTypeTransfer:      "Transfer",
	OpTypeFullExit:      "FullExit",
	OpTypeChangePubKey:  "ChangePubKey",
	OpTypeForcedExit:    "ForcedExit",
}

// Chunks returns the number of public data chunks used by the operation type,
// or 0 for an unknown type
func (t OpType) Chunks() int {
	return opTypeChunks[t]
}

// PubDataLen returns the length in bytes of the public data of the operation
// type
func (t OpType) PubDataLen() int {
	return t.Chunks() * ChunkBytes
}

// Valid returns true if the OpType is a known tag
func (t OpType) Valid() bool {
	_, ok := opTypeChunks[t]
	return ok
}

func (t OpType) String() string {
	if name, ok := opTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OpType(%d)", uint8(t))
}

// Operation is the closed set of operations processed by the rollup. Only the
// types of this package implement it.
type Operation interface {
	Type() OpType
	isOperation()
}

// SignedOperation is an Operation authorized by the BabyJubJub key of its
// originating account
type SignedOperation interface {
	Operation
	// Signer is the account that authorizes the operation and whose nonce
	// is increased
	Signer() AccountIdx
	// OpNonce is the nonce the signer states for the operation
	OpNonce() Nonce
	// SignBytes is the message that is hashed and signed
	SignBytes() ([]byte, error)
	// ZkSig returns the signature of the operation
	ZkSig() *ZkSignature
}

// NoopOp pads a block up to its capacity
type NoopOp struct{}

// DepositOp credits an amount deposited on L1 to the account of Address
type DepositOp struct {
	Address ethCommon.Address `json:"address"`
	Token   TokenID           `json:"token"`
	Amount  *big.Int          `json:"amount"`
}

// TransferOp moves Amount from an existing account to another existing
// account
type TransferOp struct {
	From   AccountIdx `json:"from"`
	To     AccountIdx `json:"to"`
	Token  TokenID    `json:"token"`
	Amount *big.Int   `json:"amount"`
	Fee    *big.Int   `json:"fee"`
	Nonce  Nonce      `json:"nonce"`
	ZkSignature
}

// TransferToNewOp moves Amount from an existing account to an address that
// has no account yet, allocating it
type TransferToNewOp struct {
	From      AccountIdx        `json:"from"`
	ToAddress ethCommon.Address `json:"toAddress"`
	Token     TokenID           `json:"token"`
	Amount    *big.Int          `json:"amount"`
	Fee       *big.Int          `json:"fee"`
	Nonce     Nonce             `json:"nonce"`
	ZkSignature
}

// WithdrawOp moves Amount from an account to an L1 address
type WithdrawOp struct {
	Account AccountIdx        `json:"account"`
	To      ethCommon.Address `json:"to"`
	Token   TokenID           `json:"token"`
	Amount  *big.Int          `json:"amount"`
	Fee     *big.Int          `json:"fee"`
	Nonce   Nonce             `json:"nonce"`
	ZkSignature
}

// CloseOp resets an account whose balances are all zero
type CloseOp struct {
	Account AccountIdx `json:"account"`
	Nonce   Nonce      `json:"nonce"`
	ZkSignature
}

// FullExitOp is the priority request, registered on L1 by Address, to
// withdraw the whole balance of Token of the account
type FullExitOp struct {
	Account AccountIdx        `json:"account"`
	Address ethCommon.Address `json:"address"`
	Token   TokenID           `json:"token"`
}

// ChangePubKeyOp sets NewPubKeyHash as the signing key of the account. It is
// authorized by an Ethereum signature of the account address and by a
// signature of the new key.
type ChangePubKeyOp struct {
	Account       AccountIdx        `json:"account"`
	Address       ethCommon.Address `json:"address"`
	NewPubKeyHash PubKeyHash        `json:"newPkHash"`
	Nonce         Nonce             `json:"nonce"`
	EthSignature  []byte            `json:"ethSignature"`
	ZkSignature
}

// ForcedExitOp withdraws the whole balance of Token of an account without
// signing key to its address. The fee is paid by the initiator.
type ForcedExitOp struct {
	Initiator     AccountIdx        `json:"initiator"`
	Target        AccountIdx        `json:"target"`
	TargetAddress ethCommon.Address `json:"targetAddress"`
	Token         TokenID           `json:"token"`
	Fee           *big.Int          `json:"fee"`
	Nonce         Nonce             `json:"nonce"`
	ZkSignature
}

// Type implements Operation
func (NoopOp) Type() OpType { return OpTypeNoop }

// Type implements Operation
func (*DepositOp) Type() OpType { return OpTypeDeposit }

// Type implements Operation
func (*TransferOp) Type() OpType { return OpTypeTransfer }

// Type implements Operation
func (*TransferToNewOp) Type() OpType { return OpTypeTransferToNew }

// Type implements Operation
func (*WithdrawOp) Type() OpType { return OpTypeWithdraw }

// Type implements Operation
func (*CloseOp) Type() OpType { return OpTypeClose }

// Type implements Operation
func (*FullExitOp) Type() OpType { return OpTypeFullExit }

// Type implements Operation
func (*ChangePubKeyOp) Type() OpType { return OpTypeChangePubKey }

// Type implements Operation
func (*ForcedExitOp) Type() OpType { return OpTypeForcedExit }

func (NoopOp) isOperation()           {}
func (*DepositOp) isOperation()       {}
func (*TransferOp) isOperation()      {}
func (*TransferToNewOp) isOperation() {}
func (*WithdrawOp) isOperation()      {}
func (*CloseOp) isOperation()         {}
func (*FullExitOp) isOperation()      {}
func (*ChangePubKeyOp) isOperation()  {}
func (*ForcedExitOp) isOperation()    {}

// Signer implements SignedOperation
func (op *TransferOp) Signer() AccountIdx { return op.From }

// Signer implements SignedOperation
func (op *TransferToNewOp) Signer() AccountIdx { return op.From }

// Signer implements SignedOperation
func (op *WithdrawOp) Signer() AccountIdx { return op.Account }

// Signer implements SignedOperation
func (op *CloseOp) Signer() AccountIdx { return op.Account }

// Signer implements SignedOperation
func (op *ChangePubKeyOp) Signer() AccountIdx { return op.Account }

// Signer implements SignedOperation
func (op *ForcedExitOp) Signer() AccountIdx { return op.Initiator }

// OpNonce implements SignedOperation
func (op *TransferOp) OpNonce() Nonce { return op.Nonce }

// OpNonce implements SignedOperation
func (op *TransferToNewOp) OpNonce() Nonce { return op.Nonce }

// OpNonce implements SignedOperation
func (op *WithdrawOp) OpNonce() Nonce { return op.Nonce }

// OpNonce implements SignedOperation
func (op *CloseOp) OpNonce() Nonce { return op.Nonce }

// OpNonce implements SignedOperation
func (op *ChangePubKeyOp) OpNonce() Nonce { return op.Nonce }

// OpNonce implements SignedOperation
func (op *ForcedExitOp) OpNonce() Nonce { return op.Nonce }

// IsNilOp returns true when op is nil or holds a nil pointer
func IsNilOp(op Operation) bool {
	if op == nil {
		return true
	}
	v := reflect.ValueOf(op)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// CheckEncodable checks, without looking at the state, that every field of
// the operation fits in its public data encoding
func CheckEncodable(op Operation) error {
	if IsNilOp(op) {
		return NewValidationError(ReasonUnsupportedOp, "nil operation %T", op)
	}
	switch o := op.(type) {
	case NoopOp, *NoopOp:
		return nil
	case *DepositOp:
		return Wrap(CheckAmount(o.Amount))
	case *TransferOp:
		return checkPackable(o.Amount, o.Fee)
	case *TransferToNewOp:
		return checkPackable(o.Amount, o.Fee)
	case *WithdrawOp:
		if err := CheckAmount(o.Amount); err != nil {
			return Wrap(err)
		}
		return checkFee(o.Fee)
	case *CloseOp:
		return nil
	case *FullExitOp:
		return nil
	case *ChangePubKeyOp:
		return nil
	case *ForcedExitOp:
		return checkFee(o.Fee)
	default:
		return NewValidationError(ReasonUnsupportedOp, "operation %T", op)
	}
}

func checkPackable(amount, fee *big.Int) error {
	if err := CheckAmount(amount); err != nil {
		return Wrap(err)
	}
	if _, err := NewFloat40(amount); err != nil {
		return Wrap(err)
	}
	return checkFee(fee)
}

func checkFee(fee *big.Int) error {
	if err := CheckAmount(fee); err != nil {
		return Wrap(err)
	}
	if _, err := NewFloat16(fee); err != nil {
		return Wrap(err)
	}
	return nil
}

// OpFee returns the token and fee paid by the operation, nil when the
// operation pays no fee
func OpFee(op Operation) (TokenID, *big.Int) {
	switch o := op.(type) {
	case *TransferOp:
		return o.Token, o.Fee
	case *TransferToNewOp:
		return o.Token, o.Fee
	case *WithdrawOp:
		return o.Token, o.Fee
	case *ForcedExitOp:
		return o.Token, o.Fee
	default:
		return 0, nil
	}
}
