/*
Package txprocessor is the module that takes the operations of a block and
processes them, updating the Balances, Nonces and keys of the Accounts in the
StateDB.

It's a package used by 3 other different packages, and its behaviour will differ
depending on the Type of the StateDB of the TxProcessor:

- TypeStateKeeper:
  - Validates every submitted operation: account existence, nonce,
    signature, balance after fee and token, in this order
  - Updates the StateDB, without computing any witness

- TypeWitness:
  - Replays the operations of a committed block, which carry their
    signatures, checking nonces and balances again
  - Captures the LeafTransition of every updated leaf, later used by the
    BatchBuilder to build the WitnessBundle

- TypeObserver:
  - Replays the operations decoded from the public data of committed
    blocks, which carry neither signatures nor nonces
  - Nonces are taken from the state

Packages dependency overview:

		    +-----------+           +------------+           +------------+
		    |StateKeeper|           |BatchBuilder|           |Synchronizer|
		    +-----+-----+           +-----+------+           +-----+------+
			  |                       |                        |
			  v                       v                        v
		     TxProcessor             TxProcessor              TxProcessor
			  +                       +                        +
			  |                       |                        |
			  v                       v                        v
		       StateDB            LocalStateDB                  StateDB
			  +
			  |
		     +----+----+
		     |         |
		     v         v
		   KVDB   AccountTree

The fees of the processed operations are accumulated by token and credited to
the fee account with CreditFees when the block is sealed.
*/
package txprocessor

import (
	"fmt"
	"math/big"

	"zkrollup/common"
	"zkrollup/database/statedb"
	"zkrollup/log"
)

// TxProcessor represents the TxProcessor object
type TxProcessor struct {
	state *statedb.StateDB
	// AccumulatedFees contains the accumulated fees for each token in the
	// processed block
	AccumulatedFees *common.FeeAccumulator
	config          Config
}

// Config contains the TxProcessor configuration parameters
type Config struct {
	// FeeAccount is the account that receives the fees of the block
	FeeAccount common.AccountIdx
	// Tokens are the tokens that operations can use
	Tokens *common.TokenRegistry
}

// NewTxProcessor returns a new TxProcessor with the given *StateDB & Config
func NewTxProcessor(state *statedb.StateDB, config Config) *TxProcessor {
	return &TxProcessor{
		state:           state,
		AccumulatedFees: common.NewFeeAccumulator(),
		config:          config,
	}
}

// StateDB returns the StateDB of the TxProcessor
func (tp *TxProcessor) StateDB() *statedb.StateDB {
	return tp.state
}

// Reset discards the accumulated fees
func (tp *TxProcessor) Reset() {
	tp.AccumulatedFees.Reset()
}

func (tp *TxProcessor) verifySignatures() bool {
	return tp.state.Type() == statedb.TypeStateKeeper
}

func (tp *TxProcessor) captureWitness() bool {
	return tp.state.Type() == statedb.TypeWitness
}

func (tp *TxProcessor) replay() bool {
	return tp.state.Type() == statedb.TypeObserver
}

// ProcessOp validates the operation against the current state and applies
// it. When the operation is not valid a *common.ValidationError (or an
// encoding error) is returned and the state is not modified. Any other
// error means that the state may have been partially updated, and the
// caller must discard it.
func (tp *TxProcessor) ProcessOp(op common.Operation) (*common.ExecutedOp, error) {
	if err := common.CheckEncodable(op); err != nil {
		return nil, common.Wrap(err)
	}
	var exec *common.ExecutedOp
	var err error
	switch o := op.(type) {
	case common.NoopOp:
		exec, err = tp.applyNoop()
	case *common.NoopOp:
		exec, err = tp.applyNoop()
	case *common.DepositOp:
		exec, err = tp.applyDeposit(o)
	case *common.TransferOp:
		exec, err = tp.applyTransfer(o)
	case *common.TransferToNewOp:
		exec, err = tp.applyTransferToNew(o)
	case *common.WithdrawOp:
		exec, err = tp.applyWithdraw(o)
	case *common.CloseOp:
		exec, err = tp.applyClose(o)
	case *common.FullExitOp:
		exec, err = tp.applyFullExit(o)
	case *common.ChangePubKeyOp:
		exec, err = tp.applyChangePubKey(o)
	case *common.ForcedExitOp:
		exec, err = tp.applyForcedExit(o)
	default:
		return nil, common.NewValidationError(common.ReasonUnsupportedOp, "operation %T", op)
	}
	if err != nil {
		return nil, common.Wrap(err)
	}
	exec.Op = op
	exec.Type = op.Type()
	if exec.Fee != nil && exec.Fee.Sign() > 0 {
		tp.AccumulatedFees.Add(exec.Token, exec.Fee)
	}
	log.Debugw("TxProcessor: op processed", "type", exec.Type, "account", exec.AccountIdx,
		"target", exec.TargetIdx, "token", exec.Token, "amount", exec.Amount,
		"fee", exec.Fee, "failed", exec.Failed)
	return exec, nil
}

// CreditFees credits the accumulated fees to the fee account and resets
// them. In witness mode it also returns the transition of the fee account
// for each credit.
func (tp *TxProcessor) CreditFees() ([]common.FeeCredit, []*common.LeafTransition, error) {
	credits := tp.AccumulatedFees.Credits()
	if len(credits) == 0 {
		return nil, nil, nil
	}
	// validate all the credits before updating the fee account
	feeAcc, err := tp.existingAccount(tp.config.FeeAccount)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	for _, credit := range credits {
		newBalance := new(big.Int).Add(feeAcc.Balance(credit.Token), credit.Amount)
		if err := common.CheckAmount(newBalance); err != nil {
			return nil, nil, common.Wrap(err)
		}
	}
	var transitions []*common.LeafTransition
	for _, credit := range credits {
		feeAcc, err := tp.state.GetAccount(tp.config.FeeAccount)
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		feeAcc.SetBalance(credit.Token,
			new(big.Int).Add(feeAcc.Balance(credit.Token), credit.Amount))
		t, err := tp.setAccount(tp.config.FeeAccount, credit.Token, feeAcc)
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		if t != nil {
			transitions = append(transitions, t)
		}
		log.Debugw("TxProcessor: fee credited", "feeAccount", tp.config.FeeAccount,
			"token", credit.Token, "amount", credit.Amount)
	}
	tp.AccumulatedFees.Reset()
	return credits, transitions, nil
}

// setAccount writes the account to the StateDB, capturing the transition of
// its leaf for the given token in witness mode
func (tp *TxProcessor) setAccount(idx common.AccountIdx, token common.TokenID,
	account *common.Account) (*common.LeafTransition, error) {
	if !tp.captureWitness() {
		_, err := tp.state.SetAccount(idx, account)
		return nil, common.Wrap(err)
	}
	t, err := tp.state.CaptureTransition(idx, token, func() error {
		_, err := tp.state.SetAccount(idx, account)
		return err
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return t, nil
}

// apply writes the accounts in order, appending the captured transitions to
// the executed operation
func (tp *TxProcessor) apply(exec *common.ExecutedOp, token common.TokenID,
	accounts ...*common.Account) error {
	for _, account := range accounts {
		t, err := tp.setAccount(account.Idx, token, account)
		if err != nil {
			return common.Wrap(err)
		}
		if t != nil {
			exec.Transitions = append(exec.Transitions, t)
		}
	}
	return nil
}

// existingAccount returns the account at idx, or a validation error if the
// leaf is empty
func (tp *TxProcessor) existingAccount(idx common.AccountIdx) (*common.Account, error) {
	account, err := tp.state.GetAccountOrEmpty(idx)
	if common.Unwrap(err) == common.ErrIndexOutOfBounds {
		return nil, common.NewValidationError(common.ReasonUnknownAccount,
			"account %d out of the account tree", idx)
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	if account.IsEmpty() {
		return nil, common.NewValidationError(common.ReasonUnknownAccount,
			"account %d does not exist", idx)
	}
	return account, nil
}

// checkSigned checks the nonce and the signature of a signed operation
// against the state of its signer
func (tp *TxProcessor) checkSigned(op common.SignedOperation, signer *common.Account) error {
	if tp.replay() {
		return nil
	}
	if op.OpNonce() != signer.Nonce {
		return common.NewValidationError(common.ReasonBadNonce,
			"account %d: nonce %d, expected %d", signer.Idx, op.OpNonce(), signer.Nonce)
	}
	if !tp.verifySignatures() {
		return nil
	}
	if signer.PubKeyHash.IsZero() {
		return common.NewValidationError(common.ReasonBadSignature,
			"account %d has no signing key", signer.Idx)
	}
	pkh, ok := common.VerifySignature(op)
	if !ok || pkh != signer.PubKeyHash {
		return common.NewValidationError(common.ReasonBadSignature,
			"invalid signature of account %d", signer.Idx)
	}
	return nil
}

func (tp *TxProcessor) checkToken(token common.TokenID) error {
	if tp.config.Tokens == nil || !tp.config.Tokens.Valid(token) {
		return common.NewValidationError(common.ReasonBadToken, "token %d", token)
	}
	return nil
}

// debit returns the balance of token after paying amount + fee
func debit(account *common.Account, token common.TokenID, amount, fee *big.Int) (*big.Int, error) {
	total := new(big.Int).Add(amount, fee)
	balance := account.Balance(token)
	if balance.Cmp(total) < 0 {
		return nil, common.NewValidationError(common.ReasonInsufficientBalance,
			"account %d: balance %s of token %d, needed %s", account.Idx, balance, token, total)
	}
	return balance.Sub(balance, total), nil
}

// credit returns the balance of token after receiving amount, failing if it
// does not fit in a balance
func credit(balance, amount *big.Int) (*big.Int, error) {
	newBalance := new(big.Int).Add(balance, amount)
	if err := common.CheckAmount(newBalance); err != nil {
		return nil, common.Wrap(err)
	}
	return newBalance, nil
}

func (tp *TxProcessor) applyNoop() (*common.ExecutedOp, error) {
	return &common.ExecutedOp{
		AccountIdx: tp.config.FeeAccount,
		Amount:     big.NewInt(0),
		Fee:        big.NewInt(0),
	}, nil
}

func (tp *TxProcessor) applyDeposit(op *common.DepositOp) (*common.ExecutedOp, error) {
	if op.Address == common.EmptyAddr {
		return nil, common.NewValidationError(common.ReasonUnknownAccount, "deposit to the zero address")
	}
	if err := tp.checkToken(op.Token); err != nil {
		return nil, common.Wrap(err)
	}
	var account *common.Account
	isNew := false
	idx, err := tp.state.GetIdxByAddress(op.Address)
	if common.Unwrap(err) == statedb.ErrIdxNotFound {
		// the lowest unused idx is allocated only once the deposit is valid
		account = common.NewAccount(tp.state.NextAccountIdx(), op.Address)
		isNew = true
	} else if err != nil {
		return nil, common.Wrap(err)
	} else {
		account, err = tp.state.GetAccount(idx)
		if err != nil {
			return nil, common.Wrap(err)
		}
	}
	newBalance, err := credit(account.Balance(op.Token), op.Amount)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if isNew {
		if account.Idx, err = tp.state.AllocateAccountIdx(); err != nil {
			return nil, common.Wrap(err)
		}
	}
	account.SetBalance(op.Token, newBalance)

	exec := &common.ExecutedOp{
		AccountIdx: account.Idx,
		Address:    op.Address,
		Token:      op.Token,
		Amount:     new(big.Int).Set(op.Amount),
		Fee:        big.NewInt(0),
	}
	if err := tp.apply(exec, op.Token, account); err != nil {
		return nil, common.Wrap(err)
	}
	return exec, nil
}

func (tp *TxProcessor) applyTransfer(op *common.TransferOp) (*common.ExecutedOp, error) {
	from, err := tp.existingAccount(op.From)
	if err != nil {
		return nil, common.Wrap(err)
	}
	to, err := tp.existingAccount(op.To)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tp.checkSigned(op, from); err != nil {
		return nil, common.Wrap(err)
	}
	fromBalance, err := debit(from, op.Token, op.Amount, op.Fee)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tp.checkToken(op.Token); err != nil {
		return nil, common.Wrap(err)
	}
	from.SetBalance(op.Token, fromBalance)
	from.Nonce++
	if op.From == op.To {
		to = from.Copy()
	}
	toBalance, err := credit(to.Balance(op.Token), op.Amount)
	if err != nil {
		return nil, common.Wrap(err)
	}
	to.SetBalance(op.Token, toBalance)

	exec := &common.ExecutedOp{
		AccountIdx: op.From,
		TargetIdx:  op.To,
		Token:      op.Token,
		Amount:     new(big.Int).Set(op.Amount),
		Fee:        new(big.Int).Set(op.Fee),
	}
	if err := tp.apply(exec, op.Token, from, to); err != nil {
		return nil, common.Wrap(err)
	}
	return exec, nil
}

func (tp *TxProcessor) applyTransferToNew(op *common.TransferToNewOp) (*common.ExecutedOp, error) {
	from, err := tp.existingAccount(op.From)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if op.ToAddress == common.EmptyAddr {
		return nil, common.NewValidationError(common.ReasonUnknownAccount,
			"transfer to the zero address")
	}
	if idx, err := tp.state.GetIdxByAddress(op.ToAddress); err == nil {
		return nil, common.NewValidationError(common.ReasonAccountExists,
			"address %s already has the account %d", op.ToAddress.Hex(), idx)
	} else if common.Unwrap(err) != statedb.ErrIdxNotFound {
		return nil, common.Wrap(err)
	}
	if err := tp.checkSigned(op, from); err != nil {
		return nil, common.Wrap(err)
	}
	fromBalance, err := debit(from, op.Token, op.Amount, op.Fee)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tp.checkToken(op.Token); err != nil {
		return nil, common.Wrap(err)
	}
	toIdx, err := tp.state.AllocateAccountIdx()
	if err != nil {
		return nil, common.Wrap(err)
	}
	from.SetBalance(op.Token, fromBalance)
	from.Nonce++
	to := common.NewAccount(toIdx, op.ToAddress)
	to.SetBalance(op.Token, op.Amount)

	exec := &common.ExecutedOp{
		AccountIdx: op.From,
		TargetIdx:  toIdx,
		Address:    op.ToAddress,
		Token:      op.Token,
		Amount:     new(big.Int).Set(op.Amount),
		Fee:        new(big.Int).Set(op.Fee),
	}
	if err := tp.apply(exec, op.Token, from, to); err != nil {
		return nil, common.Wrap(err)
	}
	return exec, nil
}

func (tp *TxProcessor) applyWithdraw(op *common.WithdrawOp) (*common.ExecutedOp, error) {
	account, err := tp.existingAccount(op.Account)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tp.checkSigned(op, account); err != nil {
		return nil, common.Wrap(err)
	}
	balance, err := debit(account, op.Token, op.Amount, op.Fee)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tp.checkToken(op.Token); err != nil {
		return nil, common.Wrap(err)
	}
	account.SetBalance(op.Token, balance)
	account.Nonce++

	exec := &common.ExecutedOp{
		AccountIdx: op.Account,
		Address:    op.To,
		Token:      op.Token,
		Amount:     new(big.Int).Set(op.Amount),
		Fee:        new(big.Int).Set(op.Fee),
	}
	if err := tp.apply(exec, op.Token, account); err != nil {
		return nil, common.Wrap(err)
	}
	return exec, nil
}

func (tp *TxProcessor) applyClose(op *common.CloseOp) (*common.ExecutedOp, error) {
	account, err := tp.existingAccount(op.Account)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tp.checkSigned(op, account); err != nil {
		return nil, common.Wrap(err)
	}
	if !account.HasZeroBalances() {
		return nil, common.NewValidationError(common.ReasonNonzeroBalance,
			"account %d has balances of tokens %v", op.Account, account.Tokens())
	}

	exec := &common.ExecutedOp{
		AccountIdx: op.Account,
		Address:    account.Address,
		Amount:     big.NewInt(0),
		Fee:        big.NewInt(0),
	}
	if err := tp.apply(exec, 0, common.NewEmptyAccount(op.Account)); err != nil {
		return nil, common.Wrap(err)
	}
	return exec, nil
}

// applyFullExit withdraws the whole balance of the token. A full exit that
// can not be executed is not rejected, it was registered on L1 and is
// included in the block as failed, without state changes.
func (tp *TxProcessor) applyFullExit(op *common.FullExitOp) (*common.ExecutedOp, error) {
	exec := &common.ExecutedOp{
		AccountIdx: op.Account,
		Address:    op.Address,
		Token:      op.Token,
		Amount:     big.NewInt(0),
		Fee:        big.NewInt(0),
	}
	account, err := tp.existingAccount(op.Account)
	if common.IsValidationError(err) {
		exec.Failed = true
		return exec, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	if account.Address != op.Address || tp.checkToken(op.Token) != nil {
		exec.Failed = true
		return exec, nil
	}
	exec.Amount = account.Balance(op.Token)
	account.SetBalance(op.Token, big.NewInt(0))
	if err := tp.apply(exec, op.Token, account); err != nil {
		return nil, common.Wrap(err)
	}
	return exec, nil
}

func (tp *TxProcessor) applyChangePubKey(op *common.ChangePubKeyOp) (*common.ExecutedOp, error) {
	account, err := tp.existingAccount(op.Account)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if account.Address != op.Address {
		return nil, common.NewValidationError(common.ReasonUnknownAccount,
			"account %d does not belong to %s", op.Account, op.Address.Hex())
	}
	if !tp.replay() {
		if op.Nonce != account.Nonce {
			return nil, common.NewValidationError(common.ReasonBadNonce,
				"account %d: nonce %d, expected %d", account.Idx, op.Nonce, account.Nonce)
		}
		if tp.verifySignatures() {
			if !op.VerifyEthSignature(account.Address) {
				return nil, common.NewValidationError(common.ReasonBadSignature,
					"invalid ethereum signature of account %d", account.Idx)
			}
			// the operation is also signed by the new key
			pkh, ok := common.VerifySignature(op)
			if !ok || pkh != op.NewPubKeyHash {
				return nil, common.NewValidationError(common.ReasonBadSignature,
					"invalid signature of the new key of account %d", account.Idx)
			}
		}
	}
	account.PubKeyHash = op.NewPubKeyHash
	account.Nonce++

	exec := &common.ExecutedOp{
		AccountIdx: op.Account,
		Address:    op.Address,
		PubKeyHash: op.NewPubKeyHash,
		Nonce:      account.Nonce - 1,
		Amount:     big.NewInt(0),
		Fee:        big.NewInt(0),
	}
	if err := tp.apply(exec, 0, account); err != nil {
		return nil, common.Wrap(err)
	}
	return exec, nil
}

func (tp *TxProcessor) applyForcedExit(op *common.ForcedExitOp) (*common.ExecutedOp, error) {
	initiator, err := tp.existingAccount(op.Initiator)
	if err != nil {
		return nil, common.Wrap(err)
	}
	target, err := tp.existingAccount(op.Target)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if target.Address != op.TargetAddress {
		return nil, common.NewValidationError(common.ReasonUnknownAccount,
			"account %d does not belong to %s", op.Target, op.TargetAddress.Hex())
	}
	if !target.PubKeyHash.IsZero() {
		return nil, common.NewValidationError(common.ReasonPubKeySet,
			"account %d has a signing key", op.Target)
	}
	if err := tp.checkSigned(op, initiator); err != nil {
		return nil, common.Wrap(err)
	}
	initiatorBalance, err := debit(initiator, op.Token, big.NewInt(0), op.Fee)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tp.checkToken(op.Token); err != nil {
		return nil, common.Wrap(err)
	}
	if op.Initiator == op.Target {
		// the target has no signing key, so it can not have signed
		return nil, common.Wrap(fmt.Errorf("forced exit of the initiator account %d", op.Target))
	}
	initiator.SetBalance(op.Token, initiatorBalance)
	initiator.Nonce++
	amount := target.Balance(op.Token)
	target.SetBalance(op.Token, big.NewInt(0))

	exec := &common.ExecutedOp{
		AccountIdx: op.Initiator,
		TargetIdx:  op.Target,
		Address:    op.TargetAddress,
		Token:      op.Token,
		Amount:     amount,
		Fee:        new(big.Int).Set(op.Fee),
	}
	if err := tp.apply(exec, op.Token, initiator, target); err != nil {
		return nil, common.Wrap(err)
	}
	return exec, nil
}
