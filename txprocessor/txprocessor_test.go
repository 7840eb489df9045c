package txprocessor

import (
	"math/big"
	"os"
	"testing"

	"zkrollup/common"
	"zkrollup/database/statedb"
	"zkrollup/log"
	"zkrollup/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deleteme []string

var feeAddr = ethCommon.HexToAddress("0xfee0000000000000000000000000000000000001")

func init() {
	log.Init("debug", []string{"stdout"})
}

func TestMain(m *testing.M) {
	exitVal := m.Run()
	for _, dir := range deleteme {
		if err := os.RemoveAll(dir); err != nil {
			panic(err)
		}
	}
	os.Exit(exitVal)
}

func newTxProcessor(t *testing.T, typ statedb.TypeStateDB) *TxProcessor {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	sdb, err := statedb.NewStateDB(statedb.Config{Path: dir, Keep: 128, Type: typ,
		NLevels: 16, BalanceLevels: 8})
	require.NoError(t, err)
	t.Cleanup(sdb.Close)
	require.NoError(t, sdb.MakeGenesisCheckpoint(feeAddr))
	return NewTxProcessor(sdb, Config{FeeAccount: 0, Tokens: test.Tokens(4, 8)})
}

// setupUsers deposits 1000 of tokens 0 and 1 to every user and sets their
// signing keys
func setupUsers(t *testing.T, tp *TxProcessor, users []*test.Account) {
	for _, u := range users {
		for token := common.TokenID(0); token < 2; token++ {
			exec, err := tp.ProcessOp(u.Deposit(token, 1000))
			require.NoError(t, err)
			u.Idx = exec.AccountIdx
		}
	}
	for _, u := range users {
		_, err := tp.ProcessOp(u.ChangePubKey())
		require.NoError(t, err)
	}
}

func account(t *testing.T, tp *TxProcessor, idx common.AccountIdx) *common.Account {
	a, err := tp.state.GetAccountOrEmpty(idx)
	require.NoError(t, err)
	return a
}

func TestDepositAllocatesLowestIdx(t *testing.T) {
	tp := newTxProcessor(t, statedb.TypeStateKeeper)
	users := test.NewAccounts(3)

	for i, u := range users {
		exec, err := tp.ProcessOp(u.Deposit(0, 500))
		require.NoError(t, err)
		assert.Equal(t, common.AccountIdx(i+1), exec.AccountIdx)
		assert.Equal(t, common.OpTypeDeposit, exec.Type)
		a := account(t, tp, exec.AccountIdx)
		assert.Equal(t, common.Nonce(0), a.Nonce)
		assert.Equal(t, "500", a.Balance(0).String())
		assert.Equal(t, u.Addr, a.Address)
	}
	// a second deposit goes to the same account
	exec, err := tp.ProcessOp(users[1].Deposit(0, 1))
	require.NoError(t, err)
	assert.Equal(t, common.AccountIdx(2), exec.AccountIdx)
	assert.Equal(t, "501", account(t, tp, 2).Balance(0).String())
	assert.Equal(t, common.AccountIdx(4), tp.state.NextAccountIdx())

	// deposits of unknown tokens do not allocate
	_, err = tp.ProcessOp(test.NewAccount("new").Deposit(9, 1))
	assert.Equal(t, common.ReasonBadToken, common.RejectReason(err))
	assert.Equal(t, common.AccountIdx(4), tp.state.NextAccountIdx())
	// amounts that do not fit in a balance
	op := users[0].Deposit(0, 0)
	op.Amount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), common.MaxAmountBits), big.NewInt(1))
	_, err = tp.ProcessOp(op)
	assert.Equal(t, common.ErrEncodingOverflow, common.Unwrap(err))
	assert.Equal(t, "500", account(t, tp, 1).Balance(0).String())
}

func TestTransfer(t *testing.T) {
	tp := newTxProcessor(t, statedb.TypeStateKeeper)
	users := test.NewAccounts(3)
	setupUsers(t, tp, users)
	x, y, z := users[0], users[1], users[2]
	zBefore := account(t, tp, z.Idx)
	yNonce := account(t, tp, y.Idx).Nonce

	exec, err := tp.ProcessOp(x.Transfer(y, 0, 300, 5))
	require.NoError(t, err)
	assert.Equal(t, x.Idx, exec.AccountIdx)
	assert.Equal(t, y.Idx, exec.TargetIdx)
	assert.Nil(t, exec.Transitions)

	ax := account(t, tp, x.Idx)
	ay := account(t, tp, y.Idx)
	assert.Equal(t, "695", ax.Balance(0).String())
	assert.Equal(t, "1000", ax.Balance(1).String())
	assert.Equal(t, common.Nonce(2), ax.Nonce)
	assert.Equal(t, "1300", ay.Balance(0).String())
	assert.Equal(t, yNonce, ay.Nonce)
	assert.Equal(t, zBefore, account(t, tp, z.Idx))

	// transfer to itself only pays the fee
	_, err = tp.ProcessOp(x.Transfer(x, 1, 100, 10))
	require.NoError(t, err)
	ax = account(t, tp, x.Idx)
	assert.Equal(t, "990", ax.Balance(1).String())
	assert.Equal(t, common.Nonce(3), ax.Nonce)

	// the fees are credited once to the fee account
	credits, transitions, err := tp.CreditFees()
	require.NoError(t, err)
	assert.Nil(t, transitions)
	require.Equal(t, 2, len(credits))
	assert.Equal(t, common.FeeCredit{Token: 0, Amount: big.NewInt(5)}, credits[0])
	assert.Equal(t, common.FeeCredit{Token: 1, Amount: big.NewInt(10)}, credits[1])
	fee := account(t, tp, 0)
	assert.Equal(t, "5", fee.Balance(0).String())
	assert.Equal(t, "10", fee.Balance(1).String())
	credits, _, err = tp.CreditFees()
	require.NoError(t, err)
	assert.Equal(t, 0, len(credits))
	assert.Equal(t, "5", account(t, tp, 0).Balance(0).String())
}

func TestRejectionOrderAndNoMutation(t *testing.T) {
	tp := newTxProcessor(t, statedb.TypeStateKeeper)
	users := test.NewAccounts(3)
	setupUsers(t, tp, users)
	x, y := users[0], users[1]
	root := tp.state.Root()
	next := tp.state.NextAccountIdx()
	accounts := []*common.Account{account(t, tp, x.Idx), account(t, tp, y.Idx)}

	signed := func(op common.SignedOperation, signer *test.Account) common.SignedOperation {
		require.NoError(t, common.Sign(op, &signer.BJJ))
		return op
	}
	testCases := []struct {
		name   string
		op     common.Operation
		reason string
	}{
		{"unknown sender", signed(&common.TransferOp{From: 100, To: y.Idx,
			Amount: big.NewInt(1), Fee: big.NewInt(0)}, x), common.ReasonUnknownAccount},
		{"unknown receiver", signed(&common.TransferOp{From: x.Idx, To: 100,
			Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: x.Nonce}, x), common.ReasonUnknownAccount},
		{"out of the tree", signed(&common.TransferOp{From: x.Idx, To: 1 << 20,
			Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: x.Nonce}, x), common.ReasonUnknownAccount},
		// the nonce is checked before the signature
		{"bad nonce", signed(&common.TransferOp{From: x.Idx, To: y.Idx,
			Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: x.Nonce + 1}, y), common.ReasonBadNonce},
		{"bad signature", signed(&common.TransferOp{From: x.Idx, To: y.Idx,
			Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: x.Nonce}, y), common.ReasonBadSignature},
		// the balance is checked before the token
		{"insufficient balance", signed(&common.TransferOp{From: x.Idx, To: y.Idx, Token: 3,
			Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: x.Nonce}, x), common.ReasonInsufficientBalance},
		{"fee not covered", signed(&common.TransferOp{From: x.Idx, To: y.Idx,
			Amount: big.NewInt(1000), Fee: big.NewInt(1), Nonce: x.Nonce}, x), common.ReasonInsufficientBalance},
		{"bad token", signed(&common.TransferOp{From: x.Idx, To: y.Idx, Token: 7,
			Amount: big.NewInt(0), Fee: big.NewInt(0), Nonce: x.Nonce}, x), common.ReasonBadToken},
		{"not packable", &common.TransferOp{From: x.Idx, To: y.Idx,
			Amount: big.NewInt(34359738369), Fee: big.NewInt(0), Nonce: x.Nonce}, common.ReasonPrecisionLoss},
		{"existing address", signed(&common.TransferToNewOp{From: x.Idx, ToAddress: y.Addr,
			Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: x.Nonce}, x), common.ReasonAccountExists},
		{"withdraw too much", signed(&common.WithdrawOp{Account: x.Idx, To: x.Addr,
			Amount: big.NewInt(1001), Fee: big.NewInt(0), Nonce: x.Nonce}, x), common.ReasonInsufficientBalance},
		{"close with balance", signed(&common.CloseOp{Account: x.Idx, Nonce: x.Nonce}, x),
			common.ReasonNonzeroBalance},
		{"forced exit of account with key", signed(&common.ForcedExitOp{Initiator: x.Idx,
			Target: y.Idx, TargetAddress: y.Addr, Fee: big.NewInt(1), Nonce: x.Nonce}, x),
			common.ReasonPubKeySet},
		{"change pubkey without eth signature", signed(&common.ChangePubKeyOp{Account: x.Idx,
			Address: x.Addr, NewPubKeyHash: y.PubKeyHash, Nonce: x.Nonce}, y), common.ReasonBadSignature},
		{"unsupported", nil, common.ReasonUnsupportedOp},
	}
	for _, tc := range testCases {
		_, err := tp.ProcessOp(tc.op)
		require.Error(t, err, tc.name)
		assert.Equal(t, tc.reason, common.RejectReason(err), tc.name)
		assert.Equal(t, root, tp.state.Root(), tc.name)
		assert.Equal(t, next, tp.state.NextAccountIdx(), tc.name)
		assert.Equal(t, accounts[0], account(t, tp, x.Idx), tc.name)
		assert.Equal(t, accounts[1], account(t, tp, y.Idx), tc.name)
	}
	assert.Equal(t, 0, len(tp.AccumulatedFees.Credits()))
}

func TestTransferToNewWithdrawClose(t *testing.T) {
	tp := newTxProcessor(t, statedb.TypeStateKeeper)
	users := test.NewAccounts(2)
	setupUsers(t, tp, users[:1])
	x, n := users[0], users[1]

	exec, err := tp.ProcessOp(x.TransferToNew(n, 0, 400, 0))
	require.NoError(t, err)
	n.Idx = exec.TargetIdx
	assert.Equal(t, common.AccountIdx(2), n.Idx)
	an := account(t, tp, n.Idx)
	assert.Equal(t, n.Addr, an.Address)
	assert.Equal(t, "400", an.Balance(0).String())
	assert.True(t, an.PubKeyHash.IsZero())

	_, err = tp.ProcessOp(x.Withdraw(0, 550, 50))
	require.NoError(t, err)
	_, err = tp.ProcessOp(x.Withdraw(1, 1000, 0))
	require.NoError(t, err)
	ax := account(t, tp, x.Idx)
	assert.True(t, ax.HasZeroBalances())

	exec, err = tp.ProcessOp(x.Close())
	require.NoError(t, err)
	assert.Equal(t, x.Addr, exec.Address)
	assert.True(t, account(t, tp, x.Idx).IsEmpty())
	_, err = tp.state.GetIdxByAddress(x.Addr)
	assert.Equal(t, statedb.ErrIdxNotFound, common.Unwrap(err))

	// the closed index stays allocated, a new deposit gets a new one
	exec, err = tp.ProcessOp(x.Deposit(0, 1))
	require.NoError(t, err)
	assert.Equal(t, common.AccountIdx(3), exec.AccountIdx)
}

func TestFullExit(t *testing.T) {
	tp := newTxProcessor(t, statedb.TypeStateKeeper)
	users := test.NewAccounts(2)
	setupUsers(t, tp, users)
	x, y := users[0], users[1]

	root := tp.state.Root()
	// registered by another address
	op := x.FullExit(0)
	op.Address = y.Addr
	exec, err := tp.ProcessOp(op)
	require.NoError(t, err)
	assert.True(t, exec.Failed)
	assert.Equal(t, "0", exec.Amount.String())
	// unknown account
	op = x.FullExit(0)
	op.Account = 50
	exec, err = tp.ProcessOp(op)
	require.NoError(t, err)
	assert.True(t, exec.Failed)
	assert.Equal(t, root, tp.state.Root())

	exec, err = tp.ProcessOp(x.FullExit(1))
	require.NoError(t, err)
	assert.False(t, exec.Failed)
	assert.Equal(t, "1000", exec.Amount.String())
	ax := account(t, tp, x.Idx)
	assert.Equal(t, "0", ax.Balance(1).String())
	assert.Equal(t, "1000", ax.Balance(0).String())
	assert.Equal(t, common.Nonce(1), ax.Nonce)
}

func TestForcedExit(t *testing.T) {
	tp := newTxProcessor(t, statedb.TypeStateKeeper)
	users := test.NewAccounts(2)
	setupUsers(t, tp, users[:1])
	x, target := users[0], users[1]
	exec, err := tp.ProcessOp(target.Deposit(1, 700))
	require.NoError(t, err)
	target.Idx = exec.AccountIdx

	exec, err = tp.ProcessOp(x.ForcedExit(target, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, "700", exec.Amount.String())
	assert.Equal(t, target.Addr, exec.Address)
	assert.Equal(t, "0", account(t, tp, target.Idx).Balance(1).String())
	assert.Equal(t, "997", account(t, tp, x.Idx).Balance(1).String())
	assert.Equal(t, 1, len(tp.AccumulatedFees.Credits()))
}

func TestWitnessModeCapturesTransitions(t *testing.T) {
	keeper := newTxProcessor(t, statedb.TypeStateKeeper)
	witness := newTxProcessor(t, statedb.TypeWitness)
	users := test.NewAccounts(3)

	var ops []common.Operation
	for _, u := range users {
		ops = append(ops, u.Deposit(0, 1000))
	}
	for i, u := range users {
		u.Idx = common.AccountIdx(i + 1)
		ops = append(ops, u.ChangePubKey())
	}
	ops = append(ops, users[0].Transfer(users[1], 0, 100, 1),
		users[2].Withdraw(0, 10, 2), common.NoopOp{})

	for _, op := range ops {
		_, err := keeper.ProcessOp(op)
		require.NoError(t, err)
		rootBefore := witness.state.Root()
		exec, err := witness.ProcessOp(op)
		require.NoError(t, err)
		switch op.Type() {
		case common.OpTypeTransfer:
			require.Equal(t, 2, len(exec.Transitions))
			assert.Equal(t, exec.Transitions[0].RootAfter, exec.Transitions[1].RootBefore)
		case common.OpTypeNoop:
			assert.Equal(t, 0, len(exec.Transitions))
		default:
			require.Equal(t, 1, len(exec.Transitions))
		}
		if len(exec.Transitions) > 0 {
			assert.Equal(t, rootBefore, exec.Transitions[0].RootBefore)
			assert.Equal(t, witness.state.Root(),
				exec.Transitions[len(exec.Transitions)-1].RootAfter)
		}
	}
	_, _, err := keeper.CreditFees()
	require.NoError(t, err)
	credits, transitions, err := witness.CreditFees()
	require.NoError(t, err)
	assert.Equal(t, len(credits), len(transitions))
	assert.Equal(t, "3", transitions[0].After.Balance.String())

	// both modes compute the same state
	assert.Equal(t, keeper.state.Root(), witness.state.Root())
}

func TestReplayMode(t *testing.T) {
	tp := newTxProcessor(t, statedb.TypeObserver)
	users := test.NewAccounts(2)
	setupUsers(t, tp, users)

	// operations decoded from public data have no signature nor nonce
	_, err := tp.ProcessOp(&common.TransferOp{From: users[0].Idx, To: users[1].Idx,
		Amount: big.NewInt(10), Fee: big.NewInt(0)})
	require.NoError(t, err)
	_, err = tp.ProcessOp(&common.TransferOp{From: users[0].Idx, To: users[1].Idx,
		Amount: big.NewInt(10), Fee: big.NewInt(0)})
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(3), account(t, tp, users[0].Idx).Nonce)
	// balances are still checked
	_, err = tp.ProcessOp(&common.TransferOp{From: users[0].Idx, To: users[1].Idx,
		Amount: big.NewInt(1000), Fee: big.NewInt(0)})
	assert.Equal(t, common.ReasonInsufficientBalance, common.RejectReason(err))
}

func TestCloseRestoresUnallocatedLeaf(t *testing.T) {
	tp := newTxProcessor(t, statedb.TypeWitness)
	x := test.NewAccount("x")
	rootBefore := tp.state.Root()

	setupUsers(t, tp, []*test.Account{x})
	assert.NotEqual(t, rootBefore, tp.state.Root())
	_, err := tp.ProcessOp(x.Withdraw(0, 1000, 0))
	require.NoError(t, err)
	_, err = tp.ProcessOp(x.Withdraw(1, 1000, 0))
	require.NoError(t, err)
	exec, err := tp.ProcessOp(x.Close())
	require.NoError(t, err)
	require.Equal(t, 1, len(exec.Transitions))
	closed := exec.Transitions[0]
	assert.Equal(t, "0", closed.After.LeafHash.String())
	assert.Equal(t, rootBefore, closed.RootAfter)
	assert.Equal(t, rootBefore, tp.state.Root())

	// the closed leaf is indistinguishable from one never allocated
	closedLeaf, err := tp.state.IdentityTransition(x.Idx, 0)
	require.NoError(t, err)
	unallocated, err := tp.state.IdentityTransition(500, 0)
	require.NoError(t, err)
	assert.Equal(t, unallocated.Before.LeafHash, closedLeaf.Before.LeafHash)
	assert.Equal(t, unallocated.Before.BalanceRoot, closedLeaf.Before.BalanceRoot)
	assert.True(t, closedLeaf.IsOld0 || closedLeaf.OldKey.Cmp(x.Idx.BigInt()) != 0)
}
