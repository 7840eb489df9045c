package statedb

import (
	"fmt"
	"math/big"

	"zkrollup/common"

	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db/memory"
)

// newBalanceTree builds in memory the balance subtree of the account, where
// the key of each leaf is the token and the value its balance
func newBalanceTree(account *common.Account, levels int) (*merkletree.MerkleTree, error) {
	mt, err := merkletree.NewMerkleTree(memory.NewMemoryStorage(), levels)
	if err != nil {
		return nil, common.Wrap(err)
	}
	for _, token := range account.Tokens() {
		if uint64(token) >= uint64(1)<<uint(levels) {
			return nil, common.Wrap(fmt.Errorf("token %d does not fit in the balance tree", token))
		}
		if err := mt.Add(token.BigInt(), account.Balances[token]); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return mt, nil
}

// BalanceRoot returns the root of the balance subtree of the account
func BalanceRoot(account *common.Account, levels int) (*big.Int, error) {
	mt, err := newBalanceTree(account, levels)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return mt.Root().BigInt(), nil
}

// BalancePath returns the siblings of the token in the balance subtree of the
// account, from the leaf level to the root
func BalancePath(account *common.Account, token common.TokenID, levels int) ([]*big.Int, error) {
	mt, err := newBalanceTree(account, levels)
	if err != nil {
		return nil, common.Wrap(err)
	}
	p, _, err := mt.GenerateProof(token.BigInt(), nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return siblingsToPath(p.AllSiblings(), levels), nil
}

// LeafHash returns the value stored in the account tree for the account
func LeafHash(account *common.Account, levels int) (*big.Int, error) {
	balanceRoot, err := BalanceRoot(account, levels)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return account.HashValue(balanceRoot)
}

// leafState returns the content of the leaf of the account with the balance
// of token. The LeafHash of a leaf that has never been allocated is zero.
func (s *StateDB) leafState(account *common.Account, exists bool,
	token common.TokenID) (common.LeafState, error) {
	var ls common.LeafState
	mt, err := newBalanceTree(account, s.cfg.BalanceLevels)
	if err != nil {
		return ls, common.Wrap(err)
	}
	p, _, err := mt.GenerateProof(token.BigInt(), nil)
	if err != nil {
		return ls, common.Wrap(err)
	}
	balanceRoot := mt.Root().BigInt()
	leafHash := big.NewInt(0)
	if exists {
		leafHash, err = account.HashValue(balanceRoot)
		if err != nil {
			return ls, common.Wrap(err)
		}
	}
	return common.LeafState{
		Nonce:       account.Nonce.BigInt(),
		PubKeyHash:  account.PubKeyHash.BigInt(),
		Address:     common.EthAddrToBigInt(account.Address),
		Balance:     account.Balance(token),
		BalanceRoot: balanceRoot,
		BalancePath: siblingsToPath(p.AllSiblings(), s.cfg.BalanceLevels),
		LeafHash:    leafHash,
	}, nil
}

// snapshot is the state of a leaf and its position in the account tree
type snapshot struct {
	state common.LeafState
	path  []*big.Int
	root  *big.Int
	proof *merkletree.Proof
}

func (s *StateDB) takeSnapshot(idx common.AccountIdx, token common.TokenID) (*snapshot, error) {
	account, exists, err := s.getAccountOrEmpty(idx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	state, err := s.leafState(account, exists, token)
	if err != nil {
		return nil, common.Wrap(err)
	}
	p, err := s.leafProof(idx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &snapshot{
		state: state,
		path:  siblingsToPath(p.AllSiblings(), s.cfg.NLevels),
		root:  s.Root(),
		proof: p,
	}, nil
}

// CaptureTransition calls mutate, which is expected to update only the leaf
// of idx, and returns the LeafTransition with the state of the leaf before
// and after the update. The balance captured is the one of token.
func (s *StateDB) CaptureTransition(idx common.AccountIdx, token common.TokenID,
	mutate func() error) (*common.LeafTransition, error) {
	before, err := s.takeSnapshot(idx, token)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := mutate(); err != nil {
		return nil, common.Wrap(err)
	}
	after, err := s.takeSnapshot(idx, token)
	if err != nil {
		return nil, common.Wrap(err)
	}
	t := &common.LeafTransition{
		AccountIdx: idx,
		TokenID:    token,
		Before:     before.state,
		After:      after.state,
		PathBefore: before.path,
		PathAfter:  after.path,
		RootBefore: before.root,
		RootAfter:  after.root,
	}
	switch {
	case before.proof.Existence:
		t.OldKey = idx.BigInt()
		t.OldValue = before.state.LeafHash
	case before.proof.NodeAux != nil:
		t.OldKey = before.proof.NodeAux.Key.BigInt()
		t.OldValue = before.proof.NodeAux.Value.BigInt()
	default:
		t.IsOld0 = true
		t.OldKey = big.NewInt(0)
		t.OldValue = big.NewInt(0)
	}
	return t, nil
}

// IdentityTransition returns the transition of the leaf of idx that leaves
// the tree unchanged: same leaf, same path
func (s *StateDB) IdentityTransition(idx common.AccountIdx,
	token common.TokenID) (*common.LeafTransition, error) {
	return s.CaptureTransition(idx, token, func() error { return nil })
}
