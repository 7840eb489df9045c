package statedb

import (
	"math/big"

	"zkrollup/common"

	"github.com/cockroachdb/pebble"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db"
)

// keyWithPrefix returns a new slice, so that the package level prefixes are
// never written by append
func keyWithPrefix(prefix, k []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(k))
	key = append(key, prefix...)
	return append(key, k...)
}

func idxKey(idx common.AccountIdx) []byte {
	idxBytes := idx.Bytes()
	return keyWithPrefix(PrefixKeyIdx, idxBytes[:])
}

func addrKey(addr ethCommon.Address) []byte {
	return keyWithPrefix(PrefixKeyAddr, addr.Bytes())
}

// GetAccount returns the account for the given Idx
func (s *StateDB) GetAccount(idx common.AccountIdx) (*common.Account, error) {
	return getAccountInDB(s.db.DB(), idx)
}

func getAccountInDB(sto db.Storage, idx common.AccountIdx) (*common.Account, error) {
	accBytes, err := sto.Get(idxKey(idx))
	if err != nil {
		return nil, common.Wrap(err)
	}
	account, err := common.AccountFromBytes(accBytes)
	if err != nil {
		return nil, common.Wrap(err)
	}
	account.Idx = idx
	return account, nil
}

// GetAccountOrEmpty returns the account for the given Idx, or the empty
// account if the leaf has never been allocated. It fails with
// ErrIndexOutOfBounds if idx does not fit in the account tree.
func (s *StateDB) GetAccountOrEmpty(idx common.AccountIdx) (*common.Account, error) {
	account, _, err := s.getAccountOrEmpty(idx)
	return account, err
}

func (s *StateDB) getAccountOrEmpty(idx common.AccountIdx) (*common.Account, bool, error) {
	if err := s.checkIdx(idx); err != nil {
		return nil, false, common.Wrap(err)
	}
	account, err := s.GetAccount(idx)
	if common.Unwrap(err) == db.ErrNotFound {
		return common.NewEmptyAccount(idx), false, nil
	} else if err != nil {
		return nil, false, common.Wrap(err)
	}
	return account, true, nil
}

// CreateAccount creates a new Account in the StateDB for the given Idx,
// updating the MerkleTree and returning a CircomProcessorProof.
func (s *StateDB) CreateAccount(idx common.AccountIdx, account *common.Account) (
	*merkletree.CircomProcessorProof, error) {
	if err := s.checkIdx(idx); err != nil {
		return nil, common.Wrap(err)
	}
	v, accountBytes, err := s.leafValue(account)
	if err != nil {
		return nil, common.Wrap(err)
	}
	_, err = s.db.DB().Get(idxKey(idx))
	if common.Unwrap(err) != db.ErrNotFound {
		return nil, common.Wrap(ErrAccountAlreadyExists)
	}

	proof, err := s.AccountTree.AddAndGetCircomProof(idx.BigInt(), v)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := s.putAccount(idx, accountBytes, common.EmptyAddr, account.Address); err != nil {
		return nil, common.Wrap(err)
	}
	return proof, nil
}

// UpdateAccount updates the Account in the StateDB for the given Idx,
// updating the MerkleTree and returning a CircomProcessorProof. When the
// address of the account changes the new address is indexed; the entry of
// the old address is ignored by GetIdxByAddress from then on.
func (s *StateDB) UpdateAccount(idx common.AccountIdx, account *common.Account) (
	*merkletree.CircomProcessorProof, error) {
	old, err := s.GetAccount(idx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	v, accountBytes, err := s.leafValue(account)
	if err != nil {
		return nil, common.Wrap(err)
	}

	proof, err := s.AccountTree.Update(idx.BigInt(), v)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := s.putAccount(idx, accountBytes, old.Address, account.Address); err != nil {
		return nil, common.Wrap(err)
	}
	return proof, nil
}

// putAccount stores the account and, when it changes, the index of its
// address
func (s *StateDB) putAccount(idx common.AccountIdx, accountBytes []byte,
	oldAddr, addr ethCommon.Address) error {
	tx, err := s.db.DB().NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(idxKey(idx), accountBytes); err != nil {
		return common.Wrap(err)
	}
	if oldAddr != addr && addr != common.EmptyAddr {
		idxBytes := idx.Bytes()
		if err := tx.Put(addrKey(addr), idxBytes[:]); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(tx.Commit())
}

// DeleteAccount removes the account at idx, leaving its leaf as if it had
// never been allocated. The idx is not reused by AllocateAccountIdx.
func (s *StateDB) DeleteAccount(idx common.AccountIdx) error {
	old, err := s.GetAccount(idx)
	if err != nil {
		return common.Wrap(err)
	}
	if err := s.removeLeaf(idx); err != nil {
		return common.Wrap(err)
	}

	batch := s.db.DB().Pebble().NewBatch()
	defer batch.Close() //nolint:errcheck
	if err := batch.Delete(idxKey(idx), nil); err != nil {
		return common.Wrap(err)
	}
	if old.Address != common.EmptyAddr {
		b, err := s.db.DB().Get(addrKey(old.Address))
		if err == nil {
			if addrIdx, err := common.AccountIdxFromBytes(b); err == nil && addrIdx == idx {
				if err := batch.Delete(addrKey(old.Address), nil); err != nil {
					return common.Wrap(err)
				}
			}
		} else if common.Unwrap(err) != db.ErrNotFound {
			return common.Wrap(err)
		}
	}
	return common.Wrap(batch.Commit(pebble.Sync))
}

// removeLeaf deletes the leaf of idx from the account tree. MerkleTree.Delete
// puts the sibling of the deleted leaf in the place of their parent, which
// keeps the tree canonical only when that sibling is a leaf. When it is a
// middle node, its leaves are moved out, deepest first, until a single leaf
// is left as sibling, and added back after the delete.
func (s *StateDB) removeLeaf(idx common.AccountIdx) error {
	p, err := s.leafProof(idx)
	if err != nil {
		return common.Wrap(err)
	}
	if !p.Existence {
		return common.Wrap(db.ErrNotFound)
	}
	var moved []*merkletree.Node
	if siblings := p.AllSiblings(); len(siblings) > 0 {
		sibling, err := s.AccountTree.GetNode(siblings[len(siblings)-1])
		if err != nil {
			return common.Wrap(err)
		}
		if sibling.Type == merkletree.NodeTypeMiddle {
			if moved, err = s.takeOutLeaves(siblings[len(siblings)-1]); err != nil {
				return common.Wrap(err)
			}
		}
	}
	if err := s.AccountTree.Delete(idx.BigInt()); err != nil {
		return common.Wrap(err)
	}
	for _, leaf := range moved {
		if err := s.AccountTree.Add(leaf.Entry[0].BigInt(), leaf.Entry[1].BigInt()); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// takeOutLeaves deletes from the account tree all the leaves under the node
// but one, and returns the deleted ones. The deepest leaf of a subtree always
// has a leaf as sibling, so deleting it keeps the tree canonical.
func (s *StateDB) takeOutLeaves(node *merkletree.Hash) ([]*merkletree.Node, error) {
	var leaves []*merkletree.Node
	if err := s.AccountTree.Walk(node, func(n *merkletree.Node) {
		if n.Type == merkletree.NodeTypeLeaf {
			leaves = append(leaves, n)
		}
	}); err != nil {
		return nil, common.Wrap(err)
	}
	var moved []*merkletree.Node
	for len(leaves) > 1 {
		deepest, depth := 0, -1
		for i, leaf := range leaves {
			p, _, err := s.AccountTree.GenerateProof(leaf.Entry[0].BigInt(), nil)
			if err != nil {
				return nil, common.Wrap(err)
			}
			if d := len(p.AllSiblings()); d > depth {
				deepest, depth = i, d
			}
		}
		leaf := leaves[deepest]
		if err := s.AccountTree.Delete(leaf.Entry[0].BigInt()); err != nil {
			return nil, common.Wrap(err)
		}
		moved = append(moved, leaf)
		leaves = append(leaves[:deepest], leaves[deepest+1:]...)
	}
	return moved, nil
}

// SetAccount creates, updates or deletes the account at idx and returns the
// new root of the account tree. An empty account is stored as a leaf that
// has never been allocated.
func (s *StateDB) SetAccount(idx common.AccountIdx, account *common.Account) (*big.Int, error) {
	_, exists, err := s.getAccountOrEmpty(idx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	switch {
	case account.IsEmpty() && exists:
		err = s.DeleteAccount(idx)
	case account.IsEmpty():
	case exists:
		_, err = s.UpdateAccount(idx, account)
	default:
		_, err = s.CreateAccount(idx, account)
	}
	if err != nil {
		return nil, common.Wrap(err)
	}
	return s.Root(), nil
}

// leafValue returns the hash stored in the leaf of the account and its
// serialization
func (s *StateDB) leafValue(account *common.Account) (*big.Int, []byte, error) {
	leafHash, err := LeafHash(account, s.cfg.BalanceLevels)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	accountBytes, err := account.Bytes()
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	return leafHash, accountBytes, nil
}

// GetIdxByAddress returns the Idx of the account of the given address
func (s *StateDB) GetIdxByAddress(addr ethCommon.Address) (common.AccountIdx, error) {
	return getIdxByAddressInDB(s.db.DB(), addr)
}

// getIdxByAddressInDB returns the Idx indexed for the address, as long as the
// account stored at that Idx still has the address
func getIdxByAddressInDB(sto db.Storage, addr ethCommon.Address) (common.AccountIdx, error) {
	if addr == common.EmptyAddr {
		return 0, common.Wrap(ErrIdxNotFound)
	}
	b, err := sto.Get(addrKey(addr))
	if common.Unwrap(err) == db.ErrNotFound {
		return 0, common.Wrap(ErrIdxNotFound)
	} else if err != nil {
		return 0, common.Wrap(err)
	}
	idx, err := common.AccountIdxFromBytes(b)
	if err != nil {
		return 0, common.Wrap(err)
	}
	account, err := getAccountInDB(sto, idx)
	if common.Unwrap(err) == db.ErrNotFound {
		return 0, common.Wrap(ErrIdxNotFound)
	} else if err != nil {
		return 0, common.Wrap(err)
	}
	if account.Address != addr {
		// the account has been closed
		return 0, common.Wrap(ErrIdxNotFound)
	}
	return idx, nil
}

// MTGetAccountProof returns the CircomVerifierProof for a given accountIdx
func (s *StateDB) MTGetAccountProof(idx common.AccountIdx) (*merkletree.CircomVerifierProof, error) {
	if s.AccountTree == nil {
		return nil, common.Wrap(ErrStateDBWithoutMT)
	}
	if err := s.checkIdx(idx); err != nil {
		return nil, common.Wrap(err)
	}
	p, err := s.AccountTree.GenerateSCVerifierProof(idx.BigInt(), s.AccountTree.Root())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return p, nil
}

// MerklePath returns the siblings of the leaf of idx in the account tree,
// from the leaf level to the root
func (s *StateDB) MerklePath(idx common.AccountIdx) ([]*big.Int, error) {
	p, err := s.leafProof(idx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return siblingsToPath(p.AllSiblings(), s.cfg.NLevels), nil
}

func (s *StateDB) leafProof(idx common.AccountIdx) (*merkletree.Proof, error) {
	if err := s.checkIdx(idx); err != nil {
		return nil, common.Wrap(err)
	}
	p, _, err := s.AccountTree.GenerateProof(idx.BigInt(), nil)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return p, nil
}

// siblingsToPath pads the siblings, ordered from the root, with zeros up to
// the given number of levels and returns them ordered from the leaf level
func siblingsToPath(siblings []*merkletree.Hash, levels int) []*big.Int {
	path := make([]*big.Int, levels)
	for i := 0; i < levels; i++ {
		v := big.NewInt(0)
		if i < len(siblings) && siblings[i] != nil {
			v = siblings[i].BigInt()
		}
		path[levels-1-i] = v
	}
	return path
}
