package statedb

import (
	"errors"
	"math/big"

	"zkrollup/common"
	"zkrollup/database/kvdb"
	"zkrollup/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// TypeStateKeeper defines a StateDB used by the StateKeeper, that
	// applies the submitted operations without capturing the witness
	TypeStateKeeper = "statekeeper"
	// TypeWitness defines a StateDB used by the BatchBuilder, that
	// replays committed blocks capturing the leaf transitions
	TypeWitness = "witness"
	// TypeObserver defines a StateDB used by the Synchronizer, that
	// rebuilds the state from the committed public data
	TypeObserver = "observer"
	// MaxNLevels is the maximum value of NLevels for the account tree,
	// which comes from the fact that AccountIdx has 32 bits.
	MaxNLevels = 32
	// DefaultNLevels is the default depth of the account tree
	DefaultNLevels = 24
	// DefaultBalanceLevels is the default depth of the balance subtree
	DefaultBalanceLevels = 8
)

// Config of the StateDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoLast skips having an opened DB with a checkpoint to the last
	// blockNum for thread-safe reads.
	NoLast bool
	// Type of StateDB
	Type TypeStateDB
	// NLevels is the number of levels of the account tree
	NLevels int
	// BalanceLevels is the number of levels of the balance subtree of
	// every account
	BalanceLevels int
	// At every checkpoint, check that there are no gaps between the
	// checkpoints
	noGapsCheck bool
}

var (
	// ErrStateDBWithoutMT is used when a method that requires a MerkleTree
	// is called in a StateDB that does not have a MerkleTree defined
	ErrStateDBWithoutMT = errors.New(
		"cannot call method to use MerkleTree in a StateDB without MerkleTree")
	// ErrAccountAlreadyExists is used when CreateAccount is called and the
	// Account already exists
	ErrAccountAlreadyExists = errors.New("cannot CreateAccount because Account already exists")
	// ErrIdxNotFound is used when trying to get the Idx from an address
	// without account
	ErrIdxNotFound = errors.New("idx can not be found")

	// PrefixKeyMTAcc is the key prefix for account merkle tree in the db
	PrefixKeyMTAcc = []byte("ma:")
	// PrefixKeyIdx is the key prefix for idx in the db, storing the
	// serialized account
	PrefixKeyIdx = []byte("i:")
	// PrefixKeyAddr is the key prefix for address in the db, storing the
	// idx of its account
	PrefixKeyAddr = []byte("a:")
)

// TypeStateDB determines the type of StateDB
type TypeStateDB string

// StateDB represents the state database with an integrated Merkle tree.
type StateDB struct {
	cfg         Config
	db          *kvdb.KVDB
	AccountTree *merkletree.MerkleTree
}

// Last offers a subset of view methods of the StateDB that can be
// called via the LastRead method of the StateDB in a thread-safe manner to
// obtain a consistent view to the last block of the StateDB.
type Last struct {
	db            db.Storage
	nLevels       int
	balanceLevels int
}

// GetAccount returns the account for the given Idx
func (s *Last) GetAccount(idx common.AccountIdx) (*common.Account, error) {
	return getAccountInDB(s.db, idx)
}

// GetIdxByAddress returns the idx of the account of the given address
func (s *Last) GetIdxByAddress(addr ethCommon.Address) (common.AccountIdx, error) {
	return getIdxByAddressInDB(s.db, addr)
}

// Root returns the root of the account tree in the last checkpoint
func (s *Last) Root() (*big.Int, error) {
	mt, err := merkletree.NewMerkleTree(s.db.WithPrefix(PrefixKeyMTAcc), s.nLevels)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return mt.Root().BigInt(), nil
}

// DB returns the underlying storage of Last
func (s *Last) DB() db.Storage {
	return s.db
}

// NewStateDB creates a new StateDB, allowing to use an in-memory or in-disk
// storage.  Checkpoints older than the value defined by `keep` will be
// deleted.
func NewStateDB(cfg Config) (*StateDB, error) {
	if cfg.NLevels == 0 {
		cfg.NLevels = DefaultNLevels
	}
	if cfg.BalanceLevels == 0 {
		cfg.BalanceLevels = DefaultBalanceLevels
	}
	if cfg.NLevels > MaxNLevels {
		return nil, common.Wrap(errors.New("NLevels > MaxNLevels"))
	}

	kv, err := kvdb.NewKVDB(kvdb.Config{Path: cfg.Path, Keep: cfg.Keep,
		NoGapsCheck: cfg.noGapsCheck, NoLast: cfg.NoLast})
	if err != nil {
		return nil, common.Wrap(err)
	}

	mt, err := merkletree.NewMerkleTree(kv.WithPrefix(PrefixKeyMTAcc), cfg.NLevels)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &StateDB{
		cfg:         cfg,
		db:          kv,
		AccountTree: mt,
	}, nil
}

// Type returns the StateDB configured Type
func (s *StateDB) Type() TypeStateDB {
	return s.cfg.Type
}

// NLevels returns the depth of the account tree
func (s *StateDB) NLevels() int {
	return s.cfg.NLevels
}

// BalanceLevels returns the depth of the balance subtree
func (s *StateDB) BalanceLevels() int {
	return s.cfg.BalanceLevels
}

// Root returns the root of the account tree
func (s *StateDB) Root() *big.Int {
	return s.AccountTree.Root().BigInt()
}

// LastRead is a thread-safe method to query the last checkpoint of the StateDB
// via the Last type methods
func (s *StateDB) LastRead(fn func(sdbLast *Last) error) error {
	return s.db.LastRead(
		func(db *pebble.Storage) error {
			return fn(&Last{
				db:            db,
				nLevels:       s.cfg.NLevels,
				balanceLevels: s.cfg.BalanceLevels,
			})
		},
	)
}

// LastGetAccount is a thread-safe method to query an account in the last
// checkpoint of the StateDB.
func (s *StateDB) LastGetAccount(idx common.AccountIdx) (*common.Account, error) {
	var account *common.Account
	if err := s.LastRead(func(sdb *Last) error {
		var err error
		account, err = sdb.GetAccount(idx)
		return err
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return account, nil
}

// LastGetAccountOrEmpty is like LastGetAccount but returns the empty account
// for the leaves that have never been allocated
func (s *StateDB) LastGetAccountOrEmpty(idx common.AccountIdx) (*common.Account, error) {
	if err := s.checkIdx(idx); err != nil {
		return nil, common.Wrap(err)
	}
	account, err := s.LastGetAccount(idx)
	if common.Unwrap(err) == db.ErrNotFound {
		return common.NewEmptyAccount(idx), nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	return account, nil
}

// LastGetIdxByAddress is a thread-safe method to query the idx of an address
// in the last checkpoint of the StateDB
func (s *StateDB) LastGetIdxByAddress(addr ethCommon.Address) (common.AccountIdx, error) {
	var idx common.AccountIdx
	if err := s.LastRead(func(sdb *Last) error {
		var err error
		idx, err = sdb.GetIdxByAddress(addr)
		return err
	}); err != nil {
		return 0, common.Wrap(err)
	}
	return idx, nil
}

// LastRoot is a thread-safe method to get the root of the account tree in
// the last checkpoint of the StateDB
func (s *StateDB) LastRoot() (*big.Int, error) {
	var root *big.Int
	if err := s.LastRead(func(sdb *Last) error {
		var err error
		root, err = sdb.Root()
		return err
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return root, nil
}

// Reset resets the StateDB to the checkpoint at the given blockNum. Reset
// does not delete the checkpoints between old current and the new current,
// those checkpoints will remain in the storage, and eventually will be
// deleted when MakeCheckpoint overwrites them.
func (s *StateDB) Reset(blockNum common.BlockNum) error {
	log.Debugw("Making StateDB Reset", "block", blockNum, "type", s.cfg.Type)
	if err := s.db.Reset(blockNum); err != nil {
		return common.Wrap(err)
	}
	return s.reopenTree()
}

// reopenTree opens the account tree for the current s.db
func (s *StateDB) reopenTree() error {
	mt, err := merkletree.NewMerkleTree(s.db.WithPrefix(PrefixKeyMTAcc), s.cfg.NLevels)
	if err != nil {
		return common.Wrap(err)
	}
	s.AccountTree = mt
	return nil
}

// MakeCheckpoint does a checkpoint at the given blockNum in the defined path.
// Internally this advances & stores the current BlockNum, and then stores a
// Checkpoint of the current state of the StateDB.
func (s *StateDB) MakeCheckpoint() error {
	log.Debugw("Making StateDB checkpoint", "block", s.CurrentBlock()+1, "type", s.cfg.Type)
	return s.db.MakeCheckpoint()
}

// MakeGenesisCheckpoint creates the fee account at idx 0 with the given
// address and stores the state as the checkpoint of block 0. It does nothing
// if the genesis checkpoint already exists.
func (s *StateDB) MakeGenesisCheckpoint(feeAddr ethCommon.Address) error {
	exists, err := s.db.CheckpointExists(0)
	if err != nil {
		return common.Wrap(err)
	}
	if exists || s.CurrentBlock() != 0 {
		return nil
	}
	idx, err := s.AllocateAccountIdx()
	if err != nil {
		return common.Wrap(err)
	}
	if _, err := s.CreateAccount(idx, common.NewAccount(idx, feeAddr)); err != nil {
		return common.Wrap(err)
	}
	log.Infow("Making StateDB genesis checkpoint", "feeAccount", idx,
		"root", s.Root().String(), "type", s.cfg.Type)
	return s.db.MakeGenesisCheckpoint()
}

// CurrentBlock returns the current in-memory CurrentBlock of the StateDB.db
func (s *StateDB) CurrentBlock() common.BlockNum {
	return s.db.CurrentBlock()
}

// NextAccountIdx returns the lowest AccountIdx not allocated yet
func (s *StateDB) NextAccountIdx() common.AccountIdx {
	return s.db.NextAccountIdx()
}

// AllocateAccountIdx returns the lowest AccountIdx not allocated yet and
// marks it as allocated. It fails with ErrIndexOutOfBounds when the account
// tree is full.
func (s *StateDB) AllocateAccountIdx() (common.AccountIdx, error) {
	idx := s.db.NextAccountIdx()
	if err := s.checkIdx(idx); err != nil {
		return 0, common.Wrap(err)
	}
	if err := s.db.SetNextAccountIdx(idx + 1); err != nil {
		return 0, common.Wrap(err)
	}
	return idx, nil
}

// DeleteOldCheckpoints deletes old checkpoints when there are more than
// `cfg.keep` checkpoints
func (s *StateDB) DeleteOldCheckpoints() error {
	return s.db.DeleteOldCheckpoints()
}

// CheckpointExists returns true if the checkpoint exists
func (s *StateDB) CheckpointExists(blockNum common.BlockNum) (bool, error) {
	return s.db.CheckpointExists(blockNum)
}

// Close the StateDB
func (s *StateDB) Close() {
	s.db.Close()
}

// checkIdx returns ErrIndexOutOfBounds if idx does not fit in the account
// tree
func (s *StateDB) checkIdx(idx common.AccountIdx) error {
	if uint64(idx) >= uint64(1)<<uint(s.cfg.NLevels) {
		return common.Wrap(common.ErrIndexOutOfBounds)
	}
	return nil
}

// LocalStateDB represents the local StateDB which allows to make copies from
// the StateDB of the state keeper, and is used by the batch builder to replay
// committed blocks.
type LocalStateDB struct {
	*StateDB
	sourceStateDB *StateDB
}

// NewLocalStateDB returns a new LocalStateDB connected to the given
// sourceDB.  Checkpoints older than the value defined by `keep` will be
// deleted.
func NewLocalStateDB(cfg Config, sourceDB *StateDB) (*LocalStateDB, error) {
	cfg.noGapsCheck = true
	cfg.NoLast = true
	s, err := NewStateDB(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &LocalStateDB{
		s,
		sourceDB,
	}, nil
}

// Reset performs a reset in the LocalStateDB. If fromSource is true, it
// gets the state from LocalStateDB.sourceStateDB for the given blockNum.
// If fromSource is false, get the state from LocalStateDB checkpoints.
func (l *LocalStateDB) Reset(blockNum common.BlockNum, fromSource bool) error {
	if fromSource {
		log.Debugw("Making StateDB ResetFromSource", "block", blockNum, "type", l.cfg.Type)
		if err := l.db.ResetFromSource(blockNum, l.sourceStateDB.db); err != nil {
			return common.Wrap(err)
		}
		return l.reopenTree()
	}
	// use checkpoint from LocalStateDB
	return l.StateDB.Reset(blockNum)
}
