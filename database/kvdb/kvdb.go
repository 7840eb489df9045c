package kvdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"zkrollup/common"
	"zkrollup/log"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

// On disk a KVDB is a directory with:
//
//	current   the working state, holding the writes of the open block
//	blockN    the state after committing block N, block0 being the genesis
//	last      a copy of the newest blockN opened for concurrent readers
const (
	dirCurrent     = "current"
	dirLast        = "last"
	blockDirPrefix = "block"
)

var (
	// keyHead stores the head of the state: the block number of the last
	// commit and the lowest unallocated AccountIdx
	keyHead = []byte("k:head")
	// ErrNoLast is returned when the KVDB has been configured to not have
	// a Last checkpoint but a Last method is used
	ErrNoLast = errors.New("no last checkpoint")
	// ErrNoCheckpoint is returned when a block has no checkpoint
	ErrNoCheckpoint = errors.New("block checkpoint not found")
)

const headLen = common.BlockNumBytesLen + common.AccountIdxBytesLen

// head is stored with the state so that every block checkpoint carries the
// allocation cursor that was valid when the block was committed
type head struct {
	block   common.BlockNum
	nextIdx common.AccountIdx
}

func (h head) bytes() []byte {
	var b [headLen]byte
	binary.BigEndian.PutUint32(b[:common.BlockNumBytesLen], uint32(h.block))
	binary.BigEndian.PutUint32(b[common.BlockNumBytesLen:], uint32(h.nextIdx))
	return b[:]
}

func headFromBytes(b []byte) (head, error) {
	if len(b) != headLen {
		return head{}, common.Wrap(fmt.Errorf("can not parse head, bytes len %d, expected %d",
			len(b), headLen))
	}
	return head{
		block:   common.BlockNum(binary.BigEndian.Uint32(b[:common.BlockNumBytesLen])),
		nextIdx: common.AccountIdx(binary.BigEndian.Uint32(b[common.BlockNumBytesLen:])),
	}, nil
}

func readHead(sto db.Storage) (head, error) {
	b, err := sto.Get(keyHead)
	if common.Unwrap(err) == db.ErrNotFound {
		return head{}, nil
	} else if err != nil {
		return head{}, common.Wrap(err)
	}
	return headFromBytes(b)
}

// Config of the KVDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoGapsCheck disables the check that block checkpoints are
	// consecutive. Copies that start from a block of another KVDB have no
	// checkpoints below it.
	NoGapsCheck bool
	// NoLast skips having an opened DB with a checkpoint to the last
	// block for thread-safe reads.
	NoLast bool
}

// blockDirs is the set of block checkpoints under a KVDB directory
type blockDirs struct {
	root        string
	noGapsCheck bool
}

func (d blockDirs) path(blockNum common.BlockNum) string {
	return path.Join(d.root, fmt.Sprintf("%s%d", blockDirPrefix, blockNum))
}

func (d blockDirs) exists(blockNum common.BlockNum) (bool, error) {
	if _, err := os.Stat(d.path(blockNum)); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, common.Wrap(err)
	}
	return true, nil
}

// list returns the sorted block numbers with a checkpoint
func (d blockDirs) list() ([]common.BlockNum, error) {
	files, err := os.ReadDir(d.root)
	if err != nil {
		return nil, common.Wrap(err)
	}
	blocks := []common.BlockNum{}
	for _, file := range files {
		name := file.Name()
		if !file.IsDir() || !strings.HasPrefix(name, blockDirPrefix) {
			continue
		}
		var n uint32
		if _, err := fmt.Sscanf(name[len(blockDirPrefix):], "%d", &n); err != nil {
			return nil, common.Wrap(fmt.Errorf("bad checkpoint dir %q: %w", name, err))
		}
		blocks = append(blocks, common.BlockNum(n))
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	if !d.noGapsCheck {
		for i := 1; i < len(blocks); i++ {
			if blocks[i] != blocks[i-1]+1 {
				log.Errorw("gap between block checkpoints", "blocks", blocks)
				return nil, common.Wrap(fmt.Errorf("checkpoint gap at block %d", blocks[i]))
			}
		}
	}
	return blocks, nil
}

// removeFrom deletes the checkpoints of the blocks >= from
func (d blockDirs) removeFrom(from common.BlockNum) error {
	blocks, err := d.list()
	if err != nil {
		return common.Wrap(err)
	}
	for _, bn := range blocks {
		if bn < from {
			continue
		}
		if err := os.RemoveAll(d.path(bn)); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// prune deletes the oldest checkpoints until at most keep are left
func (d blockDirs) prune(keep int) error {
	blocks, err := d.list()
	if err != nil {
		return common.Wrap(err)
	}
	if keep <= 0 || len(blocks) <= keep {
		return nil
	}
	for _, bn := range blocks[:len(blocks)-keep] {
		if err := os.RemoveAll(d.path(bn)); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// copyDB makes a pebble checkpoint of the DB at source into dest, replacing
// dest
func copyDB(source, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(source, false)
	if err != nil {
		return common.Wrap(err)
	}
	defer sto.Close()
	return common.Wrap(sto.Pebble().Checkpoint(dest))
}

// lastView is a consistent view of the last committed block that can be
// read concurrently with the writes to current
type lastView struct {
	dir string
	db  *pebble.Storage
	rw  sync.RWMutex
}

// refresh replaces the view with a copy of the DB at source, or with an
// empty DB when source is ""
func (l *lastView) refresh(source string) error {
	l.rw.Lock()
	defer l.rw.Unlock()
	l.closeDB()
	if source == "" {
		if err := os.RemoveAll(l.dir); err != nil {
			return common.Wrap(err)
		}
	} else if err := copyDB(source, l.dir); err != nil {
		return common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(l.dir, false)
	if err != nil {
		return common.Wrap(err)
	}
	l.db = sto
	return nil
}

func (l *lastView) closeDB() {
	if l.db != nil {
		l.db.Close()
		l.db = nil
	}
}

func (l *lastView) close() {
	l.rw.Lock()
	defer l.rw.Unlock()
	l.closeDB()
}

// KVDB is the key-value store of a StateDB. Writes go to the current DB and
// every committed block is kept as a pebble checkpoint, so that the state
// can be rolled back to any of the last Keep blocks.
type KVDB struct {
	cfg    Config
	db     *pebble.Storage
	head   head
	blocks blockDirs
	last   *lastView
	// copyMu serializes the checkpoint copies read by other KVDBs
	copyMu  sync.Mutex
	pruneMu sync.Mutex
	wg      sync.WaitGroup
}

// NewKVDB opens the KVDB at cfg.Path, restoring the current DB from the
// checkpoint of the last committed block. Writes after that block are lost.
func NewKVDB(cfg Config) (*KVDB, error) {
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(path.Join(cfg.Path, dirCurrent), false)
	if err != nil {
		return nil, common.Wrap(err)
	}
	k := &KVDB{
		cfg:    cfg,
		db:     sto,
		blocks: blockDirs{root: cfg.Path, noGapsCheck: cfg.NoGapsCheck},
	}
	if !cfg.NoLast {
		k.last = &lastView{dir: path.Join(cfg.Path, dirLast)}
	}
	h, err := readHead(sto)
	if err != nil {
		sto.Close()
		return nil, common.Wrap(err)
	}
	if err := k.Reset(h.block); err != nil {
		return nil, common.Wrap(err)
	}
	return k, nil
}

// DB returns the current *pebble.Storage
func (k *KVDB) DB() *pebble.Storage {
	return k.db
}

// WithPrefix returns the current db.Storage with the given prefix
func (k *KVDB) WithPrefix(prefix []byte) db.Storage {
	return k.db.WithPrefix(prefix)
}

// CurrentBlock returns the number of the last committed block
func (k *KVDB) CurrentBlock() common.BlockNum {
	return k.head.block
}

// NextAccountIdx returns the lowest AccountIdx not allocated yet
func (k *KVDB) NextAccountIdx() common.AccountIdx {
	return k.head.nextIdx
}

func (k *KVDB) putHead(h head) error {
	tx, err := k.db.NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(keyHead, h.bytes()); err != nil {
		return common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return common.Wrap(err)
	}
	k.head = h
	return nil
}

// SetNextAccountIdx stores the lowest unallocated AccountIdx. It becomes
// part of the next block checkpoint.
func (k *KVDB) SetNextAccountIdx(idx common.AccountIdx) error {
	return k.putHead(head{block: k.head.block, nextIdx: idx})
}

// LastRead is a thread-safe method to query the last block checkpoint
func (k *KVDB) LastRead(fn func(db *pebble.Storage) error) error {
	if k.last == nil {
		return common.Wrap(ErrNoLast)
	}
	k.last.rw.RLock()
	defer k.last.rw.RUnlock()
	return fn(k.last.db)
}

// MakeGenesisCheckpoint stores the current state as the checkpoint of block
// 0. It can only be called before any block has been committed.
func (k *KVDB) MakeGenesisCheckpoint() error {
	if k.head.block != 0 {
		return common.Wrap(fmt.Errorf("genesis checkpoint at block %d", k.head.block))
	}
	return k.checkpoint(k.head)
}

// MakeCheckpoint commits the current state as the next block
func (k *KVDB) MakeCheckpoint() error {
	return k.checkpoint(head{block: k.head.block + 1, nextIdx: k.head.nextIdx})
}

func (k *KVDB) checkpoint(h head) error {
	if err := k.putHead(h); err != nil {
		return common.Wrap(err)
	}
	dest := k.blocks.path(h.block)
	if err := os.RemoveAll(dest); err != nil {
		return common.Wrap(err)
	}
	if err := k.db.Pebble().Checkpoint(dest); err != nil {
		return common.Wrap(err)
	}
	if k.last != nil {
		if err := k.copyBlock(h.block, k.last.refresh); err != nil {
			return common.Wrap(err)
		}
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := k.DeleteOldCheckpoints(); err != nil {
			log.Errorw("KVDB: delete old checkpoints", "err", err)
		}
	}()
	return nil
}

// copyBlock calls fn with the path of the checkpoint of blockNum while
// holding the lock that guards checkpoint copies
func (k *KVDB) copyBlock(blockNum common.BlockNum, fn func(source string) error) error {
	k.copyMu.Lock()
	defer k.copyMu.Unlock()
	exists, err := k.blocks.exists(blockNum)
	if err != nil {
		return common.Wrap(err)
	}
	if !exists {
		return common.Wrap(fmt.Errorf("%w: block %d", ErrNoCheckpoint, blockNum))
	}
	return fn(k.blocks.path(blockNum))
}

// Reset rolls the state back to the checkpoint of blockNum, discarding the
// checkpoints of later blocks and the uncommitted writes. Resetting to block
// 0 without a genesis checkpoint gives an empty state.
func (k *KVDB) Reset(blockNum common.BlockNum) error {
	return k.resetFrom(k, blockNum)
}

// ResetFromSource replaces the whole state with the checkpoint of blockNum of
// source. The checkpoints of this KVDB are deleted, and blockNum becomes its
// only one.
func (k *KVDB) ResetFromSource(blockNum common.BlockNum, source *KVDB) error {
	if source == nil {
		return common.Wrap(fmt.Errorf("source KVDB can not be nil"))
	}
	return k.resetFrom(source, blockNum)
}

func (k *KVDB) resetFrom(source *KVDB, blockNum common.BlockNum) error {
	currentPath := path.Join(k.cfg.Path, dirCurrent)
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	if err := os.RemoveAll(currentPath); err != nil {
		return common.Wrap(err)
	}
	from := blockNum + 1
	if source != k {
		from = 0
	}
	if err := k.blocks.removeFrom(from); err != nil {
		return common.Wrap(err)
	}

	exists, err := source.blocks.exists(blockNum)
	if err != nil {
		return common.Wrap(err)
	}
	if blockNum == 0 && !exists {
		sto, err := pebble.NewPebbleStorage(currentPath, false)
		if err != nil {
			return common.Wrap(err)
		}
		k.db = sto
		k.head = head{}
		if k.last != nil {
			return common.Wrap(k.last.refresh(""))
		}
		return nil
	}

	if source != k {
		if err := source.copyBlock(blockNum, func(src string) error {
			return copyDB(src, k.blocks.path(blockNum))
		}); err != nil {
			return common.Wrap(err)
		}
	}
	if err := k.copyBlock(blockNum, func(src string) error {
		return copyDB(src, currentPath)
	}); err != nil {
		return common.Wrap(err)
	}
	if k.last != nil {
		if err := k.copyBlock(blockNum, k.last.refresh); err != nil {
			return common.Wrap(err)
		}
	}
	sto, err := pebble.NewPebbleStorage(currentPath, false)
	if err != nil {
		return common.Wrap(err)
	}
	k.db = sto
	k.head, err = readHead(sto)
	return common.Wrap(err)
}

// ListCheckpoints returns the sorted block numbers with a checkpoint
func (k *KVDB) ListCheckpoints() ([]common.BlockNum, error) {
	return k.blocks.list()
}

// CheckpointExists returns true if the block has a checkpoint
func (k *KVDB) CheckpointExists(blockNum common.BlockNum) (bool, error) {
	return k.blocks.exists(blockNum)
}

// DeleteOldCheckpoints deletes the oldest block checkpoints when there are
// more than Keep
func (k *KVDB) DeleteOldCheckpoints() error {
	k.pruneMu.Lock()
	defer k.pruneMu.Unlock()
	return k.blocks.prune(k.cfg.Keep)
}

// Close the DB
func (k *KVDB) Close() {
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	if k.last != nil {
		k.last.close()
	}
	// wait for deletion of old checkpoints
	k.wg.Wait()
}
