package kvdb

import (
	"errors"
	"os"
	"testing"

	"zkrollup/common"
	"zkrollup/log"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

func addTestKV(t *testing.T, k *KVDB, key, value []byte) {
	tx, err := k.db.NewTx()
	require.NoError(t, err)
	require.NoError(t, tx.Put(key, value))
	require.NoError(t, tx.Commit())
}

func newTestKVDB(t *testing.T, keep int) (*KVDB, string) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, os.RemoveAll(dir)) })
	k, err := NewKVDB(Config{Path: dir, Keep: keep})
	require.NoError(t, err)
	return k, dir
}

func blocks(nums ...int) []common.BlockNum {
	bns := make([]common.BlockNum, len(nums))
	for i, n := range nums {
		bns[i] = common.BlockNum(n)
	}
	return bns
}

func TestHeadBytes(t *testing.T) {
	h := head{block: 1<<32 - 1, nextIdx: 42}
	decoded, err := headFromBytes(h.bytes())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
	_, err = headFromBytes(h.bytes()[1:])
	assert.Error(t, err)
}

func TestCheckpoints(t *testing.T) {
	k, _ := newTestKVDB(t, 128)
	defer k.Close()

	require.NoError(t, k.MakeGenesisCheckpoint())
	for i := 1; i <= 10; i++ {
		addTestKV(t, k, []byte{byte(i)}, []byte{byte(i)})
		require.NoError(t, k.MakeCheckpoint())
	}
	assert.Equal(t, common.BlockNum(10), k.CurrentBlock())

	// the genesis checkpoint can only be made first
	assert.Error(t, k.MakeGenesisCheckpoint())

	// reset to block 4 discards the later keys and checkpoints
	k.wg.Wait()
	require.NoError(t, k.Reset(4))
	assert.Equal(t, common.BlockNum(4), k.CurrentBlock())
	v, err := k.db.Get([]byte{4})
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, v)
	_, err = k.db.Get([]byte{5})
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
	exists, err := k.CheckpointExists(5)
	require.NoError(t, err)
	assert.False(t, exists)

	// the last view follows the reset
	require.NoError(t, k.LastRead(func(sto *pebble.Storage) error {
		_, err := sto.Get([]byte{4})
		return err
	}))

	// the next block continues from the reset
	addTestKV(t, k, []byte{42}, []byte{42})
	require.NoError(t, k.MakeCheckpoint())
	assert.Equal(t, common.BlockNum(5), k.CurrentBlock())
	k.wg.Wait()

	list, err := k.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, blocks(0, 1, 2, 3, 4, 5), list)

	err = k.Reset(20)
	assert.True(t, errors.Is(common.Unwrap(err), ErrNoCheckpoint))
}

func TestUncommittedWritesAreLostOnReopen(t *testing.T) {
	k, dir := newTestKVDB(t, 128)
	require.NoError(t, k.MakeGenesisCheckpoint())
	addTestKV(t, k, []byte{1}, []byte{1})
	require.NoError(t, k.MakeCheckpoint())
	addTestKV(t, k, []byte{2}, []byte{2})
	k.Close()

	k, err := NewKVDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)
	defer k.Close()
	assert.Equal(t, common.BlockNum(1), k.CurrentBlock())
	_, err = k.db.Get([]byte{1})
	require.NoError(t, err)
	_, err = k.db.Get([]byte{2})
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
}

func TestResetFromSource(t *testing.T) {
	src, _ := newTestKVDB(t, 128)
	defer src.Close()
	require.NoError(t, src.MakeGenesisCheckpoint())
	for i := 1; i <= 5; i++ {
		addTestKV(t, src, []byte{byte(i)}, []byte{byte(i)})
		require.NoError(t, src.SetNextAccountIdx(common.AccountIdx(i)))
		require.NoError(t, src.MakeCheckpoint())
	}
	src.wg.Wait()

	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	defer os.RemoveAll(dir) //nolint:errcheck
	k, err := NewKVDB(Config{Path: dir, NoGapsCheck: true, NoLast: true})
	require.NoError(t, err)
	defer k.Close()

	require.NoError(t, k.ResetFromSource(3, src))
	assert.Equal(t, common.BlockNum(3), k.CurrentBlock())
	assert.Equal(t, common.AccountIdx(3), k.NextAccountIdx())
	v, err := k.db.Get([]byte{3})
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, v)
	_, err = k.db.Get([]byte{4})
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
	list, err := k.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, blocks(3), list)

	// replaying a block locally and jumping ahead in the source
	addTestKV(t, k, []byte{4}, []byte{4})
	require.NoError(t, k.MakeCheckpoint())
	require.NoError(t, k.ResetFromSource(5, src))
	list, err = k.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, blocks(5), list)

	// the source is not modified
	list, err = src.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, blocks(0, 1, 2, 3, 4, 5), list)

	err = k.ResetFromSource(20, src)
	assert.True(t, errors.Is(common.Unwrap(err), ErrNoCheckpoint))
	assert.Error(t, k.ResetFromSource(1, nil))
}

func TestNextAccountIdx(t *testing.T) {
	k, dir := newTestKVDB(t, 128)

	assert.Equal(t, common.AccountIdx(0), k.NextAccountIdx())
	require.NoError(t, k.SetNextAccountIdx(7))
	require.NoError(t, k.MakeGenesisCheckpoint())
	require.NoError(t, k.SetNextAccountIdx(9))
	require.NoError(t, k.MakeCheckpoint())
	k.Close()

	// reopening loads the current block and index
	k, err := NewKVDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)
	defer k.Close()
	assert.Equal(t, common.BlockNum(1), k.CurrentBlock())
	assert.Equal(t, common.AccountIdx(9), k.NextAccountIdx())

	require.NoError(t, k.Reset(0))
	assert.Equal(t, common.AccountIdx(7), k.NextAccountIdx())
}

func TestResetWithoutGenesis(t *testing.T) {
	k, _ := newTestKVDB(t, 128)
	defer k.Close()
	addTestKV(t, k, []byte{1}, []byte{1})
	require.NoError(t, k.SetNextAccountIdx(3))

	require.NoError(t, k.Reset(0))
	assert.Equal(t, common.AccountIdx(0), k.NextAccountIdx())
	_, err := k.db.Get([]byte{1})
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
	require.NoError(t, k.LastRead(func(sto *pebble.Storage) error {
		_, err := sto.Get([]byte{1})
		assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
		return nil
	}))
}

func TestDeleteOldCheckpoints(t *testing.T) {
	keep := 16
	k, _ := newTestKVDB(t, keep)
	defer k.Close()

	require.NoError(t, k.MakeGenesisCheckpoint())
	numCheckpoints := 32
	for i := 0; i < numCheckpoints; i++ {
		require.NoError(t, k.MakeCheckpoint())
		require.NoError(t, k.DeleteOldCheckpoints())
		checkpoints, err := k.ListCheckpoints()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(checkpoints), keep)
	}
	k.wg.Wait()
	checkpoints, err := k.ListCheckpoints()
	require.NoError(t, err)
	require.Equal(t, keep, len(checkpoints))
	assert.Equal(t, common.BlockNum(numCheckpoints), checkpoints[len(checkpoints)-1])
}

func TestCheckpointGap(t *testing.T) {
	k, _ := newTestKVDB(t, 128)
	defer k.Close()
	require.NoError(t, k.MakeGenesisCheckpoint())
	for i := 0; i < 3; i++ {
		require.NoError(t, k.MakeCheckpoint())
	}
	k.wg.Wait()
	require.NoError(t, os.RemoveAll(k.blocks.path(2)))
	_, err := k.ListCheckpoints()
	assert.Error(t, err)
}

func TestNoLast(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	defer os.RemoveAll(dir) //nolint:errcheck
	k, err := NewKVDB(Config{Path: dir, NoLast: true})
	require.NoError(t, err)
	defer k.Close()
	err = k.LastRead(func(sto *pebble.Storage) error { return nil })
	assert.Equal(t, ErrNoLast, common.Unwrap(err))
}
