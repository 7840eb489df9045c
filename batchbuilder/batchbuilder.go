/*
Package batchbuilder builds the witness of committed blocks.

The BatchBuilder keeps a LocalStateDB that, for every block, is reset to the
checkpoint of the previous block taken from the StateDB of the StateKeeper.
The operations of the block are replayed in witness mode, capturing the leaf
transitions, and turned into one SlotWitness per chunk of the block:

  - the first chunks of an operation carry its real transitions, in the
    order the leaves were written
  - its remaining chunks carry identity transitions of the leaf of its
    account and token, taken after the operation was applied
  - the padding chunks carry identity transitions of the fee account

The fee credits of the block follow the slots.  The replayed root must be the
committed root, and the bundle is checked against the committed public data
before it is returned.
*/
package batchbuilder

import (
	"fmt"
	"math/big"
	"time"

	"zkrollup/common"
	"zkrollup/database/statedb"
	"zkrollup/log"
	"zkrollup/metric"
	"zkrollup/pubdata"
	"zkrollup/txprocessor"
)

// BatchBuilder implements the batch builder type, which contains the
// functionalities
type BatchBuilder struct {
	localStateDB *statedb.LocalStateDB
	tokens       *common.TokenRegistry
}

// Config contains the BatchBuilder configuration
type Config struct {
	// Path of the LocalStateDB
	Path string
	// Keep is the number of checkpoints of the LocalStateDB to keep
	Keep int
	// Tokens are the tokens that operations can use
	Tokens *common.TokenRegistry
}

// NewBatchBuilder constructs a new BatchBuilder on top of the StateDB of the
// StateKeeper
func NewBatchBuilder(cfg Config, stateKeeperDB *statedb.StateDB) (*BatchBuilder, error) {
	localStateDB, err := statedb.NewLocalStateDB(
		statedb.Config{
			Path:          cfg.Path,
			Keep:          cfg.Keep,
			Type:          statedb.TypeWitness,
			NLevels:       stateKeeperDB.NLevels(),
			BalanceLevels: stateKeeperDB.BalanceLevels(),
		},
		stateKeeperDB)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &BatchBuilder{
		localStateDB: localStateDB,
		tokens:       cfg.Tokens,
	}, nil
}

// Reset tells the BatchBuilder to reset it's internal state to the required
// `blockNum`.  If `fromSource` is true, the BatchBuilder must take a copy of
// the rollup state from the StateKeeper at that `blockNum`, otherwise it can
// just roll back the internal copy.
func (bb *BatchBuilder) Reset(blockNum common.BlockNum, fromSource bool) error {
	return common.Wrap(bb.localStateDB.Reset(blockNum, fromSource))
}

// LocalStateDB returns the underlying LocalStateDB
func (bb *BatchBuilder) LocalStateDB() *statedb.LocalStateDB {
	return bb.localStateDB
}

// Close the LocalStateDB
func (bb *BatchBuilder) Close() {
	bb.localStateDB.Close()
}

// BuildWitness replays the committed block and returns its witness bundle.
// A witness that does not correspond to the committed block is reported as
// common.ErrWitnessMismatch.
func (bb *BatchBuilder) BuildWitness(block *common.Block) (*common.WitnessBundle, error) {
	defer metric.MeasureDuration(metric.WitnessDuration, time.Now(), block.Num.BigInt().String())
	if block.Num == 0 {
		return nil, common.Wrap(fmt.Errorf("genesis block has no witness"))
	}
	if err := bb.Reset(block.Num-1, true); err != nil {
		return nil, common.Wrap(err)
	}
	sdb := bb.localStateDB.StateDB
	if sdb.Root().Cmp(block.OldRoot) != 0 {
		return nil, common.Wrap(fmt.Errorf("%w: block %d old root %v, state root %v",
			common.ErrWitnessMismatch, block.Num, block.OldRoot, sdb.Root()))
	}
	tp := txprocessor.NewTxProcessor(sdb, txprocessor.Config{
		FeeAccount: block.FeeAccount,
		Tokens:     bb.tokens,
	})

	bundle := &common.WitnessBundle{
		BlockNum: block.Num,
		Slots:    make([]*common.SlotWitness, 0, block.Capacity),
	}
	for _, exec := range block.Ops {
		slots, err := bb.replayOp(sdb, tp, block, exec)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("block %d chunk %d: %w", block.Num, exec.ChunkIdx, err))
		}
		bundle.Slots = append(bundle.Slots, slots...)
	}
	if len(bundle.Slots) > block.Capacity {
		return nil, common.Wrap(fmt.Errorf("%w: block %d uses %d chunks, capacity %d",
			common.ErrWitnessMismatch, block.Num, len(bundle.Slots), block.Capacity))
	}
	if len(bundle.Slots) < block.Capacity {
		padding, err := sdb.IdentityTransition(block.FeeAccount, 0)
		if err != nil {
			return nil, common.Wrap(err)
		}
		for len(bundle.Slots) < block.Capacity {
			bundle.Slots = append(bundle.Slots, &common.SlotWitness{
				Tag:          common.OpTypeNoop,
				Args:         []*big.Int{},
				PubDataChunk: make([]byte, common.ChunkBytes),
				Transition:   padding,
			})
		}
	}

	credits, fees, err := tp.CreditFees()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if !sameCredits(credits, block.Fees) {
		return nil, common.Wrap(fmt.Errorf("%w: block %d fee credits %v, committed %v",
			common.ErrWitnessMismatch, block.Num, credits, block.Fees))
	}
	bundle.Fees = fees
	if sdb.Root().Cmp(block.NewRoot) != 0 {
		return nil, common.Wrap(fmt.Errorf("%w: block %d new root %v, replayed root %v",
			common.ErrWitnessMismatch, block.Num, block.NewRoot, sdb.Root()))
	}
	bundle.PublicInputs = pubdata.NewPublicInputs(block.Num, block.OldRoot, block.NewRoot,
		block.PubData)
	if err := pubdata.CheckWitnessConsistency(bundle, block.PubData); err != nil {
		return nil, common.Wrap(err)
	}
	log.Debugw("BatchBuilder: witness built", "block", block.Num, "slots", len(bundle.Slots),
		"fees", len(bundle.Fees))
	return bundle, nil
}

// replayOp applies the operation and returns the slots of its chunks
func (bb *BatchBuilder) replayOp(sdb *statedb.StateDB, tp *txprocessor.TxProcessor,
	block *common.Block, exec *common.ExecutedOp) ([]*common.SlotWitness, error) {
	if exec.Op == nil {
		return nil, fmt.Errorf("operation without its submission")
	}
	replayed, err := tp.ProcessOp(exec.Op)
	if err != nil {
		return nil, err
	}
	if replayed.Type != exec.Type || replayed.Failed != exec.Failed {
		return nil, fmt.Errorf("%w: replayed %s (failed %v), committed %s (failed %v)",
			common.ErrWitnessMismatch, replayed.Type, replayed.Failed, exec.Type, exec.Failed)
	}
	b, err := pubdata.EncodeOp(replayed)
	if err != nil {
		return nil, err
	}
	args, err := pubdata.Args(b)
	if err != nil {
		return nil, err
	}
	nChunks := replayed.Chunks()
	if len(replayed.Transitions) > nChunks {
		return nil, fmt.Errorf("%s has %d transitions for %d chunks",
			replayed.Type, len(replayed.Transitions), nChunks)
	}
	var identity *common.LeafTransition
	if len(replayed.Transitions) < nChunks {
		identity, err = bb.identity(sdb, block, replayed)
		if err != nil {
			return nil, err
		}
	}
	slots := make([]*common.SlotWitness, nChunks)
	for i := range slots {
		t := identity
		if i < len(replayed.Transitions) {
			t = replayed.Transitions[i]
		}
		slots[i] = &common.SlotWitness{
			Tag:          replayed.Type,
			ChunkIdx:     i,
			Args:         args,
			PubDataChunk: b[i*common.ChunkBytes : (i+1)*common.ChunkBytes],
			Transition:   t,
		}
	}
	return slots, nil
}

// identity returns the identity transition for the chunks of the operation
// that do not update a leaf
func (bb *BatchBuilder) identity(sdb *statedb.StateDB, block *common.Block,
	exec *common.ExecutedOp) (*common.LeafTransition, error) {
	if exec.Type == common.OpTypeNoop {
		return sdb.IdentityTransition(block.FeeAccount, 0)
	}
	t, err := sdb.IdentityTransition(exec.AccountIdx, exec.Token)
	if err != nil && exec.Failed {
		// the targeted leaf of a failed priority operation may not exist
		return sdb.IdentityTransition(block.FeeAccount, 0)
	}
	return t, err
}

func sameCredits(a, b []common.FeeCredit) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Token != b[i].Token || a[i].Amount.Cmp(b[i].Amount) != 0 {
			return false
		}
	}
	return true
}
