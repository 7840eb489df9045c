package statekeeper

import (
	"fmt"
	"time"

	"zkrollup/common"
	"zkrollup/log"
	"zkrollup/pubdata"
	"zkrollup/txprocessor"
)

// BlockState is the lifecycle state of a block
type BlockState int

const (
	// BlockOpen accepts operations
	BlockOpen BlockState = iota
	// BlockSealed has its operation list locked and the fees credited
	BlockSealed
	// BlockCommitted has its public data and a checkpoint of its state
	BlockCommitted
)

func (s BlockState) String() string {
	switch s {
	case BlockOpen:
		return "open"
	case BlockSealed:
		return "sealed"
	case BlockCommitted:
		return "committed"
	}
	return fmt.Sprintf("BlockState(%d)", int(s))
}

// BlockBuilder builds one block on top of the state of its TxProcessor.
// Operations are applied in submission order, never reordered.
type BlockBuilder struct {
	tp       *txprocessor.TxProcessor
	block    common.Block
	state    BlockState
	used     int
	openedAt time.Time
}

// NewBlockBuilder opens the block that follows the last checkpoint of the
// StateDB of tp
func NewBlockBuilder(tp *txprocessor.TxProcessor, capacity int,
	feeAccount common.AccountIdx) *BlockBuilder {
	tp.Reset()
	sdb := tp.StateDB()
	return &BlockBuilder{
		tp: tp,
		block: common.Block{
			Num:        sdb.CurrentBlock() + 1,
			Capacity:   capacity,
			FeeAccount: feeAccount,
			OldRoot:    sdb.Root(),
		},
		state:    BlockOpen,
		openedAt: time.Now(),
	}
}

// State returns the lifecycle state of the block
func (b *BlockBuilder) State() BlockState {
	return b.state
}

// Num returns the number of the block
func (b *BlockBuilder) Num() common.BlockNum {
	return b.block.Num
}

// UsedChunks returns the number of chunks used by the applied operations
func (b *BlockBuilder) UsedChunks() int {
	return b.used
}

// Len returns the number of applied operations
func (b *BlockBuilder) Len() int {
	return len(b.block.Ops)
}

// OpenedAt returns the time at which the block was opened
func (b *BlockBuilder) OpenedAt() time.Time {
	return b.openedAt
}

// Apply validates and applies the operation, appending it to the block. It
// returns common.ErrBlockFull without touching the state when the operation
// does not fit in the remaining chunks.
func (b *BlockBuilder) Apply(op common.Operation) (*common.ExecutedOp, error) {
	if b.state != BlockOpen {
		return nil, common.Wrap(fmt.Errorf("%w: apply in %s block %d",
			common.ErrInvalidBlockState, b.state, b.block.Num))
	}
	if op != nil && b.used+op.Type().Chunks() > b.block.Capacity {
		return nil, common.Wrap(common.ErrBlockFull)
	}
	exec, err := b.tp.ProcessOp(op)
	if err != nil {
		return nil, common.Wrap(err)
	}
	exec.ChunkIdx = b.used
	b.used += exec.Chunks()
	b.block.Ops = append(b.block.Ops, exec)
	return exec, nil
}

// Seal locks the operation list and credits the aggregated fees to the fee
// account. The unused chunks are padded with noops when the public data is
// encoded.
func (b *BlockBuilder) Seal() error {
	if b.state != BlockOpen {
		return common.Wrap(fmt.Errorf("%w: seal in %s block %d",
			common.ErrInvalidBlockState, b.state, b.block.Num))
	}
	fees, _, err := b.tp.CreditFees()
	if err != nil {
		return common.Wrap(err)
	}
	b.block.Fees = fees
	b.block.NewRoot = b.tp.StateDB().Root()
	b.block.OpCount = len(b.block.Ops)
	b.state = BlockSealed
	log.Debugw("BlockBuilder: block sealed", "block", b.block.Num, "ops", b.block.OpCount,
		"chunks", b.used, "fees", len(fees), "root", b.block.NewRoot)
	return nil
}

// Commit encodes the public data of the sealed block and makes the
// checkpoint of its state. The returned block is not shared with the
// builder.
func (b *BlockBuilder) Commit() (*common.Block, error) {
	if b.state != BlockSealed {
		return nil, common.Wrap(fmt.Errorf("%w: commit in %s block %d",
			common.ErrInvalidBlockState, b.state, b.block.Num))
	}
	pubData, err := pubdata.EncodeBlock(&b.block)
	if err != nil {
		return nil, common.Wrap(err)
	}
	b.block.PubData = pubData
	b.block.Timestamp = time.Now().UTC()
	if err := b.tp.StateDB().MakeCheckpoint(); err != nil {
		return nil, common.Wrap(err)
	}
	if cur := b.tp.StateDB().CurrentBlock(); cur != b.block.Num {
		return nil, common.Wrap(fmt.Errorf("checkpoint of block %d made for block %d",
			cur, b.block.Num))
	}
	b.state = BlockCommitted
	block, err := b.block.Copy()
	if err != nil {
		return nil, common.Wrap(err)
	}
	log.Infow("BlockBuilder: block committed", "block", block.Num, "ops", block.OpCount,
		"oldRoot", block.OldRoot, "newRoot", block.NewRoot)
	return block, nil
}
