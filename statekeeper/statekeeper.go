/*
Package statekeeper is the single entry point that mutates the rollup state.

Submitted operations are applied, in submission order, to the open block of
the StateKeeper.  When an operation does not fit in the remaining chunks of
the block, the block is sealed (the aggregated fees are credited to the fee
account), committed (public data encoded and a checkpoint of the state made)
and handed to the BlockSink, and the operation is retried in the next block.
Blocks are also sealed by Run after BlockTimeout.

A rejected operation leaves the state untouched.  Any other failure while
building a block aborts it: the StateDB is reset to the checkpoint of the last
committed block and a new block is opened on top of it.

Reads (GetAccount, CurrentRoot) are served from the last committed checkpoint
and can be done concurrently with Submit.
*/
package statekeeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"zkrollup/common"
	"zkrollup/database/statedb"
	"zkrollup/log"
	"zkrollup/metric"
	"zkrollup/txprocessor"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// MinBlockCapacity is the minimum capacity, in chunks, of a block: it must
// fit the largest operation
const MinBlockCapacity = 6

// Config contains the StateKeeper configuration
type Config struct {
	// BlockCapacity is the number of chunks of every block
	BlockCapacity int
	// FeeAccount is the account that receives the fees
	FeeAccount common.AccountIdx
	// FeeAddress is the address of the fee account created at genesis
	FeeAddress ethCommon.Address
	// BlockTimeout is the time after which a non empty open block is
	// sealed by Run
	BlockTimeout time.Duration
	// Tokens are the tokens that operations can use
	Tokens *common.TokenRegistry
}

// BlockSink receives the committed blocks.  TryReserve is called before a
// block is sealed, and a block is only committed if a slot was reserved.
// Release gives back a slot reserved for a block that could not be
// committed.
type BlockSink interface {
	TryReserve() bool
	Release()
	AddBlock(block *common.Block)
}

// SubmitResult is the outcome of Submit
type SubmitResult struct {
	Accepted bool
	// Reason is the stable reason of a rejection
	Reason string
	// Err is the error that caused the rejection
	Err error
	// BlockNum is the block the accepted operation was applied to
	BlockNum common.BlockNum
	Exec     *common.ExecutedOp
}

func rejected(err error) SubmitResult {
	return SubmitResult{Reason: common.RejectReason(err), Err: err}
}

// StateKeeper holds the rollup state and the open block
type StateKeeper struct {
	mu      sync.Mutex
	cfg     Config
	sdb     *statedb.StateDB
	tp      *txprocessor.TxProcessor
	builder *BlockBuilder
	sink    BlockSink
}

// NewStateKeeper creates a StateKeeper on a StateDB of type
// statedb.TypeStateKeeper, writing the genesis checkpoint when the StateDB
// is empty.  sink may be nil.
func NewStateKeeper(cfg Config, sdb *statedb.StateDB, sink BlockSink) (*StateKeeper, error) {
	if cfg.BlockCapacity < MinBlockCapacity {
		return nil, common.Wrap(fmt.Errorf("block capacity %d is lower than %d",
			cfg.BlockCapacity, MinBlockCapacity))
	}
	if sdb.Type() != statedb.TypeStateKeeper {
		return nil, common.Wrap(fmt.Errorf("StateKeeper needs a %s StateDB, got %s",
			statedb.TypeStateKeeper, sdb.Type()))
	}
	if err := sdb.MakeGenesisCheckpoint(cfg.FeeAddress); err != nil {
		return nil, common.Wrap(err)
	}
	tp := txprocessor.NewTxProcessor(sdb, txprocessor.Config{
		FeeAccount: cfg.FeeAccount,
		Tokens:     cfg.Tokens,
	})
	sk := &StateKeeper{
		cfg:  cfg,
		sdb:  sdb,
		tp:   tp,
		sink: sink,
	}
	if err := sk.reset(); err != nil {
		return nil, common.Wrap(err)
	}
	metric.LastCommittedBlock.Set(float64(sdb.CurrentBlock()))
	log.Infow("StateKeeper: started", "lastBlock", sdb.CurrentBlock(),
		"root", sdb.Root(), "capacity", cfg.BlockCapacity)
	return sk, nil
}

// reset discards the open block, going back to the last committed
// checkpoint
func (s *StateKeeper) reset() error {
	if err := s.sdb.Reset(s.sdb.CurrentBlock()); err != nil {
		return common.Wrap(err)
	}
	s.builder = NewBlockBuilder(s.tp, s.cfg.BlockCapacity, s.cfg.FeeAccount)
	return nil
}

// abort handles a failure that leaves the open block in an unknown state
func (s *StateKeeper) abort(cause error) {
	metric.BlocksAborted.Inc()
	log.Errorw("StateKeeper: aborting block", "block", s.builder.Num(),
		"ops", s.builder.Len(), "err", cause)
	if err := s.reset(); err != nil {
		log.Fatalw("StateKeeper: reset to last committed block", "err", err)
	}
}

// Submit applies the operation to the open block.  It is the only way to
// mutate the state.
func (s *StateKeeper) Submit(op common.Operation) SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.submit(op)
	if res.Accepted {
		metric.OpsAccepted.WithLabelValues(res.Exec.Type.String()).Inc()
	} else {
		metric.OpsRejected.WithLabelValues(res.Reason).Inc()
		log.Debugw("StateKeeper: op rejected", "reason", res.Reason, "err", res.Err)
	}
	return res
}

func (s *StateKeeper) submit(op common.Operation) SubmitResult {
	if common.IsNilOp(op) {
		return rejected(common.NewValidationError(common.ReasonUnsupportedOp,
			"nil operation %T", op))
	}
	// noops only pad blocks at seal
	if op.Type() == common.OpTypeNoop {
		return rejected(common.NewValidationError(common.ReasonUnsupportedOp,
			"noop operations can not be submitted"))
	}
	if op.Type().Chunks() == 0 || op.Type().Chunks() > s.cfg.BlockCapacity {
		return rejected(common.NewValidationError(common.ReasonUnsupportedOp,
			"operation %T does not fit in a block", op))
	}
	for {
		exec, err := s.builder.Apply(op)
		if err == nil {
			return SubmitResult{Accepted: true, BlockNum: s.builder.Num(), Exec: exec}
		}
		cause := common.Unwrap(err)
		switch {
		case errors.Is(cause, common.ErrBlockFull):
			if err := s.sealAndCommit(); err != nil {
				return rejected(err)
			}
		case common.IsValidationError(err),
			errors.Is(cause, common.ErrEncodingOverflow),
			errors.Is(cause, common.ErrPrecisionLoss):
			return rejected(err)
		default:
			s.abort(err)
			return rejected(err)
		}
	}
}

// SealAndCommit seals and commits the open block when it has operations
func (s *StateKeeper) SealAndCommit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder.Len() == 0 {
		return nil
	}
	return s.sealAndCommit()
}

func (s *StateKeeper) sealAndCommit() error {
	if s.sink != nil && !s.sink.TryReserve() {
		return common.Wrap(common.ErrTooManyPendingBlocks)
	}
	block, err := s.commitBlock()
	if err != nil {
		if s.sink != nil {
			s.sink.Release()
		}
		s.abort(err)
		return common.Wrap(err)
	}
	metric.BlocksCommitted.Inc()
	metric.LastCommittedBlock.Set(float64(block.Num))
	s.builder = NewBlockBuilder(s.tp, s.cfg.BlockCapacity, s.cfg.FeeAccount)
	if s.sink != nil {
		s.sink.AddBlock(block)
	}
	return nil
}

func (s *StateKeeper) commitBlock() (*common.Block, error) {
	if err := s.builder.Seal(); err != nil {
		return nil, common.Wrap(err)
	}
	return s.builder.Commit()
}

// GetAccount returns the account at idx in the last committed block, or the
// empty account
func (s *StateKeeper) GetAccount(idx common.AccountIdx) (*common.Account, error) {
	return s.sdb.LastGetAccountOrEmpty(idx)
}

// GetIdxByAddress returns the index of the account of addr in the last
// committed block
func (s *StateKeeper) GetIdxByAddress(addr ethCommon.Address) (common.AccountIdx, error) {
	return s.sdb.LastGetIdxByAddress(addr)
}

// CurrentRoot returns the root of the account tree in the last committed
// block
func (s *StateKeeper) CurrentRoot() (*big.Int, error) {
	return s.sdb.LastRoot()
}

// LastCommittedBlock returns the number of the last committed block
func (s *StateKeeper) LastCommittedBlock() common.BlockNum {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sdb.CurrentBlock()
}

// Run seals the open block once it has been open for BlockTimeout, until
// the context is done
func (s *StateKeeper) Run(ctx context.Context) {
	interval := s.cfg.BlockTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("StateKeeper.Run done")
			return
		case <-ticker.C:
			if err := s.sealExpired(); err != nil {
				log.Warnw("StateKeeper: timed seal", "err", err)
			}
		}
	}
}

func (s *StateKeeper) sealExpired() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.builder.Len() == 0 || time.Since(s.builder.OpenedAt()) < s.cfg.BlockTimeout {
		return nil
	}
	return s.sealAndCommit()
}
