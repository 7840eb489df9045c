/*
Package synchronizer rebuilds the rollup state from the committed blocks.

The Synchronizer keeps an observer StateDB that follows the blocks stored by
the sequencer in the HistoryDB.  Each block is replayed from its public data
alone: the operations are decoded, applied without signatures nor nonces,
the fees are credited, and the resulting root must be the committed root of
the block.  A block that does not replay to its committed root stops the
synchronization, leaving the StateDB at the last valid block.
*/
package synchronizer

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"zkrollup/common"
	"zkrollup/database/statedb"
	"zkrollup/log"
	"zkrollup/metric"
	"zkrollup/pubdata"
	"zkrollup/txprocessor"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

var (
	// ErrStateMismatch is returned when a block does not replay to its
	// committed values
	ErrStateMismatch = fmt.Errorf("state mismatch")
)

// Stats of the synchronizer
type Stats struct {
	Updated time.Time
	// LastBlock is the last block synchronized into the StateDB
	LastBlock common.BlockNum
	// LastRoot is the root after LastBlock
	LastRoot *big.Int
	// SourceLastBlock is the last block available in the BlockSource
	SourceLastBlock common.BlockNum
}

// Synced returns true if the Synchronizer is up to date with the BlockSource
func (s *Stats) Synced() bool {
	return s.LastBlock == s.SourceLastBlock
}

// StatsHolder stores stats and that allows reading and writing them
// concurrently
type StatsHolder struct {
	Stats
	rw sync.RWMutex
}

// UpdateSync updates the synchronizer stats
func (s *StatsHolder) UpdateSync(lastBlock, sourceLastBlock common.BlockNum, lastRoot *big.Int) {
	now := time.Now()
	s.rw.Lock()
	s.LastBlock = lastBlock
	s.SourceLastBlock = sourceLastBlock
	s.LastRoot = new(big.Int).Set(lastRoot)
	s.Updated = now
	s.rw.Unlock()
}

// CopyStats returns a copy of the inner Stats
func (s *StatsHolder) CopyStats() *Stats {
	s.rw.RLock()
	sCopy := s.Stats
	if s.LastRoot != nil {
		sCopy.LastRoot = new(big.Int).Set(s.LastRoot)
	}
	s.rw.RUnlock()
	return &sCopy
}

// BlockSource provides the committed blocks, in order
type BlockSource interface {
	GetLastBlockNum() (common.BlockNum, error)
	GetBlocksFrom(from common.BlockNum, limit int) ([]*common.Block, error)
}

// Config is the Synchronizer configuration
type Config struct {
	// FeeAddress is the address of the fee account created at genesis
	FeeAddress ethCommon.Address
	// Tokens are the tokens that operations can use
	Tokens *common.TokenRegistry
	// BlocksPerSync is the maximum number of blocks fetched from the
	// BlockSource in a call to Sync
	BlocksPerSync int
}

// Synchronizer implements the Synchronizer type
type Synchronizer struct {
	source  BlockSource
	stateDB *statedb.StateDB
	cfg     Config
	stats   *StatsHolder
}

// NewSynchronizer creates a new Synchronizer on an observer StateDB
func NewSynchronizer(source BlockSource, stateDB *statedb.StateDB, cfg Config) (*Synchronizer, error) {
	if stateDB.Type() != statedb.TypeObserver {
		return nil, common.Wrap(fmt.Errorf("synchronizer needs a StateDB of type %s, got %s",
			statedb.TypeObserver, stateDB.Type()))
	}
	if cfg.BlocksPerSync <= 0 {
		cfg.BlocksPerSync = 1
	}
	if err := stateDB.MakeGenesisCheckpoint(cfg.FeeAddress); err != nil {
		return nil, common.Wrap(err)
	}
	s := &Synchronizer{
		source:  source,
		stateDB: stateDB,
		cfg:     cfg,
		stats:   &StatsHolder{},
	}
	return s, s.init()
}

// init discards any state after the last checkpoint
func (s *Synchronizer) init() error {
	if err := s.stateDB.Reset(s.stateDB.CurrentBlock()); err != nil {
		return common.Wrap(err)
	}
	s.stats.UpdateSync(s.stateDB.CurrentBlock(), s.stateDB.CurrentBlock(), s.stateDB.Root())
	log.Infow("Synchronizer initialized", "lastBlock", s.stateDB.CurrentBlock(),
		"root", s.stateDB.Root())
	return nil
}

// StateDB returns the inner StateDB
func (s *Synchronizer) StateDB() *statedb.StateDB {
	return s.stateDB
}

// Stats returns a copy of the Synchronizer Stats
func (s *Synchronizer) Stats() *Stats {
	return s.stats.CopyStats()
}

// Sync replays the next blocks available in the BlockSource, at most
// BlocksPerSync of them, and returns the number of replayed blocks.  On error
// the StateDB is left at the last replayed block.
func (s *Synchronizer) Sync(ctx context.Context) (int, error) {
	sourceLast, err := s.source.GetLastBlockNum()
	if err != nil {
		return 0, common.Wrap(fmt.Errorf("GetLastBlockNum: %w", err))
	}
	next := s.stateDB.CurrentBlock() + 1
	if sourceLast < next {
		s.stats.UpdateSync(s.stateDB.CurrentBlock(), sourceLast, s.stateDB.Root())
		return 0, nil
	}
	blocks, err := s.source.GetBlocksFrom(next, s.cfg.BlocksPerSync)
	if err != nil {
		return 0, common.Wrap(fmt.Errorf("GetBlocksFrom: %w", err))
	}
	synced := 0
	for _, block := range blocks {
		if ctx.Err() != nil {
			return synced, common.Wrap(common.ErrDone)
		}
		if err := s.syncBlock(block); err != nil {
			if errReset := s.stateDB.Reset(s.stateDB.CurrentBlock()); errReset != nil {
				log.Errorw("Synchronizer: reset after failed block", "err", errReset)
			}
			return synced, common.Wrap(fmt.Errorf("block %d: %w", block.Num, err))
		}
		synced++
		metric.SyncedLastBlock.Set(float64(block.Num))
		s.stats.UpdateSync(block.Num, sourceLast, block.NewRoot)
		log.Debugw("Synchronizer: block synced", "block", block.Num, "root", block.NewRoot)
	}
	return synced, nil
}

func (s *Synchronizer) syncBlock(block *common.Block) error {
	if block.Num != s.stateDB.CurrentBlock()+1 {
		return common.Wrap(fmt.Errorf("unexpected block %d, last synced %d",
			block.Num, s.stateDB.CurrentBlock()))
	}
	if root := s.stateDB.Root(); root.Cmp(block.OldRoot) != 0 {
		return common.Wrap(fmt.Errorf("%w: old root %v, state root %v",
			ErrStateMismatch, block.OldRoot, root))
	}
	if len(block.PubData) != block.Capacity*common.ChunkBytes {
		return common.Wrap(fmt.Errorf("%w: public data of %d bytes for %d chunks",
			ErrStateMismatch, len(block.PubData), block.Capacity))
	}
	execs, err := pubdata.DecodeBlock(block.PubData)
	if err != nil {
		return common.Wrap(err)
	}
	tp := txprocessor.NewTxProcessor(s.stateDB, txprocessor.Config{
		FeeAccount: block.FeeAccount,
		Tokens:     s.cfg.Tokens,
	})
	for _, exec := range execs {
		if err := s.replayOp(tp, block, exec); err != nil {
			return common.Wrap(fmt.Errorf("chunk %d: %w", exec.ChunkIdx, err))
		}
	}
	credits, _, err := tp.CreditFees()
	if err != nil {
		return common.Wrap(err)
	}
	if block.Fees != nil && !sameCredits(credits, block.Fees) {
		return common.Wrap(fmt.Errorf("%w: fee credits %v, committed %v",
			ErrStateMismatch, credits, block.Fees))
	}
	if root := s.stateDB.Root(); root.Cmp(block.NewRoot) != 0 {
		return common.Wrap(fmt.Errorf("%w: new root %v, replayed root %v",
			ErrStateMismatch, block.NewRoot, root))
	}
	return common.Wrap(s.stateDB.MakeCheckpoint())
}

// replayOp applies a decoded operation and checks that it encodes to the
// same public data
func (s *Synchronizer) replayOp(tp *txprocessor.TxProcessor, block *common.Block,
	exec *common.ExecutedOp) error {
	op, err := Operation(exec)
	if err != nil {
		return common.Wrap(err)
	}
	replayed, err := tp.ProcessOp(op)
	if err != nil {
		return common.Wrap(err)
	}
	b, err := pubdata.EncodeOp(replayed)
	if err != nil {
		return common.Wrap(err)
	}
	start := exec.ChunkIdx * common.ChunkBytes
	if !bytes.Equal(b, block.PubData[start:start+len(b)]) {
		return common.Wrap(fmt.Errorf("%w: replayed %s encodes to %x, committed %x",
			ErrStateMismatch, replayed.Type, b, block.PubData[start:start+len(b)]))
	}
	return nil
}

// Operation returns the unsigned operation that replays an operation decoded
// from public data
func Operation(exec *common.ExecutedOp) (common.Operation, error) {
	switch exec.Type {
	case common.OpTypeNoop:
		return common.NoopOp{}, nil
	case common.OpTypeDeposit:
		return &common.DepositOp{Address: exec.Address, Token: exec.Token, Amount: exec.Amount}, nil
	case common.OpTypeTransfer:
		return &common.TransferOp{From: exec.AccountIdx, To: exec.TargetIdx, Token: exec.Token,
			Amount: exec.Amount, Fee: exec.Fee}, nil
	case common.OpTypeTransferToNew:
		return &common.TransferToNewOp{From: exec.AccountIdx, ToAddress: exec.Address,
			Token: exec.Token, Amount: exec.Amount, Fee: exec.Fee}, nil
	case common.OpTypeWithdraw:
		return &common.WithdrawOp{Account: exec.AccountIdx, To: exec.Address, Token: exec.Token,
			Amount: exec.Amount, Fee: exec.Fee}, nil
	case common.OpTypeClose:
		return &common.CloseOp{Account: exec.AccountIdx}, nil
	case common.OpTypeFullExit:
		return &common.FullExitOp{Account: exec.AccountIdx, Address: exec.Address,
			Token: exec.Token}, nil
	case common.OpTypeChangePubKey:
		return &common.ChangePubKeyOp{Account: exec.AccountIdx, Address: exec.Address,
			NewPubKeyHash: exec.PubKeyHash, Nonce: exec.Nonce}, nil
	case common.OpTypeForcedExit:
		return &common.ForcedExitOp{Initiator: exec.AccountIdx, Target: exec.TargetIdx,
			TargetAddress: exec.Address, Token: exec.Token, Fee: exec.Fee}, nil
	}
	return nil, common.Wrap(fmt.Errorf("unknown operation type %d", exec.Type))
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

// Run syncs every interval until the context is done
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Synchronizer done")
			return
		case <-ticker.C:
			for {
				n, err := s.Sync(ctx)
				if ctx.Err() != nil {
					break
				} else if err != nil {
					log.Errorw("Synchronizer.Sync", "err", err)
					break
				}
				if n == 0 {
					break
				}
			}
		}
	}
}
