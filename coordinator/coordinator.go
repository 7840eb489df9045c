/*
Package coordinator handles the proving of the blocks committed by the
StateKeeper.

The Coordinator is the BlockSink of the StateKeeper.  It bounds the number of
blocks that are committed but not yet proven: the StateKeeper reserves a
place before committing a block, and the place is released when the proof of
the block is stored.  When there is no place left the StateKeeper rejects
operations until a proof arrives.

Committed blocks are stored in the HistoryDB and queued to the Pipeline.  The
Pipeline consists of two goroutines.  The first one builds the witness of each
block, in commit order, with the BatchBuilder, and sends it to an idle prover
taken from the ProversPool.  The second one starts a goroutine per block that
waits for the proof, retrying with the same prover up to the configured number
of attempts, checks the public input against the commitment of the witness and
stores the proof.  The maximum number of blocks proven in parallel is the
number of provers.

A witness that does not correspond to its committed block, or a block that
could not be proven after all the attempts, stops the Pipeline: the error is
reported through Err and no more blocks are proven.  All the block information
moves between goroutines via the BlockInfo struct.
*/
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"zkrollup/common"
	"zkrollup/coordinator/prover"
	"zkrollup/database/historydb"
	"zkrollup/log"
	"zkrollup/metric"

	"golang.org/x/sync/semaphore"
)

// Config contains the Coordinator configuration
type Config struct {
	// MaxPendingBlocks is the maximum number of blocks committed and not
	// yet proven
	MaxPendingBlocks int
	// ProofAttempts is the number of attempts to get the proof of a block
	// before giving up
	ProofAttempts int
	// ProofRetryInterval is the waiting interval between proof attempts
	ProofRetryInterval time.Duration
	// ProofTimeout is the maximum duration of a proof attempt
	ProofTimeout time.Duration
	// DebugBlockPath if set, specifies the path where blockInfo is stored
	// in JSON in every step/update of the pipeline
	DebugBlockPath string
}

// BlockStore persists the committed blocks and their proofs
type BlockStore interface {
	AddBlock(block *common.Block) error
	AddProof(proof *historydb.Proof) error
}

// WitnessBuilder builds the witness of a committed block
type WitnessBuilder interface {
	BuildWitness(block *common.Block) (*common.WitnessBundle, error)
}

// MsgStopPipeline indicates a signal to stop the pipeline
type MsgStopPipeline struct {
	Reason string
	// FailedBlockNum indicates the block that failed in the pipeline
	FailedBlockNum common.BlockNum
}

// Coordinator implements the Coordinator type
type Coordinator struct {
	cfg   Config
	store BlockStore

	sem             *semaphore.Weighted
	mu              sync.Mutex
	pending         int
	lastProvenBlock common.BlockNum

	pipeline *Pipeline
	errCh    chan error
	started  bool

	msgCh  chan interface{}
	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCoordinator creates a new Coordinator.  store can be nil, in which case
// blocks and proofs are not persisted.
func NewCoordinator(cfg Config,
	store BlockStore,
	witnessBuilder WitnessBuilder,
	provers []prover.Client,
) (*Coordinator, error) {
	if cfg.MaxPendingBlocks < 1 {
		return nil, common.Wrap(fmt.Errorf("invalid MaxPendingBlocks %d", cfg.MaxPendingBlocks))
	}
	if cfg.ProofAttempts < 1 {
		return nil, common.Wrap(fmt.Errorf("invalid ProofAttempts %d", cfg.ProofAttempts))
	}
	if len(provers) == 0 {
		return nil, common.Wrap(fmt.Errorf("no provers"))
	}
	if cfg.DebugBlockPath != "" {
		if err := os.MkdirAll(cfg.DebugBlockPath, 0744); err != nil { //nolint:gosec
			return nil, common.Wrap(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		sem:    semaphore.NewWeighted(int64(cfg.MaxPendingBlocks)),
		errCh:  make(chan error, 1),
		msgCh:  make(chan interface{}, cfg.MaxPendingBlocks),
		ctx:    ctx,
		cancel: cancel,
	}
	c.pipeline = newPipeline(cfg, c, witnessBuilder, NewProversPool(provers))
	metric.PendingBlocks.Set(0)
	return c, nil
}

// TryReserve reserves the place of a block that is about to be committed.  It
// returns false when MaxPendingBlocks blocks are waiting for their proof.
func (c *Coordinator) TryReserve() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending++
	metric.PendingBlocks.Set(float64(c.pending))
	return true
}

// Release frees a place reserved by TryReserve
func (c *Coordinator) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == 0 {
		log.Error("Coordinator.Release without a reserved block")
		return
	}
	c.pending--
	metric.PendingBlocks.Set(float64(c.pending))
	c.sem.Release(1)
}

// PendingBlocks returns the number of blocks committed and not yet proven
func (c *Coordinator) PendingBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// LastProvenBlock returns the greatest block number with a stored proof
func (c *Coordinator) LastProvenBlock() common.BlockNum {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastProvenBlock
}

// AddBlock stores a committed block and queues it for proving.  The block
// must have a place reserved with TryReserve.
func (c *Coordinator) AddBlock(block *common.Block) {
	if c.store != nil {
		if err := c.store.AddBlock(block); err != nil {
			metric.StoreErrors.WithLabelValues("blocks").Inc()
			log.Errorw("Coordinator: store block", "block", block.Num, "err", err)
			c.Release()
			c.SendMsg(c.ctx, MsgStopPipeline{
				Reason:         fmt.Sprintf("store block: %v", err),
				FailedBlockNum: block.Num,
			})
			return
		}
	}
	c.pipeline.addBlock(block)
}

// Err returns a channel that receives the error that stopped the pipeline
func (c *Coordinator) Err() <-chan error {
	return c.errCh
}

// SendMsg is a thread safe method to pass a message to the Coordinator
func (c *Coordinator) SendMsg(ctx context.Context, msg interface{}) {
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
	}
}

func (c *Coordinator) handleMsg(msg interface{}) {
	switch msg := msg.(type) {
	case MsgStopPipeline:
		log.Errorw("Coordinator: stopping pipeline", "block", msg.FailedBlockNum,
			"reason", msg.Reason)
		c.pipeline.Stop()
		select {
		case c.errCh <- fmt.Errorf("block %d: %v", msg.FailedBlockNum, msg.Reason):
		default:
		}
	default:
		log.Fatalf("Coordinator unexpected msg of type %T: %+v", msg, msg)
	}
}

// proved is called by the pipeline when the proof of a block is stored
func (c *Coordinator) proved(blockInfo *BlockInfo) error {
	if c.store != nil {
		proof, err := json.Marshal(blockInfo.Proof)
		if err != nil {
			return common.Wrap(err)
		}
		pubInputs, err := json.Marshal(blockInfo.PublicInputs)
		if err != nil {
			return common.Wrap(err)
		}
		if err := c.store.AddProof(&historydb.Proof{
			BlockNum:     blockInfo.BlockNum,
			Proof:        proof,
			PublicInputs: pubInputs,
			ProverURL:    blockInfo.ProverURL,
			Attempts:     blockInfo.Debug.Attempts,
		}); err != nil {
			metric.StoreErrors.WithLabelValues("proofs").Inc()
			return common.Wrap(err)
		}
	}
	c.mu.Lock()
	if blockInfo.BlockNum > c.lastProvenBlock {
		c.lastProvenBlock = blockInfo.BlockNum
		metric.LastProvenBlock.Set(float64(c.lastProvenBlock))
	}
	c.mu.Unlock()
	c.Release()
	return nil
}

// Start the coordinator
func (c *Coordinator) Start() {
	if c.started {
		log.Fatal("Coordinator already started")
	}
	c.started = true
	c.pipeline.Start()

	c.wg.Add(1)
	go func() {
		for {
			select {
			case <-c.ctx.Done():
				log.Info("Coordinator done")
				c.wg.Done()
				return
			case msg := <-c.msgCh:
				c.handleMsg(msg)
			}
		}
	}()
}

// Stop the coordinator
func (c *Coordinator) Stop() {
	if !c.started {
		log.Fatal("Coordinator already stopped")
	}
	c.started = false
	log.Infow("Stopping Coordinator...")
	c.cancel()
	c.wg.Wait()
	c.pipeline.Stop()
}
