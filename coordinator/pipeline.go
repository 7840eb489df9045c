package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"zkrollup/common"
	"zkrollup/log"
	"zkrollup/metric"
)

const stopCtxTimeout = 200 * time.Millisecond

// Pipeline manages the witness building and proving of blocks with parallel
// provers
type Pipeline struct {
	cfg Config

	// state
	started       bool
	stopOnce      sync.Once
	rw            sync.RWMutex
	errAtBlockNum common.BlockNum

	coord          *Coordinator
	witnessBuilder WitnessBuilder
	proversPool    *ProversPool
	blockCh        chan *common.Block

	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func newPipeline(cfg Config, coord *Coordinator, witnessBuilder WitnessBuilder,
	proversPool *ProversPool) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:            cfg,
		coord:          coord,
		witnessBuilder: witnessBuilder,
		proversPool:    proversPool,
		blockCh:        make(chan *common.Block, cfg.MaxPendingBlocks),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// addBlock queues a committed block.  It never blocks: the number of queued
// blocks is bounded by the reservations of the Coordinator.
func (p *Pipeline) addBlock(block *common.Block) {
	select {
	case p.blockCh <- block:
	default:
		log.Errorw("Pipeline: queue full, block dropped", "block", block.Num)
	}
}

func (p *Pipeline) getErrAtBlockNum() common.BlockNum {
	p.rw.RLock()
	defer p.rw.RUnlock()
	return p.errAtBlockNum
}

func (p *Pipeline) setErrAtBlockNum(blockNum common.BlockNum) {
	p.rw.Lock()
	defer p.rw.Unlock()
	p.errAtBlockNum = blockNum
}

// fail stops the processing of blocks and signals the coordinator
func (p *Pipeline) fail(blockInfo *BlockInfo, reason string, err error) {
	log.Errorw(reason, "block", blockInfo.BlockNum, "err", err)
	p.setErrAtBlockNum(blockInfo.BlockNum)
	blockInfo.Debug.Status = StatusFailed
	blockInfo.Debug.Err = err.Error()
	p.cfg.debugBlockStore(blockInfo)
	p.coord.SendMsg(p.ctx, MsgStopPipeline{
		Reason:         fmt.Sprintf("%s: %v", reason, err),
		FailedBlockNum: blockInfo.BlockNum,
	})
}

// handleBlock builds the witness of the block and waits for an idle prover
func (p *Pipeline) handleBlock(ctx context.Context, blockInfo *BlockInfo) error {
	witness, err := p.witnessBuilder.BuildWitness(blockInfo.Block)
	if err != nil {
		return common.Wrap(err)
	}
	blockInfo.Witness = witness
	blockInfo.Debug.WitnessTimestamp = time.Now()
	blockInfo.Debug.StartToWitnessDelay =
		blockInfo.Debug.WitnessTimestamp.Sub(blockInfo.Debug.StartTimestamp).Seconds()
	blockInfo.Debug.Status = StatusWitness
	p.cfg.debugBlockStore(blockInfo)
	log.Debugw("Pipeline: witness built", "block", blockInfo.BlockNum)

	client, err := p.proversPool.Get(ctx)
	if err != nil {
		return common.Wrap(err)
	}
	blockInfo.Prover = client
	blockInfo.ProverURL = client.URL()
	return nil
}

// proofAttempt sends the witness to the prover of the block and waits for
// the proof
func (p *Pipeline) proofAttempt(ctx context.Context, blockInfo *BlockInfo, attempt int) error {
	defer metric.MeasureDuration(metric.ProofDuration, time.Now(),
		blockInfo.BlockNum.BigInt().String(), strconv.Itoa(attempt))
	if p.cfg.ProofTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ProofTimeout)
		defer cancel()
	}
	client := blockInfo.Prover
	if err := client.WaitReady(ctx); err != nil {
		return common.Wrap(err)
	}
	if err := client.CalculateProof(ctx, blockInfo.Witness); err != nil {
		return common.Wrap(err)
	}
	blockInfo.ProofStart = time.Now()
	blockInfo.Debug.Status = StatusProving
	p.cfg.debugBlockStore(blockInfo)
	proof, pubInputs, err := client.GetProof(ctx)
	if err != nil {
		return common.Wrap(err)
	}
	commitment := blockInfo.Witness.PublicInputs.Commitment
	if len(pubInputs) == 0 || pubInputs[0].Cmp(commitment) != 0 {
		return common.Wrap(fmt.Errorf("proof public inputs %v do not match commitment %v",
			pubInputs, commitment))
	}
	blockInfo.Proof = proof
	blockInfo.PublicInputs = pubInputs
	return nil
}

func (p *Pipeline) cancelProof(blockInfo *BlockInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), stopCtxTimeout)
	defer cancel()
	if err := blockInfo.Prover.Cancel(ctx); err != nil {
		log.Warnw("Pipeline: prover cancel", "prover", blockInfo.ProverURL, "err", err)
	}
}

// proveBlock gets the proof of the block, with up to ProofAttempts attempts
func (p *Pipeline) proveBlock(ctx context.Context, blockInfo *BlockInfo) error {
	var err error
	for attempt := 1; attempt <= p.cfg.ProofAttempts; attempt++ {
		blockInfo.Debug.Attempts = attempt
		err = p.proofAttempt(ctx, blockInfo, attempt)
		if ctx.Err() != nil {
			p.cancelProof(blockInfo)
			return common.Wrap(common.ErrDone)
		} else if err == nil {
			return nil
		}
		log.Warnw("Pipeline: proof attempt failed", "block", blockInfo.BlockNum,
			"attempt", attempt, "prover", blockInfo.ProverURL, "err", err)
		p.cancelProof(blockInfo)
		if attempt < p.cfg.ProofAttempts {
			select {
			case <-time.After(p.cfg.ProofRetryInterval):
			case <-ctx.Done():
				return common.Wrap(common.ErrDone)
			}
		}
	}
	return common.Wrap(fmt.Errorf("no proof after %d attempts: %w", p.cfg.ProofAttempts, err))
}

// Start the pipeline
func (p *Pipeline) Start() {
	if p.started {
		log.Fatal("Pipeline already started")
	}
	p.started = true

	blockChSentProver := make(chan *BlockInfo, 1)

	p.wg.Add(1)
	go func() {
		for {
			select {
			case <-p.ctx.Done():
				log.Info("Pipeline buildWitness loop done")
				p.wg.Done()
				return
			case block := <-p.blockCh:
				// Once errAtBlockNum != 0, we stop proving blocks
				// because there's been an error and we wait for the
				// pipeline to be stopped.
				if p.getErrAtBlockNum() != 0 {
					continue
				}
				blockInfo := newBlockInfo(block)
				err := p.handleBlock(p.ctx, blockInfo)
				if p.ctx.Err() != nil {
					continue
				} else if err != nil {
					p.fail(blockInfo, "Pipeline.handleBlock", err)
					continue
				}
				select {
				case blockChSentProver <- blockInfo:
				case <-p.ctx.Done():
				}
			}
		}
	}()

	p.wg.Add(1)
	go func() {
		for {
			select {
			case <-p.ctx.Done():
				log.Info("Pipeline proveBlock loop done")
				p.wg.Done()
				return
			case blockInfo := <-blockChSentProver:
				p.wg.Add(1)
				go func(blockInfo *BlockInfo) {
					defer p.wg.Done()
					// The prover is idle again whatever the outcome
					defer p.proversPool.Add(p.ctx, blockInfo.Prover)
					if p.getErrAtBlockNum() != 0 {
						return
					}
					err := p.proveBlock(p.ctx, blockInfo)
					if p.ctx.Err() != nil {
						return
					} else if err != nil {
						p.fail(blockInfo, "Pipeline.proveBlock", err)
						return
					}
					if err := p.coord.proved(blockInfo); err != nil {
						p.fail(blockInfo, "Pipeline.proved", err)
						return
					}
					blockInfo.Debug.ProvedTimestamp = time.Now()
					blockInfo.Debug.WitnessToProofDelay =
						blockInfo.Debug.ProvedTimestamp.Sub(blockInfo.Debug.WitnessTimestamp).Seconds()
					blockInfo.Debug.Status = StatusProved
					p.cfg.debugBlockStore(blockInfo)
					log.Infow("Pipeline: block proof stored", "block", blockInfo.BlockNum,
						"prover", blockInfo.ProverURL, "attempts", blockInfo.Debug.Attempts)
				}(blockInfo)
			}
		}
	}()
}

// Stop the pipeline and wait for its goroutines.  It can be called more than
// once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		log.Info("Stopping Pipeline...")
		p.cancel()
		p.wg.Wait()
	})
}
