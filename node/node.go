/*
Package node does the initialization of all the required objects to run a
rollup node, either as a sequencer or as an observer.

In sequencer mode the Node runs the StateKeeper, which applies the submitted
operations and commits blocks to the Coordinator.  The Coordinator stores the
committed blocks in the HistoryDB and gets their proofs from the configured
proof servers, with the witnesses built by the BatchBuilder.  A failure in the
proving pipeline is reported through Err, after which the node must be
stopped.

In observer mode the Node runs the Synchronizer, which periodically replays
the blocks stored in the HistoryDB into its own StateDB, checking every
committed root.

In both modes an optional debug API exposes the state, the status of the
components and the metrics.
*/
package node

import (
	"context"
	"fmt"
	"sync"

	"zkrollup/batchbuilder"
	"zkrollup/common"
	"zkrollup/config"
	"zkrollup/coordinator"
	"zkrollup/coordinator/prover"
	dbUtils "zkrollup/database"
	"zkrollup/database/historydb"
	"zkrollup/database/statedb"
	"zkrollup/log"
	"zkrollup/statekeeper"
	"zkrollup/synchronizer"
	"zkrollup/test/debugapi"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// Mode sets the working mode of the node (sequencer or observer)
type Mode string

const (
	// ModeSequencer defines the mode of the Node as sequencer, which
	// means that the node applies operations, commits blocks and gets
	// their proofs
	ModeSequencer Mode = "sequencer"

	// ModeObserver defines the mode of the Node as observer, which means
	// that the node only rebuilds the state from the committed blocks
	ModeObserver Mode = "observer"
)

// Node is the rollup node
type Node struct {
	debugAPI *debugapi.DebugAPI

	// Sequencer
	sk           *statekeeper.StateKeeper
	coord        *coordinator.Coordinator
	batchBuilder *batchbuilder.BatchBuilder

	// Observer
	sync *synchronizer.Synchronizer

	// General
	cfg          *config.Node
	mode         Mode
	stateDB      *statedb.StateDB
	sqlConnRead  *sqlx.DB
	sqlConnWrite *sqlx.DB
	historyDB    *historydb.HistoryDB
	errCh        chan error
	ctx          context.Context
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// NewNode creates a Node
func NewNode(mode Mode, cfg *config.Node) (*Node, error) {
	if mode != ModeSequencer && mode != ModeObserver {
		return nil, common.Wrap(fmt.Errorf("invalid mode %q", mode))
	}
	meddler.Debug = cfg.Debug.MeddlerLogs
	// Stablish DB connection
	dbWrite, err := dbUtils.InitSQLDB(
		cfg.PostgreSQL.PortWrite,
		cfg.PostgreSQL.HostWrite,
		cfg.PostgreSQL.UserWrite,
		cfg.PostgreSQL.PasswordWrite,
		cfg.PostgreSQL.NameWrite,
	)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("dbUtils.InitSQLDB: %w", err))
	}
	var dbRead *sqlx.DB
	if cfg.PostgreSQL.HostRead == "" {
		dbRead = dbWrite
	} else if cfg.PostgreSQL.HostRead == cfg.PostgreSQL.HostWrite {
		return nil, common.Wrap(fmt.Errorf(
			"PostgreSQL.HostRead and PostgreSQL.HostWrite must be different",
		))
	} else {
		dbRead, err = dbUtils.ConnectSQLDB(
			cfg.PostgreSQL.PortRead,
			cfg.PostgreSQL.HostRead,
			cfg.PostgreSQL.UserRead,
			cfg.PostgreSQL.PasswordRead,
			cfg.PostgreSQL.NameRead,
		)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("dbUtils.ConnectSQLDB: %w", err))
		}
	}
	historyDB := historydb.NewHistoryDB(dbRead, dbWrite)
	if mode == ModeSequencer {
		if err := historyDB.AddTokens(cfg.Rollup.Tokens); err != nil {
			return nil, common.Wrap(err)
		}
	}
	tokens := cfg.Rollup.TokenRegistry()

	var stateDBType statedb.TypeStateDB = statedb.TypeStateKeeper
	if mode == ModeObserver {
		stateDBType = statedb.TypeObserver
	}
	stateDB, err := statedb.NewStateDB(statedb.Config{
		Path:          cfg.StateDB.Path,
		Keep:          cfg.StateDB.Keep,
		Type:          stateDBType,
		NLevels:       cfg.Rollup.NLevels,
		BalanceLevels: cfg.Rollup.BalanceLevels,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}

	n := &Node{
		cfg:          cfg,
		mode:         mode,
		stateDB:      stateDB,
		sqlConnRead:  dbRead,
		sqlConnWrite: dbWrite,
		historyDB:    historyDB,
		errCh:        make(chan error, 1),
	}
	if mode == ModeSequencer {
		if err := n.initSequencer(tokens); err != nil {
			stateDB.Close()
			return nil, common.Wrap(err)
		}
	} else {
		n.sync, err = synchronizer.NewSynchronizer(historyDB, stateDB, synchronizer.Config{
			FeeAddress:    cfg.Rollup.FeeAddress,
			Tokens:        tokens,
			BlocksPerSync: cfg.Synchronizer.BlocksPerSync,
		})
		if err != nil {
			stateDB.Close()
			return nil, common.Wrap(err)
		}
	}

	if cfg.Debug.APIAddress != "" {
		if cfg.Debug.GinDebugMode {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		n.debugAPI = debugapi.NewDebugAPI(cfg.Debug.APIAddress, stateDB, n.sk, n.sync, n.coord)
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

func (n *Node) initSequencer(tokens *common.TokenRegistry) error {
	cfg := n.cfg
	if err := n.reconcile(); err != nil {
		return common.Wrap(err)
	}
	batchBuilder, err := batchbuilder.NewBatchBuilder(batchbuilder.Config{
		Path:   cfg.Coordinator.BatchBuilder.Path,
		Keep:   cfg.StateDB.Keep,
		Tokens: tokens,
	}, n.stateDB)
	if err != nil {
		return common.Wrap(err)
	}
	serverProofs := make([]prover.Client, len(cfg.Coordinator.ServerProofs.URLs))
	for i, url := range cfg.Coordinator.ServerProofs.URLs {
		serverProofs[i] = prover.NewProofServerClient(url,
			cfg.Coordinator.ServerProofs.PollInterval.Duration)
	}
	coord, err := coordinator.NewCoordinator(
		coordinator.Config{
			MaxPendingBlocks:   cfg.Coordinator.MaxPendingBlocks,
			ProofAttempts:      cfg.Coordinator.ProofAttempts,
			ProofRetryInterval: cfg.Coordinator.ProofRetryInterval.Duration,
			ProofTimeout:       cfg.Coordinator.ProofTimeout.Duration,
			DebugBlockPath:     cfg.Coordinator.Debug.BlockPath,
		},
		n.historyDB,
		batchBuilder,
		serverProofs,
	)
	if err != nil {
		batchBuilder.Close()
		return common.Wrap(err)
	}
	sk, err := statekeeper.NewStateKeeper(statekeeper.Config{
		BlockCapacity: cfg.StateKeeper.BlockCapacity,
		FeeAccount:    0,
		FeeAddress:    cfg.Rollup.FeeAddress,
		BlockTimeout:  cfg.StateKeeper.BlockTimeout.Duration,
		Tokens:        tokens,
	}, n.stateDB, coord)
	if err != nil {
		batchBuilder.Close()
		return common.Wrap(err)
	}
	n.batchBuilder = batchBuilder
	n.coord = coord
	n.sk = sk
	return nil
}

// reconcile brings the StateDB of the sequencer back to the last block
// stored in the HistoryDB, discarding the checkpoints of the blocks that
// were committed but not stored.
func (n *Node) reconcile() error {
	lastStored, err := n.historyDB.GetLastBlockNum()
	if err != nil {
		return common.Wrap(err)
	}
	current := n.stateDB.CurrentBlock()
	if lastStored > current {
		return common.Wrap(fmt.Errorf(
			"HistoryDB has block %d but the StateDB is at block %d", lastStored, current))
	}
	if lastStored < current {
		log.Warnw("Discarding committed blocks missing in the HistoryDB",
			"from", lastStored+1, "to", current)
		if err := n.stateDB.Reset(lastStored); err != nil {
			return common.Wrap(err)
		}
	}
	lastProven, err := n.historyDB.GetLastProvenBlockNum()
	if err != nil {
		return common.Wrap(err)
	}
	if lastProven < lastStored {
		log.Warnw("Committed blocks without proof from a previous run are not proven again",
			"lastProvenBlock", lastProven, "lastBlock", lastStored)
	}
	return nil
}

// StateKeeper returns the StateKeeper of the node, which is nil in observer
// mode
func (n *Node) StateKeeper() *statekeeper.StateKeeper {
	return n.sk
}

// Synchronizer returns the Synchronizer of the node, which is nil in
// sequencer mode
func (n *Node) Synchronizer() *synchronizer.Synchronizer {
	return n.sync
}

// Err returns a channel that receives the error that stopped a component of
// the node
func (n *Node) Err() <-chan error {
	return n.errCh
}

// StartDebugAPI starts the DebugAPI
func (n *Node) StartDebugAPI() {
	n.wg.Add(1)
	go func() {
		defer func() {
			log.Info("DebugAPI routine stopped")
			n.wg.Done()
		}()
		if err := n.debugAPI.Run(n.ctx); err != nil {
			log.Fatalw("DebugAPI.Run", "err", err)
		}
	}()
}

// StartSequencer starts the StateKeeper and the Coordinator
func (n *Node) StartSequencer() {
	log.Info("Starting Coordinator...")
	n.coord.Start()

	log.Info("Starting StateKeeper...")
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sk.Run(n.ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-n.ctx.Done():
		case err := <-n.coord.Err():
			log.Errorw("Coordinator pipeline stopped", "err", err)
			select {
			case n.errCh <- common.Wrap(fmt.Errorf("coordinator: %w", err)):
			default:
			}
		}
	}()
}

// StartSynchronizer starts the synchronizer
func (n *Node) StartSynchronizer() {
	log.Info("Starting Synchronizer...")
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sync.Run(n.ctx, n.cfg.Synchronizer.SyncLoopInterval.Duration)
	}()
}

// Start the node
func (n *Node) Start() {
	log.Infow("Starting node...", "mode", n.mode)
	if n.mode == ModeSequencer {
		n.StartSequencer()
	} else {
		n.StartSynchronizer()
	}
	if n.debugAPI != nil {
		n.StartDebugAPI()
	}
}

// Stop the node
func (n *Node) Stop() {
	log.Infow("Stopping node...")
	n.cancel()
	n.wg.Wait()
	if n.mode == ModeSequencer {
		log.Info("Stopping Coordinator...")
		n.coord.Stop()
		n.batchBuilder.Close()
	}
	// Close kv DBs
	n.stateDB.Close()
	// Close SQL DBs
	if n.sqlConnRead != n.sqlConnWrite {
		if err := n.sqlConnRead.Close(); err != nil {
			log.Errorw("Closing SQL read connection", "err", err)
		}
	}
	if err := n.sqlConnWrite.Close(); err != nil {
		log.Errorw("Closing SQL write connection", "err", err)
	}
}
