package debugapi

import (
	"context"
	"errors"
	"math/big"
	"net"
	"net/http"
	"time"

	"zkrollup/common"
	"zkrollup/coordinator"
	"zkrollup/database/statedb"
	"zkrollup/log"
	"zkrollup/statekeeper"
	"zkrollup/synchronizer"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func handleNoRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error": "404 page not found",
	})
}

type errorMsg struct {
	Message string
}

func badReq(err error, c *gin.Context) {
	log.Errorw("Bad request", "err", err)
	c.JSON(http.StatusBadRequest, errorMsg{
		Message: err.Error(),
	})
}

func notFound(err error, c *gin.Context) {
	c.JSON(http.StatusNotFound, errorMsg{
		Message: err.Error(),
	})
}

func internalErr(err error, c *gin.Context) {
	log.Errorw("Internal error", "err", err)
	c.JSON(http.StatusInternalServerError, errorMsg{
		Message: err.Error(),
	})
}

// DebugAPI is an http API with debugging endpoints
type DebugAPI struct {
	addr    string
	stateDB *statedb.StateDB // last checkpoint of the node statedb
	sk      *statekeeper.StateKeeper
	sync    *synchronizer.Synchronizer
	coord   *coordinator.Coordinator
}

// NewDebugAPI creates a new DebugAPI over the StateDB of the node.  The
// StateKeeper and Coordinator are set in sequencer mode and the
// Synchronizer in observer mode, the rest are nil.
func NewDebugAPI(addr string, stateDB *statedb.StateDB, sk *statekeeper.StateKeeper,
	sync *synchronizer.Synchronizer, coord *coordinator.Coordinator) *DebugAPI {
	return &DebugAPI{
		addr:    addr,
		stateDB: stateDB,
		sk:      sk,
		sync:    sync,
		coord:   coord,
	}
}

type rootResponse struct {
	Root *big.Int `json:"root"`
}

func (a *DebugAPI) handleRoot(c *gin.Context) {
	root, err := a.stateDB.LastRoot()
	if err != nil {
		internalErr(err, c)
		return
	}
	c.JSON(http.StatusOK, rootResponse{Root: root})
}

func (a *DebugAPI) handleAccount(c *gin.Context) {
	uri := struct {
		Idx uint32 `uri:"Idx"`
	}{}
	if err := c.ShouldBindUri(&uri); err != nil {
		badReq(err, c)
		return
	}
	account, err := a.stateDB.LastGetAccountOrEmpty(common.AccountIdx(uri.Idx))
	if err != nil {
		if errors.Is(common.Unwrap(err), common.ErrIndexOutOfBounds) {
			badReq(err, c)
			return
		}
		internalErr(err, c)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (a *DebugAPI) handleAddress(c *gin.Context) {
	addr := c.Param("Addr")
	if !ethCommon.IsHexAddress(addr) {
		c.JSON(http.StatusBadRequest, errorMsg{Message: "invalid address " + addr})
		return
	}
	idx, err := a.stateDB.LastGetIdxByAddress(ethCommon.HexToAddress(addr))
	if err != nil {
		notFound(err, c)
		return
	}
	account, err := a.stateDB.LastGetAccount(idx)
	if err != nil {
		internalErr(err, c)
		return
	}
	c.JSON(http.StatusOK, account)
}

type stateKeeperResponse struct {
	LastCommittedBlock common.BlockNum `json:"lastCommittedBlock"`
	Root               *big.Int        `json:"root"`
}

func (a *DebugAPI) handleStateKeeper(c *gin.Context) {
	root, err := a.sk.CurrentRoot()
	if err != nil {
		internalErr(err, c)
		return
	}
	c.JSON(http.StatusOK, stateKeeperResponse{
		LastCommittedBlock: a.sk.LastCommittedBlock(),
		Root:               root,
	})
}

type coordinatorResponse struct {
	PendingBlocks   int             `json:"pendingBlocks"`
	LastProvenBlock common.BlockNum `json:"lastProvenBlock"`
}

func (a *DebugAPI) handleCoordinator(c *gin.Context) {
	c.JSON(http.StatusOK, coordinatorResponse{
		PendingBlocks:   a.coord.PendingBlocks(),
		LastProvenBlock: a.coord.LastProvenBlock(),
	})
}

func (a *DebugAPI) handleSyncStats(c *gin.Context) {
	stats := a.sync.Stats()
	c.JSON(http.StatusOK, stats)
}

func (a *DebugAPI) handler() *gin.Engine {
	api := gin.Default()
	api.NoRoute(handleNoRoute)
	api.Use(cors.Default())
	debugAPI := api.Group("/debug")

	debugAPI.GET("/metrics", gin.WrapH(promhttp.Handler()))
	debugAPI.GET("/sdb/root", a.handleRoot)
	debugAPI.GET("/sdb/accounts/:Idx", a.handleAccount)
	debugAPI.GET("/sdb/addresses/:Addr", a.handleAddress)
	if a.sk != nil {
		debugAPI.GET("/statekeeper", a.handleStateKeeper)
	}
	if a.coord != nil {
		debugAPI.GET("/coordinator", a.handleCoordinator)
	}
	if a.sync != nil {
		debugAPI.GET("/sync/stats", a.handleSyncStats)
	}
	return api
}

// Run starts the http server of the DebugAPI.  To stop it, pass a context
// with cancellation.
func (a *DebugAPI) Run(ctx context.Context) error {
	debugAPIServer := &http.Server{
		Handler: a.handler(),
		// Use some hardcoded numbers that are suitable for testing
		ReadTimeout:       30 * time.Second, //nolint:gomnd
		ReadHeaderTimeout: 30 * time.Second, //nolint:gomnd
		WriteTimeout:      30 * time.Second, //nolint:gomnd
		MaxHeaderBytes:    1 << 20,          //nolint:gomnd
	}
	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return common.Wrap(err)
	}
	log.Infof("DebugAPI is ready at %v", a.addr)
	go func() {
		if err := debugAPIServer.Serve(listener); err != nil &&
			common.Unwrap(err) != http.ErrServerClosed {
			log.Fatalf("Listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Info("Stopping DebugAPI...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:gomnd
	defer cancel()
	if err := debugAPIServer.Shutdown(ctxTimeout); err != nil {
		return common.Wrap(err)
	}
	log.Info("DebugAPI done")
	return nil
}
