package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"zkrollup/batchbuilder"
	"zkrollup/common"
	"zkrollup/coordinator/prover"
	"zkrollup/database/historydb"
	"zkrollup/database/statedb"
	"zkrollup/log"
	"zkrollup/metric"
	"zkrollup/statekeeper"
	"zkrollup/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deleteme []string

func init() {
	log.Init("debug", []string{"stdout"})
}

func TestMain(m *testing.M) {
	exitVal := m.Run()
	for _, dir := range deleteme {
		if err := os.RemoveAll(dir); err != nil {
			panic(err)
		}
	}
	os.Exit(exitVal)
}

func tmpDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	return dir
}

type memStore struct {
	mu         sync.Mutex
	blocks     map[common.BlockNum]*common.Block
	proofs     map[common.BlockNum]*historydb.Proof
	failBlocks bool
}

func newMemStore() *memStore {
	return &memStore{
		blocks: make(map[common.BlockNum]*common.Block),
		proofs: make(map[common.BlockNum]*historydb.Proof),
	}
}

func (s *memStore) AddBlock(block *common.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBlocks {
		return fmt.Errorf("database is down")
	}
	s.blocks[block.Num] = block
	return nil
}

func (s *memStore) AddProof(proof *historydb.Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[proof.BlockNum]; !ok {
		return fmt.Errorf("unknown block %d", proof.BlockNum)
	}
	s.proofs[proof.BlockNum] = proof
	return nil
}

func (s *memStore) proof(blockNum common.BlockNum) *historydb.Proof {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proofs[blockNum]
}

func commitment(blockNum common.BlockNum) *big.Int {
	return big.NewInt(int64(blockNum)*1000 + 7)
}

// witnessMock returns a bundle for every block, waiting on wait if set
type witnessMock struct {
	wait chan struct{}
	err  error
}

func (w *witnessMock) BuildWitness(block *common.Block) (*common.WitnessBundle, error) {
	if w.wait != nil {
		<-w.wait
	}
	if w.err != nil {
		return nil, w.err
	}
	return &common.WitnessBundle{
		BlockNum: block.Num,
		PublicInputs: common.PublicInputs{
			BlockNum:   block.Num,
			Commitment: commitment(block.Num),
		},
	}, nil
}

// badInputsClient returns proofs of another commitment
type badInputsClient struct {
	*prover.MockClient
}

func (c *badInputsClient) GetProof(ctx context.Context) (*prover.Proof, []*big.Int, error) {
	proof, _, err := c.MockClient.GetProof(ctx)
	return proof, []*big.Int{big.NewInt(1)}, err
}

func testConfig() Config {
	return Config{
		MaxPendingBlocks:   2,
		ProofAttempts:      3,
		ProofRetryInterval: time.Millisecond,
		ProofTimeout:       time.Second,
	}
}

func newCoordinator(t *testing.T, cfg Config, store BlockStore, wb WitnessBuilder,
	provers ...prover.Client) *Coordinator {
	c, err := NewCoordinator(cfg, store, wb, provers)
	require.NoError(t, err)
	c.Start()
	return c
}

func commit(t *testing.T, c *Coordinator, blockNum common.BlockNum) {
	require.True(t, c.TryReserve())
	c.AddBlock(&common.Block{Num: blockNum})
}

func waitErr(t *testing.T, c *Coordinator) error {
	select {
	case err := <-c.Err():
		return err
	case <-time.After(5 * time.Second):
		require.Fail(t, "no pipeline error")
	}
	return nil
}

func TestNewCoordinatorConfig(t *testing.T) {
	wb := &witnessMock{}
	provers := []prover.Client{prover.NewMockClient(0)}
	cfg := testConfig()
	cfg.MaxPendingBlocks = 0
	_, err := NewCoordinator(cfg, nil, wb, provers)
	assert.Error(t, err)
	cfg = testConfig()
	cfg.ProofAttempts = 0
	_, err = NewCoordinator(cfg, nil, wb, provers)
	assert.Error(t, err)
	_, err = NewCoordinator(testConfig(), nil, wb, nil)
	assert.Error(t, err)
}

func TestCoordinatorProvesBlocks(t *testing.T) {
	store := newMemStore()
	provers := []prover.Client{prover.NewMockClient(5 * time.Millisecond),
		prover.NewMockClient(time.Millisecond)}
	cfg := testConfig()
	cfg.DebugBlockPath = tmpDir(t)
	c := newCoordinator(t, cfg, store, &witnessMock{}, provers...)

	commit(t, c, 1)
	commit(t, c, 2)
	require.Eventually(t, func() bool { return c.LastProvenBlock() == 2 && c.PendingBlocks() == 0 },
		5*time.Second, time.Millisecond)
	commit(t, c, 3)
	require.Eventually(t, func() bool { return c.LastProvenBlock() == 3 && c.PendingBlocks() == 0 },
		5*time.Second, time.Millisecond)
	c.Stop()

	for i := common.BlockNum(1); i <= 3; i++ {
		proof := store.proof(i)
		require.NotNil(t, proof, "block %d", i)
		var pubInputs []*big.Int
		require.NoError(t, json.Unmarshal(proof.PublicInputs, &pubInputs))
		assert.Equal(t, commitment(i), pubInputs[0])
		assert.Equal(t, 1, proof.Attempts)
		assert.Equal(t, "mock", proof.ProverURL)
		var p prover.Proof
		require.NoError(t, json.Unmarshal(proof.Proof, &p))
		assert.Equal(t, "groth16", p.Protocol)
	}
	files, err := os.ReadDir(cfg.DebugBlockPath)
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}

func TestCoordinatorBackpressure(t *testing.T) {
	wb := &witnessMock{wait: make(chan struct{})}
	c := newCoordinator(t, testConfig(), nil, wb, prover.NewMockClient(0))
	defer c.Stop()

	commit(t, c, 1)
	commit(t, c, 2)
	assert.False(t, c.TryReserve())
	assert.Equal(t, 2, c.PendingBlocks())

	wb.wait <- struct{}{}
	require.Eventually(t, func() bool { return c.PendingBlocks() == 1 }, 5*time.Second,
		time.Millisecond)
	assert.Equal(t, common.BlockNum(1), c.LastProvenBlock())
	assert.True(t, c.TryReserve())
	c.Release()
	wb.wait <- struct{}{}
	require.Eventually(t, func() bool { return c.PendingBlocks() == 0 }, 5*time.Second,
		time.Millisecond)
}

func TestCoordinatorProofRetries(t *testing.T) {
	store := newMemStore()
	client := prover.NewMockClient(0)
	client.Fails = 2
	c := newCoordinator(t, testConfig(), store, &witnessMock{}, client)
	commit(t, c, 1)
	require.Eventually(t, func() bool { return c.LastProvenBlock() == 1 }, 5*time.Second,
		time.Millisecond)
	c.Stop()
	assert.Equal(t, 3, store.proof(1).Attempts)
	assert.Equal(t, 3, client.Calls)
	assert.Equal(t, 2, client.Cancels)
}

func TestCoordinatorProofFailure(t *testing.T) {
	client := prover.NewMockClient(0)
	client.Fails = 10
	c := newCoordinator(t, testConfig(), newMemStore(), &witnessMock{}, client)
	defer c.Stop()
	commit(t, c, 1)
	err := waitErr(t, c)
	assert.Contains(t, err.Error(), "no proof after 3 attempts")
	assert.Equal(t, 1, c.PendingBlocks())
	assert.Equal(t, common.BlockNum(0), c.LastProvenBlock())
}

func TestCoordinatorStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failBlocks = true
	client := prover.NewMockClient(0)
	c := newCoordinator(t, testConfig(), store, &witnessMock{}, client)
	defer c.Stop()
	before := testutil.ToFloat64(metric.StoreErrors.WithLabelValues("blocks"))
	commit(t, c, 1)
	err := waitErr(t, c)
	assert.Contains(t, err.Error(), "block 1")
	assert.Contains(t, err.Error(), "database is down")
	assert.Equal(t, before+1, testutil.ToFloat64(metric.StoreErrors.WithLabelValues("blocks")))
	// the block is neither pending nor sent to the prover
	assert.Equal(t, 0, c.PendingBlocks())
	assert.Equal(t, 0, client.Calls)
}

func TestCoordinatorProofTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ProofAttempts = 2
	cfg.ProofTimeout = 10 * time.Millisecond
	c := newCoordinator(t, cfg, nil, &witnessMock{}, prover.NewMockClient(time.Hour))
	defer c.Stop()
	commit(t, c, 1)
	err := waitErr(t, c)
	assert.Contains(t, err.Error(), "no proof after 2 attempts")
}

func TestCoordinatorBadPublicInputs(t *testing.T) {
	client := &badInputsClient{prover.NewMockClient(0)}
	c := newCoordinator(t, testConfig(), nil, &witnessMock{}, client)
	defer c.Stop()
	commit(t, c, 1)
	err := waitErr(t, c)
	assert.Contains(t, err.Error(), "do not match commitment")
}

func TestCoordinatorWitnessMismatch(t *testing.T) {
	wb := &witnessMock{err: common.Wrap(fmt.Errorf("%w: new root", common.ErrWitnessMismatch))}
	client := prover.NewMockClient(0)
	c := newCoordinator(t, testConfig(), nil, wb, client)
	commit(t, c, 1)
	err := waitErr(t, c)
	assert.Contains(t, err.Error(), common.ErrWitnessMismatch.Error())
	// no more blocks are proven once the pipeline failed
	commit(t, c, 2)
	time.Sleep(20 * time.Millisecond)
	c.Stop()
	assert.Equal(t, 0, client.Calls)
	assert.Equal(t, 2, c.PendingBlocks())
}

func TestProversPool(t *testing.T) {
	a, b := prover.NewMockClient(0), prover.NewMockClient(0)
	pool := NewProversPool([]prover.Client{a, b})
	ctx := context.Background()
	p1, err := pool.Get(ctx)
	require.NoError(t, err)
	p2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []prover.Client{a, b}, []prover.Client{p1, p2})

	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = pool.Get(ctxTimeout)
	assert.True(t, common.IsErrDone(err))

	pool.Add(ctx, p1)
	p3, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

// TestStateKeeperToProof commits blocks with the StateKeeper and proves them
// with the witness of the BatchBuilder
func TestStateKeeperToProof(t *testing.T) {
	sdb, err := statedb.NewStateDB(statedb.Config{Path: tmpDir(t), Keep: 16,
		Type: statedb.TypeStateKeeper, NLevels: 16, BalanceLevels: 8})
	require.NoError(t, err)
	defer sdb.Close()
	tokens := test.Tokens(4, 8)
	bb, err := batchbuilder.NewBatchBuilder(batchbuilder.Config{Path: tmpDir(t), Keep: 4,
		Tokens: tokens}, sdb)
	require.NoError(t, err)
	defer bb.Close()
	store := newMemStore()
	cfg := testConfig()
	cfg.MaxPendingBlocks = 8
	c := newCoordinator(t, cfg, store, bb, prover.NewMockClient(time.Millisecond))
	defer c.Stop()

	sk, err := statekeeper.NewStateKeeper(statekeeper.Config{
		BlockCapacity: 12,
		FeeAddress:    ethCommon.HexToAddress("0xfee0000000000000000000000000000000000001"),
		BlockTimeout:  time.Hour,
		Tokens:        tokens,
	}, sdb, c)
	require.NoError(t, err)

	users := test.NewAccounts(2)
	for _, u := range users {
		res := sk.Submit(u.Deposit(0, 1000))
		require.True(t, res.Accepted, "%v", res.Err)
		u.Idx = res.Exec.AccountIdx
	}
	for _, u := range users {
		res := sk.Submit(u.ChangePubKey())
		require.True(t, res.Accepted, "%v", res.Err)
	}
	require.NoError(t, sk.SealAndCommit())
	res := sk.Submit(users[0].Transfer(users[1], 0, 10, 1))
	require.True(t, res.Accepted, "%v", res.Err)
	require.NoError(t, sk.SealAndCommit())

	last := sk.LastCommittedBlock()
	require.Eventually(t, func() bool { return c.LastProvenBlock() == last && c.PendingBlocks() == 0 },
		10*time.Second, time.Millisecond)
	for i := common.BlockNum(1); i <= last; i++ {
		require.NotNil(t, store.proof(i), "block %d", i)
		store.mu.Lock()
		assert.Equal(t, i, store.blocks[i].Num)
		store.mu.Unlock()
	}
}
