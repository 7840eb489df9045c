package node

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zkrollup/common"
	"zkrollup/config"
	"zkrollup/coordinator/prover"
	dbUtils "zkrollup/database"
	"zkrollup/log"
	"zkrollup/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

// proofServer answers every input with a proof whose public input is the
// commitment of the witness
func proofServer(t *testing.T) *httptest.Server {
	var mu sync.Mutex
	var last *common.WitnessBundle
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		status := prover.Status{Status: prover.StatusCodeReady}
		if last != nil {
			status.Status = prover.StatusCodeSuccess
			status.Proof = `{"pi_a":["1","2","1"],"pi_b":[["3","4"],["5","6"],["1","0"]],` +
				`"pi_c":["7","8","1"],"protocol":"groth16"}`
			status.PubData = `["` + last.PublicInputs.Commitment.String() + `"]`
		}
		require.NoError(t, json.NewEncoder(w).Encode(status))
	})
	mux.HandleFunc("/input", func(w http.ResponseWriter, r *http.Request) {
		var bundle common.WitnessBundle
		require.NoError(t, json.NewDecoder(r.Body).Decode(&bundle))
		mu.Lock()
		last = &bundle
		mu.Unlock()
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{}))
	})
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{}))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, pass string, proverURL string) *config.Node {
	dir := t.TempDir()
	var cfg config.Node
	require.NoError(t, config.LoadConfig("", config.DefaultValues, &cfg))
	cfg.Rollup.NLevels = 16
	cfg.Rollup.FeeAddress = ethCommon.HexToAddress("0xfee0000000000000000000000000000000000001")
	cfg.Rollup.Tokens = []common.Token{{TokenID: 0, Symbol: "ETH", Decimals: 18}}
	cfg.StateDB.Path = filepath.Join(dir, "statedb")
	cfg.StateKeeper.BlockCapacity = 20
	cfg.StateKeeper.BlockTimeout = config.Duration{Duration: time.Hour}
	cfg.Coordinator.BatchBuilder.Path = filepath.Join(dir, "batchbuilder")
	cfg.Coordinator.ServerProofs.URLs = []string{proverURL}
	cfg.Coordinator.ServerProofs.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Coordinator.ProofRetryInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Synchronizer.SyncLoopInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.PostgreSQL.PasswordWrite = pass
	return &cfg
}

func TestNodeSequencerAndObserver(t *testing.T) {
	pass := os.Getenv("POSTGRES_PASS")
	if pass == "" {
		t.Skip("POSTGRES_PASS not set")
	}
	db, err := dbUtils.InitSQLDB(5432, "localhost", "zkrollup", pass, "zkrollup")
	require.NoError(t, err)
	test.WipeDB(db)
	require.NoError(t, db.Close())

	server := proofServer(t)
	seqCfg := testConfig(t, pass, server.URL)
	require.NoError(t, seqCfg.Validate(true))
	seq, err := NewNode(ModeSequencer, seqCfg)
	require.NoError(t, err)
	seq.Start()

	users := test.NewAccounts(2)
	for _, u := range users {
		res := seq.StateKeeper().Submit(u.Deposit(0, 1000))
		require.True(t, res.Accepted, "%v", res.Err)
		u.Idx = res.Exec.AccountIdx
		res = seq.StateKeeper().Submit(u.ChangePubKey())
		require.True(t, res.Accepted, "%v", res.Err)
	}
	require.NoError(t, seq.StateKeeper().SealAndCommit())
	res := seq.StateKeeper().Submit(users[0].Transfer(users[1], 0, 100, 1))
	require.True(t, res.Accepted, "%v", res.Err)
	require.NoError(t, seq.StateKeeper().SealAndCommit())

	assert.Eventually(t, func() bool {
		lastProven, err := seq.historyDB.GetLastProvenBlockNum()
		require.NoError(t, err)
		return lastProven == 2
	}, 10*time.Second, 10*time.Millisecond)
	root, err := seq.StateKeeper().CurrentRoot()
	require.NoError(t, err)
	select {
	case err := <-seq.Err():
		t.Fatal(err)
	default:
	}
	seq.Stop()

	obsCfg := testConfig(t, pass, server.URL)
	require.NoError(t, obsCfg.Validate(false))
	obs, err := NewNode(ModeObserver, obsCfg)
	require.NoError(t, err)
	obs.Start()
	assert.Eventually(t, func() bool {
		return obs.Synchronizer().Stats().LastBlock == 2
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, root, obs.Synchronizer().Stats().LastRoot)
	obs.Stop()

	// a restarted sequencer continues from its last block
	seq, err = NewNode(ModeSequencer, seqCfg)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(2), seq.StateKeeper().LastCommittedBlock())
	seq.Start()
	seq.Stop()
}

func TestNewNodeInvalidMode(t *testing.T) {
	_, err := NewNode(Mode("forger"), &config.Node{})
	assert.Error(t, err)
}
