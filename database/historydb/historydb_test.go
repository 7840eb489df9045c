package historydb

import (
	"math/big"
	"os"
	"testing"
	"time"

	"zkrollup/common"
	"zkrollup/database"
	"zkrollup/log"
	"zkrollup/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var historyDB *HistoryDB

func TestMain(m *testing.M) {
	// the HistoryDB tests need a running postgres, configured through
	// POSTGRES_PASS
	pass := os.Getenv("POSTGRES_PASS")
	if pass == "" {
		os.Exit(m.Run())
	}
	db, err := database.InitSQLDB(5432, "localhost", "zkrollup", pass, "zkrollup")
	if err != nil {
		panic(err)
	}
	historyDB = NewHistoryDB(db, db)
	result := m.Run()
	if err := db.Close(); err != nil {
		log.Error("Error closing the history DB", err)
	}
	os.Exit(result)
}

func requireDB(t *testing.T) {
	if historyDB == nil {
		t.Skip("POSTGRES_PASS not set")
	}
	test.WipeDB(historyDB.DB())
}

func genBlock(num common.BlockNum) *common.Block {
	var pkh common.PubKeyHash
	pkh[0], pkh[19] = 0xaa, byte(num)
	return &common.Block{
		Num:        num,
		Capacity:   12,
		FeeAccount: 0,
		Ops: []*common.ExecutedOp{
			{
				Type:       common.OpTypeDeposit,
				AccountIdx: 1,
				Address:    ethCommon.HexToAddress("0x1111111111111111111111111111111111111111"),
				Amount:     big.NewInt(1000),
				Fee:        big.NewInt(0),
			},
			{
				Type:       common.OpTypeChangePubKey,
				ChunkIdx:   6,
				AccountIdx: 1,
				PubKeyHash: pkh,
				Nonce:      3,
			},
		},
		Fees:      []common.FeeCredit{{Token: 0, Amount: big.NewInt(7)}},
		OldRoot:   big.NewInt(int64(num)),
		NewRoot:   big.NewInt(int64(num) + 1),
		PubData:   []byte{1, 2, 3, byte(num)},
		OpCount:   2,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

func TestBlocks(t *testing.T) {
	requireDB(t)
	last, err := historyDB.GetLastBlockNum()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(0), last)

	for i := common.BlockNum(1); i <= 4; i++ {
		require.NoError(t, historyDB.AddBlock(genBlock(i)))
	}
	// a repeated block is rejected and leaves nothing behind
	assert.Error(t, historyDB.AddBlock(genBlock(2)))

	last, err = historyDB.GetLastBlockNum()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(4), last)

	block, err := historyDB.GetBlock(3)
	require.NoError(t, err)
	expected := genBlock(3)
	assert.Equal(t, expected.NewRoot, block.NewRoot)
	assert.Equal(t, expected.OldRoot, block.OldRoot)
	assert.Equal(t, expected.PubData, block.PubData)
	assert.Equal(t, expected.Fees, block.Fees)
	assert.Equal(t, expected.Timestamp.Unix(), block.Timestamp.Unix())
	require.Equal(t, 2, len(block.Ops))
	assert.Equal(t, expected.Ops[0].Address, block.Ops[0].Address)
	assert.Equal(t, "1000", block.Ops[0].Amount.String())
	assert.Equal(t, expected.Ops[1].PubKeyHash, block.Ops[1].PubKeyHash)
	assert.Equal(t, 6, block.Ops[1].ChunkIdx)
	assert.Nil(t, block.Ops[0].Op)

	blocks, err := historyDB.GetBlocksFrom(2, 2)
	require.NoError(t, err)
	require.Equal(t, 2, len(blocks))
	assert.Equal(t, common.BlockNum(2), blocks[0].Num)
	assert.Equal(t, common.BlockNum(3), blocks[1].Num)

	_, err = historyDB.GetBlock(9)
	assert.True(t, IsNotFound(err))

	require.NoError(t, historyDB.Reorg(2))
	last, err = historyDB.GetLastBlockNum()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(2), last)
}

func TestProofs(t *testing.T) {
	requireDB(t)
	for i := common.BlockNum(1); i <= 2; i++ {
		require.NoError(t, historyDB.AddBlock(genBlock(i)))
	}
	last, err := historyDB.GetLastProvenBlockNum()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(0), last)

	proof := &Proof{
		BlockNum:     2,
		Proof:        []byte(`{"protocol":"groth16"}`),
		PublicInputs: []byte(`["123"]`),
		ProverURL:    "http://localhost:3000/",
		Attempts:     2,
	}
	require.NoError(t, historyDB.AddProof(proof))
	assert.Error(t, historyDB.AddProof(proof))
	// a proof needs its block
	assert.Error(t, historyDB.AddProof(&Proof{BlockNum: 5, Proof: []byte{}, PublicInputs: []byte{}}))

	fetched, err := historyDB.GetProof(2)
	require.NoError(t, err)
	assert.Equal(t, proof.Proof, fetched.Proof)
	assert.Equal(t, proof.PublicInputs, fetched.PublicInputs)
	assert.Equal(t, 2, fetched.Attempts)
	last, err = historyDB.GetLastProvenBlockNum()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(2), last)

	_, err = historyDB.GetProof(1)
	assert.True(t, IsNotFound(err))
}

func TestTokens(t *testing.T) {
	requireDB(t)
	tokens := []common.Token{
		{TokenID: 1, EthAddr: ethCommon.BigToAddress(big.NewInt(1)), Symbol: "TK1", Decimals: 18},
		{TokenID: 0, EthAddr: ethCommon.Address{}, Symbol: "ETH", Decimals: 18},
	}
	require.NoError(t, historyDB.AddTokens(tokens))
	// existing tokens are kept
	require.NoError(t, historyDB.AddTokens(tokens[:1]))
	fetched, err := historyDB.GetTokens()
	require.NoError(t, err)
	assert.Equal(t, []common.Token{tokens[1], tokens[0]}, fetched)
}
