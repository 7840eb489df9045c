package historydb

import (
	"database/sql"
	"errors"
	"math/big"
	"time"

	"zkrollup/common"
	"zkrollup/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// HistoryDB persist the historic of the rollup
type HistoryDB struct {
	dbRead  *sqlx.DB
	dbWrite *sqlx.DB
}

// NewHistoryDB initialize the DB
func NewHistoryDB(dbRead, dbWrite *sqlx.DB) *HistoryDB {
	return &HistoryDB{
		dbRead:  dbRead,
		dbWrite: dbWrite,
	}
}

// DB returns a pointer to the HistoryDB.db. This method should be used only
// for internal testing purposes.
func (hdb *HistoryDB) DB() *sqlx.DB {
	return hdb.dbWrite
}

// blockOp is the row of an operation of a block
type blockOp struct {
	BlockNum   common.BlockNum   `meddler:"block_num"`
	Position   int               `meddler:"position"`
	ChunkIdx   int               `meddler:"chunk_idx"`
	Type       common.OpType     `meddler:"op_type"`
	AccountIdx common.AccountIdx `meddler:"account_idx"`
	TargetIdx  common.AccountIdx `meddler:"target_idx"`
	Address    ethCommon.Address `meddler:"address"`
	Token      common.TokenID    `meddler:"token_id"`
	Amount     *big.Int          `meddler:"amount,bigint"`
	Fee        *big.Int          `meddler:"fee,bigint"`
	PubKeyHash []byte            `meddler:"pub_key_hash"`
	Nonce      common.Nonce      `meddler:"nonce"`
	Failed     bool              `meddler:"failed"`
}

const blockOpColumns = `block_num, position, chunk_idx, op_type, account_idx, target_idx,
	address, token_id, amount, fee, pub_key_hash, nonce, failed`

func newBlockOp(blockNum common.BlockNum, position int, exec *common.ExecutedOp) blockOp {
	op := blockOp{
		BlockNum:   blockNum,
		Position:   position,
		ChunkIdx:   exec.ChunkIdx,
		Type:       exec.Type,
		AccountIdx: exec.AccountIdx,
		TargetIdx:  exec.TargetIdx,
		Address:    exec.Address,
		Token:      exec.Token,
		Amount:     exec.Amount,
		Fee:        exec.Fee,
		PubKeyHash: exec.PubKeyHash[:],
		Nonce:      exec.Nonce,
		Failed:     exec.Failed,
	}
	if op.Amount == nil {
		op.Amount = big.NewInt(0)
	}
	if op.Fee == nil {
		op.Fee = big.NewInt(0)
	}
	return op
}

func (op *blockOp) executedOp() *common.ExecutedOp {
	exec := &common.ExecutedOp{
		Type:       op.Type,
		ChunkIdx:   op.ChunkIdx,
		AccountIdx: op.AccountIdx,
		TargetIdx:  op.TargetIdx,
		Address:    op.Address,
		Token:      op.Token,
		Amount:     op.Amount,
		Fee:        op.Fee,
		Nonce:      op.Nonce,
		Failed:     op.Failed,
	}
	copy(exec.PubKeyHash[:], op.PubKeyHash)
	return exec
}

// feeCredit is the row of a fee credited when a block was sealed
type feeCredit struct {
	BlockNum common.BlockNum `meddler:"block_num"`
	Token    common.TokenID  `meddler:"token_id"`
	Amount   *big.Int        `meddler:"amount,bigint"`
}

// AddBlock inserts a committed block with its operations and fee credits
// into the DB, atomically
func (hdb *HistoryDB) AddBlock(block *common.Block) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if err = hdb.addBlock(txn, block); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

func (hdb *HistoryDB) addBlock(d meddler.DB, block *common.Block) error {
	if err := meddler.Insert(d, "block", block); err != nil {
		return common.Wrap(err)
	}
	if len(block.Ops) > 0 {
		ops := make([]blockOp, len(block.Ops))
		for i, exec := range block.Ops {
			ops[i] = newBlockOp(block.Num, i, exec)
		}
		if err := database.BulkInsert(d,
			"INSERT INTO block_op ("+blockOpColumns+") VALUES %s;", ops); err != nil {
			return common.Wrap(err)
		}
	}
	if len(block.Fees) > 0 {
		fees := make([]feeCredit, len(block.Fees))
		for i, fee := range block.Fees {
			fees[i] = feeCredit{BlockNum: block.Num, Token: fee.Token, Amount: fee.Amount}
		}
		if err := database.BulkInsert(d,
			"INSERT INTO fee_credit (block_num, token_id, amount) VALUES %s;", fees); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// GetBlock retrieves a block from the DB, given a block number.  The
// operations of the returned block carry their resolved values but not the
// signed submissions.
func (hdb *HistoryDB) GetBlock(blockNum common.BlockNum) (*common.Block, error) {
	block := &common.Block{}
	if err := meddler.QueryRow(
		hdb.dbRead, block,
		"SELECT * FROM block WHERE block_num = $1;", blockNum,
	); err != nil {
		return nil, common.Wrap(err)
	}
	if err := hdb.fillBlock(block); err != nil {
		return nil, common.Wrap(err)
	}
	return block, nil
}

// GetBlocksFrom retrieves at most limit blocks starting at the given block
// number, in order
func (hdb *HistoryDB) GetBlocksFrom(from common.BlockNum, limit int) ([]*common.Block, error) {
	var blocks []*common.Block
	if err := meddler.QueryAll(
		hdb.dbRead, &blocks,
		"SELECT * FROM block WHERE block_num >= $1 ORDER BY block_num LIMIT $2;",
		from, limit,
	); err != nil {
		return nil, common.Wrap(err)
	}
	for _, block := range blocks {
		if err := hdb.fillBlock(block); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return blocks, nil
}

func (hdb *HistoryDB) fillBlock(block *common.Block) error {
	var ops []*blockOp
	if err := meddler.QueryAll(
		hdb.dbRead, &ops,
		"SELECT "+blockOpColumns+" FROM block_op WHERE block_num = $1 ORDER BY position;",
		block.Num,
	); err != nil {
		return common.Wrap(err)
	}
	block.Ops = make([]*common.ExecutedOp, len(ops))
	for i, op := range ops {
		block.Ops[i] = op.executedOp()
	}
	var fees []*feeCredit
	if err := meddler.QueryAll(
		hdb.dbRead, &fees,
		"SELECT * FROM fee_credit WHERE block_num = $1 ORDER BY token_id;",
		block.Num,
	); err != nil {
		return common.Wrap(err)
	}
	block.Fees = make([]common.FeeCredit, len(fees))
	for i, fee := range fees {
		block.Fees[i] = common.FeeCredit{Token: fee.Token, Amount: fee.Amount}
	}
	return nil
}

// GetLastBlockNum returns the number of the last stored block, or 0 if there
// are no blocks
func (hdb *HistoryDB) GetLastBlockNum() (common.BlockNum, error) {
	row := hdb.dbRead.QueryRow("SELECT COALESCE(MAX(block_num), 0) FROM block;")
	var blockNum common.BlockNum
	return blockNum, common.Wrap(row.Scan(&blockNum))
}

// Reorg deletes all the blocks after lastValidBlock, with their operations,
// fee credits and proofs
func (hdb *HistoryDB) Reorg(lastValidBlock common.BlockNum) error {
	_, err := hdb.dbWrite.Exec("DELETE FROM block WHERE block_num > $1;", lastValidBlock)
	return common.Wrap(err)
}

// Proof is the proof of a block as returned by a prover.  Proof and
// PublicInputs are stored in their JSON encoding.
type Proof struct {
	BlockNum     common.BlockNum `meddler:"block_num"`
	Proof        []byte          `meddler:"proof"`
	PublicInputs []byte          `meddler:"public_inputs"`
	ProverURL    string          `meddler:"prover_url"`
	Attempts     int             `meddler:"attempts"`
	CreatedAt    time.Time       `meddler:"created_at,utctime"`
}

// AddProof inserts the proof of a block
func (hdb *HistoryDB) AddProof(proof *Proof) error {
	if proof.CreatedAt.IsZero() {
		proof.CreatedAt = time.Now().UTC()
	}
	return common.Wrap(meddler.Insert(hdb.dbWrite, "proof", proof))
}

// GetProof returns the proof of a block
func (hdb *HistoryDB) GetProof(blockNum common.BlockNum) (*Proof, error) {
	proof := &Proof{}
	err := meddler.QueryRow(
		hdb.dbRead, proof,
		"SELECT * FROM proof WHERE block_num = $1;", blockNum,
	)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return proof, nil
}

// GetLastProvenBlockNum returns the number of the last block with a proof,
// or 0 if no block has a proof
func (hdb *HistoryDB) GetLastProvenBlockNum() (common.BlockNum, error) {
	row := hdb.dbRead.QueryRow("SELECT COALESCE(MAX(block_num), 0) FROM proof;")
	var blockNum common.BlockNum
	return blockNum, common.Wrap(row.Scan(&blockNum))
}

// AddTokens inserts tokens into the DB
func (hdb *HistoryDB) AddTokens(tokens []common.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	return common.Wrap(database.BulkInsert(
		hdb.dbWrite,
		`INSERT INTO token (token_id, eth_addr, symbol, decimals) VALUES %s
		ON CONFLICT (token_id) DO NOTHING;`,
		tokens,
	))
}

// GetTokens returns all the tokens in the DB, ordered by id
func (hdb *HistoryDB) GetTokens() ([]common.Token, error) {
	var tokens []*common.Token
	if err := meddler.QueryAll(
		hdb.dbRead, &tokens,
		"SELECT * FROM token ORDER BY token_id;",
	); err != nil {
		return nil, common.Wrap(err)
	}
	return database.SlicePtrsToSlice(tokens).([]common.Token), nil
}

// IsNotFound returns true if the error is caused by a missing row
func IsNotFound(err error) bool {
	return errors.Is(common.Unwrap(err), sql.ErrNoRows)
}
