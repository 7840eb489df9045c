package common

import (
	"math/big"
	"reflect"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/copystructure"
)

func init() {
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

// ExecutedOp is an operation applied to the state, with the values resolved
// against the state at the moment it was applied. It contains everything that
// is needed to encode its public data.
type ExecutedOp struct {
	Op   Operation `json:"op"`
	Type OpType    `json:"type"`
	// ChunkIdx is the position of the first chunk of the operation in the
	// block
	ChunkIdx int `json:"chunkIdx"`
	// AccountIdx is the deposit target, the sender, the exiting account or
	// the forced exit initiator
	AccountIdx AccountIdx `json:"accountIdx"`
	// TargetIdx is the receiver of a transfer or the forced exit target
	TargetIdx AccountIdx        `json:"targetIdx"`
	Address   ethCommon.Address `json:"address"`
	Token     TokenID           `json:"token"`
	Amount    *big.Int          `json:"amount"`
	Fee       *big.Int          `json:"fee"`
	// PubKeyHash and Nonce are only used by ChangePubKey
	PubKeyHash PubKeyHash `json:"pubKeyHash"`
	Nonce      Nonce      `json:"nonce"`
	// Failed is set for priority operations that could not be executed
	// but are included in the block because they were registered on L1
	Failed bool `json:"failed"`
	// Transitions are the leaf transitions of the operation, only
	// captured when the state is processed in witness mode
	Transitions []*LeafTransition `json:"-"`
}

// Chunks returns the number of chunks used by the operation
func (e *ExecutedOp) Chunks() int {
	return e.Type.Chunks()
}

// FeeCredit is the aggregated fee of a token credited to the fee account when
// a block is sealed
type FeeCredit struct {
	Token  TokenID  `json:"token"`
	Amount *big.Int `json:"amount"`
}

// Block is a rollup block. Its operations are stored without the padding
// noops, which are implied by Capacity.
type Block struct {
	Num BlockNum `json:"num" meddler:"block_num"`
	// Capacity is the number of chunks of the block
	Capacity   int           `json:"capacity" meddler:"capacity"`
	FeeAccount AccountIdx    `json:"feeAccount" meddler:"fee_account"`
	Ops        []*ExecutedOp `json:"ops" meddler:"-"`
	Fees       []FeeCredit   `json:"fees" meddler:"-"`
	OldRoot    *big.Int      `json:"oldRoot" meddler:"old_root,bigint"`
	NewRoot    *big.Int      `json:"newRoot" meddler:"new_root,bigint"`
	PubData    []byte        `json:"pubData" meddler:"pub_data"`
	OpCount    int           `json:"opCount" meddler:"op_count"`
	Timestamp  time.Time     `json:"timestamp" meddler:"timestamp,utctime"`
}

// UsedChunks returns the number of chunks used by the operations of the block
func (b *Block) UsedChunks() int {
	used := 0
	for _, op := range b.Ops {
		used += op.Chunks()
	}
	return used
}

// Copy returns a deep copy of the block, so that the committed block handed
// to other goroutines is never shared with the block builder
func (b *Block) Copy() (*Block, error) {
	c, err := copystructure.Copy(b)
	if err != nil {
		return nil, Wrap(err)
	}
	return c.(*Block), nil
}
