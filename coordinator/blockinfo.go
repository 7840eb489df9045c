package coordinator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path"
	"time"

	"zkrollup/common"
	"zkrollup/coordinator/prover"
	"zkrollup/log"
)

// Status is used to mark the status of the block in the pipeline
type Status string

const (
	// StatusPending marks the block as committed and waiting for its
	// witness
	StatusPending Status = "pending"
	// StatusWitness marks the block witness as built
	StatusWitness Status = "witness"
	// StatusProving marks the block as sent to a prover
	StatusProving Status = "proving"
	// StatusProved marks the block proof as calculated and stored
	StatusProved Status = "proved"
	// StatusFailed marks the block as failed in the pipeline
	StatusFailed Status = "failed"
)

// Debug information related to the Block
type Debug struct {
	// StartTimestamp is the time the block entered the pipeline
	StartTimestamp time.Time
	// WitnessTimestamp is the time the witness was built
	WitnessTimestamp time.Time
	// ProvedTimestamp is the time the proof was stored
	ProvedTimestamp time.Time
	// Status of the Block
	Status Status
	// Attempts is the number of proof attempts
	Attempts int
	// StartToWitnessDelay is the delay between the block entering the
	// pipeline and having its witness, in seconds
	StartToWitnessDelay float64
	// WitnessToProofDelay is the delay between having the witness and
	// having the proof, in seconds
	WitnessToProofDelay float64
	// Err is the last error of the block in the pipeline
	Err string
}

// BlockInfo contains the information of a block in the pipeline
type BlockInfo struct {
	BlockNum     common.BlockNum
	Block        *common.Block         `json:"-"`
	Witness      *common.WitnessBundle `json:"-"`
	Prover       prover.Client         `json:"-"`
	ProverURL    string
	ProofStart   time.Time
	Proof        *prover.Proof
	PublicInputs []*big.Int
	Debug        Debug
}

func newBlockInfo(block *common.Block) *BlockInfo {
	return &BlockInfo{
		BlockNum: block.Num,
		Block:    block,
		Debug: Debug{
			StartTimestamp: time.Now(),
			Status:         StatusPending,
		},
	}
}

// DebugStore stores a debug file with the BlockInfo as json in the given
// directory
func (b *BlockInfo) DebugStore(storePath string) error {
	blockJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return common.Wrap(err)
	}
	// nolint reason: hardcoded 1_000_000 is the number of nanoseconds in a
	// millisecond
	//nolint:gomnd
	filename := fmt.Sprintf("%08d-%v.%03d.json", b.BlockNum,
		b.Debug.StartTimestamp.Unix(), b.Debug.StartTimestamp.Nanosecond()/1_000_000)
	// nolint reason: 0640 allows rw to owner and r to group
	//nolint:gosec
	return common.Wrap(os.WriteFile(path.Join(storePath, filename), blockJSON, 0640))
}

func (c *Config) debugBlockStore(blockInfo *BlockInfo) {
	if c.DebugBlockPath != "" {
		if err := blockInfo.DebugStore(c.DebugBlockPath); err != nil {
			log.Warnw("Error storing debug BlockInfo",
				"path", c.DebugBlockPath, "err", err)
		}
	}
}
