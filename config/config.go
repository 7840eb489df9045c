package config

import (
	"fmt"
	"time"

	"zkrollup/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration `validate:"required"`
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return common.Wrap(err)
	}
	d.Duration = duration
	return nil
}

// Log is the logging configuration
type Log struct {
	// Level is the minimum level of the log messages: debug, info, warn,
	// error or fatal
	Level string `validate:"required,oneof=debug info warn error fatal" env:"ZKR_LOG_LEVEL"`
	// Out are the outputs of the logger: stdout, stderr or file paths
	Out []string `validate:"required" env:"ZKR_LOG_OUT" envSeparator:","`
}

// Rollup are the parameters of the rollup state shared by the sequencer and
// the observer
type Rollup struct {
	// NLevels is the depth of the account tree
	NLevels int `validate:"required,min=1,max=32" env:"ZKR_ROLLUP_NLEVELS"`
	// BalanceLevels is the depth of the balance subtree of every account
	BalanceLevels int `validate:"required,min=1,max=16" env:"ZKR_ROLLUP_BALANCELEVELS"`
	// FeeAddress is the address of the fee account created at genesis
	FeeAddress ethCommon.Address `validate:"required" env:"ZKR_ROLLUP_FEEADDRESS"`
	// Tokens are the tokens that operations can use
	Tokens []common.Token `validate:"required"`
}

// TokenRegistry returns the registry of the configured tokens
func (r *Rollup) TokenRegistry() *common.TokenRegistry {
	return common.NewTokenRegistry(r.Tokens, r.BalanceLevels)
}

// StateDB is the configuration of the key-value database of the rollup
// state
type StateDB struct {
	// Path where the checkpoints are stored
	Path string `validate:"required" env:"ZKR_STATEDB_PATH"`
	// Keep is the number of checkpoints to keep
	Keep int `validate:"required" env:"ZKR_STATEDB_KEEP"`
}

// StateKeeper is the configuration of the block building of the sequencer
type StateKeeper struct {
	// BlockCapacity is the number of chunks of every block
	BlockCapacity int `validate:"required" env:"ZKR_STATEKEEPER_BLOCKCAPACITY"`
	// BlockTimeout is the time after which a non empty open block is
	// sealed
	BlockTimeout Duration `validate:"required" env:"ZKR_STATEKEEPER_BLOCKTIMEOUT"`
}

// ServerProofs are the proof servers used by the coordinator
type ServerProofs struct {
	// URLs of the proof servers
	URLs []string `validate:"required,min=1,dive,url" env:"ZKR_SERVERPROOFS_URLS" envSeparator:","`
	// PollInterval is the waiting interval between polls to a proof
	// server
	PollInterval Duration `validate:"required" env:"ZKR_SERVERPROOFS_POLLINTERVAL"`
}

// Coordinator is the configuration of the proving of blocks
type Coordinator struct {
	// MaxPendingBlocks is the maximum number of blocks committed and not
	// yet proven.  Once reached, operations are rejected.
	MaxPendingBlocks int `validate:"required,min=1" env:"ZKR_COORDINATOR_MAXPENDINGBLOCKS"`
	// ProofAttempts is the number of attempts to get the proof of a block
	ProofAttempts int `validate:"required,min=1" env:"ZKR_COORDINATOR_PROOFATTEMPTS"`
	// ProofRetryInterval is the waiting interval between proof attempts
	ProofRetryInterval Duration `validate:"required" env:"ZKR_COORDINATOR_PROOFRETRYINTERVAL"`
	// ProofTimeout is the maximum duration of a proof attempt
	ProofTimeout Duration `validate:"required" env:"ZKR_COORDINATOR_PROOFTIMEOUT"`
	BatchBuilder struct {
		// Path where the witness copy of the state is stored
		Path string `validate:"required" env:"ZKR_BATCHBUILDER_PATH"`
	}
	ServerProofs ServerProofs
	Debug        struct {
		// BlockPath if set, specifies the path where the information of
		// every block in the pipeline is stored in JSON
		BlockPath string `env:"ZKR_COORDINATOR_DEBUG_BLOCKPATH"`
	}
}

// PostgreSQL is the configuration of the SQL database of the block history.
// When HostRead is empty the write connection is used for reads.
type PostgreSQL struct {
	PortWrite     int    `validate:"required" env:"ZKR_POSTGRESQL_PORTWRITE"`
	HostWrite     string `validate:"required" env:"ZKR_POSTGRESQL_HOSTWRITE"`
	UserWrite     string `validate:"required" env:"ZKR_POSTGRESQL_USERWRITE"`
	PasswordWrite string `validate:"required" env:"ZKR_POSTGRESQL_PASSWORDWRITE"`
	NameWrite     string `validate:"required" env:"ZKR_POSTGRESQL_NAMEWRITE"`
	PortRead      int    `env:"ZKR_POSTGRESQL_PORTREAD"`
	HostRead      string `env:"ZKR_POSTGRESQL_HOSTREAD"`
	UserRead      string `env:"ZKR_POSTGRESQL_USERREAD"`
	PasswordRead  string `env:"ZKR_POSTGRESQL_PASSWORDREAD"`
	NameRead      string `env:"ZKR_POSTGRESQL_NAMEREAD"`
}

// Synchronizer is the configuration of the observer
type Synchronizer struct {
	// SyncLoopInterval is the waiting interval between checks for new
	// blocks
	SyncLoopInterval Duration `validate:"required" env:"ZKR_SYNCHRONIZER_SYNCLOOPINTERVAL"`
	// BlocksPerSync is the maximum number of blocks replayed in a
	// synchronization step
	BlocksPerSync int `validate:"required,min=1" env:"ZKR_SYNCHRONIZER_BLOCKSPERSYNC"`
}

// Debug is the debugging configuration
type Debug struct {
	// APIAddress is the address where the debugAPI will listen if set
	APIAddress string `env:"ZKR_DEBUG_APIADDRESS"`
	// MeddlerLogs enables meddler debug mode, where unused columns and
	// struct fields will be logged
	MeddlerLogs bool `env:"ZKR_DEBUG_MEDDLERLOGS"`
	// GinDebugMode sets Gin-Gonic (the web framework) to run in debug
	// mode
	GinDebugMode bool `env:"ZKR_DEBUG_GINDEBUGMODE"`
}

// Node is the configuration of a node, in sequencer or observer mode
type Node struct {
	Log          Log
	Rollup       Rollup
	StateDB      StateDB
	StateKeeper  StateKeeper
	Coordinator  Coordinator
	PostgreSQL   PostgreSQL
	Synchronizer Synchronizer
	Debug        Debug
}

// DefaultValues are the values of the configuration that a configuration
// file can omit
const DefaultValues = `
[Log]
Level = "info"
Out = ["stdout"]

[Rollup]
NLevels = 24
BalanceLevels = 8

[StateDB]
Keep = 256

[StateKeeper]
BlockCapacity = 100
BlockTimeout = "10s"

[Coordinator]
MaxPendingBlocks = 16
ProofAttempts = 3
ProofRetryInterval = "5s"
ProofTimeout = "10m"

[Coordinator.ServerProofs]
PollInterval = "1s"

[PostgreSQL]
PortWrite = 5432
HostWrite = "localhost"
UserWrite = "zkrollup"
NameWrite = "zkrollup"

[Synchronizer]
SyncLoopInterval = "1s"
BlocksPerSync = 16
`

// LoadNode loads the Node configuration from path and the environment.  The
// sections only used by the sequencer are validated when sequencer is true.
func LoadNode(path string, sequencer bool) (*Node, error) {
	var cfg Node
	if err := LoadConfig(path, DefaultValues, &cfg); err != nil {
		return nil, common.Wrap(err)
	}
	if err := cfg.Validate(sequencer); err != nil {
		return nil, common.Wrap(fmt.Errorf("error validating configuration file: %w", err))
	}
	return &cfg, nil
}

// Validate checks the configuration
func (cfg *Node) Validate(sequencer bool) error {
	validate := validator.New()
	sections := []interface{}{cfg.Log, cfg.Rollup, cfg.StateDB, cfg.PostgreSQL, cfg.Debug}
	if sequencer {
		sections = append(sections, cfg.StateKeeper, cfg.Coordinator)
	} else {
		sections = append(sections, cfg.Synchronizer)
	}
	for _, section := range sections {
		if err := validate.Struct(section); err != nil {
			return common.Wrap(err)
		}
	}
	if sequencer {
		// the checkpoints of the pending blocks must not be pruned
		if cfg.StateDB.Keep <= cfg.Coordinator.MaxPendingBlocks {
			return common.Wrap(fmt.Errorf(
				"StateDB.Keep (%d) must be greater than Coordinator.MaxPendingBlocks (%d)",
				cfg.StateDB.Keep, cfg.Coordinator.MaxPendingBlocks))
		}
	}
	return nil
}
