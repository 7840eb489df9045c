package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"zkrollup/common"
	"zkrollup/config"
	dbUtils "zkrollup/database"
	"zkrollup/log"
	"zkrollup/node"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"
)

const (
	flagCfg     = "cfg"
	flagMode    = "mode"
	flagEnv     = "env"
	flagYes     = "yes"
	modeSeq     = "sequencer"
	modeObs     = "observer"
	nMigrations = "nMigrations"
)

var (
	// Version represents the program based on the git tag
	Version = "v0.1.0"
)

// Config is the configuration of the node execution
type Config struct {
	mode node.Mode
	node *config.Node
}

func parseCli(c *cli.Context) (*Config, error) {
	cfg, err := getConfig(c)
	if err != nil {
		if err := cli.ShowAppHelp(c); err != nil {
			panic(err)
		}
		return nil, common.Wrap(err)
	}
	return cfg, nil
}

// loadEnvFile loads the variables of the .env file at path, if it exists
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return common.Wrap(fmt.Errorf("error loading %v: %w", path, err))
	}
	return nil
}

func getConfig(c *cli.Context) (*Config, error) {
	if err := loadEnvFile(c.String(flagEnv)); err != nil {
		return nil, common.Wrap(err)
	}
	var cfg Config
	mode := c.String(flagMode)
	nodeCfgPath := c.String(flagCfg)
	var err error
	switch mode {
	case modeSeq:
		cfg.mode = node.ModeSequencer
		cfg.node, err = config.LoadNode(nodeCfgPath, true)
		if err != nil {
			return nil, common.Wrap(err)
		}
	case modeObs:
		cfg.mode = node.ModeObserver
		cfg.node, err = config.LoadNode(nodeCfgPath, false)
		if err != nil {
			return nil, common.Wrap(err)
		}
	default:
		return nil, common.Wrap(fmt.Errorf("invalid mode \"%v\"", mode))
	}
	return &cfg, nil
}

// waitSigInt waits for an interrupt signal or for the node to fail
func waitSigInt(errCh <-chan error) error {
	stopCh := make(chan interface{})

	// catch ^C to send the stop signal
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt)
	const forceStopCount = 3
	go func() {
		n := 0
		for sig := range ossig {
			if sig == os.Interrupt {
				log.Info("Received Interrupt Signal")
				stopCh <- nil
				n++
				if n == forceStopCount {
					log.Fatalf("Received %v Interrupt Signals", forceStopCount)
				}
			}
		}
	}()
	select {
	case <-stopCh:
		return nil
	case err := <-errCh:
		return err
	}
}

func cmdRun(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	log.Init(cfg.node.Log.Level, cfg.node.Log.Out)
	log.Infow("zkrollup node", "version", Version, "mode", cfg.mode)
	innerNode, err := node.NewNode(cfg.mode, cfg.node)
	if err != nil {
		return common.Wrap(fmt.Errorf("error starting node: %w", err))
	}
	innerNode.Start()
	errNode := waitSigInt(innerNode.Err())
	innerNode.Stop()
	if errNode != nil {
		return common.Wrap(fmt.Errorf("node stopped: %w", errNode))
	}
	return nil
}

func cmdWipeSQL(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	log.Init(cfg.node.Log.Level, cfg.node.Log.Out)
	yes := c.Bool(flagYes)
	if !yes {
		fmt.Print("*WARNING* Are you sure you want to delete " +
			"the SQL DB? [y/N]: ")
		var input string
		if _, err := fmt.Scanln(&input); err != nil {
			return common.Wrap(err)
		}
		input = strings.ToLower(input)
		if !(input == "y" || input == "yes") {
			return nil
		}
	}
	db, err := dbUtils.ConnectSQLDB(
		cfg.node.PostgreSQL.PortWrite,
		cfg.node.PostgreSQL.HostWrite,
		cfg.node.PostgreSQL.UserWrite,
		cfg.node.PostgreSQL.PasswordWrite,
		cfg.node.PostgreSQL.NameWrite,
	)
	if err != nil {
		return common.Wrap(err)
	}
	defer db.Close() //nolint:errcheck
	log.Info("Wiping SQL DB...")
	if err := dbUtils.MigrationsDown(db.DB, c.Uint(nMigrations)); err != nil {
		return common.Wrap(fmt.Errorf("dbUtils.MigrationsDown: %w", err))
	}
	log.Info("SQL DB wiped")
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "zkrollup-node"
	app.Version = Version

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     flagMode,
			Usage:    fmt.Sprintf("Set node `MODE` (can be \"%v\" or \"%v\")", modeSeq, modeObs),
			Required: true,
		},
		&cli.StringFlag{
			Name:     flagCfg,
			Usage:    "Node configuration `FILE`",
			Required: false,
		},
		&cli.StringFlag{
			Name:  flagEnv,
			Usage: "Environment variables `FILE`, loaded if it exists",
			Value: ".env",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the zkrollup-node in the indicated mode",
			Action:  cmdRun,
			Flags:   flags,
		},
		{
			Name:    "wipesql",
			Aliases: []string{},
			Usage: "Wipe the SQL DB (HistoryDB), " +
				"leaving the DB in a clean state",
			Action: cmdWipeSQL,
			Flags: append(flags,
				&cli.BoolFlag{
					Name:  flagYes,
					Usage: "automatic yes to the prompt",
				},
				&cli.UintFlag{
					Name:  nMigrations,
					Usage: "number of migrations to undo, 0 for all",
				}),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("\nError: %v\n", common.Wrap(err))
		os.Exit(1)
	}
}
