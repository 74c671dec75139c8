// Command crest runs a crest chain node.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/sirupsen/logrus"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/crestchain/crest/config"
	"github.com/crestchain/crest/engine"
	"github.com/crestchain/crest/node"
	"github.com/crestchain/crest/privval"
	"github.com/crestchain/crest/transport"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "crest"
	app.Usage = "crest chain node"
	app.Version = version
	app.Writer = os.Stdout

	configFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "Config file name without extension",
			Value: "crest",
		},
		cli.StringFlag{
			Name:  "config.dir",
			Usage: "Additional directory searched for the config file",
		},
		cli.StringFlag{
			Name:  "log.level",
			Usage: "Log level (debug|info|warn|error)",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "init",
			Usage:  "Generate a validator key and signing state in the data directory",
			Flags:  configFlags,
			Action: initNode,
		},
		{
			Name:   "run",
			Usage:  "Start the node",
			Flags:  configFlags,
			Action: runNode,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load("CREST", c.String("config"), c.String("config.dir"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	levelName := cfg.LogLevel
	if s := c.String("log.level"); s != "" {
		levelName = s
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, nil, fmt.Errorf("bad log level %q: %w", levelName, err)
	}
	logger.SetLevel(level)

	return cfg, logger, nil
}

func initNode(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("init requires data_dir in the config")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	pv, err := privval.GenerateFilePV(
		filepath.Join(cfg.DataDir, "priv_validator_key.json"),
		filepath.Join(cfg.DataDir, "priv_validator_state.json"),
	)
	if err != nil {
		return fmt.Errorf("failed to generate validator key: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "generated validator key in %s\npublic key: %s\n",
		cfg.DataDir, pv.GetPubKey().String())
	return nil
}

func runNode(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("run requires data_dir in the config")
	}

	db, err := leveldb.New(filepath.Join(cfg.DataDir, "db"), 128, 1024, "crest", false)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var pv engine.PrivValidator
	keyFile := filepath.Join(cfg.DataDir, "priv_validator_key.json")
	if _, err := os.Stat(keyFile); err == nil {
		filePV, err := privval.NewFilePV(keyFile, filepath.Join(cfg.DataDir, "priv_validator_state.json"))
		if err != nil {
			return fmt.Errorf("failed to load validator key: %w", err)
		}
		pv = filePV
	} else {
		logger.Info("no validator key found, running as follower")
	}

	trans, err := transport.NewTCPTransport(cfg.Name, cfg.BindAddr, 30*time.Second, cfg.MaxPool, logger)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", cfg.BindAddr, err)
	}

	n, err := node.NewNode(cfg, db, trans, pv, logger)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutting down")

	return n.Stop()
}
