package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/chainsync/blocksync"
	"github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename = "blocksim.log"
	defaultDBFilename  = "chain.db"
	defaultLogLevel    = "info"
	defaultNumBlocks   = 500
	defaultDropRate    = 0.1
	defaultForgeRate   = 0.02
	defaultJitter      = 8
	defaultPreSync     = blocksync.BatchLength
	defaultFetchDelay  = 20 * time.Millisecond
	defaultTimeout     = time.Minute
)

var (
	defaultHomeDir = btcutil.AppDataDir("blocksim", false)
	defaultLogDir  = filepath.Join(defaultHomeDir, "logs")
)

type config struct {
	DataDir    string        `short:"b" long:"datadir" description:"Directory to store the chain database"`
	LogDir     string        `long:"logdir" description:"Directory to log output"`
	DebugLevel string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	NumBlocks  uint32        `short:"n" long:"numblocks" description:"Number of blocks to produce"`
	PreSync    uint32        `long:"presync" description:"Number of blocks announced before the node is considered synced; they're staged in the provisional chain"`
	DropRate   float64       `long:"droprate" description:"Probability that an announcement is lost"`
	ForgeRate  float64       `long:"forgerate" description:"Probability that a forged competing block is announced next to a real one"`
	Jitter     int           `long:"jitter" description:"Maximum number of positions an announcement is moved from its place in the chain"`
	Seed       int64         `long:"seed" description:"Seed of the delivery schedule, 0 picks one from the clock"`
	FetchDelay time.Duration `long:"fetchdelay" description:"Simulated round trip of a backfill request"`
	BufferMax  uint32        `long:"buffermax" description:"Maximum number of heights the block queue buffers"`
	WindowMax  uint32        `long:"windowmax" description:"Maximum distance ahead of the head the block queue buffers"`
	NoBackfill bool          `long:"nobackfill" description:"Don't request missing blocks"`
	Timeout    time.Duration `long:"timeout" description:"Give up if the chain isn't complete after this long"`
}

// loadConfig parses the command line into a config, applying defaults.
func loadConfig() (*config, error) {
	cfg := config{
		DataDir:    defaultHomeDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		NumBlocks:  defaultNumBlocks,
		PreSync:    defaultPreSync,
		DropRate:   defaultDropRate,
		ForgeRate:  defaultForgeRate,
		Jitter:     defaultJitter,
		FetchDelay: defaultFetchDelay,
		BufferMax:  blocksync.DefaultBufferMax,
		WindowMax:  blocksync.DefaultWindowMax,
		Timeout:    defaultTimeout,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	if cfg.NumBlocks == 0 {
		return nil, errors.New("--numblocks must be positive")
	}
	if cfg.PreSync > cfg.NumBlocks {
		return nil, fmt.Errorf("--presync=%d exceeds --numblocks=%d",
			cfg.PreSync, cfg.NumBlocks)
	}
	if cfg.PreSync > blocksync.DefaultProvisionalLength {
		return nil, fmt.Errorf("--presync must not exceed %d",
			blocksync.DefaultProvisionalLength)
	}
	if cfg.DropRate < 0 || cfg.DropRate >= 1 {
		return nil, fmt.Errorf("--droprate must be in [0, 1), got %v",
			cfg.DropRate)
	}
	if cfg.ForgeRate < 0 || cfg.ForgeRate > 1 {
		return nil, fmt.Errorf("--forgerate must be in [0, 1], got %v",
			cfg.ForgeRate)
	}
	if cfg.Jitter < 0 {
		return nil, errors.New("--jitter must not be negative")
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return &cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir := filepath.Dir(defaultHomeDir)
		path = filepath.Join(homeDir, path[1:])
	}

	return filepath.Clean(os.ExpandEnv(path))
}
