package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

func main() {
	if err := blocksimMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// blocksimMain is the real main function for blocksim. It's necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func blocksimMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		return err
	}
	defer logRotator.Close()

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	log.Infof("Simulating %d blocks with seed %d", cfg.NumBlocks, cfg.Seed)

	sim, err := newSimulation(cfg)
	if err != nil {
		return fmt.Errorf("unable to set up simulation: %w", err)
	}

	start := time.Now()
	runErr := sim.run(ctx)
	stopErr := sim.stop()

	if runErr != nil {
		log.Errorf("Simulation failed after %v: %v", time.Since(start),
			runErr)
		return runErr
	}
	if stopErr != nil {
		return stopErr
	}

	log.Infof("Synced %d blocks in %v, head %v", sim.store.Height(),
		time.Since(start), sim.store.HeadHash())

	return nil
}
