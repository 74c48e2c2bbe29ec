package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/geobrowser/taskforge/internal/coreerr"
	"github.com/geobrowser/taskforge/internal/state"
)

var flagMaxIterations int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the task loop until the backlog is drained",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(flagMaxIterations)
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single iteration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(1)
	},
}

func init() {
	runCmd.Flags().IntVar(&flagMaxIterations, "max-iterations", 0, "stop after N iterations (0 = use the config's max_iterations)")
}

func runLoop(maxIterations int) error {
	a, err := assemble(0, maxIterations)
	if err != nil {
		return fmt.Errorf("%s", coreerr.Format(err))
	}
	defer a.pools.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Register this loop for external monitors; best-effort cleanup on
	// the way out.
	entry := state.MonitorEntry{
		Namespace: a.cfg.Namespace,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Args:      os.Args,
	}
	if err := a.store.RegisterMonitor(entry); err != nil {
		a.log.Warn("failed to register monitor entry", "error", err)
	}
	defer func() {
		if err := a.store.UnregisterMonitor(a.cfg.Namespace); err != nil {
			a.log.Warn("failed to unregister monitor entry", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}

	var loopErr error
	g.Go(func() error {
		loopErr = a.looper.Run(gctx)
		// The loop finishing (cleanly or not) ends the server too.
		stop()
		if loopErr != nil && gctx.Err() == nil {
			return loopErr
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s", coreerr.Format(err))
	}

	m := a.looper.Metrics()
	fmt.Fprintf(os.Stdout, "loop finished: %d completed, %d failed, %d skipped\n",
		m.Completed, m.Failed, m.Skipped)
	if m.Failed > 0 {
		return fmt.Errorf("%d task(s) failed", m.Failed)
	}
	return nil
}
