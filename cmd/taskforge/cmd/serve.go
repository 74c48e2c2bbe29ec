package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/geobrowser/taskforge/internal/server"
)

var flagServeAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run only the observability server over existing state",
	Long: `Serve the dashboard HTTP/SSE surface without driving the loop.
Useful next to a loop started elsewhere — the file watcher picks up its
state and checkpoint writes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := assemble(0, 0)
		if err != nil {
			return err
		}
		defer a.pools.Shutdown()

		addr := flagServeAddr
		if addr == "" {
			addr = a.cfg.Server.Addr
		}
		srv, err := server.New(server.Config{
			Addr:    addr,
			Bus:     a.bus,
			Backend: a.backend,
			WatchPaths: []string{
				a.store.Dir(),
				filepath.Join(a.store.Dir(), "checkpoints"),
				a.backend.Path(),
			},
			Logger: a.log,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
