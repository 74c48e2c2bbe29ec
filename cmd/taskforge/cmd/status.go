package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/geobrowser/taskforge/internal/config"
	"github.com/geobrowser/taskforge/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted loop state and live monitors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagNamespace != "" {
			cfg.Namespace = flagNamespace
		}
		store, err := state.NewStore(cfg.StateDir)
		if err != nil {
			return err
		}

		st, err := store.LoadState(cfg.Namespace)
		if err != nil {
			return err
		}
		fmt.Printf("namespace:  %s\n", displayNamespace(cfg.Namespace))
		fmt.Printf("last task:  %s\n", orDash(st.LastTaskID))
		fmt.Printf("iteration:  %d\n", st.LastIteration)
		fmt.Printf("completed:  %d\nfailed:     %d\nskipped:    %d\n",
			st.Metrics.Completed, st.Metrics.Failed, st.Metrics.Skipped)
		if st.InFallback {
			fmt.Println("selector:   FALLBACK pool")
		}

		monitors, err := store.Monitors()
		if err != nil {
			return err
		}
		if len(monitors) == 0 {
			fmt.Println("\nno live loops registered")
			return nil
		}

		fmt.Println("\nlive loops:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAMESPACE\tPID\tSTARTED")
		for _, m := range monitors {
			fmt.Fprintf(w, "%s\t%d\t%s\n",
				displayNamespace(m.Namespace), m.PID, m.StartedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func displayNamespace(ns string) string {
	if ns == "" {
		return "default"
	}
	return ns
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
