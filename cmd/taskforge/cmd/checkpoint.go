package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/geobrowser/taskforge/internal/config"
	"github.com/geobrowser/taskforge/internal/state"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or clear loop checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the newest valid checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		cp, err := store.LoadLatestCheckpoint()
		if err != nil {
			return err
		}
		if cp == nil {
			fmt.Println("no valid checkpoint")
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cp)
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all checkpoints (the next run starts fresh)",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.ClearCheckpoints(); err != nil {
			return err
		}
		fmt.Println("checkpoints cleared")
		return nil
	},
}

func openStore() (*state.Store, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	return state.NewStore(cfg.StateDir)
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)
}
