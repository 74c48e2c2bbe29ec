package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/geobrowser/taskforge/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			path = config.DefaultConfigFile
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.WriteFile(path, []byte(config.Example()), 0644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}
