package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/geobrowser/taskforge/internal/backend"
	"github.com/geobrowser/taskforge/internal/config"
	"github.com/geobrowser/taskforge/internal/task"
)

var (
	flagTaskPriority string
	flagTaskFeature  string
	flagTaskDeps     []string
	flagTaskAgent    string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the backlog",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title> [description]",
	Short: "Append a task to the backlog",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := openBackend()
		if err != nil {
			return err
		}
		input := backend.CreateInput{
			Title:        args[0],
			Priority:     task.Priority(flagTaskPriority),
			Feature:      flagTaskFeature,
			Dependencies: flagTaskDeps,
		}
		if len(args) > 1 {
			input.Description = args[1]
		}
		if flagTaskAgent != "" {
			input.Metadata = map[string]any{"agent": flagTaskAgent}
		}
		created, err := be.CreateTask(context.Background(), input)
		if err != nil {
			return err
		}
		fmt.Printf("created %s\n", created.ID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := openBackend()
		if err != nil {
			return err
		}
		tasks, err := be.ListPendingTasks(context.Background())
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("backlog is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRIORITY\tTITLE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Priority, t.Title)
		}
		return w.Flush()
	},
}

var taskRequeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Return a quarantined or failed task to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := openBackend()
		if err != nil {
			return err
		}
		if _, err := be.UpdateTaskStatus(context.Background(), args[0], task.StatusPending, nil); err != nil {
			return err
		}
		fmt.Printf("requeued %s\n", args[0])
		return nil
	},
}

func openBackend() (*backend.FileBackend, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	return backend.NewFileBackend(cfg.BacklogPath)
}

func init() {
	taskAddCmd.Flags().StringVar(&flagTaskPriority, "priority", "medium", "critical|high|medium|low|background")
	taskAddCmd.Flags().StringVar(&flagTaskFeature, "feature", "", "feature tag (selects a matching worker pool)")
	taskAddCmd.Flags().StringSliceVar(&flagTaskDeps, "depends-on", nil, "task IDs that must complete first")
	taskAddCmd.Flags().StringVar(&flagTaskAgent, "agent", "", "agent definition for this task")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRequeueCmd)
}
