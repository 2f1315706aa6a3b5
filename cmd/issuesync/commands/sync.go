package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/issuesync/issuesync/pkg/config"
	"github.com/issuesync/issuesync/pkg/engine"
	"github.com/issuesync/issuesync/pkg/queue"
)

func newSyncCommand() *cobra.Command {
	var (
		kind     string
		priority string
		dryRun   bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a one-shot sync",
		Long: `Run a single sync operation and wait for it to finish.

A full sync lists every item from the source; an incremental sync only
lists items modified after the last successful run, falling back to a
full listing when no successful run exists yet.`,
		Example: `  # Incremental sync (default)
  issuesync sync

  # Full sync of everything
  issuesync sync --kind full

  # Rehearse without writing to Kimai or the state store
  issuesync sync --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			syncKind := engine.Kind(kind)
			switch syncKind {
			case engine.KindFull, engine.KindIncremental, engine.KindSelective:
			default:
				return fmt.Errorf("unknown sync kind %q", kind)
			}
			taskPriority, err := parsePriority(priority)
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Sync.DryRun = true
			}

			app, err := buildAppFromConfig(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			tasks := queue.NewTaskQueue(1, app.logger, app.metrics)
			tasks.Start(ctx)
			defer tasks.Stop()

			var op *engine.Operation
			taskID, err := tasks.AddTask(&queue.SyncTask{
				Name:     fmt.Sprintf("%s sync", syncKind),
				TaskType: string(syncKind),
				Priority: taskPriority,
				Run: func(ctx context.Context) error {
					var runErr error
					op, runErr = app.engine.RunSync(ctx, syncKind)
					return runErr
				},
			})
			if err != nil {
				return err
			}

			result, err := tasks.WaitForResult(ctx, taskID, timeout)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(op)
			}
			printOperation(op)
			if result.Status == queue.TaskStatusFailed {
				return fmt.Errorf("sync failed: %s", result.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "incremental", "sync kind (full, incremental, selective)")
	cmd.Flags().StringVar(&priority, "priority", "normal", "task priority (low, normal, high, urgent)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "skip target writes and state updates")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up waiting after this long")

	return cmd
}

func parsePriority(s string) (queue.Priority, error) {
	switch s {
	case "low":
		return queue.PriorityLow, nil
	case "normal":
		return queue.PriorityNormal, nil
	case "high":
		return queue.PriorityHigh, nil
	case "urgent":
		return queue.PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func printOperation(op *engine.Operation) {
	if op == nil {
		fmt.Println("no operation recorded")
		return
	}
	fmt.Printf("Operation %s (%s)\n", op.ID, op.Kind)
	fmt.Printf("  Status:     %s\n", op.Status)
	fmt.Printf("  Processed:  %d\n", op.ItemsProcessed)
	fmt.Printf("  Synced:     %d\n", op.ItemsSynced)
	fmt.Printf("  Failed:     %d\n", op.ItemsFailed)
	fmt.Printf("  Conflicts:  %d\n", op.ConflictsResolved)
	if op.CompletedAt != nil {
		fmt.Printf("  Duration:   %s\n", op.CompletedAt.Sub(op.StartedAt).Round(time.Millisecond))
	}
	for _, e := range op.Errors {
		fmt.Printf("  Error:      %s\n", e)
	}
}
