package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/issuesync/issuesync/pkg/config"
	"github.com/issuesync/issuesync/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		operationID string
		statusName  string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync history and state",
		Long: `Inspect the state store: aggregate counters, the last successful
sync, and recent operations. Works against the database file directly,
no daemon needed.`,
		Example: `  # Aggregate stats plus recent operations
  issuesync status

  # Only failed operations
  issuesync status --status failed

  # One operation in detail
  issuesync status --operation 6b1f...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if operationID != "" {
				return showOperation(ctx, store, operationID)
			}
			return showOverview(ctx, store, statusName, limit)
		},
	}

	cmd.Flags().StringVarP(&operationID, "operation", "o", "", "show a single operation by id")
	cmd.Flags().StringVarP(&statusName, "status", "s", "", "filter operations by status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent operations to list")

	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func showOperation(ctx context.Context, store *stores.SQLiteStore, id string) error {
	op, err := store.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(op)
	}
	printOperation(op)
	return nil
}

func showOverview(ctx context.Context, store *stores.SQLiteStore, statusName string, limit int) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	ops, err := store.ListOperations(ctx, stores.ListFilter{Status: statusName, Limit: limit})
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"stats":      stats,
			"operations": ops,
		})
	}

	fmt.Println("Operations:")
	for status, n := range stats.OperationsByStatus {
		fmt.Printf("  %-10s %d\n", status, n)
	}
	fmt.Println("Items:")
	for typ, n := range stats.ItemsByType {
		fmt.Printf("  %-12s %d\n", typ, n)
	}
	if stats.LastSuccessfulSync != nil {
		fmt.Printf("Last successful sync: %s\n", stats.LastSuccessfulSync.Format(time.RFC3339))
	} else {
		fmt.Println("Last successful sync: never")
	}

	if len(ops) > 0 {
		fmt.Println("\nRecent operations:")
		for _, op := range ops {
			completed := "-"
			if op.CompletedAt != nil {
				completed = op.CompletedAt.Format(time.RFC3339)
			}
			fmt.Printf("  %s  %-11s %-9s synced=%d failed=%d  %s\n",
				op.ID, op.Kind, op.Status, op.ItemsSynced, op.ItemsFailed, completed)
		}
	}
	return nil
}
