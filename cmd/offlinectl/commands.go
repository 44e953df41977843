package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"offline-sync-engine/internal/bootstrap"
	"offline-sync-engine/internal/models"
)

func pendingCommand(app *ctlApp) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "pending <tenant>",
		Short: "Show how many writes are waiting to sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := app.svc.GetPendingCount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !list {
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			}
			items, err := app.store.ListPending(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"pending": n, "items": items})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print the queued items as JSON")
	return cmd
}

func failedCommand(app *ctlApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Manage writes the backend rejected",
	}

	list := &cobra.Command{
		Use:   "list <tenant>",
		Short: "List failed writes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := app.svc.ListFailed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}

	retry := &cobra.Command{
		Use:   "retry <tenant> <id>",
		Short: "Put a failed write back in line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.svc.RetryFailed(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[1])
			return nil
		},
	}

	var by string
	discard := &cobra.Command{
		Use:   "discard <tenant> <id>",
		Short: "Archive and drop a failed write",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := app.svc.DiscardFailed(cmd.Context(), args[0], args[1], by)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s (archived to %s)\n", args[1], loc)
			return nil
		},
	}
	discard.Flags().StringVar(&by, "by", "offlinectl", "operator recorded in the archive")

	cmd.AddCommand(list, retry, discard)
	return cmd
}

func enqueueCommand(app *ctlApp) *cobra.Command {
	var (
		user, table, op, recordID, localRef, data string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <tenant>",
		Short: "Queue a write by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := models.QueueItemInput{
				TenantID:  args[0],
				UserID:    user,
				TableName: table,
				Operation: models.OperationType(op),
				RecordID:  models.StringPtr(recordID),
				LocalRef:  models.StringPtr(localRef),
			}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &in.RecordData); err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			}
			item, err := app.svc.Enqueue(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "acting user id")
	cmd.Flags().StringVar(&table, "table", "", "target table")
	cmd.Flags().StringVar(&op, "op", string(models.OpCreate), "create, update or delete")
	cmd.Flags().StringVar(&recordID, "record-id", "", "remote id of the record to change")
	cmd.Flags().StringVar(&localRef, "local-ref", "", "temporary id of a record created offline")
	cmd.Flags().StringVar(&data, "data", "", "record data as a JSON object")
	return cmd
}

func syncCommand(app *ctlApp) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "sync <tenant>",
		Short: "Replay the tenant's queue against the configured backend now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app.svc.SyncOfflineData(cmd.Context(), bootstrap.NewDispatcher(app.cfg).Apply, args[0], user)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user the writes are applied as")
	return cmd
}
