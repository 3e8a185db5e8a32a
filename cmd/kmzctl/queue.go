package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"kmz-pipeline/internal/models"
	"kmz-pipeline/internal/queue"
	"kmz-pipeline/internal/store"
)

var dlqLimit int64

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kmz-id>",
	Short: "Queue an existing upload for (re)processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		ctx := cmd.Context()
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		q := queue.NewRedisQueue(cfg)
		defer func() { _ = q.Close() }()

		f, err := st.GetFile(ctx, id)
		if err != nil {
			return err
		}
		if leased, err := q.InFlight(ctx, id); err != nil {
			return err
		} else if leased {
			return fmt.Errorf("kmz %d: %w", id, queue.ErrInFlight)
		}
		if err := st.Requeue(ctx, id); err != nil {
			return err
		}
		job := models.Job{KMZID: f.ID, Filename: f.Filename, StoredPath: filepath.Join(cfg.KMZUploadDir(), f.Filename)}
		if _, err := q.Enqueue(ctx, job, queue.Options{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.BackoffInitial}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued kmz %d (%s)\n", f.ID, f.OriginalName)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [kmz-id]",
	Short: "Show one upload, or queue depths and file counts when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			f, err := st.GetFile(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(f)
		}

		q := queue.NewRedisQueue(cfg)
		defer func() { _ = q.Close() }()
		counts, err := q.Depth(ctx)
		if err != nil {
			return err
		}
		files, err := st.StatusCounts(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"queue": counts, "files": files})
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List the most recent permanently failed jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := queue.NewRedisQueue(cfg)
		defer func() { _ = q.Close() }()
		items, err := q.DLQPeek(cmd.Context(), dlqLimit)
		if err != nil {
			return err
		}
		return printJSON(items)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(cmd.Context(), cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.RunMigrations(cmd.Context())
	},
}

func init() {
	dlqCmd.Flags().Int64Var(&dlqLimit, "limit", 50, "number of entries to show")
}
