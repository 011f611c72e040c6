package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pipewatch/pipewatch/internal/core/config"
	"github.com/pipewatch/pipewatch/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show open failures and active recoveries",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)

	rows, err := db.QueryContext(ctx, `
		SELECT repository, job_name, category, severity, retry_count, resolution
		FROM pipeline_failures
		WHERE resolution IN ('open', 'recovering')
		ORDER BY detected_at DESC
		LIMIT 50`)
	if err != nil {
		slog.Error("Failed to query failures", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	_, _ = fmt.Fprintln(w, "REPOSITORY\tJOB\tCATEGORY\tSEVERITY\tRETRIES\tRESOLUTION")
	for rows.Next() {
		var repository, job, category, severity, resolution string
		var retries int
		if err := rows.Scan(&repository, &job, &category, &severity, &retries, &resolution); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", repository, job, category, severity, retries, resolution)
	}
	_ = w.Flush()

	recRows, err := db.QueryContext(ctx, `
		SELECT repository, failure_id, recovery_type, status, started_at
		FROM recovery_states
		WHERE status IN ('pending', 'in_progress')
		ORDER BY started_at DESC
		LIMIT 50`)
	if err != nil {
		slog.Error("Failed to query recoveries", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = recRows.Close()
	}()

	fmt.Println()
	_, _ = fmt.Fprintln(w, "REPOSITORY\tFAILURE\tTYPE\tSTATUS\tSTARTED")
	for recRows.Next() {
		var repository, failureID, rtype, status, startedAt string
		if err := recRows.Scan(&repository, &failureID, &rtype, &status, &startedAt); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", repository, failureID, rtype, status, startedAt)
	}
	_ = w.Flush()
}
