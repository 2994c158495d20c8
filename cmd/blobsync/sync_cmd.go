package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/blobsync/internal/client"
	"github.com/openmined/blobsync/internal/client/sync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			closeLog, err := setupFileLog(cfg.RootDir)
			if err != nil {
				return err
			}
			defer closeLog()

			c, err := client.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			result, err := c.RunOnce(cmd.Context())
			if result != nil {
				printSyncResult(cmd.OutOrStdout(), result)
			}
			return err
		},
	}
}

func printSyncResult(w io.Writer, r *sync.SyncResult) {
	status := green.Render(r.Status())
	if r.Degraded() {
		status = yellow.Render(r.Status())
	}

	fmt.Fprintf(w, "%s %s\n", status, gray.Render(fmt.Sprintf("run %s, %d attempt(s), %s", r.RunID, r.Attempts, r.Duration.Round(time.Millisecond))))
	fmt.Fprintf(w, "  %-11s %d\n", "uploaded", r.Uploaded)
	fmt.Fprintf(w, "  %-11s %d\n", "downloaded", r.Downloaded)
	fmt.Fprintf(w, "  %-11s %d\n", "deleted", r.Deleted)
	fmt.Fprintf(w, "  %-11s %d\n", "conflicts", r.Conflicts)
	fmt.Fprintf(w, "  %-11s %s\n", "tracked", humanize.Comma(int64(r.Committed.Len())))

	for _, err := range r.Failures {
		fmt.Fprintf(w, "  %s %v\n", red.Render("failed"), err)
	}
	for _, p := range r.Skipped {
		fmt.Fprintf(w, "  %s %s\n", yellow.Render("skipped"), p)
	}
	for _, p := range r.Pending {
		fmt.Fprintf(w, "  %s %s\n", lightGray.Render("pending"), p)
	}
}
