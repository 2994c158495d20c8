package main

import (
	"cmp"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/blobsync/internal/client"
	"github.com/openmined/blobsync/internal/client/config"
	"github.com/openmined/blobsync/internal/client/sync"
	"github.com/openmined/blobsync/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}

// history only reads the local journal, so it needs a root dir but no
// credentials
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync runs recorded for this folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rootDir, err := utils.ResolvePath(cmp.Or(cfg.RootDir, config.DefaultRootDir))
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			limit, _ := cmd.Flags().GetInt("limit")
			history, err := client.ReadHistory(rootDir, limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 10, "number of runs to show")
	return cmd
}

func printHistory(w io.Writer, history []client.RunHistory) {
	if len(history) == 0 {
		fmt.Fprintln(w, gray.Render("no sync runs recorded"))
		return
	}

	for _, h := range history {
		run := h.Run
		status := green.Render(run.Status)
		switch run.Status {
		case sync.RunStatusDegraded:
			status = yellow.Render(run.Status)
		case sync.RunStatusFailed:
			status = red.Render(run.Status)
		}

		started := time.UnixMilli(run.StartedAt)
		fmt.Fprintf(w, "%s %-11s %s %s\n", status, run.Kind, humanize.Time(started), gray.Render(run.ID))
		fmt.Fprintf(w, "  %s\n", lightGray.Render(fmt.Sprintf("up=%d down=%d del=%d conflicts=%d took=%s",
			run.Uploads, run.Downloads, run.Deletes, run.Conflicts, run.Duration().Round(time.Millisecond))))
		if run.Error != "" {
			fmt.Fprintf(w, "  %s %s\n", red.Render("error"), run.Error)
		}
		for _, f := range h.Failures {
			fmt.Fprintf(w, "  %s %s %s\n", red.Render(f.Op), f.Path, gray.Render(f.Error))
		}
	}
}
