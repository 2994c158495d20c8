package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/blobsync/internal/client"
	"github.com/openmined/blobsync/internal/snapshot"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSnapshotCmd())
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the snapshot committed in the bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			c, err := client.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			remote, err := c.Snapshot(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printSnapshotJSON(cmd.OutOrStdout(), remote.Snapshot)
			}
			printSnapshot(cmd.OutOrStdout(), remote)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the raw snapshot document")
	return cmd
}

func printSnapshotJSON(w io.Writer, s snapshot.Snapshot) error {
	data, err := snapshot.Encode(s)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(pretty))
	return err
}

func printSnapshot(w io.Writer, remote snapshot.Remote) {
	if !remote.Exists() {
		fmt.Fprintln(w, yellow.Render("no snapshot committed yet"))
		return
	}

	s := remote.Snapshot
	fmt.Fprintf(w, "%s %s\n", cyan.Render("snapshot"), gray.Render(remote.ETag))

	for _, p := range s.Paths() {
		digest, _ := s.Get(p)
		fmt.Fprintf(w, "  %s %s\n", lightGray.Render(shortDigest(string(digest))), p)
	}

	tombstones := s.Tombstones()
	for _, p := range slices.Sorted(maps.Keys(tombstones)) {
		at := time.UnixMilli(tombstones[p])
		fmt.Fprintf(w, "  %s %s %s\n", red.Render("deleted"), p, gray.Render(humanize.Time(at)))
	}

	fmt.Fprintf(w, "%s files, %s tombstones\n", humanize.Comma(int64(s.Len())), humanize.Comma(int64(len(tombstones))))
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
