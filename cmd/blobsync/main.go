package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/blobsync/internal/client"
	"github.com/openmined/blobsync/internal/client/config"
	"github.com/openmined/blobsync/internal/client/workspace"
	"github.com/openmined/blobsync/internal/utils"
	"github.com/openmined/blobsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:     "blobsync",
	Short:   "Keep a local folder in sync with an S3 compatible bucket",
	Version: version.Detailed(),
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

		fmt.Fprintln(cmd.OutOrStdout(), cyan.Render(version.ShortWithApp()))
		slog.Info("config", "config", cfg)

		c, err := client.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		defer slog.Info("bye!")
		return c.Start(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	addConfigFlags(rootCmd.PersistentFlags())
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", config.DefaultConfigPath, "blobsync config file")
	flags.StringP("root", "r", config.DefaultRootDir, "local folder to sync")
	flags.StringP("endpoint", "e", "", "S3 compatible endpoint")
	flags.StringP("bucket", "b", "", "bucket name")
	flags.String("region", config.DefaultRegion, "bucket region")
	flags.String("conflict-policy", config.ConflictLocalWins, "local-wins, preserve-remote or remote-wins")
	flags.String("remote-only-policy", config.RemoteOnlyDownload, "download, delete or honor-tombstones")
}

func main() {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(stdoutHandler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setupFileLog adds the workspace log file next to the terminal handler. The
// file is truncated for each run.
func setupFileLog(rootDir string) (func(), error) {
	ws, err := workspace.NewWorkspace(rootDir)
	if err != nil {
		return nil, err
	}

	if err := utils.EnsureDir(ws.LogsDir); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(ws.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	interceptor := utils.NewLogInterceptor(file)
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(
		slog.Default().Handler(),
		newFileHandler(interceptor),
	)))

	return func() {
		_ = interceptor.Close()
		_ = file.Close()
	}, nil
}

func newFileHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
}
