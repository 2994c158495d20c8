package main

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"testing"
)

const helperEnv = "BLOBSYNC_CLI_HELPER"

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// runCLI re-executes the test binary as the blobsync CLI and returns its
// combined output and exit code.
func runCLI(t *testing.T, args ...string) (string, int) {
	t.Helper()

	cmd := exec.CommandContext(t.Context(), os.Args[0], append([]string{"-test.run=^TestCLIHelper$", "--"}, args...)...)
	cmd.Env = append(os.Environ(), helperEnv+"=1", "NO_COLOR=1", "TERM=dumb")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out.String(), 0
	case errors.As(err, &exitErr):
		return out.String(), exitErr.ExitCode()
	default:
		t.Fatalf("run cli: %v", err)
		return "", -1
	}
}

func TestCLIHelper(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("only runs as a runCLI subprocess")
	}

	sep := slices.Index(os.Args, "--")
	// never fall through to the watch daemon
	if sep < 0 || sep == len(os.Args)-1 {
		os.Exit(2)
	}

	rootCmd.SetArgs(os.Args[sep+1:])
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString(stripANSI(err.Error()) + "\n")
		os.Exit(1)
	}
	os.Exit(0)
}
