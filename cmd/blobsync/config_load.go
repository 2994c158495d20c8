package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/openmined/blobsync/internal/client/config"
	"github.com/openmined/blobsync/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "BLOBSYNC"

var home, _ = os.UserHomeDir()

// flag name -> config key
var flagKeys = map[string]string{
	"root":               "root_dir",
	"endpoint":           "endpoint",
	"bucket":             "bucket",
	"region":             "region",
	"conflict-policy":    "conflict_policy",
	"remote-only-policy": "remote_only_policy",
}

// resolveConfigPath picks the config file, honoring (in order) an explicit
// --config flag, BLOBSYNC_CONFIG_PATH, an existing file in a known location and
// finally the default path.
func resolveConfigPath(cmd *cobra.Command) string {
	if cfgFlag := cmd.Flag("config"); cfgFlag != nil && cfgFlag.Changed {
		return cfgFlag.Value.String()
	}

	if envPath := os.Getenv(envPrefix + "_CONFIG_PATH"); envPath != "" {
		return envPath
	}

	candidates := []string{
		config.DefaultConfigPath,
		filepath.Join(home, ".config", "blobsync", "config.json"),
	}
	for _, candidate := range candidates {
		if utils.FileExists(candidate) {
			return candidate
		}
	}

	return config.DefaultConfigPath
}

// loadConfig merges the config file, a .env file in the working directory,
// BLOBSYNC_* environment variables and flags. The result is not validated.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	// existing environment wins over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetDefault("full_sync_interval", config.DefaultFullSyncInterval.String())

	configPath := resolveConfigPath(cmd)
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, fs.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	for name, key := range flagKeys {
		if flag := cmd.Flag(name); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	cfg := &config.Config{
		Path:             configPath,
		Endpoint:         v.GetString("endpoint"),
		AccessKeyID:      v.GetString("access_key_id"),
		SecretAccessKey:  v.GetString("secret_access_key"),
		Bucket:           v.GetString("bucket"),
		Region:           v.GetString("region"),
		RootDir:          v.GetString("root_dir"),
		ConflictPolicy:   v.GetString("conflict_policy"),
		RemoteOnlyPolicy: v.GetString("remote_only_policy"),
		Debounce:         config.Duration(v.GetDuration("debounce")),
		Concurrency:      v.GetInt("concurrency"),
		FullSyncInterval: config.Duration(v.GetDuration("full_sync_interval")),
		OpTimeout:        config.Duration(v.GetDuration("op_timeout")),
	}
	if v.IsSet("max_retries") {
		retries := v.GetInt("max_retries")
		cfg.MaxRetries = &retries
	}
	if v.IsSet("leading_edge") {
		leading := v.GetBool("leading_edge")
		cfg.LeadingEdge = &leading
	}

	return cfg, nil
}
