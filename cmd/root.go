// Package cmd is the thin CLI surface over the aggregation core: a serve
// command that boots the proxy and a validate command that checks a
// configuration file without starting anything.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"onemcp/pkg/logging"
)

var (
	flagConfig  string
	flagDataDir string
	flagDebug   bool
	flagJSONLog bool
)

var rootCmd = &cobra.Command{
	Use:   "onemcp",
	Short: "Aggregating proxy for MCP servers",
	Long: `onemcp multiplexes many upstream MCP servers (stdio subprocesses and
HTTP/SSE endpoints) behind a single MCP endpoint, with per-session tag and
preset filtering, lazy schema loading and hot configuration reload.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if flagDebug {
			level = logging.LevelDebug
		}
		if flagJSONLog {
			logging.InitJSON(level, os.Stderr)
		} else {
			logging.Init(level, os.Stderr)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDataDir(), "directory for presets and session state")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLog, "json-log", false, "emit logs as JSON")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "onemcp")
	}
	return ".onemcp"
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
