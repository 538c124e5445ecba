package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"onemcp/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and print the resolved servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := config.Load(flagConfig)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", flagConfig, err)
		}
		resolved, err := f.Resolve()
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", flagConfig, err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Server", "Transport", "Target", "Tags", "Timeout"})

		names := make([]string, 0, len(resolved))
		for name := range resolved {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			desc := resolved[name]
			target := desc.URL
			if desc.Type == config.TransportStdio {
				target = strings.TrimSpace(desc.Command + " " + strings.Join(desc.Args, " "))
			}
			t.AppendRow(table.Row{name, desc.Type, target, strings.Join(desc.Tags, ","), desc.Timeout})
		}
		t.Render()

		lazy := f.LazyLoading
		fmt.Printf("\nlazy loading: enabled=%v cache=%d entries ttl=%s\n",
			lazy.Enabled, lazy.Cache.MaxEntries, lazy.Cache.TTL)
		fmt.Printf("%s: %d servers OK\n", flagConfig, len(resolved))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
