package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the onemcp version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("onemcp " + version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
