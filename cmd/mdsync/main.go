// Command mdsync serves a live-synchronized markdown editing workspace.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mdsync",
	Short: "Live-synchronized markdown workspace server",
	Long: `mdsync keeps markdown files on disk consistent with live editor
sessions. It serves file content over HTTP, pushes external changes to
connected WebSocket clients, writes atomically under per-file locks, and
resolves concurrent-edit conflicts by explicit user choice.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mdsync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mdsync", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
