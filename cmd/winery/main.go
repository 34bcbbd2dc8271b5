// Command winery runs the Winery storage engine's standalone daemons
// (specification §6, CLI surface): the packer, the host-local image
// manager, the RW-shard cleaner, and the one-shot deleted-objects
// cleaner. Each subcommand loads its configuration from --config-file
// and requests cooperative shutdown on SIGINT/SIGTERM at the next loop
// boundary, following the teacher's cobra root-command-plus-subcommands
// shape (cmd/warren/main.go).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swh-oss/winery/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "winery",
	Short: "Winery is a sharded, write-optimized content-addressed storage engine",
	Long: `Winery persists opaque binary blobs keyed by cryptographic digests.
Writes accumulate in small mutable SQL-backed write shards until each
reaches a size threshold; a background packer then converts the shard
into an immutable perfect-hash-table image on a block device pool.

This binary runs Winery's standalone daemons: the packer, the host-local
image manager, the RW-shard cleaner, and the deleted-objects cleaner.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9100)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(packerCmd)
	rootCmd.AddCommand(rbdCmd)
	rootCmd.AddCommand(rwShardCleanerCmd)
	rootCmd.AddCommand(cleanDeletedObjectsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
