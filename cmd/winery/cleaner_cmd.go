package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/swh-oss/winery/pkg/cleaner"
	"github.com/swh-oss/winery/pkg/log"
)

var rwShardCleanerCmd = &cobra.Command{
	Use:   "rw-shard-cleaner",
	Short: "Run the standalone RW-shard cleaner daemon",
	Long: `rw-shard-cleaner is the RW-Shard Cleaner (specification §4.10): a
standalone daemon that drops the write-side SQL table of each PACKED
shard once at least --min-mapped-hosts hosts have acknowledged mapping
its RO image, and marks the shard READONLY.`,
	RunE: runCleaner,
}

func init() {
	configFileFlag(rwShardCleanerCmd)
	rwShardCleanerCmd.Flags().Int("stop-after-shards", 0, "Exit after cleaning this many shards (0 = run forever)")
	rwShardCleanerCmd.Flags().Bool("stop-instead-of-waiting", false, "Exit after one pass with no candidate instead of waiting and retrying")
	rwShardCleanerCmd.Flags().Int("min-mapped-hosts", 1, "Minimum number of hosts that must have acknowledged a shard's image before cleaning it")
}

func runCleaner(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	serveMetrics(cmd)

	configPath, _ := cmd.Flags().GetString("config-file")
	stopAfter, _ := cmd.Flags().GetInt("stop-after-shards")
	stopInsteadOfWaiting, _ := cmd.Flags().GetBool("stop-instead-of-waiting")
	minMappedHosts, _ := cmd.Flags().GetInt("min-mapped-hosts")

	deps, err := openDaemonDeps(ctx, configPath)
	if err != nil {
		return err
	}
	defer deps.close()

	c := cleaner.New(deps.catalog, deps.pgPool, minMappedHosts)

	stopSignaled := signalStop()
	emptyPassSeen := false
	stopCleaning := func(cleanedCount int) bool {
		if stopSignaled() {
			return true
		}
		if stopAfter > 0 && cleanedCount >= stopAfter {
			return true
		}
		return stopInsteadOfWaiting && emptyPassSeen
	}
	backoff := cleaner.DefaultWaitForShard(200*time.Millisecond, 30*time.Second, 2)
	waitForShard := func(attempt int) {
		emptyPassSeen = true
		if stopInsteadOfWaiting {
			return
		}
		backoff(attempt)
	}

	log.Info(fmt.Sprintf("rw-shard-cleaner starting (min_mapped_hosts=%d)", minMappedHosts))
	c.RunDaemon(ctx, stopCleaning, waitForShard)
	log.Info("rw-shard-cleaner exiting")
	return nil
}
