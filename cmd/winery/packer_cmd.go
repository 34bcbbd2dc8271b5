package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/packer"
)

var packerCmd = &cobra.Command{
	Use:   "packer",
	Short: "Run the standalone packer daemon",
	Long: `packer repeatedly locks one FULL shard, converts it into a packed
RO image on the configured Image Pool, and marks it PACKED. With
--stop-after-shards it exits once that many shards have been packed
instead of running forever.`,
	RunE: runPacker,
}

func init() {
	configFileFlag(packerCmd)
	packerCmd.Flags().Int("stop-after-shards", 0, "Exit after packing this many shards (0 = run forever)")
}

func runPacker(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	serveMetrics(cmd)

	configPath, _ := cmd.Flags().GetString("config-file")
	stopAfter, _ := cmd.Flags().GetInt("stop-after-shards")

	deps, err := openDaemonDeps(ctx, configPath)
	if err != nil {
		return err
	}
	defer deps.close()

	p := packer.New(deps.catalog, deps.pgPool, deps.imgPool, deps.throttler, deps.cfg.Packer)

	stopSignaled := signalStop()
	stopPacking := func(packedCount int) bool {
		if stopSignaled() {
			return true
		}
		return stopAfter > 0 && packedCount >= stopAfter
	}
	waitForShard := packer.DefaultWaitForShard(100*time.Millisecond, 30*time.Second, 2)

	log.Info(fmt.Sprintf("packer starting (stop_after_shards=%d)", stopAfter))
	p.RunDaemon(ctx, stopPacking, waitForShard)
	log.Info("packer exiting")
	return nil
}
