package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/swh-oss/winery/pkg/imagemanager"
	"github.com/swh-oss/winery/pkg/log"
)

var rbdCmd = &cobra.Command{
	Use:   "rbd",
	Short: "Run the host-local image manager daemon",
	Long: `rbd is the Image Manager (specification §4.9): a host-local daemon
that maps newly PACKED shard images read-only on this host and records
this host's acknowledgement in the catalog, so the RW-Shard Cleaner
eventually knows it is safe to drop the write shard table.`,
	RunE: runImageManager,
}

func init() {
	configFileFlag(rbdCmd)
	rbdCmd.Flags().Bool("stop-instead-of-waiting", false, "Exit after one pass instead of looping forever")
	rbdCmd.Flags().Bool("manage-rw-images", false, "Also create and map RW images for writable shards")
	rbdCmd.Flags().String("cache-dir", "", "Directory for this host's local mapped-shard cache (default: the OS temp dir)")
}

func runImageManager(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	serveMetrics(cmd)

	configPath, _ := cmd.Flags().GetString("config-file")
	stopInsteadOfWaiting, _ := cmd.Flags().GetBool("stop-instead-of-waiting")
	manageRWImages, _ := cmd.Flags().GetBool("manage-rw-images")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}

	deps, err := openDaemonDeps(ctx, configPath)
	if err != nil {
		return err
	}
	defer deps.close()

	mgr, err := imagemanager.New(deps.catalog, deps.imgPool, cacheDir)
	if err != nil {
		return err
	}
	defer mgr.Close()

	stopSignaled := signalStop()
	firstPassDone := false
	stopRunning := func() bool {
		if stopSignaled() {
			return true
		}
		return stopInsteadOfWaiting && firstPassDone
	}
	ready := func() {
		firstPassDone = true
		log.Info("image manager ready")
		notifySystemd()
	}
	waitForImage := imagemanager.DefaultWaitForImage(100*time.Millisecond, 10*time.Second, 2)

	log.Info("image manager starting")
	mgr.RunDaemon(ctx, manageRWImages, stopRunning, ready, waitForImage)
	log.Info("image manager exiting")
	return nil
}
