package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swh-oss/winery/pkg/deletedcleaner"
	"github.com/swh-oss/winery/pkg/log"
)

var cleanDeletedObjectsCmd = &cobra.Command{
	Use:   "clean-deleted-objects",
	Short: "Punch deleted objects out of their packed RO images",
	Long: `clean-deleted-objects is the Deleted-Objects Cleaner (specification
§4.11): a transient job, run with read-write access to RO images, that
iterates every signature2shard row marked deleted, punches its payload
out of the shard's RO image when that image is available (PACKED,
CLEANING or READONLY), and removes
the catalog row. It runs one pass and exits.`,
	RunE: runCleanDeletedObjects,
}

func init() {
	configFileFlag(cleanDeletedObjectsCmd)
}

func runCleanDeletedObjects(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	serveMetrics(cmd)

	configPath, _ := cmd.Flags().GetString("config-file")

	deps, err := openDaemonDeps(ctx, configPath)
	if err != nil {
		return err
	}
	defer deps.close()

	c := deletedcleaner.New(deps.catalog, deps.imgPool)

	stopSignaled := signalStop()
	log.Info("clean-deleted-objects starting")
	cleaned, err := c.RunOnce(ctx, stopSignaled)
	if err != nil {
		return fmt.Errorf("clean-deleted-objects: %w", err)
	}
	log.Info(fmt.Sprintf("clean-deleted-objects done: cleaned %d objects", cleaned))
	return nil
}
