package pool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/swh-oss/winery/pkg/config"
	"github.com/swh-oss/winery/pkg/log"
)

// RBDPool is the Ceph RBD-backed Pool variant (specification §4.4, "RBD
// variant" column). Every operation shells out to the rbd CLI; failures
// other than "already unmapped" are fatal to the caller, matching the
// specification's stated contract.
type RBDPool struct {
	poolName                 string
	dataPoolName             string
	imageFeaturesUnsupported []string
	mapOptions               string
	useSudo                  bool
	imageSize                int64
}

// NewRBDPool constructs an RBDPool from the shards_pool configuration
// section.
func NewRBDPool(cfg config.ShardsPoolConfig, shardMaxSize int64) (*RBDPool, error) {
	if cfg.PoolName == "" {
		return nil, fmt.Errorf("shards_pool.pool_name is required for the rbd pool")
	}
	return &RBDPool{
		poolName:                 cfg.PoolName,
		dataPoolName:             cfg.DataPoolName,
		imageFeaturesUnsupported: cfg.ImageFeaturesUnsupported,
		mapOptions:               cfg.MapOptions,
		useSudo:                  cfg.UseSudo,
		imageSize:                2 * shardMaxSize,
	}, nil
}

func (p *RBDPool) run(ctx context.Context, args ...string) (string, error) {
	var name string
	var fullArgs []string
	if p.useSudo {
		name = "sudo"
		fullArgs = append([]string{"rbd"}, args...)
	} else {
		name = "rbd"
		fullArgs = args
	}

	cmd := exec.CommandContext(ctx, name, fullArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("rbd %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

func (p *RBDPool) Path(name string) string {
	return filepath.Join("/dev/rbd", p.poolName, name)
}

func (p *RBDPool) Exists(ctx context.Context, name string) (bool, error) {
	_, err := p.run(ctx, "info", p.poolName+"/"+name)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (p *RBDPool) Mapped(_ context.Context, name string) (MappedMode, error) {
	info, err := os.Stat(p.Path(name))
	if os.IsNotExist(err) {
		return Unmapped, nil
	}
	if err != nil {
		return Unmapped, fmt.Errorf("image_mapped(%s): %w", name, err)
	}

	if info.Mode().Perm()&0o200 != 0 {
		return MappedRW, nil
	}
	return MappedRO, nil
}

func (p *RBDPool) List(ctx context.Context) ([]string, error) {
	out, err := p.run(ctx, "ls", p.poolName)
	if err != nil {
		return nil, fmt.Errorf("image_list: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (p *RBDPool) Create(ctx context.Context, name string) error {
	args := []string{"create", fmt.Sprintf("--size=%dM", (p.imageSize+(1<<20)-1)>>20), p.poolName + "/" + name}
	if p.dataPoolName != "" {
		args = append(args, "--data-pool", p.dataPoolName)
	}
	for _, feature := range p.imageFeaturesUnsupported {
		args = append(args, "--image-feature-unsupported", feature)
	}

	if _, err := p.run(ctx, args...); err != nil {
		return fmt.Errorf("image_create(%s): %w", name, err)
	}

	log.Debug(fmt.Sprintf("image %s created in pool %s, mapping rw", name, p.poolName))
	return p.Map(ctx, name, MappedRW)
}

func (p *RBDPool) Map(ctx context.Context, name string, mode MappedMode) error {
	args := []string{"device", "map"}
	options := string(mode)
	if p.mapOptions != "" {
		options = options + "," + p.mapOptions
	}
	args = append(args, "-o", options, p.poolName+"/"+name)

	if _, err := p.run(ctx, args...); err != nil {
		return fmt.Errorf("image_map(%s, %s): %w", name, mode, err)
	}
	return nil
}

func (p *RBDPool) Unmap(ctx context.Context, name string) error {
	if _, err := p.run(ctx, "device", "unmap", p.poolName+"/"+name); err != nil {
		if strings.Contains(err.Error(), "not mapped") {
			return nil
		}
		return fmt.Errorf("image_unmap(%s): %w", name, err)
	}
	return nil
}

func (p *RBDPool) RemapRO(ctx context.Context, name string) error {
	if err := p.Unmap(ctx, name); err != nil {
		return err
	}
	return p.Map(ctx, name, MappedRO)
}
