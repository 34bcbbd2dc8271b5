package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirectoryPool is the file-backed Pool variant (specification §4.4,
// "File variant" column): one plain file per image, access mode encoded
// as Unix permission bits — 0o400 read-only, 0o600 read-write, 0o000
// unmapped.
type DirectoryPool struct {
	baseDir   string
	imageSize int64
}

// NewDirectoryPool opens (creating if necessary) a directory-backed pool
// rooted at baseDir, sizing new images to 2x shardMaxSize as the RBD
// variant does.
func NewDirectoryPool(baseDir string, shardMaxSize int64) (*DirectoryPool, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("shards_pool.base_directory is required for the directory pool")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pool directory %s: %w", baseDir, err)
	}
	return &DirectoryPool{baseDir: baseDir, imageSize: 2 * shardMaxSize}, nil
}

func (p *DirectoryPool) Path(name string) string {
	return filepath.Join(p.baseDir, name)
}

func (p *DirectoryPool) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(p.Path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("image_exists(%s): %w", name, err)
	}
	return true, nil
}

func (p *DirectoryPool) Mapped(_ context.Context, name string) (MappedMode, error) {
	info, err := os.Stat(p.Path(name))
	if os.IsNotExist(err) {
		return Unmapped, nil
	}
	if err != nil {
		return Unmapped, fmt.Errorf("image_mapped(%s): %w", name, err)
	}

	switch info.Mode().Perm() {
	case 0o400:
		return MappedRO, nil
	case 0o600:
		return MappedRW, nil
	default:
		return Unmapped, nil
	}
}

func (p *DirectoryPool) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.baseDir)
	if err != nil {
		return nil, fmt.Errorf("image_list: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (p *DirectoryPool) Create(_ context.Context, name string) error {
	path := p.Path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("image_create(%s): %w", name, err)
	}
	defer f.Close()

	if err := f.Truncate(p.imageSize); err != nil {
		return fmt.Errorf("image_create(%s): truncate: %w", name, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("image_create(%s): chmod: %w", name, err)
	}
	return nil
}

func (p *DirectoryPool) Map(_ context.Context, name string, mode MappedMode) error {
	var perm os.FileMode
	switch mode {
	case MappedRO:
		perm = 0o400
	case MappedRW:
		perm = 0o600
	default:
		return fmt.Errorf("image_map(%s): invalid mode %q", name, mode)
	}
	if err := os.Chmod(p.Path(name), perm); err != nil {
		return fmt.Errorf("image_map(%s): %w", name, err)
	}
	return nil
}

func (p *DirectoryPool) Unmap(_ context.Context, name string) error {
	if err := os.Chmod(p.Path(name), 0o000); err != nil {
		return fmt.Errorf("image_unmap(%s): %w", name, err)
	}
	return nil
}

func (p *DirectoryPool) RemapRO(ctx context.Context, name string) error {
	if err := p.Unmap(ctx, name); err != nil {
		return err
	}
	return p.Map(ctx, name, MappedRO)
}
