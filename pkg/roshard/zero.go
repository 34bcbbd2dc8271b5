package roshard

import (
	"fmt"
	"os"

	"github.com/swh-oss/winery/pkg/log"
)

// dirtyCheckBytes is how much of the image's head is inspected to decide
// whether it is empty. The magic marker, if present, always lands in the
// first 16 bytes, so 1KiB is a comfortable margin against partial writes.
const dirtyCheckBytes = 1024

// IsDirty reports whether path's image looks like a leftover from an
// interrupted creation: any non-zero byte in its first dirtyCheckBytes
// bytes makes it dirty, including a leading SWHShard magic.
func IsDirty(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("roshard: stat %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, dirtyCheckBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return false, nil
	}
	buf = buf[:n]

	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return false, nil
	}

	return true, nil
}

// ZeroIfDirty inspects path and, if it looks dirty, truncates it back to
// zero length and then back to its original size. On a regular file this
// produces a sparse, logically-zero file (the filesystem's equivalent of
// punching a hole); a block-device-backed image pool is expected to
// perform the equivalent discard itself before handing the path here.
func ZeroIfDirty(path string) error {
	dirty, err := IsDirty(path)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	log.Warn(fmt.Sprintf("RO shard %s isn't empty, cleaning it up", path))

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("roshard: stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("roshard: reopen %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("roshard: zero %s: %w", path, err)
	}
	if err := f.Truncate(info.Size()); err != nil {
		return fmt.Errorf("roshard: zero %s: %w", path, err)
	}
	return nil
}
