package roshard

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Writer accepts exactly objectCount (key, content) pairs and then
// finalizes the shard file, per specification §4.3's create(path,
// object_count) contract.
type Writer struct {
	f           *os.File
	objectCount uint64
	numSlots    uint64
	slots       []slot
	cursor      int64
	written     uint64
}

// Create opens path (which must already exist, sized by the Image Pool)
// and prepares to receive objectCount entries. The file's leading bytes
// must already have been verified zero by the caller (the packer, via
// IsDirty/ZeroIfDirty) before calling Create.
func Create(path string, objectCount uint64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("roshard create(%s): %w", path, err)
	}

	numSlots := slotCount(objectCount)
	return &Writer{
		f:           f,
		objectCount: objectCount,
		numSlots:    numSlots,
		slots:       make([]slot, numSlots),
		cursor:      dataOffset(objectCount),
	}, nil
}

// Add writes content at the writer's current cursor and records key's
// slot. Must be called exactly objectCount times before Finalize.
func (w *Writer) Add(key, content []byte) error {
	k, err := keyBytes(key)
	if err != nil {
		return err
	}
	if w.written >= w.objectCount {
		return fmt.Errorf("roshard add: more than %d objects written", w.objectCount)
	}

	if _, err := w.f.WriteAt(content, w.cursor); err != nil {
		return fmt.Errorf("roshard add: write content: %w", err)
	}

	idx := slotIndex(k, w.numSlots)
	for {
		if w.slots[idx].empty() {
			break
		}
		idx = (idx + 1) % w.numSlots
	}
	w.slots[idx] = slot{key: k, offset: uint64(w.cursor), length: uint64(len(content))}

	w.cursor += int64(len(content))
	w.written++
	return nil
}

// Finalize writes the slot table, then the magic header as the very last
// write, so a crash mid-Finalize leaves the file looking dirty (no
// leading magic) rather than looking valid with a truncated table.
func (w *Writer) Finalize() error {
	if w.written != w.objectCount {
		return fmt.Errorf("roshard finalize: wrote %d objects, expected %d", w.written, w.objectCount)
	}

	tableOffset := int64(headerSize)
	for _, s := range w.slots {
		if _, err := w.f.WriteAt(marshalSlot(s), tableOffset); err != nil {
			return fmt.Errorf("roshard finalize: write slot table: %w", err)
		}
		tableOffset += slotSize
	}

	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("roshard finalize: sync: %w", err)
	}

	header := make([]byte, headerSize)
	copy(header, magic)
	binary.BigEndian.PutUint64(header[8:16], w.objectCount)
	if _, err := w.f.WriteAt(header, 0); err != nil {
		return fmt.Errorf("roshard finalize: write header: %w", err)
	}

	return w.f.Sync()
}

// Close releases the underlying file handle without finalizing.
func (w *Writer) Close() error {
	return w.f.Close()
}
