package roshard

import (
	"errors"
	"fmt"
	"os"

	"github.com/swh-oss/winery/pkg/wineryerr"
)

// Shard is an opened, read-only (or delete-capable) view onto a finalized
// shard file, per specification §4.3's open(path) contract.
type Shard struct {
	f        *os.File
	numSlots uint64
	index    map[[keySize]byte]slot
}

// Open loads a finalized shard file's slot table into memory and returns
// a Shard supporting O(1) lookups. Returns an error if the file does not
// carry the expected magic header.
func Open(path string) (*Shard, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		// A read-only mapping cannot be opened for writing; lookups only
		// need read access.
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("roshard open(%s): %w", path, err)
	}

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("roshard open(%s): read header: %w", path, err)
	}
	if string(header[:len(magic)]) != magic {
		f.Close()
		return nil, fmt.Errorf("roshard open(%s): missing %q magic, shard is not finalized", path, magic)
	}
	objectCount := beUint64(header[8:16])
	numSlots := slotCount(objectCount)

	table := make([]byte, numSlots*slotSize)
	if _, err := f.ReadAt(table, headerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("roshard open(%s): read slot table: %w", path, err)
	}

	index := make(map[[keySize]byte]slot, objectCount)
	for i := uint64(0); i < numSlots; i++ {
		s := unmarshalSlot(table[i*slotSize : (i+1)*slotSize])
		if !s.empty() {
			index[s.key] = s
		}
	}

	return &Shard{f: f, numSlots: numSlots, index: index}, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// Lookup returns key's content, or wineryerr.ErrNotFound if key is absent
// or was deleted.
func (s *Shard) Lookup(key []byte) ([]byte, error) {
	k, err := keyBytes(key)
	if err != nil {
		return nil, err
	}

	entry, ok := s.index[k]
	if !ok || entry.length == 0 {
		return nil, wineryerr.ErrNotFound
	}

	content := make([]byte, entry.length)
	if _, err := s.f.ReadAt(content, int64(entry.offset)); err != nil && !errors.Is(err, os.ErrClosed) {
		return nil, fmt.Errorf("roshard lookup: read content: %w", err)
	}
	return content, nil
}

// Delete zeroes key's payload in place and removes it from the in-memory
// index, per specification §4.3's delete(path, key): "overwrites the
// payload of one key in place (read-write map required)". The shard file
// must be mapped read-write for this to succeed.
func (s *Shard) Delete(key []byte) error {
	k, err := keyBytes(key)
	if err != nil {
		return err
	}

	entry, ok := s.index[k]
	if !ok {
		return wineryerr.ErrNotFound
	}

	zeros := make([]byte, entry.length)
	if _, err := s.f.WriteAt(zeros, int64(entry.offset)); err != nil {
		return fmt.Errorf("roshard delete: zero content: %w", err)
	}

	emptySlotIdx := slotIndex(k, s.numSlots)
	for {
		probe := make([]byte, keySize)
		if _, err := s.f.ReadAt(probe, headerSize+int64(emptySlotIdx)*slotSize); err != nil {
			return fmt.Errorf("roshard delete: locate slot: %w", err)
		}
		if [keySize]byte(probe) == k {
			break
		}
		emptySlotIdx = (emptySlotIdx + 1) % s.numSlots
	}

	zeroSlot := make([]byte, slotSize)
	if _, err := s.f.WriteAt(zeroSlot, headerSize+int64(emptySlotIdx)*slotSize); err != nil {
		return fmt.Errorf("roshard delete: clear slot: %w", err)
	}

	delete(s.index, k)
	return nil
}

// Close releases the underlying file handle.
func (s *Shard) Close() error {
	return s.f.Close()
}
