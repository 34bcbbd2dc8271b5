// Package roshard implements the Winery Perfect-Hash Read Shard
// (specification §4.3): an immutable on-disk structure mapping
// fixed-width sha256 keys to variable-length payloads, backed by one
// Image Pool block image per shard.
//
// The reference implementation hands this off to an external C
// perfect-hash library (swh.perfecthash); no pack example ships a Go
// binding for it; this package is a from-scratch, open-addressed static
// hash table, loosely inspired by the bucketed on-disk index design read
// in the pack's rpcpool-yellowstone-faithful store/index package — header
// plus a fixed slot table plus an append-only data region, rather than a
// minimal perfect hash. sha256 keys are already uniformly distributed, so
// linear probing gives good expected-case behavior without an external
// dependency; see DESIGN.md for why this is built on the standard
// library rather than an ecosystem perfect-hash package.
package roshard

import (
	"encoding/binary"
	"fmt"
)

// magic is written as the first 8 bytes of a shard file once creation
// completes successfully. Per specification §4.3, its presence (or a
// fully-zero file) is how the packer tells a clean image apart from one
// left behind by an interrupted creation.
const magic = "SWHShard"

const (
	keySize    = 32 // sha256 digest
	slotSize   = keySize + 8 + 8 // key + offset + length
	headerSize = 16              // magic + big-endian object count
)

// loadFactor oversizes the slot table relative to object_count to keep
// linear-probe chains short.
const loadFactor = 1.3

func slotCount(objectCount uint64) uint64 {
	n := uint64(float64(objectCount)*loadFactor) + 1
	if n < 1 {
		n = 1
	}
	return n
}

func dataOffset(objectCount uint64) int64 {
	return headerSize + int64(slotCount(objectCount))*slotSize
}

type slot struct {
	key    [keySize]byte
	offset uint64
	length uint64
}

func (s slot) empty() bool {
	for _, b := range s.key {
		if b != 0 {
			return false
		}
	}
	return true
}

func marshalSlot(s slot) []byte {
	buf := make([]byte, slotSize)
	copy(buf[:keySize], s.key[:])
	binary.BigEndian.PutUint64(buf[keySize:keySize+8], s.offset)
	binary.BigEndian.PutUint64(buf[keySize+8:], s.length)
	return buf
}

func unmarshalSlot(buf []byte) slot {
	var s slot
	copy(s.key[:], buf[:keySize])
	s.offset = binary.BigEndian.Uint64(buf[keySize : keySize+8])
	s.length = binary.BigEndian.Uint64(buf[keySize+8:])
	return s
}

func keyBytes(key []byte) ([keySize]byte, error) {
	var k [keySize]byte
	if len(key) != keySize {
		return k, fmt.Errorf("roshard: key must be %d bytes, got %d", keySize, len(key))
	}
	copy(k[:], key)
	return k, nil
}

func slotIndex(key [keySize]byte, numSlots uint64) uint64 {
	// The key is already a uniformly distributed digest; use its low bytes
	// directly rather than rehashing.
	v := binary.BigEndian.Uint64(key[len(key)-8:])
	return v % numSlots
}
