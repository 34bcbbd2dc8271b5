// Package objectid implements the composite object identifier used by
// Winery: one digest per supported algorithm, of which only the primary
// algorithm (sha256) keys the catalog and the read-only shard lookup.
// Other digests travel with the id and are carried for check()'s benefit
// but otherwise ignored, per the specification's data model.
package objectid

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2s"
)

// Algo names the hash algorithms an ObjectID may carry.
type Algo string

const (
	SHA256     Algo = "sha256"
	SHA1       Algo = "sha1"
	SHA1Git    Algo = "sha1_git"
	Blake2s256 Algo = "blake2s256"

	// Primary is the algorithm Winery actually indexes by.
	Primary Algo = SHA256
)

// ObjectID is a composite of one or more cryptographic digests, keyed by
// algorithm name, each stored as raw bytes.
type ObjectID map[Algo][]byte

// Primary returns the sha256 digest bytes, which is the only part of the
// id Winery's catalog and read-only shards use as a key.
func (o ObjectID) Primary() ([]byte, error) {
	digest, ok := o[Primary]
	if !ok {
		return nil, fmt.Errorf("object id is missing required %s digest", Primary)
	}
	return digest, nil
}

// Hex returns the lowercase hex encoding of the primary digest.
func (o ObjectID) Hex() (string, error) {
	digest, err := o.Primary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}

// String implements fmt.Stringer using the primary digest, falling back to
// a listing of present algorithms if sha256 is absent (which should never
// happen for a well-formed id).
func (o ObjectID) String() string {
	if hexDigest, err := o.Hex(); err == nil {
		return hexDigest
	}
	algos := make([]string, 0, len(o))
	for a := range o {
		algos = append(algos, string(a))
	}
	sort.Strings(algos)
	return fmt.Sprintf("objectid{%v}", algos)
}

// Compute derives every digest Winery knows how to produce from content.
// Only the sha256 entry is load-bearing; the rest exist so check() can
// validate a caller-supplied composite id that names other algorithms,
// mirroring the wider object-storage digest set the original
// implementation supports (sha256, sha1, sha1_git, blake2s256).
func Compute(content []byte) ObjectID {
	sha256Sum := sha256.Sum256(content)
	sha1Sum := sha1.Sum(content)
	blake2Sum := blake2s.Sum256(content)

	return ObjectID{
		SHA256:     sha256Sum[:],
		SHA1:       sha1Sum[:],
		SHA1Git:    gitBlobSHA1(content),
		Blake2s256: blake2Sum[:],
	}
}

// gitBlobSHA1 computes the digest git would assign a blob of this content:
// sha1("blob " + len(content) + "\x00" + content).
func gitBlobSHA1(content []byte) []byte {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return h.Sum(nil)
}

// FromHex builds an ObjectID from a hex-encoded sha256 digest, the common
// case of constructing an id for a lookup rather than a fresh add.
func FromHex(sha256Hex string) (ObjectID, error) {
	digest, err := hex.DecodeString(sha256Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid sha256 hex: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid sha256 digest length: got %d want %d", len(digest), sha256.Size)
	}
	return ObjectID{SHA256: digest}, nil
}

// Check recomputes digests for content and compares every algorithm the
// caller's id carries against what was actually stored, returning false on
// any mismatch. Unknown algorithms in want are ignored, matching "other
// algorithms may appear ... and are ignored by Winery" for storage
// purposes while still being verifiable here for check().
func Check(content []byte, want ObjectID) bool {
	got := Compute(content)
	for algo, digest := range want {
		gotDigest, ok := got[algo]
		if !ok {
			continue
		}
		if len(gotDigest) != len(digest) {
			return false
		}
		for i := range digest {
			if gotDigest[i] != digest[i] {
				return false
			}
		}
	}
	return true
}
