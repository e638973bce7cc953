// Package hashstore implements the content hasher and meta/object store
// (spec.md §4.D). Hashing is grounded directly on
// distr1/distri/internal/build.Ctx.Digest, which hashes a build's
// standardized proto text plus its resolved dependency list with
// hash/fnv (short hash, "fast, used for per-file fingerprints" in
// spec.md terms); the long/cryptographic hash uses crypto/sha256,
// already imported by the same file for a different purpose there. The
// on-disk store is grounded on build.go's use of github.com/google/
// renameio for atomic-per-key writes, extended with gzip compression of
// object blobs per SPEC_FULL.md's domain-stack wiring of
// github.com/klauspost/compress.
package hashstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/distr1/workflow/expr"
)

// ShortHash is the fast, non-cryptographic 64-bit default (spec.md §4.D:
// "a fast non-cryptographic 64-bit hash (short)"), used for per-file
// fingerprints.
func ShortHash(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// LongHash is the cryptographic 256-bit default ("a 256-bit cryptographic
// hash (long)"), used for composite hashes (command, value, depends).
func LongHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CommandHash standardizes e via dp (canonical whitespace, single-quoted
// strings normalized to double quotes, trailing trivia stripped — spec.md
// §4.D) and hashes the resulting UTF-8 bytes with the long hash.
func CommandHash(e expr.Expr, dp expr.Deparser) (string, error) {
	text, err := dp.Deparse(e)
	if err != nil {
		return "", err
	}
	return LongHash([]byte(text)), nil
}

// FileHash hashes file contents with the short hash. When file-change
// triggers are disabled, callers should use an mtime string as a cheap
// surrogate instead (spec.md §4.D).
func FileHash(contents []byte) string {
	return ShortHash(contents)
}

// stableSerialize produces deterministic bytes for v: encoding/json
// already sorts map keys in Go, which combined with sorting any slices
// the caller controls gives a stable serializer per spec.md §4.D "Value
// hash: hash(serialize(value)) using a stable serializer."
func stableSerialize(v expr.Value) ([]byte, error) {
	return json.Marshal(v)
}

// ValueHash hashes the serialized form of v with the long hash.
func ValueHash(v expr.Value) (string, error) {
	b, err := stableSerialize(v)
	if err != nil {
		return "", err
	}
	return LongHash(b), nil
}

// DepHash is one (name, hash) pair contributing to a depends_hash.
type DepHash struct {
	Name string
	Hash string
}

// DependsHash hashes the sorted list of (name, hash) pairs over a
// target's immediate dependencies (spec.md §4.D).
func DependsHash(deps []DepHash) string {
	sorted := append([]DepHash(nil), deps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	b, _ := json.Marshal(sorted)
	return LongHash(b)
}
