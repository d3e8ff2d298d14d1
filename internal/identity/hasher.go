// Package identity derives stable, content-addressed identifiers used as
// merge keys across the consolidation pipeline. Identification is a pure
// function of (content, context): no I/O, no clock, no randomness.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// MaxContentBytes is the largest content accepted by Identify. Callers
// feeding larger records must chunk before hashing.
const MaxContentBytes = 16 * 1024 * 1024

// IdentityLen is the fixed output width in characters.
const IdentityLen = 48

// ErrContentTooLarge is returned before any hashing work when content
// exceeds MaxContentBytes.
var ErrContentTooLarge = errors.New("identity: content exceeds maximum size")

// namespace anchors the uniqueness tag. Fixed forever; changing it would
// re-key every record in every deployed knowledge base.
var namespace = uuid.MustParse("8f2a1c4e-6b3d-4a5f-9e71-02c8d4b6a910")

// ContextMask encodes the coarse scope under which content was observed.
// Identical content seen in different time buckets or scopes yields
// distinct identities.
type ContextMask struct {
	// TimeBucket is a coarse temporal bucket (e.g. observation day).
	TimeBucket time.Time

	// Scope is a geographic or domain scope tag ("global", "emea", ...).
	Scope string
}

// BucketByDay truncates t to UTC midnight, the standard bucket used by the
// ingest pipeline.
func BucketByDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// mask folds the context into 64 bits. xxhash is fine here: the mask only
// partitions identities, collision resistance comes from the content digest.
func (m ContextMask) mask() uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(m.TimeBucket.UTC().Unix()))

	d := xxhash.New()
	d.Write(buf[:])
	d.WriteString("|")
	d.WriteString(m.Scope)
	return d.Sum64()
}

// Identity is the fixed-width merge key: 32 hex chars of the SHA-256
// content digest, 8 hex chars of context mask, 8 hex chars of a
// deterministic UUIDv5-derived uniqueness tag.
type Identity string

// Identify computes the identity for content observed under mask.
func Identify(content []byte, mask ContextMask) (Identity, error) {
	if len(content) > MaxContentBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrContentTooLarge, len(content))
	}

	digest := sha256.Sum256(content)

	ctxBits := mask.mask()
	var ctxBuf [8]byte
	binary.BigEndian.PutUint64(ctxBuf[:], ctxBits)

	// Tag binds content and context into a single namespaced UUID so two
	// identities never share a tag unless they share both parts.
	tagInput := make([]byte, 0, len(digest)+len(ctxBuf))
	tagInput = append(tagInput, digest[:]...)
	tagInput = append(tagInput, ctxBuf[:]...)
	tag := uuid.NewSHA1(namespace, tagInput)

	out := make([]byte, 0, IdentityLen)
	out = append(out, hex.EncodeToString(digest[:16])...)
	out = append(out, hex.EncodeToString(ctxBuf[4:])...)
	out = append(out, hex.EncodeToString(tag[:4])...)
	return Identity(out), nil
}

// IdentifyString is a convenience wrapper for canonical string content.
func IdentifyString(content string, mask ContextMask) (Identity, error) {
	return Identify([]byte(content), mask)
}

// Shard maps an identity to one of n lock shards. Uses the full string so
// shard balance does not depend on the digest prefix alone.
func (id Identity) Shard(n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(string(id)) % uint64(n))
}

// Valid reports whether id has the fixed production width.
func (id Identity) Valid() bool {
	return len(id) == IdentityLen
}
