// Package idhash computes content-addressed digests for the event DAG.
//
// Ankurah events are identified by a deterministic hash of their content
// rather than a random or monotonic id, so that any two replicas that
// construct "the same" event (same entity, same operations, same parents)
// agree on its identifier without coordination. sha256 is the standard
// library's collision-resistant hash and is the idiomatic choice for
// content addressing (the same role it plays in git objects or IPFS
// CIDs); no third-party hashing library in the reference corpus is built
// for this purpose, so this is a deliberate stdlib-only leaf.
package idhash

import (
	"crypto/sha256"
	"sort"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Sum hashes a sequence of byte strings with length-prefixed framing so
// that concatenation boundaries can't be forged by an adversarial payload
// (e.g. ["ab", "c"] must not hash the same as ["a", "bc"]).
func Sum(parts ...[]byte) [Size]byte {
	h := sha256.New()
	for _, p := range parts {
		var lenBuf [8]byte
		putUvarint(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func putUvarint(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(7-i)))
	}
}

// SortedHexStrings returns a sorted copy of ss, used to canonicalize
// parent-id lists and map keys before they're hashed.
func SortedHexStrings(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	sort.Strings(out)
	return out
}
