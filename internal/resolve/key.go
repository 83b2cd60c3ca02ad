// Package resolve decides which peer executes a distributed task. It defines
// 256-bit keys for peers and announcements, a Hamming-distance metric over
// them, and a deterministic responsible-peer selection: every peer holding
// the same peer-set view computes the same answer with no message exchange
// beyond the original announcement.
package resolve

import (
	"crypto/sha256"
	"math/bits"
)

// KeyLength is the byte length of a Key (256 bits).
const KeyLength = 32

// Key is a fixed-width bit string in the responsibility key space.
type Key [KeyLength]byte

// PeerKey derives a peer's position in the key space from its identifier.
// SHA-256 spreads peer ids uniformly regardless of how they were generated.
func PeerKey(peerID string) Key {
	return sha256.Sum256([]byte(peerID))
}

// TargetKey derives the key a task announcement is resolved against. It
// binds both the task id and the announcement's clock head, so a reclaim
// with a fresh clock tick lands on a (potentially) different target.
func TargetKey(taskID string, clockHead []byte) Key {
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write(clockHead)
	var key Key
	h.Sum(key[:0])
	return key
}

// HammingDistance counts the bit positions where a and b differ.
func HammingDistance(a, b Key) int {
	d := 0
	for i := 0; i < KeyLength; i++ {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}
