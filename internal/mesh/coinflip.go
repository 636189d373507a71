// ABOUTME: Commit-reveal coin flip deciding leadership between two agents.
// ABOUTME: BLAKE2b commitments keep either side from choosing after seeing the other.

package mesh

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// A two-agent mesh cannot form a majority, so leadership is decided by a fair
// coin: both sides draw a random value, exchange BLAKE2b commitments, then
// reveal. Neither side can pick its value after seeing the other's, and both
// compute the same winner from the XOR parity.

// drawFlipValue returns a cryptographically random coin-flip value.
func drawFlipValue() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("drawing flip value: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// flipCommitment computes the hex commitment for a term and value. The term
// is bound into the preimage so a commitment cannot be replayed into a later
// round.
func flipCommitment(term, value uint64) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%d:%d", term, value)))
	return hex.EncodeToString(sum[:])
}

// verifyFlipReveal checks a revealed value against the earlier commitment.
func verifyFlipReveal(term, value uint64, commitment string) bool {
	return flipCommitment(term, value) == commitment
}

// flipWinner maps the combined randomness (XOR of both revealed values) to a
// leader: even elects the lexicographically smaller id, odd the larger. Both
// sides evaluate this identically regardless of message order.
func flipWinner(a, b string, combined uint64) string {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	if combined%2 == 0 {
		return lo
	}
	return hi
}
