package arbitration

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Commitment hashes a client nonce for the commit phase.
func Commitment(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

// DeriveSeed computes the panel-selection seed from the revealed nonce
// and the server nonce. Neither side can bias it alone: the client
// committed before seeing server_nonce, the server fixed its nonce
// before seeing the reveal.
func DeriveSeed(proposalID, nonce, serverNonce string) []byte {
	sum := sha256.Sum256([]byte(proposalID + nonce + serverNonce))
	return sum[:]
}

// SeededShuffle applies the deterministic Fisher-Yates walk: for each
// position from the end, the seed is rehashed and its first four bytes
// (big-endian) pick the swap index. Any implementation given the same
// seed and pool order produces the same permutation.
func SeededShuffle(seed []byte, pool []string) []string {
	out := append([]string(nil), pool...)
	s := append([]byte(nil), seed...)
	for i := len(out) - 1; i >= 1; i-- {
		sum := sha256.Sum256(s)
		s = sum[:]
		j := int(binary.BigEndian.Uint32(s[:4]) % uint32(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// hashItem stores evidence by content hash.
func hashItem(item string) string {
	sum := sha256.Sum256([]byte(item))
	return hex.EncodeToString(sum[:])
}
