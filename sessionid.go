package milter

import (
	"crypto/rand"
	"encoding/hex"
)

// newSessionID returns a short random token used only to correlate log lines
// for one connection; it is never parsed, compared, or persisted by this
// package. Collisions are possible in principle (16 hex digits from 8 random
// bytes) but negligible in practice for the lifetime of a single process.
func newSessionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read on the standard reader does not fail in practice;
		// fall back to a fixed marker rather than a weaker PRNG so a caller
		// relying on uniqueness for correlation notices the repeat.
		return "????????????????"
	}
	return hex.EncodeToString(buf[:])
}
