// Package idgen generates random identifiers.
//
// Entity IDs carry a short prefix so they are recognizable in logs
// and support tickets: usr_ (users), txn_ (transactions), dsp_
// (disputes), wle_ (wallet ledger entries), msg_ (messages), ntf_
// (notifications), wh_ (webhook subscriptions).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// New returns a UUID-shaped random ID.
func New() string {
	b := randBytes(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix followed by 24 random hex characters,
// e.g. WithPrefix("txn_").
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randBytes(12))
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	return hex.EncodeToString(randBytes(numBytes))
}
