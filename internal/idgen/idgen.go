// Package idgen generates the random identifiers used across the arena:
// "arn_" for arenas, "ag_" for agents, "evt_" for telemetry events and
// "les_" for career lessons.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes). IDs are
// unguessable; uniqueness holds for any realistic volume.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
