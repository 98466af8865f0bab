package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "org_3f2a…" or "per_91cc…". The
// prefix marks the entity kind; sync payload ids from the command center are
// accepted as-is, so these only back locally created rows and tokens.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
