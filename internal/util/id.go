package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "pr_3f2a...". With an empty prefix
// only the hex part is returned.
func NewID(prefix string) string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	id := hex.EncodeToString(b)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
