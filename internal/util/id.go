package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random identifier for persistent entities, optionally
// namespaced with a prefix (e.g. "rd" for rundowns, "it" for items).
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewChangeID returns an identifier for an ephemeral broadcast message.
// Change IDs only need to be unique within the own-update tracker's window,
// so a plain v4 UUID is enough.
func NewChangeID() string {
	return uuid.NewString()
}
