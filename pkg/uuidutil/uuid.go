// Package uuidutil generates the prefixed identifiers used across the engine.
package uuidutil

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for each kind of identifier.
const (
	PrefixTransition   = "tr_"
	PrefixEvent        = "ev_"
	PrefixArtifact     = "art_"
	PrefixPacket       = "pkt_"
	PrefixNotification = "ntf_"
)

// NewV4 generates a random UUID v4 string.
func NewV4() string {
	return uuid.NewString()
}

// New returns prefix followed by a UUID v4 without dashes.
func New(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id is a well-formed identifier of the given kind.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
