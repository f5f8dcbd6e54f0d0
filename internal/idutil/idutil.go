// Package idutil generates the ids used for sessions and pushed messages.
package idutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionID identifies one automation run.
// Format: sess_XXXXXXXX
func SessionID(platform, userID string, started time.Time) string {
	return hashID("sess", fmt.Sprintf("%s:%s:%d", platform, userID, started.UnixNano()))
}

// RequestID correlates a pushed message with its redundant deliveries.
// Format: req_<uuid>
func RequestID() string {
	return "req_" + uuid.NewString()
}

// hashID creates a short hash-based ID with the given prefix
// Format: {prefix}_{first 8 hex chars of SHA256}
func hashID(prefix, data string) string {
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(hash[:])[:8])
}

// IsValidID checks if an ID matches the expected prefix format
func IsValidID(id, prefix string) bool {
	if len(id) < len(prefix)+1 {
		return false
	}
	return id[:len(prefix)] == prefix && id[len(prefix)] == '_'
}

// ExtractPrefix extracts the prefix from an ID
func ExtractPrefix(id string) string {
	for i, c := range id {
		if c == '_' {
			return id[:i]
		}
	}
	return ""
}
