// Package idhash derives deterministic identifiers for scheduler-generated
// trade intents, so a repeated submission of the same run collides.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeIntentID computes a deterministic intent id using SHA256.
// Formula: SHA256(source|order_id|run_index)
// Returns hex-encoded hash (64 characters).
func ComputeIntentID(source, orderID string, runIndex int) string {
	data := fmt.Sprintf("%s|%s|%d", source, orderID, runIndex)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
