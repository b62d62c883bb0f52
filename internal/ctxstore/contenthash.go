// Package ctxstore implements the engine's view of the context system: the
// merged input view a task body sees, the mutable handle it writes through,
// and the content-addressed hashing used to deduplicate stored payloads.
package ctxstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash canonicalizes payload and returns its hex SHA-256 digest along
// with the canonical bytes, suitable for storing as the context row's
// payload column. encoding/json already sorts map keys (recursively, since
// nested maps are also marshaled as objects), so a plain compact Marshal is
// already a canonical form for the key/value payloads this engine deals in.
func ContentHash(payload map[string]any) (hash string, canonical []byte, err error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize context payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// Decode reverses ContentHash's encoding for callers that need the payload
// back as a map (e.g. building a task's merged input view from stored rows).
func Decode(payload []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode context payload: %w", err)
	}
	return out, nil
}
