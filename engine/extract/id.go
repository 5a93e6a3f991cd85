package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalJSON marshals v with map keys in sorted order — encoding/json
// already sorts map[string]any keys alphabetically, which is exactly the
// `sort_keys=True` canonicalization spec §4.3's content-derived ids rely on.
func canonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// contentID derives a stable id from content: sha256, truncated to 16 hex
// chars, prefixed by kind ("ref" or "artifact" per spec §4.3).
func contentID(kind string, content string) string {
	sum := sha256.Sum256([]byte(content))
	return kind + "_" + hex.EncodeToString(sum[:])[:16]
}

// contentHash is the full sha256 digest, used as Artifact.Hash.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ContentID is the exported form of contentID, used outside this package by
// callers that need the same content-derived id scheme for a different node
// kind (engine/ingest's Task ids).
func ContentID(kind string, content string) string { return contentID(kind, content) }

// CanonicalJSON is the exported form of canonicalJSON.
func CanonicalJSON(v any) (string, error) { return canonicalJSON(v) }
