package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// CanonV1 tags records hashed with the encoding below. Changing the encoding requires a
// new tag; records keep the tag they were written with.
const CanonV1 = "v1"

// volatilePaths are excluded from the hash.
var volatilePaths = []string{"lastUpdated"}

// Canonicalize encodes snapshot in the v1 canonical form: JSON with volatile fields
// removed, object keys sorted, numbers kept verbatim, no HTML escaping and no
// insignificant whitespace.
func Canonicalize(snapshot any) ([]byte, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return canonicalJSON(raw)
}

func canonicalJSON(raw []byte) ([]byte, error) {
	var err error
	for _, path := range volatilePaths {
		if raw, err = sjson.DeleteBytes(raw, path); err != nil {
			return nil, fmt.Errorf("strip %s: %w", path, err)
		}
	}
	return normalJSON(raw)
}

// normalJSON re-encodes raw with sorted keys, verbatim numbers and no insignificant
// whitespace. It is idempotent, and snapshots are stored in this form so verification can
// demand the stored bytes be exactly what was hashed.
func normalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode snapshot: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash is the lowercase hex SHA-256 of canonical bytes.
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// hashStored recomputes the hash of a stored state_json under its canon version. Any byte
// that differs from the normal form written by Append is a mismatch.
func hashStored(version string, stateJSON []byte) (string, error) {
	if version != CanonV1 {
		return "", fmt.Errorf("unknown canonical encoding %q", version)
	}
	normal, err := normalJSON(stateJSON)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(normal, stateJSON) {
		return "", fmt.Errorf("stored snapshot is not in normal form")
	}
	canon, err := canonicalJSON(stateJSON)
	if err != nil {
		return "", err
	}
	return Hash(canon), nil
}
