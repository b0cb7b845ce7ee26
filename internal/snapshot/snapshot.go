// Package snapshot canonicalizes game snapshots and derives their fingerprints.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/kinder2149/paperclip-cloud/internal/errs"
)

// Keys that carry the snapshot schema version. The first one is what the game
// client writes; the second is accepted for tools that follow the API docs.
const (
	SchemaVersionKey   = "snapshotSchemaVersion"
	SchemaVersionAlias = "schema_version"
)

// Canonicalize parses raw as a single JSON object and re-encodes it compactly
// with sorted keys. Numbers keep their original literal.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: snapshot is not valid JSON", errs.ErrInvalidArgument)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: snapshot has trailing data", errs.ErrInvalidArgument)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: snapshot must be a JSON object", errs.ErrInvalidArgument)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: snapshot cannot be encoded", errs.ErrInvalidArgument)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Fingerprint returns the hex SHA-256 of canonical snapshot bytes.
func Fingerprint(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// SchemaVersion extracts the integer schema version of a snapshot object.
func SchemaVersion(canonical []byte) (int64, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &fields); err != nil {
		return 0, fmt.Errorf("%w: snapshot must be a JSON object", errs.ErrInvalidArgument)
	}
	raw, ok := fields[SchemaVersionKey]
	if !ok {
		raw, ok = fields[SchemaVersionAlias]
	}
	if !ok || string(raw) == "null" {
		return 0, fmt.Errorf("%w: snapshot.%s is required", errs.ErrInvalidArgument, SchemaVersionKey)
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: snapshot.%s must be an integer", errs.ErrInvalidArgument, SchemaVersionKey)
	}
	return v, nil
}
