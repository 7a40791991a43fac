package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/jkaninda/wasmbridge/internal/digest"
	"github.com/jkaninda/wasmbridge/internal/domain"
)

// CacheKey fingerprints a tool call: server, tool and canonical parameters.
// Identical triples always produce equal keys; the hash is not reversible.
type CacheKey string

// NewCacheKey canonicalizes params and fingerprints the call.
func NewCacheKey(server, tool string, params json.RawMessage) (CacheKey, error) {
	canon, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	return cacheKey(server, tool, canon), nil
}

func cacheKey(server, tool string, canon []byte) CacheKey {
	return CacheKey(digest.SumParts([]byte(server), []byte(tool), canon))
}

// CanonicalJSON re-encodes a JSON value with sorted object keys and no
// insignificant whitespace. Numbers keep their literal form. Empty input is
// treated as an empty object.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &domain.SerializationError{Format: "json", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &domain.SerializationError{Format: "json", Err: errors.New("trailing data after value")}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, &domain.SerializationError{Format: "json", Err: err}
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
