// Package canonicaljson implements the single canonical JSON encoding used
// as the hashing domain everywhere in the protocol: UTF-8, no whitespace,
// no non-ASCII escaping, and member order preserved exactly as the source
// presents it. Per spec.md §4.5/§9, member order is deliberately NOT
// sorted — hashes depend on the order the data was produced or received
// in, not on a canonical sort. Re-sorting members would silently break
// every hash binding in the system.
//
// Two paths exist. Marshal/Sha256Hex serve values this worker constructs
// itself (fixed Go structs, whose field order is deterministic by
// declaration). Sha256HexOrderedRaw serves values whose hash was computed
// by an external producer over bytes it emitted: those must be re-encoded
// from the received bytes through an order-preserving decode, never from
// a Go struct, or a producer that orders members differently (or writes
// "100.0" where a float64 round-trips to "100") gets a spurious mismatch.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	orderedjson "github.com/nspcc-dev/go-ordered-json"
)

// Marshal encodes v as canonical JSON. Only use this for values this
// worker builds itself; wire bytes whose producer-computed hash must be
// recomputed go through Sha256HexOrderedRaw instead.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := orderedjson.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicaljson: encode: %w", err)
	}
	// Encode always appends a trailing newline; the spec's "no whitespace"
	// rule includes that newline.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sha256Hex returns the lowercase hex SHA-256 digest of the canonical JSON
// encoding of v.
func Sha256Hex(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// DecodeOrdered decodes raw JSON bytes into an order-preserving value:
// objects (nested ones too) become orderedjson.OrderedObject slices whose
// member order matches the source byte stream, and numbers stay
// orderedjson.Number so their original literal text survives re-encoding.
func DecodeOrdered(data []byte) (interface{}, error) {
	dec := orderedjson.NewDecoder(bytes.NewReader(data))
	dec.UseOrderedObject()
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}
	return v, nil
}

// MarshalOrdered re-encodes a DecodeOrdered result as canonical JSON,
// preserving OrderedObject member order and Number literals.
func MarshalOrdered(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := orderedjson.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicaljson: encode ordered: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sha256HexOrderedRaw canonicalizes raw JSON bytes (strip whitespace, keep
// member order and number literals) and hashes the result. This is the
// hashing path for every producer-computed binding: payloadHash,
// templateInfoHash, and taskConfigHash are all taken over the bytes the
// producer sent, not over this worker's typed re-encoding of them.
func Sha256HexOrderedRaw(raw []byte) (string, error) {
	v, err := DecodeOrdered(raw)
	if err != nil {
		return "", err
	}
	b, err := MarshalOrdered(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Sha256HexRaw returns the SHA-256 digest of raw bytes (used for
// templateDataHash, which binds the undecoded PDF bytes, not a JSON
// re-encoding of them).
func Sha256HexRaw(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
