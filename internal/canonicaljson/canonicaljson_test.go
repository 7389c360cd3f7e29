package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	B string `json:"b"`
	A string `json:"a"`
}

func TestMarshal_NoWhitespaceNoHTMLEscape(t *testing.T) {
	b, err := Marshal(sample{B: "x", A: "<y>"})
	require.NoError(t, err)
	require.Equal(t, `{"b":"x","a":"<y>"}`, string(b))
}

func TestSha256Hex_Deterministic(t *testing.T) {
	h1, err := Sha256Hex(sample{B: "x", A: "y"})
	require.NoError(t, err)
	h2, err := Sha256Hex(sample{B: "x", A: "y"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestDecodeOrdered_PreservesMemberOrder(t *testing.T) {
	src := []byte(`{"zeta":1,"alpha":2,"middle":3}`)
	v, err := DecodeOrdered(src)
	require.NoError(t, err)

	reencoded, err := MarshalOrdered(v)
	require.NoError(t, err)
	require.JSONEq(t, string(src), string(reencoded))

	// Order must match the source byte stream, not alphabetical order.
	require.Equal(t, `{"zeta":1,"alpha":2,"middle":3}`, string(reencoded))
}

func TestSha256HexOrderedRaw_MemberOrderIsPartOfTheHash(t *testing.T) {
	h1, err := Sha256HexOrderedRaw([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	h2, err := Sha256HexOrderedRaw([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestSha256HexOrderedRaw_WhitespaceIsNotPartOfTheHash(t *testing.T) {
	h1, err := Sha256HexOrderedRaw([]byte(`{"a":1,"b":[1,2]}`))
	require.NoError(t, err)
	h2, err := Sha256HexOrderedRaw([]byte("{\n  \"a\": 1,\n  \"b\": [1, 2]\n}"))
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestSha256HexOrderedRaw_NumberLiteralsSurviveReencoding(t *testing.T) {
	// A float64 round-trip would collapse 10.0 to 10 and change the hash;
	// the ordered path must keep the producer's literal.
	h1, err := Sha256HexOrderedRaw([]byte(`{"x":10.0}`))
	require.NoError(t, err)
	h2, err := Sha256HexOrderedRaw([]byte(`{"x":10}`))
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	h3, err := Sha256HexOrderedRaw([]byte(`{ "x": 10.0 }`))
	require.NoError(t, err)
	require.Equal(t, h1, h3)
}

func TestMarshalOrdered_DoesNotEscapeHTML(t *testing.T) {
	v, err := DecodeOrdered([]byte(`{"name":"A & B <C>"}`))
	require.NoError(t, err)
	b, err := MarshalOrdered(v)
	require.NoError(t, err)
	require.Equal(t, `{"name":"A & B <C>"}`, string(b))
}

func TestSha256HexRaw_MatchesDirectHash(t *testing.T) {
	raw := []byte("%PDF-1.4 fake bytes")
	h := Sha256HexRaw(raw)
	require.Len(t, h, 64)
	require.Equal(t, Sha256HexRaw(raw), h)
}
