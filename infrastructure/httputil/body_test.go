package httputil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAllWithLimitReturnsPrefixAndFlagsOverflow(t *testing.T) {
	got, truncated, err := ReadAllWithLimit(strings.NewReader("hello world"), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.True(t, truncated)
}

func TestReadAllWithLimitExactFitIsNotTruncated(t *testing.T) {
	got, truncated, err := ReadAllWithLimit(strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.False(t, truncated)
}

func TestReadAllStrictRejectsOversizedBody(t *testing.T) {
	_, err := ReadAllStrict(strings.NewReader("hello world"), 5)
	var tooLarge *BodyTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(5), tooLarge.Limit)
}

func TestReadAllWithLimitRejectsNilReaderAndBadCap(t *testing.T) {
	_, _, err := ReadAllWithLimit(nil, 5)
	require.Error(t, err)

	_, _, err = ReadAllWithLimit(strings.NewReader("x"), 0)
	require.Error(t, err)
}
