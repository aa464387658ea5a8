package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDigest(t *testing.T) {
	data := []byte(strings.Repeat("vmpi chunk data ", 1000))

	d, err := GenerateDigest(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, DigestBytes(data), d)
	assert.NotEqual(t, DigestBytes(data[1:]), d)
	assert.Len(t, d.String(), 2*DigestSize)
	assert.Equal(t, d.String()[:8], d.Short())
}

func TestParseDigest(t *testing.T) {
	d := DigestBytes([]byte("x"))

	got, err := ParseDigest(d[:])
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = ParseDigest(d[:5])
	assert.Error(t, err)
}
