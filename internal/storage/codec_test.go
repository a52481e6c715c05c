package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codecPayload struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

func TestCodecSmallPayloadUncompressed(t *testing.T) {
	c, err := NewCodec(1024)
	require.NoError(t, err)

	data, compressed, err := c.Marshal(codecPayload{Name: "small"})
	require.NoError(t, err)
	assert.False(t, compressed)

	var out codecPayload
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, "small", out.Name)
}

func TestCodecLargePayloadCompressed(t *testing.T) {
	c, err := NewCodec(256)
	require.NoError(t, err)

	in := codecPayload{Name: "large", Body: strings.Repeat("the same photo metadata ", 200)}
	data, compressed, err := c.Marshal(in)
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Less(t, len(data), len(in.Body), "repetitive payload should shrink")

	var out codecPayload
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestCodecCompressionDisabled(t *testing.T) {
	c, err := NewCodec(0)
	require.NoError(t, err)

	in := codecPayload{Body: strings.Repeat("x", 10000)}
	data, compressed, err := c.Marshal(in)
	require.NoError(t, err)
	assert.False(t, compressed)

	var out codecPayload
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestCodecRejectsGarbage(t *testing.T) {
	c, err := NewCodec(0)
	require.NoError(t, err)

	var out codecPayload
	assert.Error(t, c.Unmarshal([]byte("{truncated"), &out))
}
