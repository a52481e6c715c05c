package storage

import (
	"bytes"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the zstd frame header. JSON is text, so a serialized payload
// can never start with it.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Codec serializes records to JSON and transparently compresses payloads
// above a size threshold.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec creates a codec. A threshold of zero disables compression.
func NewCodec(compressionThreshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	return &Codec{threshold: compressionThreshold, enc: enc, dec: dec}, nil
}

// Marshal serializes v, compressing when the payload exceeds the threshold.
// The second return reports whether compression was applied.
func (c *Codec) Marshal(v interface{}) ([]byte, bool, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	if c.threshold <= 0 || len(data) < c.threshold {
		return data, false, nil
	}

	compressed := c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) >= len(data) {
		return data, false, nil
	}
	return compressed, true, nil
}

// Unmarshal deserializes data into v, decompressing first when the payload
// carries a zstd frame.
func (c *Codec) Unmarshal(data []byte, v interface{}) error {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress: %w", err)
		}
		data = plain
	}
	return sonic.Unmarshal(data, v)
}
