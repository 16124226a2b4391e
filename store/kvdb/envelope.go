package kvdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB
)

const (
	encodingIdentity = ""
	encodingZstd     = "zstd"
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")
)

// envelope is the on-disk record format. The payload is the caller's JSON
// value, zstd-compressed when large enough to benefit.
type envelope struct {
	Key         string            `json:"key"`
	TimestampMs int64             `json:"timestamp_ms"`
	Fields      map[string]string `json:"fields,omitempty"`
	Encoding    string            `json:"encoding,omitempty"`
	PayloadSize int64             `json:"payload_size"`
	Payload     []byte            `json:"payload"`
}

// Codec handles payload encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encodePayload compresses the payload if beneficial and returns the encoded
// bytes with the encoding marker.
func (c *Codec) encodePayload(data []byte) (payload []byte, encoding string, err error) {
	if len(data) > MaxPayloadSize {
		return nil, encodingIdentity, ErrPayloadTooLarge
	}

	// A closed codec stores uncompressed.
	if c == nil || len(data) < CompressionThreshold {
		return data, encodingIdentity, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, encodingIdentity, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, encodingIdentity, nil
	}

	return compressed, encodingZstd, nil
}

// decodePayload decompresses the payload if needed.
func (c *Codec) decodePayload(payload []byte, encoding string, expectedSize int64) ([]byte, error) {
	if encoding == encodingIdentity {
		return payload, nil
	}

	if encoding != encodingZstd {
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if expectedSize > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	if c == nil {
		return nil, errors.New("codec closed")
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("codec closed")
	}

	out, err := dec.DecodeAll(payload, make([]byte, 0, expectedSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if int64(len(out)) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return out, nil
}
