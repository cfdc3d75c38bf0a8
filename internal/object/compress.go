package object

import (
	"github.com/klauspost/compress/zstd"
)

// compressor wraps a shared zstd encoder/decoder pair for on-disk objects.
// Compression is skipped for tiny payloads and whenever it does not shrink
// the data; the stored form records which case applied in a one-byte tag.
type compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

const compressMin = 128

const (
	encodingRaw  = 0x00
	encodingZstd = 0x01
)

func newCompressor(level int, enabled bool) (*compressor, error) {
	if !enabled {
		return &compressor{enabled: false}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 2:
		encoderLevel = zstd.SpeedDefault
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: true,
	}, nil
}

func (c *compressor) compress(data []byte) []byte {
	if !c.enabled || len(data) < compressMin {
		return append([]byte{encodingRaw}, data...)
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 1, len(data)))
	compressed[0] = encodingZstd

	if len(compressed) >= len(data)+1 {
		return append([]byte{encodingRaw}, data...)
	}
	return compressed
}

func (c *compressor) decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrDigestMismatch
	}
	switch data[0] {
	case encodingRaw:
		return data[1:], nil
	case encodingZstd:
		if c.decoder == nil {
			decoder, err := zstd.NewReader(nil)
			if err != nil {
				return nil, err
			}
			c.decoder = decoder
		}
		return c.decoder.DecodeAll(data[1:], nil)
	default:
		return nil, ErrDigestMismatch
	}
}

func (c *compressor) close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
