package cache

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec transforms payloads on their way to and from disk. FileCache only
// applies it to RAW pixel buffers; PNG and JPEG are already compressed.
type Codec interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Encoded payloads start with the uncompressed and compressed lengths.
// A compressed length of zero marks a payload stored as is.
const codecHeaderSize = 8

// DefaultMaxRawSize bounds decoded payloads when no limit is given: one
// 4096x4096 RGBA tile.
const DefaultMaxRawSize = 4096 * 4096 * 4

// lz4 cannot expand a block by more than this factor.
const lz4MaxRatio = 255

// NewCodec returns the codec registered under name: "zstd", "lz4" or
// "none" (also the empty string). maxSize is the largest payload Decode
// accepts, normally one RAW tile; headers claiming more are ErrCorrupt.
func NewCodec(name string, maxSize int) (Codec, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxRawSize
	}
	switch name {
	case "", "none":
		return noneCodec{}, nil
	case "zstd":
		return &zstdCodec{maxSize: maxSize}, nil
	case "lz4":
		return lz4Codec{maxSize: maxSize}, nil
	default:
		return nil, fmt.Errorf("unknown raw compression: %s (supported: zstd, lz4, none)", name)
	}
}

type noneCodec struct{}

func (noneCodec) Name() string                       { return "none" }
func (noneCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (noneCodec) Decode(data []byte) ([]byte, error) { return data, nil }

type zstdCodec struct {
	maxSize int

	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (c *zstdCodec) init() error {
	c.once.Do(func() {
		c.enc, c.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(c.maxSize)))
	})
	return c.err
}

func (c *zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) Encode(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return frame(data, c.enc.EncodeAll(data, nil)), nil
}

func (c *zstdCodec) Decode(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	size, body, stored, err := unframe(data, c.maxSize)
	if err != nil || stored {
		return body, err
	}

	out, err := c.dec.DecodeAll(body, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: zstd: decompressed size mismatch", ErrCorrupt)
	}
	return out, nil
}

type lz4Codec struct {
	maxSize int
}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Encode(data []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible
		return frame(data, nil), nil
	}
	return frame(data, compressed[:n]), nil
}

func (c lz4Codec) Decode(data []byte) ([]byte, error) {
	size, body, stored, err := unframe(data, c.maxSize)
	if err != nil || stored {
		return body, err
	}
	if size > len(body)*lz4MaxRatio {
		return nil, fmt.Errorf("%w: lz4: header size %d impossible for %d byte block", ErrCorrupt, size, len(body))
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: lz4: decompressed size mismatch", ErrCorrupt)
	}
	return out, nil
}

func frame(raw, compressed []byte) []byte {
	body := compressed
	if body == nil {
		body = raw
	}
	out := make([]byte, codecHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[codecHeaderSize:], body)
	return out
}

func unframe(data []byte, maxSize int) (size int, body []byte, stored bool, err error) {
	if len(data) < codecHeaderSize {
		return 0, nil, false, fmt.Errorf("%w: payload too small for header", ErrCorrupt)
	}
	size = int(binary.LittleEndian.Uint32(data[0:]))
	if size > maxSize {
		return 0, nil, false, fmt.Errorf("%w: header size %d exceeds limit %d", ErrCorrupt, size, maxSize)
	}
	compressedSize := int(binary.LittleEndian.Uint32(data[4:]))

	if compressedSize == 0 {
		if len(data) != codecHeaderSize+size {
			return 0, nil, false, fmt.Errorf("%w: stored payload length mismatch", ErrCorrupt)
		}
		return size, data[codecHeaderSize:], true, nil
	}
	if len(data) != codecHeaderSize+compressedSize {
		return 0, nil, false, fmt.Errorf("%w: compressed payload length mismatch", ErrCorrupt)
	}
	return size, data[codecHeaderSize:], false, nil
}
