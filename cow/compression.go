package cow

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the per-block codec of a snapshot.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gz"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression accepts the names used in update manifests. The empty
// string means no compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "gz", "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// compressBlock returns the encoded form of block and the codec that was
// actually used. Blocks that do not shrink are stored uncompressed.
func compressBlock(c Compression, block []byte) ([]byte, Compression, error) {
	var out []byte
	switch c {
	case CompressionNone:
		return block, CompressionNone, nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if err != nil {
			return nil, 0, err
		}
		if _, err := zw.Write(block); err != nil {
			return nil, 0, err
		}
		if err := zw.Close(); err != nil {
			return nil, 0, err
		}
		out = buf.Bytes()
	case CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, 0, err
		}
		out = enc.EncodeAll(block, make([]byte, 0, len(block)))
	default:
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
	if len(out) >= len(block) {
		return block, CompressionNone, nil
	}
	return out, c, nil
}

func decompressBlock(c Compression, data []byte, blockSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		out := make([]byte, blockSize)
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, fmt.Errorf("gzip block: %w", err)
		}
		return out, nil
	case CompressionZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(data, make([]byte, 0, blockSize))
		if err != nil {
			return nil, err
		}
		if len(out) != blockSize {
			return nil, fmt.Errorf("zstd block: got %d bytes, want %d", len(out), blockSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
}
