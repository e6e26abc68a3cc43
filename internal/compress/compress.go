// Package compress implements the pluggable value-compression transforms
// named by an SSTable's compression_type byte. The engine core treats the
// choice of codec as a one-byte enum; the codecs themselves are ordinary
// library calls, not part of the wire format.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a compression codec. It is stored verbatim as the
// SSTable header's compression_type byte.
type Type uint8

const (
	None Type = 0
	LZ4  Type = 1
	Zstd Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseType maps a config string to a Type, defaulting to None.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("compress: unknown compression %q", s)
	}
}

// Codec compresses and decompresses value payloads.
type Codec interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// ForType returns the Codec for t. It never fails for the three known
// types; an unknown type is rejected so a corrupted header doesn't
// silently pass data through unmodified.
func ForType(t Type) (Codec, error) {
	switch t {
	case None:
		return noneCodec{}, nil
	case LZ4:
		return lz4Codec{}, nil
	case Zstd:
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("compress: unsupported compression type %d", uint8(t))
	}
}

type noneCodec struct{}

func (noneCodec) Compress(src []byte) ([]byte, error)   { return src, nil }
func (noneCodec) Decompress(src []byte) ([]byte, error) { return src, nil }

type lz4Codec struct{}

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("compress: lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4 read: %w", err)
	}
	return out, nil
}

// zstdCodec shares a single encoder/decoder pair across calls. Both
// klauspost/compress/zstd's EncodeAll and DecodeAll are documented safe
// for concurrent use on a shared *Encoder/*Decoder.
type zstdCodec struct{}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func getZstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(fmt.Sprintf("compress: zstd encoder init: %v", err))
		}
		zstdEnc = enc
	})
	return zstdEnc
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Sprintf("compress: zstd decoder init: %v", err))
		}
		zstdDec = dec
	})
	return zstdDec
}

func (zstdCodec) Compress(src []byte) ([]byte, error) {
	return getZstdEncoder().EncodeAll(src, make([]byte, 0, len(src))), nil
}

func (zstdCodec) Decompress(src []byte) ([]byte, error) {
	out, err := getZstdDecoder().DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd decode: %w", err)
	}
	return out, nil
}
