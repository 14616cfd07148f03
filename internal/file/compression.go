package file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec applied to each block.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
)

var (
	// ErrUnknownCompression is returned for an unrecognised codec name or id.
	ErrUnknownCompression = errors.New("file: unknown compression")
	// ErrChecksum is returned when a block fails its checksum.
	ErrChecksum = errors.New("file: block checksum mismatch")
	// ErrShortBlock is returned when a block is truncated.
	ErrShortBlock = errors.New("file: short block")
)

// ParseCompression maps a block_compressor name to its codec. The empty
// string means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Block header layout:
//
//	[codec u8][uncompressed u32][stored u32][crc32c u32]
//
// stored == 0 means the payload is kept raw.
const blockHeaderSize = 13

// EncodeBlock frames data as a block, compressing it with c when that
// saves at least a tenth of the size.
func EncodeBlock(data []byte, c Compression) ([]byte, error) {
	var compressed []byte
	switch c {
	case CompressionNone:
	case CompressionSnappy:
		compressed = s2.EncodeSnappy(nil, data)
	case CompressionZstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		compressed = buf[:n]
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}

	payload := data
	stored := uint32(0)
	if len(compressed) > 0 && float64(len(compressed)) <= float64(len(data))*0.9 {
		payload = compressed
		stored = uint32(len(compressed))
	}

	out := make([]byte, blockHeaderSize+len(payload))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[5:], stored)
	binary.LittleEndian.PutUint32(out[9:], crc32.Checksum(payload, castagnoli))
	copy(out[blockHeaderSize:], payload)
	return out, nil
}

// blockLen returns the framed length of the block at the start of b.
func blockLen(b []byte) (int, error) {
	if len(b) < blockHeaderSize {
		return 0, ErrShortBlock
	}
	n := binary.LittleEndian.Uint32(b[5:])
	if n == 0 {
		n = binary.LittleEndian.Uint32(b[1:])
	}
	return blockHeaderSize + int(n), nil
}

// DecodeBlock verifies and decompresses one framed block.
func DecodeBlock(b []byte) ([]byte, error) {
	total, err := blockLen(b)
	if err != nil {
		return nil, err
	}
	if len(b) < total {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBlock, total, len(b))
	}
	c := Compression(b[0])
	size := binary.LittleEndian.Uint32(b[1:])
	stored := binary.LittleEndian.Uint32(b[5:])
	payload := b[blockHeaderSize:total]
	if crc32.Checksum(payload, castagnoli) != binary.LittleEndian.Uint32(b[9:]) {
		return nil, ErrChecksum
	}
	if stored == 0 {
		return payload, nil
	}

	var out []byte
	switch c {
	case CompressionSnappy:
		out, err = s2.Decode(make([]byte, size), payload)
	case CompressionZstd:
		dec := getZstdDecoder()
		out, err = dec.DecodeAll(payload, make([]byte, 0, size))
		zstdDecoderPool.Put(dec)
	case CompressionLZ4:
		out = make([]byte, size)
		var n int
		n, err = lz4.UncompressBlock(payload, out)
		out = out[:n]
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c, err)
	}
	if uint32(len(out)) != size {
		return nil, fmt.Errorf("%s decompress: size mismatch %d != %d", c, len(out), size)
	}
	return out, nil
}
