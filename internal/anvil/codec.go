package anvil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

// LZ4 records use the lz4-java block stream: repeated 21-byte block headers
// ("LZ4Block", token, compressed length, original length, checksum, all
// little-endian) followed by the block, closed by a block of original length 0.
var lz4Magic = []byte("LZ4Block")

const (
	lz4HeaderLen = 21
	lz4MethodRaw = 0x10
	lz4MethodLZ4 = 0x20
)

func decompress(kind byte, data []byte) ([]byte, error) {
	switch kind {
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrOrphaned, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrOrphaned, err)
		}
		return out, nil

	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrOrphaned, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrOrphaned, err)
		}
		return out, nil

	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		return readLZ4Blocks(data)

	default:
		return nil, fmt.Errorf("%w: type %d", ErrUnsupported, kind)
	}
}

// readLZ4Blocks decodes an lz4-java block stream. Block checksums are not
// verified; a corrupt block fails decompression instead.
func readLZ4Blocks(data []byte) ([]byte, error) {
	var out []byte
	for len(data) > 0 {
		if len(data) < lz4HeaderLen || !bytes.Equal(data[:len(lz4Magic)], lz4Magic) {
			return nil, fmt.Errorf("%w: lz4: bad block header", ErrOrphaned)
		}
		token := data[8]
		compLen := int(binary.LittleEndian.Uint32(data[9:]))
		origLen := int(binary.LittleEndian.Uint32(data[13:]))
		data = data[lz4HeaderLen:]
		if origLen == 0 {
			break
		}
		if compLen < 0 || compLen > len(data) {
			return nil, fmt.Errorf("%w: lz4: block truncated", ErrOrphaned)
		}
		block := data[:compLen]
		data = data[compLen:]

		switch token & 0xF0 {
		case lz4MethodRaw:
			out = append(out, block...)
		case lz4MethodLZ4:
			buf := make([]byte, origLen)
			n, err := lz4.UncompressBlock(block, buf)
			if err != nil {
				return nil, fmt.Errorf("%w: lz4: %v", ErrOrphaned, err)
			}
			out = append(out, buf[:n]...)
		default:
			return nil, fmt.Errorf("%w: lz4 method 0x%x", ErrUnsupported, token&0xF0)
		}
	}
	return out, nil
}

// compress is only needed for tooling and tests; region rewrites copy records
// verbatim, so LZ4 output is never produced.
func compress(kind byte, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch kind {
	case CompressionGzip:
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	case CompressionZlib:
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	case CompressionNone:
		buf.Write(payload)
	default:
		return nil, fmt.Errorf("%w: cannot encode type %d", ErrUnsupported, kind)
	}
	return buf.Bytes(), nil
}
