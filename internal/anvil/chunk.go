package anvil

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Compression schemes stored in the record's type byte.
const (
	CompressionGzip   byte = 1
	CompressionZlib   byte = 2
	CompressionNone   byte = 3
	CompressionLZ4    byte = 4
	CompressionCustom byte = 127

	externalBit byte = 0x80
)

// recordPrefix is the length field plus the compression byte.
const recordPrefix = 5

// ReadRecord returns the raw record (length, type and payload, no padding)
// stored at loc. Structural problems wrap ErrOrphaned; anything returned by
// the reader is passed through so callers can tell I/O from corruption.
func ReadRecord(r io.ReaderAt, size int64, loc Location) ([]byte, error) {
	if !loc.Present() {
		return nil, nil
	}
	if loc.Offset < 2 {
		return nil, fmt.Errorf("%w: offset %d inside header", ErrOrphaned, loc.Offset)
	}
	if loc.Sectors == 0 {
		return nil, fmt.Errorf("%w: zero sectors", ErrOrphaned)
	}
	start := int64(loc.Offset) * SectorSize
	if start+recordPrefix > size {
		return nil, fmt.Errorf("%w: offset %d past end of file", ErrOrphaned, loc.Offset)
	}

	var prefix [4]byte
	if _, err := r.ReadAt(prefix[:], start); err != nil {
		return nil, fmt.Errorf("read record length: %w", err)
	}
	length := int64(binary.BigEndian.Uint32(prefix[:]))
	switch {
	case length == 0:
		return nil, fmt.Errorf("%w: zero length", ErrOrphaned)
	case length+4 > int64(loc.Sectors)*SectorSize:
		return nil, fmt.Errorf("%w: length %d exceeds %d sectors", ErrOrphaned, length, loc.Sectors)
	case start+4+length > size:
		return nil, fmt.Errorf("%w: record truncated", ErrOrphaned)
	}

	rec := make([]byte, 4+length)
	if _, err := r.ReadAt(rec, start); err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return rec, nil
}

// Compression returns the record's compression type without the external bit.
func Compression(rec []byte) byte {
	if len(rec) < recordPrefix {
		return 0
	}
	return rec[4] &^ externalBit
}

// External reports whether the payload lives in a separate c.X.Z.mcc file.
func External(rec []byte) bool {
	return len(rec) >= recordPrefix && rec[4]&externalBit != 0
}

// Decode returns the uncompressed NBT payload of a record.
func Decode(rec []byte) ([]byte, error) {
	if len(rec) < recordPrefix {
		return nil, fmt.Errorf("%w: record shorter than prefix", ErrOrphaned)
	}
	if External(rec) {
		return nil, ErrExternal
	}
	payload := rec[recordPrefix:]
	out, err := decompress(Compression(rec), payload)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrOrphaned)
	}
	return out, nil
}

// Encode builds a record from an uncompressed payload.
func Encode(kind byte, payload []byte) ([]byte, error) {
	data, err := compress(kind, payload)
	if err != nil {
		return nil, err
	}
	rec := make([]byte, recordPrefix, recordPrefix+len(data))
	binary.BigEndian.PutUint32(rec, uint32(len(data)+1))
	rec[4] = kind
	return append(rec, data...), nil
}
