// Package anvil reads and writes Anvil region files (r.X.Z.mca).
//
// Layout: sector 0 holds 1024 big-endian location entries (3-byte sector
// offset, 1-byte sector count), sector 1 holds 1024 big-endian modification
// timestamps in seconds. Chunk records start at sector 2, each one a 4-byte
// length, a compression byte and the compressed NBT payload.
package anvil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/l1jgo/regiongc/internal/world"
)

const (
	SectorSize = 4096
	HeaderSize = 2 * SectorSize
	Slots      = world.ChunksPerRegion

	// maxSectors is the largest sector count a location entry can express.
	maxSectors = 0xFF
)

var (
	ErrShortHeader = errors.New("anvil: region header truncated")
	ErrOrphaned    = errors.New("anvil: orphaned chunk")
	ErrExternal    = errors.New("anvil: chunk stored in external file")
	ErrUnsupported = errors.New("anvil: unsupported compression")
)

// Location is one header entry.
type Location struct {
	Offset  uint32 // in sectors from file start
	Sectors uint8
}

// Present reports whether the header claims a chunk in this slot.
func (l Location) Present() bool {
	return l.Offset != 0 || l.Sectors != 0
}

// Header is the decoded 8 KiB region header.
type Header struct {
	Locations  [Slots]Location
	Timestamps [Slots]uint32
}

// ParseHeader decodes a header. An empty buffer is a valid, empty region
// (the server creates zero-length files before the first save).
func ParseHeader(b []byte) (*Header, error) {
	h := &Header{}
	if len(b) == 0 {
		return h, nil
	}
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	for i := 0; i < Slots; i++ {
		v := binary.BigEndian.Uint32(b[i*4:])
		h.Locations[i] = Location{Offset: v >> 8, Sectors: uint8(v)}
		h.Timestamps[i] = binary.BigEndian.Uint32(b[SectorSize+i*4:])
	}
	return h, nil
}

// ReadHeader reads and decodes the header of a region of the given size.
func ReadHeader(r io.ReaderAt, size int64) (*Header, error) {
	if size == 0 {
		return &Header{}, nil
	}
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, size)
	}
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return ParseHeader(buf)
}

// Modified returns the slot's modification time, zero when unset.
func (h *Header) Modified(i int) time.Time {
	ts := h.Timestamps[i]
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ts), 0)
}

// Count returns the number of slots with a location entry.
func (h *Header) Count() int {
	n := 0
	for _, l := range h.Locations {
		if l.Present() {
			n++
		}
	}
	return n
}

// Bytes encodes the header.
func (h *Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	for i := 0; i < Slots; i++ {
		l := h.Locations[i]
		binary.BigEndian.PutUint32(b[i*4:], l.Offset<<8|uint32(l.Sectors))
		binary.BigEndian.PutUint32(b[SectorSize+i*4:], h.Timestamps[i])
	}
	return b
}
