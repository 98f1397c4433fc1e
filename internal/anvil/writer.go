package anvil

import (
	"fmt"
	"sort"
)

// Record is one chunk to place into a rebuilt region.
type Record struct {
	Index    int    // slot 0..1023
	Data     []byte // raw record as returned by ReadRecord
	Modified uint32 // header timestamp, seconds
}

// Build lays records out back to back from sector 2, each padded to a whole
// sector. Records are placed in slot order so rebuilt files are deterministic.
func Build(records []Record) ([]byte, error) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	h := &Header{}
	body := make([]byte, 0, len(records)*SectorSize)
	next := uint32(2)
	for i, rec := range sorted {
		if rec.Index < 0 || rec.Index >= Slots {
			return nil, fmt.Errorf("record %d: slot %d out of range", i, rec.Index)
		}
		if h.Locations[rec.Index].Present() {
			return nil, fmt.Errorf("record %d: slot %d used twice", i, rec.Index)
		}
		if len(rec.Data) < recordPrefix {
			return nil, fmt.Errorf("record %d: slot %d has no data", i, rec.Index)
		}
		sectors := (len(rec.Data) + SectorSize - 1) / SectorSize
		if sectors > maxSectors {
			return nil, fmt.Errorf("record %d: slot %d needs %d sectors", i, rec.Index, sectors)
		}
		h.Locations[rec.Index] = Location{Offset: next, Sectors: uint8(sectors)}
		h.Timestamps[rec.Index] = rec.Modified
		next += uint32(sectors)

		body = append(body, rec.Data...)
		if pad := sectors*SectorSize - len(rec.Data); pad > 0 {
			body = append(body, make([]byte, pad)...)
		}
	}

	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, h.Bytes()...)
	return append(out, body...), nil
}
