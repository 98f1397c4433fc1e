package anvil

import (
	"fmt"

	"github.com/Tnze/go-mc/nbt"
)

// Summary is the handful of chunk NBT fields classification needs.
type Summary struct {
	DataVersion   int32
	InhabitedTime int64 // ticks players spent in the chunk
	LastUpdate    int64
	Status        string
}

// Pristine reports whether nobody ever spent time in the chunk since it was generated.
func (s Summary) Pristine() bool {
	return s.InhabitedTime == 0
}

// chunkNBT covers both layouts: 1.18+ keeps fields at the root, older
// versions nest them under "Level".
type chunkNBT struct {
	DataVersion   int32    `nbt:"DataVersion"`
	InhabitedTime int64    `nbt:"InhabitedTime"`
	LastUpdate    int64    `nbt:"LastUpdate"`
	Status        string   `nbt:"Status"`
	Level         levelNBT `nbt:"Level"`
}

type levelNBT struct {
	InhabitedTime int64  `nbt:"InhabitedTime"`
	LastUpdate    int64  `nbt:"LastUpdate"`
	Status        string `nbt:"Status"`
}

// Summarize decodes an uncompressed chunk payload.
func Summarize(payload []byte) (Summary, error) {
	var c chunkNBT
	if err := nbt.Unmarshal(payload, &c); err != nil {
		return Summary{}, fmt.Errorf("%w: nbt: %v", ErrOrphaned, err)
	}
	s := Summary{
		DataVersion:   c.DataVersion,
		InhabitedTime: c.InhabitedTime,
		LastUpdate:    c.LastUpdate,
		Status:        c.Status,
	}
	if s.Status == "" && c.Level.Status != "" {
		s.InhabitedTime = c.Level.InhabitedTime
		s.LastUpdate = c.Level.LastUpdate
		s.Status = c.Level.Status
	}
	return s, nil
}

// SummaryPayload encodes a minimal chunk payload carrying the given summary.
// Used by tooling and tests to fabricate regions.
func SummaryPayload(s Summary) ([]byte, error) {
	return nbt.Marshal(struct {
		DataVersion   int32  `nbt:"DataVersion"`
		InhabitedTime int64  `nbt:"InhabitedTime"`
		LastUpdate    int64  `nbt:"LastUpdate"`
		Status        string `nbt:"Status"`
	}{s.DataVersion, s.InhabitedTime, s.LastUpdate, s.Status})
}
