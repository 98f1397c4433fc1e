package world

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkRegionAndIndex(t *testing.T) {
	cases := []struct {
		chunk  ChunkCoord
		region RegionCoord
		index  int
	}{
		{Chunk("w", 0, 0), RegionCoord{"w", 0, 0}, 0},
		{Chunk("w", 31, 31), RegionCoord{"w", 0, 0}, 1023},
		{Chunk("w", 32, 0), RegionCoord{"w", 1, 0}, 0},
		{Chunk("w", -1, -1), RegionCoord{"w", -1, -1}, 1023},
		{Chunk("w", -32, 5), RegionCoord{"w", -1, 0}, 5 * 32},
		{Chunk("w", -33, -64), RegionCoord{"w", -2, -2}, 31},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.region, tc.chunk.Region(), "region of %s", tc.chunk)
		assert.Equal(t, tc.index, tc.chunk.Index(), "index of %s", tc.chunk)
		assert.Equal(t, tc.chunk, tc.region.Chunk(tc.index), "chunk at %d of %s", tc.index, tc.region)
	}
}

func TestParseRegionFileName(t *testing.T) {
	rc, ok := ParseRegionFileName("overworld", "r.-3.12.mca")
	require.True(t, ok)
	assert.Equal(t, RegionCoord{"overworld", -3, 12}, rc)
	assert.Equal(t, "r.-3.12.mca", rc.FileName())

	for _, bad := range []string{"r.1.mca", "r.a.2.mca", "r.1.2.mcr", "c.1.2.mcc", "r.1.2.mca.tmp"} {
		_, ok := ParseRegionFileName("overworld", bad)
		assert.False(t, ok, bad)
	}
}

func TestChunksAround(t *testing.T) {
	assert.Len(t, ChunksAround(Chunk("w", 0, 0), 0), 1)
	around := ChunksAround(Chunk("w", 10, -10), 2)
	assert.Len(t, around, 25)
	assert.Contains(t, around, Chunk("w", 8, -12))
	assert.Contains(t, around, Chunk("w", 12, -8))
}

func TestMergeNeverLowersProtection(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	visit := VisitAt(now)
	earlier := VisitAt(now.Add(-time.Hour))

	assert.Equal(t, FlagEternal, Merge(FlagEternal, visit))
	assert.Equal(t, FlagEternal, Merge(FlagEternal, FlagGenerated))
	assert.Equal(t, FlagGenerated, Merge(FlagGenerated, FlagDefault))
	assert.Equal(t, FlagGenerated, Merge(FlagDefault, FlagGenerated))
	assert.Equal(t, visit, Merge(FlagGenerated, visit))
	assert.Equal(t, visit, Merge(visit, earlier))
	assert.Equal(t, visit, Merge(earlier, visit))
	assert.Equal(t, visit, Merge(visit, FlagGenerated))
}

func TestStale(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour

	// tenDaysAgo is stale, threeDaysAgo is not
	assert.True(t, VisitAt(now.Add(-10*24*time.Hour)).Stale(now, time.Time{}, week))
	assert.False(t, VisitAt(now.Add(-3*24*time.Hour)).Stale(now, time.Time{}, week))

	assert.False(t, FlagEternal.Stale(now, time.Time{}, week))
	assert.False(t, FlagEternal.Stale(now, time.Time{}, 0))
	assert.True(t, FlagDefault.Stale(now, time.Time{}, week))

	assert.False(t, FlagGenerated.Stale(now, now.Add(-time.Hour), week))
	assert.True(t, FlagGenerated.Stale(now, now.Add(-8*24*time.Hour), week))
}

func TestLaterVisitIsNeverMoreEligible(t *testing.T) {
	now := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour
	for days := 0; days < 20; days++ {
		prior := VisitAt(now.Add(-time.Duration(days) * 24 * time.Hour))
		later := Merge(prior, VisitAt(now.Add(-time.Duration(days)*24*time.Hour+time.Hour)))
		if !prior.Stale(now, time.Time{}, week) {
			assert.False(t, later.Stale(now, time.Time{}, week), "day %d", days)
		}
	}
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "DEFAULT", FlagDefault.String())
	assert.Equal(t, "GENERATED", FlagGenerated.String())
	assert.Equal(t, "ETERNAL", FlagEternal.String())
	assert.Equal(t, "1970-01-01T00:00:01Z", VisitFlag(1000).String())
}
