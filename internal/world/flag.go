package world

import (
	"math"
	"strconv"
	"time"
)

// VisitFlag is the last confirmed relevance of a chunk: a unix-millisecond
// visit timestamp, or one of the sentinels below.
type VisitFlag int64

const (
	// FlagDefault means the chunk was never observed.
	FlagDefault VisitFlag = -1
	// FlagGenerated means the chunk was only ever seen when it was created.
	FlagGenerated VisitFlag = -2
	// FlagEternal means the chunk is never eligible for deletion.
	FlagEternal VisitFlag = math.MaxInt64
)

// VisitAt returns the flag recording a visit at t.
func VisitAt(t time.Time) VisitFlag {
	return VisitFlag(t.UnixMilli())
}

// IsTimestamp reports whether the flag is an ordinary visit time.
func (f VisitFlag) IsTimestamp() bool {
	return f >= 0 && f != FlagEternal
}

// Time returns the visit time. Zero for sentinels.
func (f VisitFlag) Time() time.Time {
	if !f.IsTimestamp() {
		return time.Time{}
	}
	return time.UnixMilli(int64(f))
}

// rank orders flags by how strongly they protect a chunk.
// Non-explicit updates may only keep or raise the rank.
func (f VisitFlag) rank() int {
	switch {
	case f == FlagEternal:
		return 3
	case f.IsTimestamp():
		return 2
	case f == FlagGenerated:
		return 1
	default:
		return 0
	}
}

// Merge applies a non-explicit update (visit or generation event) on top of
// current. Sentinels are never replaced by a lower rank and a visit time never
// moves backwards.
func Merge(current, offered VisitFlag) VisitFlag {
	cr, or := current.rank(), offered.rank()
	switch {
	case or > cr:
		return offered
	case or < cr:
		return current
	case current.IsTimestamp() && offered > current:
		return offered
	default:
		return current
	}
}

// Stale reports whether the flag no longer keeps the chunk alive at now.
// GENERATED chunks age from their on-disk modification time. A non-positive
// duration disables visit tracking, so everything but ETERNAL is stale.
func (f VisitFlag) Stale(now, lastModified time.Time, d time.Duration) bool {
	if f == FlagEternal {
		return false
	}
	if d <= 0 {
		return true
	}
	switch {
	case f == FlagDefault:
		return true
	case f == FlagGenerated:
		if lastModified.IsZero() {
			return true
		}
		return now.Sub(lastModified) > d
	case f.IsTimestamp():
		return now.Sub(f.Time()) > d
	default:
		// unknown negative value: treat as never observed
		return true
	}
}

func (f VisitFlag) String() string {
	switch {
	case f == FlagDefault:
		return "DEFAULT"
	case f == FlagGenerated:
		return "GENERATED"
	case f == FlagEternal:
		return "ETERNAL"
	case f.IsTimestamp():
		return f.Time().UTC().Format(time.RFC3339)
	default:
		return "INVALID(" + strconv.FormatInt(int64(f), 10) + ")"
	}
}
