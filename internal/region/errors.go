package region

import (
	"errors"
	"fmt"

	"github.com/l1jgo/regiongc/internal/world"
)

// ErrRegionIO matches every RegionIOError with errors.Is.
var ErrRegionIO = errors.New("region: i/o error")

// RegionIOError reports a region file that could not be read or written.
// The scheduler counts it and skips the region for the rest of the pass.
type RegionIOError struct {
	Region world.RegionCoord
	Layer  world.Layer
	Op     string
	Err    error
}

func (e *RegionIOError) Error() string {
	return fmt.Sprintf("region %s %s/%s: %s: %v", e.Region.World, e.Layer, e.Region.FileName(), e.Op, e.Err)
}

func (e *RegionIOError) Unwrap() error { return e.Err }

func (e *RegionIOError) Is(target error) bool { return target == ErrRegionIO }

func ioError(rc world.RegionCoord, layer world.Layer, op string, err error) error {
	return &RegionIOError{Region: rc, Layer: layer, Op: op, Err: err}
}
