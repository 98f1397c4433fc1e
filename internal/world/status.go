package world

// VisitStatus is derived per chunk from on-disk data and the current flag.
type VisitStatus int

const (
	StatusUnknown VisitStatus = iota
	StatusVisited
	StatusGenerated
	StatusOrphaned
)

func (s VisitStatus) String() string {
	switch s {
	case StatusVisited:
		return "VISITED"
	case StatusGenerated:
		return "GENERATED"
	case StatusOrphaned:
		return "ORPHANED"
	default:
		return "UNKNOWN"
	}
}

// Layer names one of the parallel region folders of a world.
type Layer string

const (
	LayerRegion   Layer = "region"
	LayerEntities Layer = "entities"
	LayerPOI      Layer = "poi"
)

// Layers lists every layer in deletion order. The chunk layer is applied last.
var Layers = []Layer{LayerEntities, LayerPOI, LayerRegion}
