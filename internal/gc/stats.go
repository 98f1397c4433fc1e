package gc

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Stats are the cumulative counters of one pass.
type Stats struct {
	RegionsScanned   int
	RegionsDeleted   int
	RegionsRewritten int
	RegionErrors     int
	ChunksDeleted    int
	ProtectedSkipped int
	FlagSkipped      int
	Errored          int
}

var printer = message.NewPrinter(language.English)

// Summary renders the counters for operators.
func (s Stats) Summary() string {
	return printer.Sprintf(
		"%d regions scanned: %d deleted, %d rewritten, %d failed. %d chunks deleted; kept %d flagged, %d protected, %d errored.",
		s.RegionsScanned, s.RegionsDeleted, s.RegionsRewritten, s.RegionErrors,
		s.ChunksDeleted, s.FlagSkipped, s.ProtectedSkipped, s.Errored)
}
