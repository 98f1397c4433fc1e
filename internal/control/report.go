package control

import (
	"fmt"
	"strings"
	"time"

	"github.com/l1jgo/regiongc/internal/gc"
	"github.com/l1jgo/regiongc/internal/world"
)

// timeLayout is the operator-facing time format.
const timeLayout = "15:04 on 2 Jan 2006"

type StatusReport struct {
	Worlds      []WorldStatus `json:"worlds"`
	Paused      bool          `json:"paused"`
	PauseReason string        `json:"pause_reason,omitempty"`
}

type WorldStatus struct {
	World     string     `json:"world"`
	State     gc.State   `json:"state"`
	RunID     string     `json:"run_id,omitempty"`
	Total     int        `json:"total"`
	Remaining int        `json:"remaining"`
	Next      string     `json:"next,omitempty"`
	Stats     gc.Stats   `json:"stats"`
	Summary   string     `json:"summary,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Ended     *time.Time `json:"ended,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	GatedTill *time.Time `json:"gated_till,omitempty"`
}

func worldStatusOf(st gc.RunStatus) WorldStatus {
	ws := WorldStatus{
		World:     st.World,
		State:     st.State,
		RunID:     st.ID,
		Total:     st.Total,
		Remaining: st.Remaining,
		Next:      st.Next,
		Stats:     st.Stats,
		Started:   optTime(st.Started),
		Ended:     optTime(st.Ended),
		NextRun:   optTime(st.NextRun),
		GatedTill: optTime(st.GatedTill),
	}
	if st.State != gc.StateIdle {
		ws.Summary = st.Stats.Summary()
	}
	return ws
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Lines renders the report the way operators read it in a console.
func (r StatusReport) Lines() []string {
	if len(r.Worlds) == 0 {
		return []string{"No worlds are configured. Edit your config and use \"regiongc reload\"."}
	}
	var out []string
	for _, w := range r.Worlds {
		switch {
		case w.GatedTill != nil:
			out = append(out, fmt.Sprintf("%s: Gathering data, deletion starts %s", w.World, w.GatedTill.Local().Format(timeLayout)))
		case w.State == gc.StateIdle:
			out = append(out, fmt.Sprintf("Cycle for %s is ready to start.", w.World))
		default:
			out = append(out, fmt.Sprintf("%s [%s] %d/%d regions left. %s",
				w.World, strings.ToLower(string(w.State)), w.Remaining, w.Total, w.Summary))
			if w.NextRun != nil {
				out = append(out, " - Next run: "+w.NextRun.Local().Format(timeLayout))
			}
		}
	}
	if r.Paused {
		line := "regiongc is paused. Use \"regiongc resume\" to continue."
		if r.PauseReason != "" {
			line = fmt.Sprintf("regiongc is paused (%s). Use \"regiongc resume\" to continue.", r.PauseReason)
		}
		out = append(out, line)
	}
	return out
}

type AdapterVerdict struct {
	Adapter   string `json:"adapter"`
	Protected bool   `json:"protected"`
	Pending   bool   `json:"pending,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CheckReport is the diagnostic view of one chunk.
type CheckReport struct {
	World        string           `json:"world"`
	X            int32            `json:"x"`
	Z            int32            `json:"z"`
	Region       string           `json:"region"`
	Configured   bool             `json:"configured"`
	Adapters     []AdapterVerdict `json:"adapters"`
	RegionOnDisk bool             `json:"region_on_disk"`
	RegionError  string           `json:"region_error,omitempty"`
	Present      bool             `json:"present"`
	Flag         world.VisitFlag  `json:"flag"`
	Status       string           `json:"status,omitempty"`
	LastModified time.Time        `json:"last_modified"`
	Orphaned     bool             `json:"orphaned"`
	LastDelete   world.VisitFlag  `json:"last_delete"`
}

func (r CheckReport) Lines() []string {
	var out []string
	if !r.Configured {
		out = append(out, "World is not configured for deletion.")
	}
	for _, a := range r.Adapters {
		switch {
		case a.Pending:
			out = append(out, "Chunk is protected by "+a.Adapter+" (not ready yet)")
		case a.Error != "":
			out = append(out, fmt.Sprintf("Chunk is protected by %s (check failed: %s)", a.Adapter, a.Error))
		case a.Protected:
			out = append(out, "Chunk is protected by "+a.Adapter)
		default:
			out = append(out, "Chunk is not protected by "+a.Adapter)
		}
	}

	if !r.RegionOnDisk {
		out = append(out, describeFlag(r.Flag))
		out = r.appendLastDelete(out)
		if r.RegionError != "" {
			return append(out, "Could not read region data from disk: "+r.RegionError)
		}
		return append(out, "Region not available from disk! Cannot check details.")
	}

	out = append(out, describeFlag(r.Flag))
	if !r.LastModified.IsZero() {
		out = append(out, "Chunk last modified: "+r.LastModified.Local().Format(timeLayout))
	}
	out = append(out, "Chunk VisitStatus: "+r.Status)
	out = r.appendLastDelete(out)
	if r.Orphaned {
		out = append(out, "Chunk is marked as orphaned. VisitStatus should be GENERATED or UNKNOWN.")
	}
	return out
}

func (r CheckReport) appendLastDelete(out []string) []string {
	if r.LastDelete == world.FlagDefault {
		return out
	}
	return append(out, "Visited (last delete): "+flagTime(r.LastDelete))
}

func describeFlag(f world.VisitFlag) string {
	switch {
	case f == world.FlagDefault:
		return "Chunk has not been visited."
	case f == world.FlagGenerated:
		return "Chunk has not been visited since generation."
	case f == world.FlagEternal:
		return "Chunk is eternally flagged."
	default:
		return "Chunk last visited: " + flagTime(f)
	}
}

func flagTime(f world.VisitFlag) string {
	if f.IsTimestamp() {
		return f.Time().Local().Format(timeLayout)
	}
	return f.String()
}
