package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	name  string
	phase Phase
	log   *[]string
}

func (r recorder) Phase() Phase { return r.phase }

func (r recorder) Update(time.Duration) { *r.log = append(*r.log, r.name) }

func TestRunnerOrdersByPhase(t *testing.T) {
	var log []string
	r := NewRunner()
	r.Register(recorder{"telemetry", PhasePersist, &log})
	r.Register(recorder{"activate", PhaseUpdate, &log})
	r.Register(recorder{"ingest", PhaseInput, &log})
	r.Register(recorder{"dispatch", PhasePreUpdate, &log})
	r.Register(recorder{"ingest-2", PhaseInput, &log})

	r.Tick(time.Millisecond)
	assert.Equal(t, []string{"ingest", "ingest-2", "dispatch", "activate", "telemetry"}, log)

	log = nil
	r.TickPhase(PhaseInput, time.Millisecond)
	assert.Equal(t, []string{"ingest", "ingest-2"}, log)
	assert.Equal(t, 5, r.Len())
	assert.Equal(t, "pre-update", PhasePreUpdate.String())
}
