// Package progress maps per-phase completion fractions onto a single
// monotone 0-100 scale and derives a smoothed time-remaining estimate.
package progress

import (
	"sync"
	"time"
)

// Phase identifies one pipeline stage for progress mapping.
type Phase string

// Pipeline phases. PhaseRepair is the forced-keyframe repair
// transcode; it reports as "encoding" on the wire.
const (
	PhaseDemux      Phase = "demuxing"
	PhaseRepair     Phase = "encoding"
	PhaseProcessing Phase = "processing"
	PhaseMux        Phase = "muxing"
	PhaseComplete   Phase = "complete"
)

// phaseRange maps a phase-local 0-100 onto the overall scale. The
// repair and processing ranges overlap because repair replaces the
// front of processing when it runs.
type phaseRange struct{ lo, hi float64 }

var phaseRanges = map[Phase]phaseRange{
	PhaseDemux:      {0, 5},
	PhaseRepair:     {5, 85},
	PhaseProcessing: {5, 92},
	PhaseMux:        {92, 99},
}

// Update is one progress report.
type Update struct {
	Phase   Phase
	Percent float64

	// ETA is the smoothed remaining-time estimate; zero value means no
	// estimate is available yet.
	ETA time.Duration

	// HasETA distinguishes "no estimate" from "done now".
	HasETA bool
}

// Mapper converts phase progress into monotone overall progress.
// Safe for concurrent use.
type Mapper struct {
	mu sync.Mutex

	started   time.Time
	highWater float64
	smoothed  time.Duration
	hasEST    bool
	complete  bool

	// now is injectable for tests.
	now func() time.Time
}

// NewMapper starts the progress clock.
func NewMapper() *Mapper {
	m := &Mapper{now: time.Now}
	m.started = m.now()
	return m
}

// Report maps a phase-local completion (0-100) to overall progress.
// The overall value never decreases and never reaches 100 until
// Complete is called.
func (m *Mapper) Report(phase Phase, phasePct float64) Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.complete {
		return m.completeUpdateLocked()
	}

	if phasePct < 0 {
		phasePct = 0
	}
	if phasePct > 100 {
		phasePct = 100
	}

	r, ok := phaseRanges[phase]
	if !ok {
		return m.updateLocked(phase)
	}

	overall := r.lo + (r.hi-r.lo)*phasePct/100
	if overall > m.highWater {
		m.highWater = overall
	}

	return m.updateLocked(phase)
}

// Complete marks the run finished; only this path reports 100.
func (m *Mapper) Complete() Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.complete = true
	m.highWater = 100
	return m.completeUpdateLocked()
}

// Overall returns the current overall percentage.
func (m *Mapper) Overall() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWater
}

func (m *Mapper) completeUpdateLocked() Update {
	return Update{Phase: PhaseComplete, Percent: 100, ETA: 0, HasETA: true}
}

// updateLocked refreshes the ETA estimate from the current high-water
// mark: remaining = elapsed * (100-p)/p, exponentially smoothed so the
// displayed value doesn't jump between reports.
func (m *Mapper) updateLocked(phase Phase) Update {
	u := Update{Phase: phase, Percent: m.highWater}

	p := m.highWater
	if p <= 0 {
		return u
	}

	elapsed := m.now().Sub(m.started)
	raw := time.Duration(float64(elapsed) * (100 - p) / p)

	if !m.hasEST {
		m.smoothed = raw
		m.hasEST = true
	} else {
		m.smoothed = time.Duration(0.7*float64(m.smoothed) + 0.3*float64(raw))
	}

	u.ETA = m.smoothed
	u.HasETA = true
	return u
}
