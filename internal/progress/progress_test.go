package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMapper returns a mapper with a controllable clock.
func testMapper() (*Mapper, *time.Time) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := start
	m := &Mapper{now: func() time.Time { return clock }}
	m.started = start
	return m, &clock
}

func TestPhaseSubRanges(t *testing.T) {
	tests := []struct {
		phase Phase
		pct   float64
		want  float64
	}{
		{PhaseDemux, 0, 0},
		{PhaseDemux, 100, 5},
		{PhaseRepair, 50, 45},
		{PhaseRepair, 100, 85},
		{PhaseProcessing, 100, 92},
		{PhaseMux, 0, 92},
		{PhaseMux, 100, 99},
	}

	for _, tt := range tests {
		m, _ := testMapper()
		u := m.Report(tt.phase, tt.pct)
		assert.InDelta(t, tt.want, u.Percent, 0.001, "%s at %.0f", tt.phase, tt.pct)
	}
}

func TestPhaseWireValues(t *testing.T) {
	// consumers key on these strings; the repair transcode reports
	// as "encoding"
	assert.Equal(t, Phase("demuxing"), PhaseDemux)
	assert.Equal(t, Phase("encoding"), PhaseRepair)
	assert.Equal(t, Phase("processing"), PhaseProcessing)
	assert.Equal(t, Phase("muxing"), PhaseMux)
	assert.Equal(t, Phase("complete"), PhaseComplete)
}

func TestMonotone(t *testing.T) {
	m, _ := testMapper()

	u := m.Report(PhaseProcessing, 80) // 5 + 87*0.8 = 74.6
	first := u.Percent

	// a later, lower report cannot move progress backwards
	u = m.Report(PhaseProcessing, 10)
	assert.Equal(t, first, u.Percent)

	u = m.Report(PhaseProcessing, 90)
	assert.Greater(t, u.Percent, first)
}

func TestOnlyCompleteReports100(t *testing.T) {
	m, _ := testMapper()

	u := m.Report(PhaseMux, 100)
	assert.Less(t, u.Percent, 100.0)

	u = m.Complete()
	assert.Equal(t, 100.0, u.Percent)
	assert.True(t, u.HasETA)
	assert.Equal(t, time.Duration(0), u.ETA)

	// reports after completion stay pinned at 100
	u = m.Report(PhaseMux, 10)
	assert.Equal(t, 100.0, u.Percent)
}

func TestClampsInput(t *testing.T) {
	m, _ := testMapper()
	u := m.Report(PhaseDemux, 250)
	assert.InDelta(t, 5, u.Percent, 0.001)

	m2, _ := testMapper()
	u = m2.Report(PhaseDemux, -10)
	assert.Equal(t, 0.0, u.Percent)
}

func TestETANoEstimateAtZero(t *testing.T) {
	m, _ := testMapper()
	u := m.Report(PhaseDemux, 0)
	assert.False(t, u.HasETA)
}

func TestETAEstimate(t *testing.T) {
	m, clock := testMapper()

	// 50% overall after 10 minutes: raw remaining is 10 minutes
	*clock = clock.Add(10 * time.Minute)
	u := m.Report(PhaseProcessing, 51.724) // 5 + 87*0.51724 ≈ 50
	require.True(t, u.HasETA)
	assert.InDelta(t, float64(10*time.Minute), float64(u.ETA), float64(10*time.Second))
}

func TestETASmoothing(t *testing.T) {
	m, clock := testMapper()

	*clock = clock.Add(4 * time.Minute)
	first := m.Report(PhaseProcessing, 51.724) // ≈50% → raw 4m
	require.True(t, first.HasETA)

	// progress stalls while time passes; raw estimate doubles but the
	// smoothed value moves only 30% of the way there
	*clock = clock.Add(4 * time.Minute)
	second := m.Report(PhaseProcessing, 51.724)
	raw := 8 * time.Minute

	expected := time.Duration(0.7*float64(first.ETA) + 0.3*float64(raw))
	assert.InDelta(t, float64(expected), float64(second.ETA), float64(5*time.Second))
}
