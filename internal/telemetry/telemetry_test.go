package telemetry

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func sampleFrames() []Frame {
	return []Frame{
		{TimeOffsetSeconds: 0, DistanceKm: 0, HeartRate: intp(120)},
		{TimeOffsetSeconds: 1, DistanceKm: 0.004, HeartRate: intp(124)},
		{TimeOffsetSeconds: 2, DistanceKm: 0.008, HeartRate: intp(129)},
		{TimeOffsetSeconds: 5, DistanceKm: 0.02, HeartRate: intp(140)},
	}
}

func TestTimelineAt(t *testing.T) {
	tl := NewTimeline(sampleFrames())

	tests := []struct {
		name   string
		t      float64
		wantHR int
		ok     bool
	}{
		{"exact first", 0, 120, true},
		{"between samples uses preceding", 1.5, 124, true},
		{"gap uses preceding", 3.7, 129, true},
		{"exact last", 5, 140, true},
		{"before span", -0.1, 0, false},
		{"after span", 5.01, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := tl.At(tt.t)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				require.NotNil(t, f.HeartRate)
				assert.Equal(t, tt.wantHR, *f.HeartRate)
			}
		})
	}
}

func TestTimelineSortsInput(t *testing.T) {
	frames := sampleFrames()
	frames[0], frames[3] = frames[3], frames[0]

	tl := NewTimeline(frames)
	first, last := tl.Span()
	assert.Equal(t, 0.0, first)
	assert.Equal(t, 5.0, last)
}

func TestTimelineEmpty(t *testing.T) {
	tl := NewTimeline(nil)
	_, ok := tl.At(0)
	assert.False(t, ok)
}

func TestLoadTimeline(t *testing.T) {
	dir := t.TempDir()

	bare := filepath.Join(dir, "bare.json")
	require.NoError(t, os.WriteFile(bare, []byte(`[
		{"time_offset_seconds": 0, "distance_km": 0, "heart_rate": 118},
		{"time_offset_seconds": 1, "distance_km": 0.003}
	]`), 0o644))

	tl, err := LoadTimeline(bare)
	require.NoError(t, err)
	assert.Equal(t, 2, tl.Len())

	f, ok := tl.At(0)
	require.True(t, ok)
	require.NotNil(t, f.HeartRate)
	assert.Equal(t, 118, *f.HeartRate)

	f, ok = tl.At(1)
	require.True(t, ok)
	assert.Nil(t, f.HeartRate, "absent sensor stays nil")

	wrapped := filepath.Join(dir, "wrapped.json")
	require.NoError(t, os.WriteFile(wrapped, []byte(`{"frames":[{"time_offset_seconds":0}]}`), 0o644))
	tl, err = LoadTimeline(wrapped)
	require.NoError(t, err)
	assert.Equal(t, 1, tl.Len())

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o644))
	_, err = LoadTimeline(empty)
	require.Error(t, err)
}

func TestFormatPaceAndClock(t *testing.T) {
	assert.Equal(t, "5:30 /km", formatPace(330))
	assert.Equal(t, "4:00 /km", formatPace(239.7))
	assert.Equal(t, "12:05", formatClock(725))
	assert.Equal(t, "1:00:01", formatClock(3601))
}

func TestBasicRendererCompose(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 320, 240))

	f := Frame{
		TimeOffsetSeconds: 10,
		HeartRate:         intp(152),
		PaceSecPerKm:      floatp(305),
		ElevationM:        floatp(321),
		DistanceKm:        2.41,
		MovingSeconds:     610,
	}

	r := NewBasicRenderer()
	require.NoError(t, r.Compose(dst, f, DefaultOverlayConfig()))

	// bottom-left corner region must no longer be fully transparent
	touched := false
	for y := 120; y < 240 && !touched; y++ {
		for x := 0; x < 160; x++ {
			if _, _, _, a := dst.At(x, y).RGBA(); a != 0 {
				touched = true
				break
			}
		}
	}
	assert.True(t, touched, "overlay should draw into the anchored corner")
}

func TestBasicRendererNothingEnabled(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 64, 64))
	require.NoError(t, NewBasicRenderer().Compose(dst, Frame{}, OverlayConfig{}))

	for i := 3; i < len(dst.Pix); i += 4 {
		if dst.Pix[i] != 0 {
			t.Fatal("no metrics enabled must leave the frame untouched")
		}
	}
}

func TestAnchorOrigin(t *testing.T) {
	bounds := image.Rect(0, 0, 1000, 500)
	cfg := OverlayConfig{MarginPx: 10}

	cfg.Anchor = CornerTopLeft
	assert.Equal(t, image.Pt(10, 10), anchorOrigin(bounds, 100, 50, cfg))

	cfg.Anchor = CornerTopRight
	assert.Equal(t, image.Pt(890, 10), anchorOrigin(bounds, 100, 50, cfg))

	cfg.Anchor = CornerBottomRight
	assert.Equal(t, image.Pt(890, 440), anchorOrigin(bounds, 100, 50, cfg))

	cfg.Anchor = CornerBottomLeft
	assert.Equal(t, image.Pt(10, 440), anchorOrigin(bounds, 100, 50, cfg))
}
