// Package telemetry models the activity data burned onto video frames:
// a timeline of per-moment metric frames keyed by offset from the video
// start, plus the overlay configuration controlling what gets drawn.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Frame is the telemetry state at one moment. Optional metrics are
// pointers; nil means the source activity carried no such sensor.
type Frame struct {
	// TimeOffsetSeconds is the offset from video start this frame
	// applies at.
	TimeOffsetSeconds float64 `json:"time_offset_seconds"`

	HeartRate    *int     `json:"heart_rate,omitempty"`
	PaceSecPerKm *float64 `json:"pace_sec_per_km,omitempty"`
	ElevationM   *float64 `json:"elevation_m,omitempty"`

	DistanceKm     float64 `json:"distance_km"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	MovingSeconds  float64 `json:"moving_seconds"`
}

// Timeline is an ordered sequence of telemetry frames supporting
// time-indexed lookup.
type Timeline struct {
	frames []Frame
}

// NewTimeline builds a Timeline, sorting frames by time offset.
func NewTimeline(frames []Frame) *Timeline {
	sorted := make([]Frame, len(frames))
	copy(sorted, frames)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TimeOffsetSeconds < sorted[j].TimeOffsetSeconds
	})
	return &Timeline{frames: sorted}
}

// Len returns the number of frames.
func (tl *Timeline) Len() int { return len(tl.frames) }

// Span returns the first and last frame offsets. Zeroes when empty.
func (tl *Timeline) Span() (float64, float64) {
	if len(tl.frames) == 0 {
		return 0, 0
	}
	return tl.frames[0].TimeOffsetSeconds, tl.frames[len(tl.frames)-1].TimeOffsetSeconds
}

// At returns the telemetry frame covering time t: the latest frame at or
// before t. It never extrapolates; t outside the recorded span returns
// ok=false.
func (tl *Timeline) At(t float64) (Frame, bool) {
	n := len(tl.frames)
	if n == 0 || t < tl.frames[0].TimeOffsetSeconds || t > tl.frames[n-1].TimeOffsetSeconds {
		return Frame{}, false
	}

	// first index with offset > t; the covering frame precedes it
	idx := sort.Search(n, func(i int) bool {
		return tl.frames[i].TimeOffsetSeconds > t
	})
	return tl.frames[idx-1], true
}

// LoadTimeline reads a timeline JSON file: either a bare frame array or
// an object with a "frames" key.
func LoadTimeline(path string) (*Timeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading timeline: %w", err)
	}

	var frames []Frame
	if err := json.Unmarshal(data, &frames); err != nil {
		var wrapped struct {
			Frames []Frame `json:"frames"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parsing timeline %s: %w", path, err)
		}
		frames = wrapped.Frames
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("timeline %s holds no frames", path)
	}
	return NewTimeline(frames), nil
}

// Corner identifies an overlay anchor position.
type Corner string

// Overlay anchor corners.
const (
	CornerTopLeft     Corner = "top-left"
	CornerTopRight    Corner = "top-right"
	CornerBottomLeft  Corner = "bottom-left"
	CornerBottomRight Corner = "bottom-right"
)

// OverlayConfig controls which metrics are drawn and where. It is
// carried through the pipeline untouched and interpreted only by the
// renderer.
type OverlayConfig struct {
	ShowHeartRate bool   `json:"show_heart_rate" mapstructure:"show_heart_rate"`
	ShowPace      bool   `json:"show_pace" mapstructure:"show_pace"`
	ShowDistance  bool   `json:"show_distance" mapstructure:"show_distance"`
	ShowElevation bool   `json:"show_elevation" mapstructure:"show_elevation"`
	ShowTime      bool   `json:"show_time" mapstructure:"show_time"`
	Anchor        Corner `json:"anchor" mapstructure:"anchor"`

	// MarginPx is the distance from the anchored edges.
	MarginPx int `json:"margin_px" mapstructure:"margin_px"`

	// Scale multiplies the base text size. Zero means 1.
	Scale float64 `json:"scale" mapstructure:"scale"`
}

// DefaultOverlayConfig enables every metric bottom-left.
func DefaultOverlayConfig() OverlayConfig {
	return OverlayConfig{
		ShowHeartRate: true,
		ShowPace:      true,
		ShowDistance:  true,
		ShowElevation: true,
		ShowTime:      true,
		Anchor:        CornerBottomLeft,
		MarginPx:      24,
		Scale:         1,
	}
}
