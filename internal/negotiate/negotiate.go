// Package negotiate selects an encoder configuration the host can
// actually sustain. Candidate codec strings are bucketed by resolution,
// preferring the source codec family with H.264 as the universal
// fallback, and each candidate is probed across three hardware
// preference tiers. When nothing is accepted at native resolution, one
// downscaled retry is attempted before giving up.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/telemetra/telemetra/internal/codec"
	"github.com/telemetra/telemetra/internal/config"
)

// ErrUnsupportedConfiguration indicates no encoder candidate was
// accepted, including after the downscale retry.
var ErrUnsupportedConfiguration = errors.New("no supported encoder configuration")

// Resolution pixel-count buckets.
const (
	pixels4K    = 3840 * 2160
	pixels1080p = 1920 * 1080
)

// Bitrate floors per resolution bucket, in bps. A target below its
// bucket floor produces visible artifacts on action footage.
const (
	floor4KBps      = 35_000_000
	floor1440pBps   = 16_000_000
	floorDefaultBps = 8_000_000
)

// SourceMeta describes the decoded source stream being re-encoded.
type SourceMeta struct {
	CodecString string
	Width       int
	Height      int
	FrameRate   float64

	// BitrateBps is the effective source bitrate (stream size over
	// duration), used as the scaling base for the target bitrate.
	BitrateBps int64
}

// ProbeRequest is one concrete configuration submitted to the prober.
type ProbeRequest struct {
	CodecString string
	Width       int
	Height      int
	FrameRate   float64
	BitrateBps  int64
	Tier        codec.HWTier
}

// CapabilityProber reports whether the host supports a configuration.
type CapabilityProber interface {
	Supports(ctx context.Context, req ProbeRequest) bool
}

// EncoderPlan is the accepted encoder configuration.
type EncoderPlan struct {
	CodecString string
	Width       int
	Height      int
	FrameRate   float64
	BitrateBps  int64
	Tier        codec.HWTier

	// Downscaled is set when the plan was only accepted at reduced
	// resolution.
	Downscaled bool
}

// Negotiator holds negotiation tuning.
type Negotiator struct {
	logger *slog.Logger
	cfg    config.EncoderConfig
}

// New creates a Negotiator.
func New(logger *slog.Logger, cfg config.EncoderConfig) *Negotiator {
	return &Negotiator{logger: logger, cfg: cfg}
}

// hwTiers is the probe order within one candidate.
var hwTiers = []codec.HWTier{
	codec.TierPreferHardware,
	codec.TierNoPreference,
	codec.TierPreferSoftware,
}

// Negotiate returns the first accepted encoder plan. Candidates at
// native resolution are tried first; if none is accepted, the source is
// downscaled once and the candidate list retried.
func (n *Negotiator) Negotiate(ctx context.Context, src SourceMeta, prober CapabilityProber) (EncoderPlan, error) {
	if src.Width < 1 || src.Height < 1 {
		return EncoderPlan{}, fmt.Errorf("%w: source dimensions %dx%d", ErrUnsupportedConfiguration, src.Width, src.Height)
	}

	if plan, ok := n.tryResolution(ctx, src, prober, src.Width, src.Height, false); ok {
		return plan, nil
	}

	w, h := downscaleDimensions(src.Width, src.Height, n.cfg.DownscalePixels)
	if w != src.Width || h != src.Height {
		n.logger.Info("no native-resolution candidate accepted, retrying downscaled",
			slog.Int("width", w), slog.Int("height", h))
		if plan, ok := n.tryResolution(ctx, src, prober, w, h, true); ok {
			return plan, nil
		}
	}

	return EncoderPlan{}, fmt.Errorf("%w: source %s %dx%d", ErrUnsupportedConfiguration, src.CodecString, src.Width, src.Height)
}

// tryResolution probes every candidate codec string at the given
// dimensions across all hardware tiers.
func (n *Negotiator) tryResolution(ctx context.Context, src SourceMeta, prober CapabilityProber, w, h int, downscaled bool) (EncoderPlan, bool) {
	bitrate := n.targetBitrate(src, w, h)

	for _, cand := range candidateStrings(src.CodecString, w*h) {
		for _, tier := range hwTiers {
			req := ProbeRequest{
				CodecString: cand,
				Width:       w,
				Height:      h,
				FrameRate:   src.FrameRate,
				BitrateBps:  bitrate,
				Tier:        tier,
			}
			if prober.Supports(ctx, req) {
				n.logger.Debug("encoder candidate accepted",
					slog.String("codec", cand),
					slog.String("tier", tier.String()),
					slog.Int64("bitrate", bitrate))
				return EncoderPlan{
					CodecString: cand,
					Width:       w,
					Height:      h,
					FrameRate:   src.FrameRate,
					BitrateBps:  bitrate,
					Tier:        tier,
					Downscaled:  downscaled,
				}, true
			}
		}
	}

	return EncoderPlan{}, false
}

// candidateStrings returns codec strings for the pixel-count bucket,
// source family first, H.264 profiles as the universal tail.
func candidateStrings(sourceCodec string, pixelCount int) []string {
	family, _ := codec.ParseVideo(sourceCodec)

	var h264, h265 []string
	switch {
	case pixelCount > pixels4K:
		h265 = []string{"hvc1.1.6.L183.B0", "hvc1.1.6.L153.B0"}
		h264 = []string{"avc1.640034", "avc1.640033"}
	case pixelCount > pixels1080p:
		h265 = []string{"hvc1.1.6.L153.B0", "hvc1.1.6.L123.B0"}
		h264 = []string{"avc1.640033", "avc1.640028"}
	default:
		h265 = []string{"hvc1.1.6.L120.B0"}
		h264 = []string{"avc1.640028", "avc1.64001f", "avc1.4d401f"}
	}

	if family == codec.VideoH265 {
		return append(h265, h264...)
	}
	return h264
}

// targetBitrate scales the source's effective bitrate by the output
// pixel ratio, floors it by the resolution bucket, and clamps it to the
// configured range.
func (n *Negotiator) targetBitrate(src SourceMeta, w, h int) int64 {
	srcPixels := int64(src.Width) * int64(src.Height)
	dstPixels := int64(w) * int64(h)

	target := src.BitrateBps
	if srcPixels > 0 && target > 0 {
		target = target * dstPixels / srcPixels
	}

	floor := bitrateFloor(int(dstPixels))
	if target < floor {
		target = floor
	}

	if minRate := n.cfg.MinBitrate; minRate > 0 && target < minRate {
		target = minRate
	}
	if maxRate := n.cfg.MaxBitrate; maxRate > 0 && target > maxRate {
		target = maxRate
	}
	return target
}

func bitrateFloor(pixelCount int) int64 {
	switch {
	case pixelCount > pixels4K:
		return floor4KBps
	case pixelCount > pixels1080p:
		return floor1440pBps
	default:
		return floorDefaultBps
	}
}

// downscaleDimensions shrinks dimensions to fit under maxPixels while
// preserving aspect ratio. Results are even and at least 2 px per axis.
func downscaleDimensions(w, h, maxPixels int) (int, int) {
	if maxPixels < 4 || w*h <= maxPixels {
		return w, h
	}

	scale := math.Sqrt(float64(maxPixels) / float64(w*h))
	nw := int(float64(w)*scale) &^ 1
	nh := int(float64(h)*scale) &^ 1

	if nw < 2 {
		nw = 2
	}
	if nh < 2 {
		nh = 2
	}
	return nw, nh
}
