package negotiate

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/telemetra/telemetra/internal/codec"
)

// FFmpegProber answers capability probes by running a short null encode
// with the candidate encoder. Results are cached per encoder and
// resolution since probes spawn processes.
type FFmpegProber struct {
	logger *slog.Logger
	binary string

	mu    sync.Mutex
	cache map[string]bool

	// runProbe is overridable in tests.
	runProbe func(ctx context.Context, args []string) error
}

// NewFFmpegProber creates a prober against the given ffmpeg binary.
func NewFFmpegProber(logger *slog.Logger, binary string) *FFmpegProber {
	p := &FFmpegProber{
		logger: logger,
		binary: binary,
		cache:  make(map[string]bool),
	}
	p.runProbe = func(ctx context.Context, args []string) error {
		return exec.CommandContext(ctx, p.binary, args...).Run()
	}
	return p
}

// Supports probes the configuration. Hardware tiers restrict which
// encoder implementations are attempted: prefer-hardware only tries
// vendor encoders, prefer-software only the library encoder, and
// no-preference accepts either.
func (p *FFmpegProber) Supports(ctx context.Context, req ProbeRequest) bool {
	family, ok := codec.ParseVideo(req.CodecString)
	if !ok {
		return false
	}

	for _, enc := range encodersForTier(family, req.Tier) {
		if p.probeEncoder(ctx, enc, req.Width, req.Height) {
			return true
		}
	}
	return false
}

// probeEncoder runs a one-frame null encode, memoizing the outcome.
func (p *FFmpegProber) probeEncoder(ctx context.Context, encoder string, w, h int) bool {
	key := fmt.Sprintf("%s:%dx%d", encoder, w, h)

	p.mu.Lock()
	if ok, seen := p.cache[key]; seen {
		p.mu.Unlock()
		return ok
	}
	p.mu.Unlock()

	args := []string{
		"-hide_banner",
		"-f", "lavfi", "-i", fmt.Sprintf("nullsrc=s=%dx%d:d=0.1", w, h),
		"-c:v", encoder,
		"-frames:v", "1",
		"-f", "null", "-",
	}

	err := p.runProbe(ctx, args)
	ok := err == nil
	if !ok {
		p.logger.Debug("encoder probe rejected",
			slog.String("encoder", encoder),
			slog.String("resolution", fmt.Sprintf("%dx%d", w, h)),
			slog.Any("error", err))
	}

	p.mu.Lock()
	p.cache[key] = ok
	p.mu.Unlock()
	return ok
}

// hardware encoder names per family, in vendor preference order.
var hwEncoders = map[codec.Video][]string{
	codec.VideoH264: {"h264_nvenc", "h264_qsv", "h264_vaapi", "h264_videotoolbox"},
	codec.VideoH265: {"hevc_nvenc", "hevc_qsv", "hevc_vaapi", "hevc_videotoolbox"},
}

func encodersForTier(family codec.Video, tier codec.HWTier) []string {
	hw := hwEncoders[family]
	sw := codec.VideoEncoder(family)

	switch tier {
	case codec.TierPreferHardware:
		return hw
	case codec.TierPreferSoftware:
		if sw == "" {
			return nil
		}
		return []string{sw}
	default:
		if sw == "" {
			return hw
		}
		return append(append([]string{}, hw...), sw)
	}
}
