// Package demux parses a source container into elementary video and
// audio sample streams. MP4 files are read directly through their sample
// tables; MPEG-TS files are read through mediacommon. When the primary
// parse fails or yields no video, the container is repacked once through
// the external repair transcoder and re-parsed.
package demux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/telemetra/telemetra/internal/codec"
)

// Sentinel errors for demux failures.
var (
	// ErrParseFailure indicates the container could not be read.
	ErrParseFailure = errors.New("container unreadable")

	// ErrNoVideoTrack indicates the container holds no usable video track.
	ErrNoVideoTrack = errors.New("no video track")
)

// EncodedSample is one encoded media sample in a normalized microsecond
// timescale. Samples are immutable once produced.
type EncodedSample struct {
	Data                []byte
	TimestampUs         uint64
	DurationUs          uint64
	IsRandomAccessPoint bool
}

// TrackDescriptor describes one elementary track. Created during demux
// and read-only afterward.
type TrackDescriptor struct {
	CodecString string
	VideoFamily codec.Video
	AudioFamily codec.Audio

	// DecoderDescription carries the raw codec configuration record
	// (avcC/hvcC payload) when the container provides one.
	DecoderDescription []byte

	Timescale uint32
	Width     int
	Height    int
	FrameRate float64

	SampleRate   int
	ChannelCount int
}

// Result aggregates the outcome of one demux attempt. A fallback
// re-demux produces a new Result; an existing one is never mutated.
type Result struct {
	VideoTrack   TrackDescriptor
	AudioTrack   *TrackDescriptor
	VideoSamples []EncodedSample
	AudioSamples []EncodedSample

	// SourcePath and SourceSize identify the file that was actually
	// parsed, which differs from the original after a repack fallback.
	SourcePath string
	SourceSize int64
}

// Repairer repacks a broken container through the external transcoder,
// returning the path of the repacked file.
type Repairer interface {
	RepackContainer(ctx context.Context, inputPath string) (string, error)
}

// Demuxer parses containers into Results.
type Demuxer struct {
	logger *slog.Logger

	// repackCeiling bounds the source size eligible for the repack
	// fallback. Larger files fail immediately rather than risk a
	// long-running repack.
	repackCeiling int64

	// parse is the container parse entry point, overridable in tests.
	parse func(ctx context.Context, path string) (*Result, error)
}

// New creates a Demuxer. repackCeiling is in bytes.
func New(logger *slog.Logger, repackCeiling int64) *Demuxer {
	d := &Demuxer{
		logger:        logger,
		repackCeiling: repackCeiling,
	}
	d.parse = d.parseContainer
	return d
}

// Demux runs the primary parse. It fails with ErrParseFailure when the
// container cannot be read and ErrNoVideoTrack when no video track is
// present.
func (d *Demuxer) Demux(ctx context.Context, path string) (*Result, error) {
	return d.parse(ctx, path)
}

// DemuxWithFallback parses the container, repacking it once through the
// repairer when the primary parse fails or yields zero video samples and
// the file is under the repack ceiling. It guarantees a Result with a
// non-empty video sample set or a defined error.
func (d *Demuxer) DemuxWithFallback(ctx context.Context, path string, repairer Repairer) (*Result, error) {
	res, err := d.parse(ctx, path)
	if err == nil && len(res.VideoSamples) > 0 {
		return res, nil
	}

	size, statErr := fileSize(path)
	if statErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no video samples", ErrNoVideoTrack)
	}

	// only files strictly under the ceiling are eligible
	if size >= d.repackCeiling {
		if err != nil {
			return nil, fmt.Errorf("source is %d bytes, at or over the %d byte repack ceiling: %w", size, d.repackCeiling, err)
		}
		return nil, fmt.Errorf("source is %d bytes, at or over the %d byte repack ceiling: %w", size, d.repackCeiling, ErrNoVideoTrack)
	}

	d.logger.Warn("primary demux failed, repacking container",
		slog.String("path", path),
		slog.Int64("size", size),
		slog.Any("error", err))

	repacked, repackErr := repairer.RepackContainer(ctx, path)
	if repackErr != nil {
		if err != nil {
			return nil, fmt.Errorf("repack after demux failure: %w", errors.Join(err, repackErr))
		}
		return nil, fmt.Errorf("repack after empty demux: %w", repackErr)
	}

	res, err = d.parse(ctx, repacked)
	if err != nil {
		return nil, err
	}
	if len(res.VideoSamples) == 0 {
		return nil, fmt.Errorf("%w: no video samples after repack", ErrNoVideoTrack)
	}
	return res, nil
}

// parseContainer sniffs the container format and dispatches to the
// matching parser.
func (d *Demuxer) parseContainer(ctx context.Context, path string) (*Result, error) {
	format, err := sniffFormat(path)
	if err != nil {
		return nil, err
	}

	switch format {
	case formatMP4:
		return d.parseMP4(ctx, path)
	case formatMPEGTS:
		return d.parseMPEGTS(ctx, path)
	default:
		return nil, fmt.Errorf("%w: unrecognized container", ErrParseFailure)
	}
}

type containerFormat int

const (
	formatUnknown containerFormat = iota
	formatMP4
	formatMPEGTS
)

// sniffFormat identifies the container by magic bytes: an ISO BMFF ftyp
// box, or MPEG-TS 0x47 sync bytes at 188-byte packet boundaries.
func sniffFormat(path string) (containerFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return formatUnknown, fmt.Errorf("%w: %s", ErrParseFailure, err)
	}
	defer f.Close()

	head := make([]byte, 3*188+1)
	n, err := f.Read(head)
	if err != nil || n < 12 {
		return formatUnknown, fmt.Errorf("%w: short read", ErrParseFailure)
	}
	head = head[:n]

	if string(head[4:8]) == "ftyp" || string(head[4:8]) == "moov" || string(head[4:8]) == "styp" {
		return formatMP4, nil
	}

	if head[0] == 0x47 && len(head) > 2*188 && head[188] == 0x47 && head[2*188] == 0x47 {
		return formatMPEGTS, nil
	}

	return formatUnknown, nil
}

func fileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
