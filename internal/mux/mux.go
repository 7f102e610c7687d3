// Package mux assembles processed video chunks and passthrough audio
// samples into an MP4 output. Small sources are muxed fully in memory;
// large sources stream fragments to the output as they are produced.
package mux

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/telemetra/telemetra/internal/codec"
	"github.com/telemetra/telemetra/internal/config"
	"github.com/telemetra/telemetra/internal/demux"
)

// Sentinel errors for mux failures.
var (
	// ErrEmptyOutput indicates muxing produced a zero-length container.
	ErrEmptyOutput = errors.New("muxed output is empty")

	// ErrTrackIncompatible indicates a track cannot be represented in
	// the output container. With audio present, the buffered path
	// retries video-only once on this class.
	ErrTrackIncompatible = errors.New("track incompatible with container")
)

// videoTimescale is the MP4 track timescale; chunk timestamps are
// already in microseconds so ticks map 1:1.
const videoTimescale = 1_000_000

// VideoChunk is one encoded output sample from the frame pipeline.
// Data may be Annex-B or length-prefixed; muxing normalizes it.
type VideoChunk struct {
	Data        []byte
	TimestampUs uint64
	DurationUs  uint64
	IsKeyframe  bool
}

// Job carries everything needed to produce the output container.
type Job struct {
	VideoFamily codec.Video

	// DecoderConfig is the avcC/hvcC configuration record when one is
	// known; parameter sets are otherwise pulled from the first
	// keyframe chunk.
	DecoderConfig []byte

	VideoChunks []VideoChunk

	AudioTrack   *demux.TrackDescriptor
	AudioSamples []demux.EncodedSample

	// OnProgress receives completion percentages strictly below 100.
	OnProgress func(pct float64)
}

// Muxer produces MP4 outputs.
type Muxer struct {
	logger *slog.Logger
	cutoff int64
}

// New creates a Muxer.
func New(logger *slog.Logger, cfg config.MuxConfig) *Muxer {
	return &Muxer{logger: logger, cutoff: int64(cfg.StreamingCutoff)}
}

// UseStreaming reports whether a source of the given size should be
// muxed through a streaming session instead of in memory.
func (m *Muxer) UseStreaming(sourceSize int64) bool {
	return sourceSize >= m.cutoff
}

// MuxMP4 muxes the job fully in memory. When the combined audio+video
// attempt fails on a track incompatibility and audio is present, it
// retries once without audio; all other failures are fatal.
func (m *Muxer) MuxMP4(job Job) ([]byte, error) {
	if len(job.VideoChunks) == 0 {
		return nil, fmt.Errorf("%w: no video chunks", ErrEmptyOutput)
	}

	withAudio := job.AudioTrack != nil && len(job.AudioSamples) > 0

	data, err := m.marshalContainer(job, withAudio)
	if err != nil && withAudio && errors.Is(err, ErrTrackIncompatible) {
		m.logger.Warn("audio track rejected by container, retrying video-only",
			slog.Any("error", err))
		data, err = m.marshalContainer(job, false)
	}
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, ErrEmptyOutput
	}
	return data, nil
}

// marshalContainer writes init segment plus media parts for the job.
func (m *Muxer) marshalContainer(job Job, withAudio bool) ([]byte, error) {
	videoCodec, err := buildVideoCodec(job.VideoFamily, job.DecoderConfig, job.VideoChunks)
	if err != nil {
		return nil, err
	}

	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: videoTimescale,
			Codec:     videoCodec,
		}},
	}

	if withAudio {
		audioCodec, err := buildAudioCodec(job.AudioTrack)
		if err != nil {
			return nil, err
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: videoTimescale,
			Codec:     audioCodec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling init segment: %w", err)
	}

	total := len(job.VideoChunks)
	if withAudio {
		total += len(job.AudioSamples)
	}
	done := 0
	progress := func(n int) {
		done += n
		if job.OnProgress != nil && total > 0 {
			pct := 100 * float64(done) / float64(total)
			if pct >= 100 {
				pct = 99.9
			}
			job.OnProgress(pct)
		}
	}

	videoSamples := convertVideoChunks(job.VideoChunks)
	progress(len(job.VideoChunks))

	part := fmp4.Part{
		SequenceNumber: 1,
		Tracks: []*fmp4.PartTrack{{
			ID:       videoTrackID,
			BaseTime: job.VideoChunks[0].TimestampUs,
			Samples:  videoSamples,
		}},
	}

	if withAudio {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       audioTrackID,
			BaseTime: firstAudioTime(job.AudioSamples),
			Samples:  convertAudioSamples(job.AudioSamples),
		})
		progress(len(job.AudioSamples))
	}

	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling media part: %w", err)
	}

	return buf.Bytes(), nil
}

const (
	videoTrackID = 1
	audioTrackID = 2
)

// convertVideoChunks normalizes chunk payloads to length-prefixed NALs
// and maps them to fmp4 samples.
func convertVideoChunks(chunks []VideoChunk) []*fmp4.Sample {
	samples := make([]*fmp4.Sample, len(chunks))
	for i, c := range chunks {
		samples[i] = &fmp4.Sample{
			Duration:        uint32(c.DurationUs),
			IsNonSyncSample: !c.IsKeyframe,
			Payload:         normalizePayload(c.Data),
		}
	}
	return samples
}

// convertAudioSamples maps passthrough audio to fmp4 samples. Audio
// timestamps are already microseconds, matching the track timescale.
func convertAudioSamples(in []demux.EncodedSample) []*fmp4.Sample {
	samples := make([]*fmp4.Sample, len(in))
	for i, s := range in {
		samples[i] = &fmp4.Sample{
			Duration: uint32(s.DurationUs),
			Payload:  s.Data,
		}
	}
	return samples
}

func firstAudioTime(in []demux.EncodedSample) uint64 {
	if len(in) == 0 {
		return 0
	}
	return in[0].TimestampUs
}

// buildAudioCodec maps the audio track descriptor to an MP4 codec.
// Unsupported families are reported as ErrTrackIncompatible so the
// buffered path can drop audio and retry.
func buildAudioCodec(track *demux.TrackDescriptor) (mp4.Codec, error) {
	if track == nil {
		return nil, fmt.Errorf("%w: no audio descriptor", ErrTrackIncompatible)
	}

	switch track.AudioFamily {
	case codec.AudioAAC:
		sampleRate := track.SampleRate
		if sampleRate <= 0 {
			sampleRate = 48000
		}
		channels := track.ChannelCount
		if channels <= 0 {
			channels = 2
		}
		return &mp4.CodecMPEG4Audio{
			Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   sampleRate,
				ChannelCount: channels,
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: audio family %q", ErrTrackIncompatible, track.AudioFamily)
	}
}
