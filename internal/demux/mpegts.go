package demux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/telemetra/telemetra/internal/bitstream"
	"github.com/telemetra/telemetra/internal/codec"
)

// mpegtsTimescale is the PTS/DTS clock of MPEG-TS streams.
const mpegtsTimescale = 90_000

// tsSample is a raw demuxed access unit before duration assignment.
type tsSample struct {
	pts  int64
	data []byte
}

// parseMPEGTS reads the whole transport stream through mediacommon,
// collecting elementary video access units (as Annex-B payloads) and AAC
// frames. Tracks mediacommon cannot parse are dropped.
func (d *Demuxer) parseMPEGTS(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParseFailure, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParseFailure, err)
	}

	reader := &mpegts.Reader{R: bufio.NewReader(f)}
	if err := reader.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initializing mpegts reader: %s", ErrParseFailure, err)
	}

	var (
		videoFamily  codec.Video
		videoSamples []tsSample
		audioSamples []tsSample
		audioRate    int
		audioCh      int
		haveVideo    bool
		haveAudio    bool
	)

	for _, track := range reader.Tracks() {
		switch c := track.Codec.(type) {
		case *mpegts.CodecH264:
			if haveVideo {
				continue
			}
			haveVideo = true
			videoFamily = codec.VideoH264
			reader.OnDataH264(track, func(pts, _ int64, au [][]byte) error {
				data, err := h264.AnnexB(au).Marshal()
				if err != nil {
					return nil //nolint:nilerr // skip malformed AU, keep reading
				}
				videoSamples = append(videoSamples, tsSample{pts: pts, data: data})
				return nil
			})

		case *mpegts.CodecH265:
			if haveVideo {
				continue
			}
			haveVideo = true
			videoFamily = codec.VideoH265
			reader.OnDataH265(track, func(pts, _ int64, au [][]byte) error {
				videoSamples = append(videoSamples, tsSample{pts: pts, data: annexBJoin(au)})
				return nil
			})

		case *mpegts.CodecMPEG4Audio:
			if haveAudio {
				continue
			}
			haveAudio = true
			audioRate = c.Config.SampleRate
			audioCh = c.Config.ChannelCount
			reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
				for i, au := range aus {
					// AAC frames are 1024 samples apart.
					framePTS := pts + int64(i)*1024*mpegtsTimescale/int64(max(audioRate, 1))
					audioSamples = append(audioSamples, tsSample{pts: framePTS, data: au})
				}
				return nil
			})

		default:
			d.logger.Warn("dropping unsupported MPEG-TS track",
				slog.String("codec", fmt.Sprintf("%T", track.Codec)),
				slog.Uint64("pid", uint64(track.PID)))
		}
	}

	if !haveVideo {
		return nil, ErrNoVideoTrack
	}

	reader.OnDecodeError(func(err error) {
		d.logger.Debug("mpegts decode error", slog.Any("error", err))
	})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: reading mpegts: %s", ErrParseFailure, err)
		}
	}

	res := &Result{
		SourcePath: path,
		SourceSize: st.Size(),
	}

	res.VideoTrack = TrackDescriptor{
		CodecString: codec.DefaultCodecString(videoFamily),
		VideoFamily: videoFamily,
		Timescale:   mpegtsTimescale,
	}
	res.VideoSamples = finalizeTSSamples(videoSamples, func(data []byte) bool {
		return bitstream.IsKeyframe(data, videoFamily, nil)
	})

	fillVideoMetaFromBitstream(&res.VideoTrack, res.VideoSamples)

	if haveAudio {
		res.AudioTrack = &TrackDescriptor{
			CodecString:  "mp4a.40.2",
			AudioFamily:  codec.AudioAAC,
			Timescale:    mpegtsTimescale,
			SampleRate:   audioRate,
			ChannelCount: audioCh,
		}
		res.AudioSamples = finalizeTSSamples(audioSamples, func([]byte) bool { return true })
	}

	return res, nil
}

// annexBJoin start-code-joins an access unit's NAL units.
func annexBJoin(au [][]byte) []byte {
	var out []byte
	for _, n := range au {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

// finalizeTSSamples converts 90 kHz PTS values to microseconds and
// derives per-sample durations from timestamp deltas.
func finalizeTSSamples(in []tsSample, isRAP func([]byte) bool) []EncodedSample {
	if len(in) == 0 {
		return nil
	}

	base := in[0].pts
	out := make([]EncodedSample, len(in))
	for i, s := range in {
		ts := s.pts - base
		if ts < 0 {
			ts = 0
		}
		out[i] = EncodedSample{
			Data:                s.data,
			TimestampUs:         uint64(ts) * 1_000_000 / mpegtsTimescale,
			IsRandomAccessPoint: isRAP(s.data),
		}
	}

	for i := range out {
		if i+1 < len(out) && out[i+1].TimestampUs > out[i].TimestampUs {
			out[i].DurationUs = out[i+1].TimestampUs - out[i].TimestampUs
		} else if i > 0 {
			out[i].DurationUs = out[i-1].DurationUs
		} else {
			out[i].DurationUs = 33_333 // lone sample: assume ~30fps
		}
	}

	return out
}

// fillVideoMetaFromBitstream recovers dimensions and frame rate the
// transport stream does not carry: dimensions from the SPS of the first
// keyframe, frame rate from the sample count over the PTS span.
func fillVideoMetaFromBitstream(desc *TrackDescriptor, samples []EncodedSample) {
	for _, s := range samples {
		if !s.IsRandomAccessPoint {
			continue
		}
		units := bitstream.NALUnits(s.Data, bitstream.FramingAnnexB)
		for _, nal := range units {
			if len(nal) == 0 {
				continue
			}
			if desc.VideoFamily == codec.VideoH265 {
				if h265.NALUType((nal[0]>>1)&0x3F) == h265.NALUType_SPS_NUT {
					var sps h265.SPS
					if err := sps.Unmarshal(nal); err == nil {
						desc.Width = sps.Width()
						desc.Height = sps.Height()
					}
				}
				continue
			}
			if h264.NALUType(nal[0]&0x1F) == h264.NALUTypeSPS {
				var sps h264.SPS
				if err := sps.Unmarshal(nal); err == nil {
					desc.Width = sps.Width()
					desc.Height = sps.Height()
				}
			}
		}
		if desc.Width > 0 {
			break
		}
	}

	if n := len(samples); n > 1 {
		span := samples[n-1].TimestampUs + samples[n-1].DurationUs - samples[0].TimestampUs
		if span > 0 {
			desc.FrameRate = float64(n) * 1_000_000 / float64(span)
		}
	}
}
