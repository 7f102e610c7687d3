package mux

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetra/telemetra/internal/codec"
	"github.com/telemetra/telemetra/internal/config"
	"github.com/telemetra/telemetra/internal/demux"
)

// real x264 1080p parameter sets
var (
	validSPS = []byte{
		0x67, 0x64, 0x00, 0x28, 0xac, 0xd9, 0x40, 0x78,
		0x02, 0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00,
		0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60,
		0xc6, 0x58,
	}
	validPPS = []byte{0x68, 0xeb, 0xec, 0xb2, 0x2c}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMuxer() *Muxer {
	return New(testLogger(), config.MuxConfig{StreamingCutoff: 512 * config.MiB})
}

// annexB joins NALs with 4-byte start codes.
func annexB(nals ...[]byte) []byte {
	var out []byte
	for _, nal := range nals {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, nal...)
	}
	return out
}

func keyframeChunk(ts uint64) VideoChunk {
	idr := []byte{0x65, 0x88, 0x84, 0x00}
	return VideoChunk{
		Data:        annexB(validSPS, validPPS, idr),
		TimestampUs: ts,
		DurationUs:  33_333,
		IsKeyframe:  true,
	}
}

func deltaChunk(ts uint64) VideoChunk {
	return VideoChunk{
		Data:        annexB([]byte{0x41, 0x9a, 0x00, 0x01}),
		TimestampUs: ts,
		DurationUs:  33_333,
	}
}

func aacTrack() *demux.TrackDescriptor {
	return &demux.TrackDescriptor{
		CodecString:  "mp4a.40.2",
		AudioFamily:  codec.AudioAAC,
		SampleRate:   48000,
		ChannelCount: 2,
	}
}

func aacSamples(n int) []demux.EncodedSample {
	out := make([]demux.EncodedSample, n)
	for i := range out {
		out[i] = demux.EncodedSample{
			Data:                []byte{0x21, 0x10, 0x05},
			TimestampUs:         uint64(i) * 21_333,
			DurationUs:          21_333,
			IsRandomAccessPoint: true,
		}
	}
	return out
}

func TestMuxMP4VideoOnly(t *testing.T) {
	m := testMuxer()

	data, err := m.MuxMP4(Job{
		VideoFamily: codec.VideoH264,
		VideoChunks: []VideoChunk{keyframeChunk(0), deltaChunk(33_333), deltaChunk(66_666)},
	})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	assert.True(t, bytes.Contains(data, []byte("moov")))
	assert.True(t, bytes.Contains(data, []byte("moof")))
	assert.True(t, bytes.Contains(data, []byte("avc1")))
}

func TestMuxMP4WithAACAudio(t *testing.T) {
	m := testMuxer()

	data, err := m.MuxMP4(Job{
		VideoFamily:  codec.VideoH264,
		VideoChunks:  []VideoChunk{keyframeChunk(0), deltaChunk(33_333)},
		AudioTrack:   aacTrack(),
		AudioSamples: aacSamples(4),
	})
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte("mp4a")))
}

func TestMuxMP4IncompatibleAudioRetriesVideoOnly(t *testing.T) {
	m := testMuxer()

	pcm := &demux.TrackDescriptor{AudioFamily: codec.AudioPCM}
	data, err := m.MuxMP4(Job{
		VideoFamily:  codec.VideoH264,
		VideoChunks:  []VideoChunk{keyframeChunk(0)},
		AudioTrack:   pcm,
		AudioSamples: aacSamples(2),
	})
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte("avc1")))
	assert.False(t, bytes.Contains(data, []byte("mp4a")))
}

func TestMuxMP4ProgressStaysBelow100(t *testing.T) {
	m := testMuxer()

	var reports []float64
	_, err := m.MuxMP4(Job{
		VideoFamily: codec.VideoH264,
		VideoChunks: []VideoChunk{keyframeChunk(0), deltaChunk(33_333)},
		OnProgress:  func(pct float64) { reports = append(reports, pct) },
	})
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	for _, pct := range reports {
		assert.Less(t, pct, 100.0)
	}
}

func TestMuxMP4NoChunks(t *testing.T) {
	_, err := testMuxer().MuxMP4(Job{VideoFamily: codec.VideoH264})
	require.ErrorIs(t, err, ErrEmptyOutput)
}

func TestMuxMP4MissingParamSets(t *testing.T) {
	_, err := testMuxer().MuxMP4(Job{
		VideoFamily: codec.VideoH264,
		VideoChunks: []VideoChunk{deltaChunk(0)},
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "parameter sets")
}

func TestUseStreaming(t *testing.T) {
	m := testMuxer()
	assert.False(t, m.UseStreaming(100*int64(config.MiB)))
	assert.True(t, m.UseStreaming(512*int64(config.MiB)))
	assert.True(t, m.UseStreaming(600*int64(config.MiB)))
}

func TestH264ParamsFromConfig(t *testing.T) {
	cfg := []byte{1, 0x64, 0x00, 0x28, 0xFF, 0xE1}
	cfg = append(cfg, byte(len(validSPS)>>8), byte(len(validSPS)))
	cfg = append(cfg, validSPS...)
	cfg = append(cfg, 1, byte(len(validPPS)>>8), byte(len(validPPS)))
	cfg = append(cfg, validPPS...)

	sps, pps := h264ParamsFromConfig(cfg)
	assert.Equal(t, validSPS, sps)
	assert.Equal(t, validPPS, pps)

	sps, pps = h264ParamsFromConfig([]byte{0x00, 0x01})
	assert.Nil(t, sps)
	assert.Nil(t, pps)
}

func TestH265ParamsFromConfig(t *testing.T) {
	vps := []byte{0x40, 0x01, 0x0c}
	sps := []byte{0x42, 0x01, 0x01}
	pps := []byte{0x44, 0x01, 0xc0}

	cfg := make([]byte, 22)
	cfg[0] = 1
	cfg = append(cfg, 3) // three NAL arrays
	for _, arr := range []struct {
		typ byte
		nal []byte
	}{{32, vps}, {33, sps}, {34, pps}} {
		cfg = append(cfg, arr.typ, 0, 1)
		cfg = append(cfg, byte(len(arr.nal)>>8), byte(len(arr.nal)))
		cfg = append(cfg, arr.nal...)
	}

	gotVPS, gotSPS, gotPPS := h265ParamsFromConfig(cfg)
	assert.Equal(t, vps, gotVPS)
	assert.Equal(t, sps, gotSPS)
	assert.Equal(t, pps, gotPPS)
}

func TestNormalizePayload(t *testing.T) {
	nal := []byte{0x65, 0x01, 0x02}
	got := normalizePayload(annexB(nal))
	want := append([]byte{0x00, 0x00, 0x00, 0x03}, nal...)
	assert.Equal(t, want, got)

	// length-prefixed input passes through
	assert.Equal(t, want, normalizePayload(want))
}

func TestStreamingSessionLifecycle(t *testing.T) {
	m := testMuxer()
	var out bytes.Buffer

	sess, err := m.StartStreamingSession(&out, Job{
		VideoFamily:  codec.VideoH264,
		AudioTrack:   aacTrack(),
		AudioSamples: aacSamples(3),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, sess.EnqueueVideoChunk(keyframeChunk(0)))
	require.NoError(t, sess.EnqueueVideoChunk(deltaChunk(33_333)))
	require.NoError(t, sess.FlushVideoQueue())

	afterVideo := sess.BytesWritten()
	assert.Positive(t, afterVideo, "flush must write init and a part")

	require.NoError(t, sess.EnqueueVideoChunk(deltaChunk(66_666)))
	require.NoError(t, sess.Finalize())
	assert.Greater(t, sess.BytesWritten(), afterVideo)

	data := out.Bytes()
	assert.True(t, bytes.Contains(data, []byte("moov")))
	assert.True(t, bytes.Contains(data, []byte("mp4a")))

	// rejected after finalize
	require.Error(t, sess.EnqueueVideoChunk(deltaChunk(99_999)))
}

func TestStreamingSessionEmptyOutput(t *testing.T) {
	m := testMuxer()
	var out bytes.Buffer

	sess, err := m.StartStreamingSession(&out, Job{VideoFamily: codec.VideoH264}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, sess.Finalize(), ErrEmptyOutput)
}

func TestStreamingSessionAbort(t *testing.T) {
	m := testMuxer()
	var out bytes.Buffer

	aborted := false
	sess, err := m.StartStreamingSession(&out, Job{VideoFamily: codec.VideoH264}, func() bool { return aborted })
	require.NoError(t, err)

	require.NoError(t, sess.EnqueueVideoChunk(keyframeChunk(0)))
	aborted = true
	require.ErrorIs(t, sess.EnqueueVideoChunk(deltaChunk(1)), context.Canceled)
	require.ErrorIs(t, sess.FlushVideoQueue(), context.Canceled)
}
