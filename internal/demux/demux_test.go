package demux

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRepairer struct {
	calls  int
	output string
	err    error
}

func (r *fakeRepairer) RepackContainer(_ context.Context, _ string) (string, error) {
	r.calls++
	return r.output, r.err
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func videoResult(n int) *Result {
	res := &Result{}
	for i := 0; i < n; i++ {
		res.VideoSamples = append(res.VideoSamples, EncodedSample{Data: []byte{0x01}})
	}
	return res
}

func TestDemuxWithFallbackPrimarySucceeds(t *testing.T) {
	d := New(testLogger(), 1<<30)
	d.parse = func(_ context.Context, path string) (*Result, error) {
		return videoResult(3), nil
	}

	rep := &fakeRepairer{}
	res, err := d.DemuxWithFallback(context.Background(), writeTemp(t, []byte("x")), rep)
	require.NoError(t, err)
	assert.Len(t, res.VideoSamples, 3)
	assert.Zero(t, rep.calls, "repairer must not run when the primary parse succeeds")
}

func TestDemuxWithFallbackRepacksOnParseFailure(t *testing.T) {
	input := writeTemp(t, []byte("broken"))
	repacked := writeTemp(t, []byte("fixed"))

	d := New(testLogger(), 1<<30)
	d.parse = func(_ context.Context, path string) (*Result, error) {
		if path == input {
			return nil, ErrParseFailure
		}
		return videoResult(2), nil
	}

	rep := &fakeRepairer{output: repacked}
	res, err := d.DemuxWithFallback(context.Background(), input, rep)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.calls)
	assert.Len(t, res.VideoSamples, 2)
}

func TestDemuxWithFallbackRepacksOnEmptyVideo(t *testing.T) {
	input := writeTemp(t, []byte("empty"))

	d := New(testLogger(), 1<<30)
	d.parse = func(_ context.Context, path string) (*Result, error) {
		if path == input {
			return videoResult(0), nil
		}
		return videoResult(1), nil
	}

	rep := &fakeRepairer{output: writeTemp(t, []byte("fixed"))}
	res, err := d.DemuxWithFallback(context.Background(), input, rep)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.calls)
	assert.Len(t, res.VideoSamples, 1)
}

func TestDemuxWithFallbackRespectsRepackCeiling(t *testing.T) {
	input := writeTemp(t, make([]byte, 2048))

	d := New(testLogger(), 1024)
	d.parse = func(_ context.Context, _ string) (*Result, error) {
		return nil, ErrParseFailure
	}

	rep := &fakeRepairer{}
	_, err := d.DemuxWithFallback(context.Background(), input, rep)
	require.ErrorIs(t, err, ErrParseFailure)
	assert.Zero(t, rep.calls, "files over the ceiling must not be repacked")
}

func TestAnnexBJoin(t *testing.T) {
	au := [][]byte{{0x40, 0x01}, {0x42, 0x01, 0x02}}
	want := []byte{
		0x00, 0x00, 0x00, 0x01, 0x40, 0x01,
		0x00, 0x00, 0x00, 0x01, 0x42, 0x01, 0x02,
	}
	assert.Equal(t, want, annexBJoin(au))
	assert.Nil(t, annexBJoin(nil))
}

func TestDemuxWithFallbackCeilingIsExclusive(t *testing.T) {
	input := writeTemp(t, make([]byte, 1024))

	d := New(testLogger(), 1024)
	d.parse = func(_ context.Context, _ string) (*Result, error) {
		return nil, ErrParseFailure
	}

	rep := &fakeRepairer{}
	_, err := d.DemuxWithFallback(context.Background(), input, rep)
	require.ErrorIs(t, err, ErrParseFailure)
	assert.Zero(t, rep.calls, "a file exactly at the ceiling must not be repacked")
}

func TestDemuxWithFallbackRepackFails(t *testing.T) {
	input := writeTemp(t, []byte("broken"))

	d := New(testLogger(), 1<<30)
	d.parse = func(_ context.Context, _ string) (*Result, error) {
		return nil, ErrParseFailure
	}

	rep := &fakeRepairer{err: errors.New("ffmpeg exploded")}
	_, err := d.DemuxWithFallback(context.Background(), input, rep)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParseFailure)
	assert.ErrorContains(t, err, "ffmpeg exploded")
}

func TestDemuxWithFallbackEmptyAfterRepack(t *testing.T) {
	input := writeTemp(t, []byte("broken"))

	d := New(testLogger(), 1<<30)
	d.parse = func(_ context.Context, path string) (*Result, error) {
		if path == input {
			return nil, ErrParseFailure
		}
		return videoResult(0), nil
	}

	rep := &fakeRepairer{output: writeTemp(t, []byte("still-empty"))}
	_, err := d.DemuxWithFallback(context.Background(), input, rep)
	require.ErrorIs(t, err, ErrNoVideoTrack)
}

func TestSniffFormat(t *testing.T) {
	tsData := make([]byte, 4*188)
	for i := 0; i < 4; i++ {
		tsData[i*188] = 0x47
	}

	mp4Head := append(make([]byte, 0, 32), 0x00, 0x00, 0x00, 0x20)
	mp4Head = append(mp4Head, []byte("ftypisom")...)
	mp4Head = append(mp4Head, make([]byte, 20)...)

	tests := []struct {
		name string
		data []byte
		want containerFormat
	}{
		{"mp4 ftyp", mp4Head, formatMP4},
		{"mpegts sync", tsData, formatMPEGTS},
		{"garbage", make([]byte, 1024), formatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sniffFormat(writeTemp(t, tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSniffFormatShortFile(t *testing.T) {
	_, err := sniffFormat(writeTemp(t, []byte("tiny")))
	require.ErrorIs(t, err, ErrParseFailure)
}

func TestFinalizeTSSamples(t *testing.T) {
	in := []tsSample{
		{pts: 90_000, data: []byte{1}},
		{pts: 93_000, data: []byte{2}},
		{pts: 96_000, data: []byte{3}},
	}

	out := finalizeTSSamples(in, func(b []byte) bool { return b[0] == 1 })
	require.Len(t, out, 3)

	assert.Equal(t, uint64(0), out[0].TimestampUs)
	assert.Equal(t, uint64(33_333), out[1].TimestampUs)
	assert.Equal(t, uint64(66_666), out[2].TimestampUs)

	// last sample inherits the previous duration
	assert.Equal(t, out[1].DurationUs, out[2].DurationUs)

	assert.True(t, out[0].IsRandomAccessPoint)
	assert.False(t, out[1].IsRandomAccessPoint)
}
