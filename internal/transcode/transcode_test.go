package transcode

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCollaborator(t *testing.T) *Collaborator {
	t.Helper()
	return &Collaborator{
		logger:  testLogger(),
		binary:  "/usr/bin/ffmpeg",
		retries: 2,
		workDir: t.TempDir(),
	}
}

// succeedRun fakes a successful ffmpeg run by creating the output file.
func succeedRun(record *[][]string) func(context.Context, *command) error {
	return func(_ context.Context, c *command) error {
		if record != nil {
			*record = append(*record, append([]string{}, c.args...))
		}
		return os.WriteFile(c.output, []byte("mp4"), 0o644)
	}
}

func TestRepackContainerArgs(t *testing.T) {
	var runs [][]string
	col := testCollaborator(t)
	col.runCommand = succeedRun(&runs)

	out, err := col.RepackContainer(context.Background(), "/videos/ride.mp4")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "ride.repack.mp4"))

	require.Len(t, runs, 1)
	joined := strings.Join(runs[0], " ")
	assert.Contains(t, joined, "-c copy")
	assert.Contains(t, joined, "-map_metadata -1")
	assert.Contains(t, joined, "-movflags +faststart")
	assert.Contains(t, joined, "-i /videos/ride.mp4")
}

func TestTranscodeWithForcedKeyframesArgs(t *testing.T) {
	var runs [][]string
	col := testCollaborator(t)
	col.runCommand = succeedRun(&runs)

	out, err := col.TranscodeWithForcedKeyframes(context.Background(), "/videos/ride.mp4", ForcedKeyframeOptions{
		GOPSize: 30,
		FPS:     29.97,
		Bitrate: 8_000_000,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "ride.keyframes.mp4"))

	require.Len(t, runs, 1)
	joined := strings.Join(runs[0], " ")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "-g 30")
	assert.Contains(t, joined, "-force_key_frames")
	assert.Contains(t, joined, "-b:v 8000000")
	assert.Contains(t, joined, "-c:a copy")
}

func TestTranscodeAudioCopyFallsBackToAAC(t *testing.T) {
	var runs [][]string
	col := testCollaborator(t)
	col.runCommand = func(_ context.Context, c *command) error {
		runs = append(runs, append([]string{}, c.args...))
		for _, a := range c.args {
			if a == "copy" {
				return errors.New("could not find tag for codec pcm_s16le")
			}
		}
		return os.WriteFile(c.output, []byte("mp4"), 0o644)
	}

	_, err := col.TranscodeWithForcedKeyframes(context.Background(), "/videos/ride.mp4", ForcedKeyframeOptions{GOPSize: 30})
	require.NoError(t, err)

	// audio copy tried to exhaustion, then one aac re-encode run
	require.Len(t, runs, 3)
	assert.Contains(t, strings.Join(runs[2], " "), "-c:a aac")
}

func TestRunWithRetryExhaustion(t *testing.T) {
	col := testCollaborator(t)

	attempts := 0
	col.runCommand = func(_ context.Context, _ *command) error {
		attempts++
		return errors.New("boom")
	}

	_, err := col.RepackContainer(context.Background(), "/videos/ride.mp4")
	require.ErrorIs(t, err, ErrTranscodeFailure)
	assert.Equal(t, 2, attempts)
	assert.ErrorContains(t, err, "boom")
}

func TestRunWithRetryEmptyOutputRetries(t *testing.T) {
	col := testCollaborator(t)

	attempts := 0
	col.runCommand = func(_ context.Context, c *command) error {
		attempts++
		if attempts == 1 {
			return os.WriteFile(c.output, nil, 0o644) // zero bytes
		}
		return os.WriteFile(c.output, []byte("mp4"), 0o644)
	}

	_, err := col.RepackContainer(context.Background(), "/videos/ride.mp4")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRunWithRetryHonorsCancellation(t *testing.T) {
	col := testCollaborator(t)
	col.runCommand = func(ctx context.Context, _ *command) error {
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := col.RepackContainer(ctx, "/videos/ride.mp4")
	require.ErrorIs(t, err, context.Canceled)
}

func TestCommandBuilderOrdering(t *testing.T) {
	cmd := newCommandBuilder("ffmpeg").
		hideBanner().
		overwrite().
		withInput("in.mp4").
		videoCodec("libx265").
		withOutput("out.mp4").
		build()

	args := strings.Join(cmd.args, " ")
	assert.Equal(t, "-loglevel error -hide_banner -y -i in.mp4 -c:v libx265 out.mp4", args)
}

func TestFindBinaryConfiguredMissing(t *testing.T) {
	_, err := FindBinary("/nonexistent/ffmpeg")
	require.Error(t, err)
}
