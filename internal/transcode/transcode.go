// Package transcode drives the external ffmpeg process used to repair
// containers that cannot be demuxed and to re-encode video with a forced
// keyframe cadence. Every invocation is bounded by a timeout and a fixed
// retry budget.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/telemetra/telemetra/internal/config"
)

// ErrTranscodeFailure indicates the external transcoder failed after
// exhausting its retry budget.
var ErrTranscodeFailure = errors.New("external transcode failed")

// ForcedKeyframeOptions parameterize a keyframe-regularizing re-encode.
type ForcedKeyframeOptions struct {
	// GOPSize is the keyframe interval in frames.
	GOPSize int

	// FPS is the source frame rate, used to express the keyframe
	// interval in seconds for -force_key_frames.
	FPS float64

	// Encoder is the ffmpeg video encoder name; empty selects libx264.
	Encoder string

	// Bitrate is the target video bitrate in bps; zero lets ffmpeg pick.
	Bitrate int64
}

// Collaborator wraps ffmpeg for repair operations.
type Collaborator struct {
	logger  *slog.Logger
	binary  string
	timeout time.Duration
	retries int
	workDir string

	// runCommand is overridable in tests.
	runCommand func(ctx context.Context, c *command) error
}

// New locates ffmpeg and returns a Collaborator. workDir receives the
// repaired output files; empty selects the system temp directory.
func New(logger *slog.Logger, cfg config.FFmpegConfig, workDir string) (*Collaborator, error) {
	binary, err := FindBinary(cfg.BinaryPath)
	if err != nil {
		return nil, err
	}

	if workDir == "" {
		workDir = os.TempDir()
	}

	retries := cfg.RetryAttempts
	if retries < 1 {
		retries = 1
	}

	c := &Collaborator{
		logger:  logger,
		binary:  binary,
		timeout: cfg.Timeout,
		retries: retries,
		workDir: workDir,
	}
	c.runCommand = func(ctx context.Context, cmd *command) error {
		return cmd.run(ctx)
	}
	return c, nil
}

// RepackContainer rewrites the container around the existing encoded
// streams without re-encoding. Metadata is stripped and the moov box
// moved up front so the result parses from a prefix read.
func (t *Collaborator) RepackContainer(ctx context.Context, inputPath string) (string, error) {
	output := t.outputPath(inputPath, "repack")

	cmd := newCommandBuilder(t.binary).
		hideBanner().
		overwrite().
		withInput(inputPath).
		streamCopy().
		stripMetadata().
		fastStart().
		withOutput(output).
		build()

	if err := t.runWithRetry(ctx, cmd, "repack"); err != nil {
		return "", err
	}
	return output, nil
}

// TranscodeWithForcedKeyframes re-encodes the video stream with a fixed
// keyframe cadence. Audio is stream-copied on the first attempt; if that
// fails, the retry re-encodes audio to AAC, since copy failures are
// almost always incompatible audio packaging.
func (t *Collaborator) TranscodeWithForcedKeyframes(ctx context.Context, inputPath string, opts ForcedKeyframeOptions) (string, error) {
	output := t.outputPath(inputPath, "keyframes")

	encoder := opts.Encoder
	if encoder == "" {
		encoder = "libx264"
	}

	gop := opts.GOPSize
	if gop < 1 {
		gop = 60
	}

	build := func(audioCodec string) *command {
		b := newCommandBuilder(t.binary).
			hideBanner().
			overwrite().
			withInput(inputPath).
			videoCodec(encoder).
			gopSize(gop)

		if opts.FPS > 0 {
			b.forceKeyframeInterval(float64(gop) / opts.FPS)
		}
		if opts.Bitrate > 0 {
			b.extraOutputArgs("-b:v", fmt.Sprintf("%d", opts.Bitrate))
		}

		return b.audioCodec(audioCodec).
			fastStart().
			withOutput(output).
			build()
	}

	err := t.runWithRetry(ctx, build("copy"), "forced-keyframe transcode")
	if err == nil {
		return output, nil
	}

	t.logger.Warn("forced-keyframe transcode with audio copy failed, re-encoding audio",
		slog.Any("error", err))

	if err := t.runWithRetry(ctx, build("aac"), "forced-keyframe transcode (aac audio)"); err != nil {
		return "", err
	}
	return output, nil
}

// runWithRetry executes the command up to the retry budget, verifying
// the output file is non-empty on success.
func (t *Collaborator) runWithRetry(ctx context.Context, cmd *command, op string) error {
	var lastErr error

	for attempt := 1; attempt <= t.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if t.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, t.timeout)
		}

		t.logger.Debug("running ffmpeg",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("command", cmd.String()))

		err := t.runCommand(attemptCtx, cmd)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if verifyErr := verifyOutput(cmd.output); verifyErr != nil {
				err = verifyErr
			} else {
				return nil
			}
		}

		lastErr = err
		t.logger.Warn("ffmpeg attempt failed",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}

	tail := cmd.stderrTail()
	if tail != "" {
		return fmt.Errorf("%w: %s after %d attempts: %s (stderr: %s)",
			ErrTranscodeFailure, op, t.retries, lastErr, lastStderrLine(tail))
	}
	return fmt.Errorf("%w: %s after %d attempts: %s", ErrTranscodeFailure, op, t.retries, lastErr)
}

// outputPath builds a sibling output name under the work dir.
func (t *Collaborator) outputPath(inputPath, tag string) string {
	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(t.workDir, fmt.Sprintf("%s.%s.mp4", stem, tag))
}

func verifyOutput(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if st.Size() == 0 {
		return fmt.Errorf("output %s is empty", path)
	}
	return nil
}

func lastStderrLine(tail string) string {
	lines := strings.Split(tail, "\n")
	return lines[len(lines)-1]
}
