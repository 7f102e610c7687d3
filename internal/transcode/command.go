package transcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// commandBuilder assembles ffmpeg argument lists with a fluent API.
type commandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
}

func newCommandBuilder(binary string) *commandBuilder {
	return &commandBuilder{
		binary:   binary,
		logLevel: "error",
	}
}

func (b *commandBuilder) hideBanner() *commandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

func (b *commandBuilder) overwrite() *commandBuilder {
	b.globalArgs = append(b.globalArgs, "-y")
	return b
}

func (b *commandBuilder) withInput(input string) *commandBuilder {
	b.input = input
	return b
}

func (b *commandBuilder) videoCodec(codec string) *commandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

func (b *commandBuilder) audioCodec(codec string) *commandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

func (b *commandBuilder) streamCopy() *commandBuilder {
	b.outputArgs = append(b.outputArgs, "-c", "copy")
	return b
}

func (b *commandBuilder) gopSize(frames int) *commandBuilder {
	b.outputArgs = append(b.outputArgs, "-g", strconv.Itoa(frames))
	return b
}

func (b *commandBuilder) forceKeyframeInterval(seconds float64) *commandBuilder {
	expr := fmt.Sprintf("expr:gte(t,n_forced*%g)", seconds)
	b.outputArgs = append(b.outputArgs, "-force_key_frames", expr)
	return b
}

func (b *commandBuilder) stripMetadata() *commandBuilder {
	b.outputArgs = append(b.outputArgs, "-map_metadata", "-1")
	return b
}

func (b *commandBuilder) fastStart() *commandBuilder {
	b.outputArgs = append(b.outputArgs, "-movflags", "+faststart")
	return b
}

func (b *commandBuilder) extraOutputArgs(args ...string) *commandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

func (b *commandBuilder) withOutput(output string) *commandBuilder {
	b.output = output
	return b
}

func (b *commandBuilder) build() *command {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &command{
		binary: b.binary,
		args:   args,
		output: b.output,
	}
}

// command is one ffmpeg invocation with stderr tail capture.
type command struct {
	binary string
	args   []string
	output string

	mu          sync.Mutex
	stderrLines []string
}

const maxStderrLines = 40

func (c *command) String() string {
	return c.binary + " " + strings.Join(c.args, " ")
}

// run executes the command, retaining the last stderr lines for error
// diagnostics.
func (c *command) run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.binary, c.args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	done := make(chan struct{})
	go c.captureStderr(stderr, done)

	waitErr := cmd.Wait()
	<-done
	return waitErr
}

// captureStderr keeps a ring of recent stderr lines.
func (c *command) captureStderr(r io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.mu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, scanner.Text())
		c.mu.Unlock()
	}
}

// stderrTail returns the captured stderr lines joined for diagnostics.
func (c *command) stderrTail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.stderrLines, "\n")
}

// FindBinary locates the ffmpeg executable. Search order: explicit
// configured path, TELEMETRA_FFMPEG_BINARY, ./ffmpeg, then PATH.
func FindBinary(configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("configured ffmpeg path %q is not executable", configured)
	}

	if envPath := os.Getenv("TELEMETRA_FFMPEG_BINARY"); envPath != "" {
		if isExecutable(envPath) {
			return envPath, nil
		}
	}

	if isExecutable("./ffmpeg") {
		return "./ffmpeg", nil
	}

	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("ffmpeg binary not found")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
