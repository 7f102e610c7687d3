package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/telemetra/telemetra/internal/bitstream"
	"github.com/telemetra/telemetra/internal/codec"
	"github.com/telemetra/telemetra/internal/demux"
)

// timestampQueue pairs submitted samples with the frames or access
// units that come back out of the process, in order.
type timestampQueue struct {
	mu    sync.Mutex
	ts    []uint64
	dur   []uint64
	depth atomic.Int64
}

func (q *timestampQueue) push(ts, dur uint64) {
	q.mu.Lock()
	q.ts = append(q.ts, ts)
	q.dur = append(q.dur, dur)
	q.mu.Unlock()
	q.depth.Add(1)
}

func (q *timestampQueue) pop() (ts, dur uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ts) == 0 {
		return 0, 0, false
	}
	ts, dur = q.ts[0], q.dur[0]
	q.ts = q.ts[1:]
	q.dur = q.dur[1:]
	q.depth.Add(-1)
	return ts, dur, true
}

// popMin removes the entry with the smallest timestamp. Samples arrive
// in decode order while frames come back in presentation order, so the
// next frame out always carries the earliest pending timestamp.
func (q *timestampQueue) popMin() (ts, dur uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ts) == 0 {
		return 0, 0, false
	}
	min := 0
	for i := 1; i < len(q.ts); i++ {
		if q.ts[i] < q.ts[min] {
			min = i
		}
	}
	ts, dur = q.ts[min], q.dur[min]
	q.ts = append(q.ts[:min], q.ts[min+1:]...)
	q.dur = append(q.dur[:min], q.dur[min+1:]...)
	q.depth.Add(-1)
	return ts, dur, true
}

// dropLast undoes the most recent push after a failed write.
func (q *timestampQueue) dropLast() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.ts); n > 0 {
		q.ts = q.ts[:n-1]
		q.dur = q.dur[:n-1]
		q.depth.Add(-1)
	}
}

func (q *timestampQueue) len() int {
	return int(q.depth.Load())
}

// FFmpegDecoder decodes NAL-family video through a long-lived ffmpeg
// process, feeding Annex-B on stdin and reading raw RGBA on stdout.
type FFmpegDecoder struct {
	logger *slog.Logger
	binary string

	mu      sync.Mutex
	cfg     DecoderConfig
	cb      DecoderCallbacks
	started bool
	closed  bool

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	framing     bitstream.Framing
	sentParams  bool
	pending     timestampQueue
	readerDone  chan struct{}
	readerErr   error
	readerErrMu sync.Mutex
}

// NewFFmpegDecoder creates a decoder backed by the given ffmpeg binary.
func NewFFmpegDecoder(logger *slog.Logger, binary string) *FFmpegDecoder {
	return &FFmpegDecoder{logger: logger, binary: binary}
}

// Configure validates the track and stores callbacks. The process is
// not spawned until the first Decode, so Configure may be called again
// before any sample is submitted.
func (d *FFmpegDecoder) Configure(cfg DecoderConfig, cb DecoderCallbacks) error {
	if cfg.Family != codec.VideoH264 && cfg.Family != codec.VideoH265 {
		return fmt.Errorf("decoder: unsupported family %q", cfg.Family)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("decoder: missing dimensions for %s", cfg.CodecString)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("decoder: already decoding")
	}
	d.cfg = cfg
	d.cb = cb
	d.sentParams = false
	return nil
}

func (d *FFmpegDecoder) start() error {
	inFormat := "h264"
	if d.cfg.Family == codec.VideoH265 {
		inFormat = "hevc"
	}

	args := []string{
		"-loglevel", "error",
		"-f", inFormat,
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}

	d.cmd = exec.Command(d.binary, args...)

	var err error
	d.stdin, err = d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	d.stdout, err = d.cmd.StdoutPipe()
	if err != nil {
		d.stdin.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := d.cmd.Start(); err != nil {
		d.stdin.Close()
		d.stdout.Close()
		return fmt.Errorf("starting ffmpeg decoder: %w", err)
	}

	d.readerDone = make(chan struct{})
	go d.readFrames()

	d.started = true
	d.logger.Debug("ffmpeg decoder started",
		slog.String("format", inFormat),
		slog.Int("width", d.cfg.Width),
		slog.Int("height", d.cfg.Height))
	return nil
}

// readFrames pulls fixed-size RGBA planes off stdout and delivers them
// with the timestamps of the samples that produced them.
func (d *FFmpegDecoder) readFrames() {
	defer close(d.readerDone)

	frameSize := d.cfg.Width * d.cfg.Height * 4
	r := bufio.NewReaderSize(d.stdout, frameSize)

	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				d.setReaderErr(fmt.Errorf("reading decoded frame: %w", err))
				if d.cb.OnError != nil {
					d.cb.OnError(err)
				}
			}
			return
		}

		ts, dur, ok := d.pending.popMin()
		if !ok {
			d.setReaderErr(errors.New("decoder produced more frames than samples"))
			return
		}

		img := &image.RGBA{
			Pix:    buf,
			Stride: d.cfg.Width * 4,
			Rect:   image.Rect(0, 0, d.cfg.Width, d.cfg.Height),
		}
		if d.cb.OnFrame != nil {
			d.cb.OnFrame(NewDecodedFrame(img, ts, dur, nil))
		}
	}
}

func (d *FFmpegDecoder) setReaderErr(err error) {
	d.readerErrMu.Lock()
	if d.readerErr == nil {
		d.readerErr = err
	}
	d.readerErrMu.Unlock()
}

// Decode submits one sample. The first call spawns the process and
// injects out-of-band parameter sets ahead of the stream.
func (d *FFmpegDecoder) Decode(sample demux.EncodedSample) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("decoder: closed")
	}
	if !d.started {
		if err := d.start(); err != nil {
			d.mu.Unlock()
			return err
		}
		d.framing = bitstream.DetectFraming(sample.Data, d.cfg.Family, d.cfg.Description)
	}
	d.mu.Unlock()

	if !d.sentParams {
		d.sentParams = true
		if params := parameterSetsFromDescription(d.cfg.Family, d.cfg.Description); len(params) > 0 {
			if _, err := d.stdin.Write(joinAnnexB(params)); err != nil {
				return fmt.Errorf("writing parameter sets: %w", err)
			}
		}
	}

	payload := toAnnexB(sample.Data, d.framing)
	d.pending.push(sample.TimestampUs, sample.DurationUs)
	if _, err := d.stdin.Write(payload); err != nil {
		d.pending.dropLast()
		return fmt.Errorf("writing sample: %w", err)
	}
	return nil
}

func (d *FFmpegDecoder) QueueSize() int {
	return d.pending.len()
}

// Flush closes the input side and waits for every queued sample to
// come back out.
func (d *FFmpegDecoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}

	d.stdin.Close()
	select {
	case <-d.readerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := d.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg decoder exited: %w", err)
	}
	d.readerErrMu.Lock()
	defer d.readerErrMu.Unlock()
	return d.readerErr
}

func (d *FFmpegDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.started {
		d.closed = true
		return nil
	}
	d.closed = true
	d.stdin.Close()
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	<-d.readerDone
	d.cmd.Wait()
	return nil
}

// FFmpegEncoder encodes RGBA frames through a long-lived ffmpeg
// process. Access units come back on stdout delimited by AUD NAL
// units, which a bitstream filter guarantees regardless of encoder.
type FFmpegEncoder struct {
	logger *slog.Logger
	binary string

	mu      sync.Mutex
	cfg     EncoderConfig
	cb      EncoderCallbacks
	family  codec.Video
	started bool
	closed  bool

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	pending    timestampQueue
	readerDone chan struct{}
}

// NewFFmpegEncoder creates an encoder backed by the given ffmpeg binary.
func NewFFmpegEncoder(logger *slog.Logger, binary string) *FFmpegEncoder {
	return &FFmpegEncoder{logger: logger, binary: binary}
}

func (e *FFmpegEncoder) Configure(cfg EncoderConfig, cb EncoderCallbacks) error {
	family, ok := codec.ParseVideo(cfg.CodecString)
	if !ok || (family != codec.VideoH264 && family != codec.VideoH265) {
		return fmt.Errorf("encoder: unsupported codec %q", cfg.CodecString)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FrameRate <= 0 {
		return errors.New("encoder: incomplete configuration")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("encoder: already encoding")
	}
	e.cfg = cfg
	e.cb = cb
	e.family = family
	return nil
}

// buildArgs assembles the encoder invocation. B-frames are disabled so
// access units leave the process in submission order and the output
// FIFO timestamp pairing holds.
func (e *FFmpegEncoder) buildArgs() []string {
	outFormat, audFilter := "h264", "h264_metadata=aud=insert"
	if e.family == codec.VideoH265 {
		outFormat, audFilter = "hevc", "hevc_metadata=aud=insert"
	}

	gopSeconds := float64(e.cfg.GOPSize) / e.cfg.FrameRate

	return []string{
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", e.cfg.Width, e.cfg.Height),
		"-r", strconv.FormatFloat(e.cfg.FrameRate, 'f', -1, 64),
		"-i", "pipe:0",
		"-c:v", codec.VideoEncoder(e.family),
		"-b:v", strconv.FormatInt(e.cfg.BitrateBps, 10),
		"-g", strconv.Itoa(e.cfg.GOPSize),
		"-bf", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%g)", gopSeconds),
		"-bsf:v", audFilter,
		"-f", outFormat,
		"pipe:1",
	}
}

func (e *FFmpegEncoder) start() error {
	e.cmd = exec.Command(e.binary, e.buildArgs()...)

	var err error
	e.stdin, err = e.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	e.stdout, err = e.cmd.StdoutPipe()
	if err != nil {
		e.stdin.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := e.cmd.Start(); err != nil {
		e.stdin.Close()
		e.stdout.Close()
		return fmt.Errorf("starting ffmpeg encoder: %w", err)
	}

	e.readerDone = make(chan struct{})
	go e.readChunks()

	e.started = true
	e.logger.Debug("ffmpeg encoder started",
		slog.String("encoder", codec.VideoEncoder(e.family)),
		slog.Int64("bitrate", e.cfg.BitrateBps),
		slog.Int("gop", e.cfg.GOPSize))
	return nil
}

// readChunks splits the elementary stream into access units on AUD
// boundaries and delivers them in order.
func (e *FFmpegEncoder) readChunks() {
	defer close(e.readerDone)

	var acc []byte
	buf := make([]byte, 64<<10)
	for {
		n, err := e.stdout.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				au, rest, found := cutAccessUnit(acc, e.family)
				if !found {
					break
				}
				acc = rest
				e.deliver(au)
			}
		}
		if err != nil {
			if len(acc) > 0 {
				e.deliver(acc)
			}
			if !errors.Is(err, io.EOF) && e.cb.OnError != nil {
				e.cb.OnError(fmt.Errorf("reading encoded stream: %w", err))
			}
			return
		}
	}
}

func (e *FFmpegEncoder) deliver(au []byte) {
	ts, dur, ok := e.pending.pop()
	if !ok {
		e.logger.Warn("encoder produced more access units than frames")
		return
	}
	if e.cb.OnChunk != nil {
		e.cb.OnChunk(EncodedChunk{
			Data:        au,
			TimestampUs: ts,
			DurationUs:  dur,
			IsKeyframe:  bitstream.IsKeyframe(au, e.family, nil),
		})
	}
}

// Encode submits one frame. The keyframe cadence is fixed by the
// process arguments, so the per-frame force flag is advisory here.
func (e *FFmpegEncoder) Encode(frame *DecodedFrame, opts EncodeOptions) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("encoder: closed")
	}
	if !e.started {
		if err := e.start(); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	e.pending.push(frame.TimestampUs, frame.DurationUs)
	if _, err := e.stdin.Write(frame.Image.Pix); err != nil {
		e.pending.dropLast()
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (e *FFmpegEncoder) QueueSize() int {
	return e.pending.len()
}

func (e *FFmpegEncoder) Flush(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}

	e.stdin.Close()
	select {
	case <-e.readerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encoder exited: %w", err)
	}
	return nil
}

func (e *FFmpegEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.started {
		e.closed = true
		return nil
	}
	e.closed = true
	e.stdin.Close()
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
	<-e.readerDone
	e.cmd.Wait()
	return nil
}

// toAnnexB rewrites a sample payload with start codes. Annex-B input
// passes through untouched.
func toAnnexB(data []byte, f bitstream.Framing) []byte {
	if f == bitstream.FramingAnnexB {
		return data
	}
	return joinAnnexB(bitstream.NALUnits(data, f))
}

func joinAnnexB(nalus [][]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

// cutAccessUnit splits acc at the second AUD NAL unit: everything from
// the first AUD up to the second is one complete access unit.
func cutAccessUnit(acc []byte, family codec.Video) (au, rest []byte, found bool) {
	first := indexAUD(acc, family, 0)
	if first < 0 {
		return nil, acc, false
	}
	second := indexAUD(acc, family, first+4)
	if second < 0 {
		return nil, acc, false
	}
	out := make([]byte, second-first)
	copy(out, acc[first:second])
	return out, acc[second:], true
}

// indexAUD finds the next start code followed by an AUD NAL header.
func indexAUD(data []byte, family codec.Video, from int) int {
	for i := from; i+4 < len(data); i++ {
		var scLen int
		if data[i] == 0 && data[i+1] == 0 {
			switch {
			case data[i+2] == 1:
				scLen = 3
			case i+4 < len(data) && data[i+2] == 0 && data[i+3] == 1:
				scLen = 4
			default:
				continue
			}
		} else {
			continue
		}
		h := i + scLen
		if h >= len(data) {
			return -1
		}
		if family == codec.VideoH265 {
			if (data[h]>>1)&0x3F == 35 { // AUD_NUT
				return i
			}
		} else if data[h]&0x1F == 9 {
			return i
		}
	}
	return -1
}

// parameterSetsFromDescription pulls raw SPS/PPS (and VPS) NAL units
// out of an avcC or hvcC record so they can be fed in-band.
func parameterSetsFromDescription(family codec.Video, desc []byte) [][]byte {
	switch family {
	case codec.VideoH264:
		return avcCParams(desc)
	case codec.VideoH265:
		return hvcCParams(desc)
	}
	return nil
}

func avcCParams(desc []byte) [][]byte {
	if len(desc) < 7 || desc[0] != 1 {
		return nil
	}
	var out [][]byte
	pos := 5
	numSPS := int(desc[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		n, next := readParamNAL(desc, pos)
		if n == nil {
			return out
		}
		out = append(out, n)
		pos = next
	}
	if pos >= len(desc) {
		return out
	}
	numPPS := int(desc[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		n, next := readParamNAL(desc, pos)
		if n == nil {
			return out
		}
		out = append(out, n)
		pos = next
	}
	return out
}

func hvcCParams(desc []byte) [][]byte {
	if len(desc) < 23 {
		return nil
	}
	var out [][]byte
	numArrays := int(desc[22])
	pos := 23
	for a := 0; a < numArrays; a++ {
		if pos+3 > len(desc) {
			return out
		}
		count := int(desc[pos+1])<<8 | int(desc[pos+2])
		pos += 3
		for i := 0; i < count; i++ {
			n, next := readParamNAL(desc, pos)
			if n == nil {
				return out
			}
			out = append(out, n)
			pos = next
		}
	}
	return out
}

func readParamNAL(desc []byte, pos int) ([]byte, int) {
	if pos+2 > len(desc) {
		return nil, pos
	}
	n := int(desc[pos])<<8 | int(desc[pos+1])
	pos += 2
	if pos+n > len(desc) {
		return nil, pos
	}
	return desc[pos : pos+n], pos + n
}
