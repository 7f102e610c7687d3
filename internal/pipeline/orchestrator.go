// Package pipeline orchestrates the full overlay run: demux, source
// repair, decode, per-frame telemetry compositing, re-encode, and mux.
// Decoded frames flow through an append-only FIFO task chain with a
// bounded number in flight; the first failure anywhere latches and
// aborts the run cooperatively.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/telemetra/telemetra/internal/bitstream"
	"github.com/telemetra/telemetra/internal/codec"
	"github.com/telemetra/telemetra/internal/config"
	"github.com/telemetra/telemetra/internal/demux"
	"github.com/telemetra/telemetra/internal/mux"
	"github.com/telemetra/telemetra/internal/negotiate"
	"github.com/telemetra/telemetra/internal/observability"
	"github.com/telemetra/telemetra/internal/progress"
	"github.com/telemetra/telemetra/internal/telemetry"
	"github.com/telemetra/telemetra/internal/transcode"
)

// State is the orchestrator's lifecycle phase.
type State string

// Orchestrator states.
const (
	StateIdle       State = "idle"
	StateDemuxing   State = "demuxing"
	StateRepairing  State = "repairing"
	StateProcessing State = "processing"
	StateMuxing     State = "muxing"
	StateComplete   State = "complete"
	StateError      State = "error"
)

// Transcoder is the external repair collaborator surface.
type Transcoder interface {
	RepackContainer(ctx context.Context, inputPath string) (string, error)
	TranscodeWithForcedKeyframes(ctx context.Context, inputPath string, opts transcode.ForcedKeyframeOptions) (string, error)
}

// Demuxer is the container parsing surface.
type Demuxer interface {
	Demux(ctx context.Context, path string) (*demux.Result, error)
	DemuxWithFallback(ctx context.Context, path string, repairer demux.Repairer) (*demux.Result, error)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Demuxer    Demuxer
	Transcoder Transcoder
	Negotiator *negotiate.Negotiator
	Prober     negotiate.CapabilityProber
	Muxer      *mux.Muxer
	Decoder    VideoDecoder
	Encoder    VideoEncoder
	Renderer   telemetry.Renderer

	// OnProgress receives mapped progress updates; optional.
	OnProgress func(progress.Update)
}

// Request describes one overlay run.
type Request struct {
	InputPath  string
	OutputPath string

	Timeline *telemetry.Timeline
	Overlay  telemetry.OverlayConfig

	// SyncOffsetSeconds shifts telemetry lookup relative to video time.
	SyncOffsetSeconds float64
}

// Orchestrator runs overlay jobs.
type Orchestrator struct {
	logger *slog.Logger
	cfg    *config.Config
	deps   Deps

	mu    sync.Mutex
	state State
}

// New creates an Orchestrator.
func New(logger *slog.Logger, cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		logger: logger,
		cfg:    cfg,
		deps:   deps,
		state:  StateIdle,
	}
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("pipeline state", slog.String("state", string(s)))
}

// Run executes one overlay job end to end.
func (o *Orchestrator) Run(ctx context.Context, req Request) (err error) {
	runID := ulid.Make().String()
	log := observability.WithRunID(o.logger, runID)
	ctx = observability.ContextWithLogger(ctx, log)
	log.Info("starting overlay run",
		slog.String("input", req.InputPath),
		slog.String("output", req.OutputPath))
	done := observability.TimedOperation(ctx, log, "overlay run")
	defer done()

	mapper := progress.NewMapper()
	report := func(phase progress.Phase, pct float64) {
		if o.deps.OnProgress != nil {
			o.deps.OnProgress(mapper.Report(phase, pct))
		}
	}

	defer func() {
		if err != nil {
			o.setState(StateError)
			log.Error("overlay run failed", slog.Any("error", err))
		}
	}()

	// demux
	o.setState(StateDemuxing)
	report(progress.PhaseDemux, 0)
	res, err := o.deps.Demuxer.DemuxWithFallback(ctx, req.InputPath, o.deps.Transcoder)
	if err != nil {
		return err
	}
	report(progress.PhaseDemux, 100)

	// pre-pass: the source must be decodable and carry a keyframe near
	// the front; one repair transcode covers both defects.
	res, err = o.prepareSource(ctx, req.InputPath, res, report)
	if err != nil {
		return err
	}

	window := bitstreamSamples(res.VideoSamples, o.cfg.Pipeline.KeyframeWindow)
	firstKF := bitstream.FirstKeyframeIndex(window, res.VideoTrack.VideoFamily,
		res.VideoTrack.DecoderDescription, o.cfg.Pipeline.KeyframeWindow)
	if firstKF > 0 {
		log.Info("dropping leading samples before first keyframe", slog.Int("count", firstKF))
		res.VideoSamples = res.VideoSamples[firstKF:]
	}

	gop := bitstream.DetectGOPSizeN(bitstreamSamples(res.VideoSamples, 0),
		res.VideoTrack.VideoFamily, res.VideoTrack.DecoderDescription, res.VideoTrack.FrameRate,
		o.cfg.Pipeline.GOPDetectionSamples)
	log.Debug("inferred GOP size", slog.Int("frames", gop))

	// encoder negotiation
	plan, err := o.deps.Negotiator.Negotiate(ctx, negotiate.SourceMeta{
		CodecString: res.VideoTrack.CodecString,
		Width:       res.VideoTrack.Width,
		Height:      res.VideoTrack.Height,
		FrameRate:   res.VideoTrack.FrameRate,
		BitrateBps:  effectiveBitrate(res),
	}, o.deps.Prober)
	if err != nil {
		return err
	}
	log.Info("negotiated encoder plan",
		slog.String("codec", plan.CodecString),
		slog.String("tier", plan.Tier.String()),
		slog.Int64("bitrate", plan.BitrateBps),
		slog.Bool("downscaled", plan.Downscaled))

	// the muxed track carries the negotiated codec, not the source's
	outFamily, ok := codec.ParseVideo(plan.CodecString)
	if !ok {
		outFamily = res.VideoTrack.VideoFamily
	}

	if o.deps.Muxer.UseStreaming(res.SourceSize) {
		return o.runStreaming(ctx, req, res, plan, outFamily, gop, report, mapper)
	}
	return o.runBuffered(ctx, req, res, plan, outFamily, gop, report, mapper)
}

// runBuffered collects all encoded chunks in memory, then muxes.
func (o *Orchestrator) runBuffered(ctx context.Context, req Request, res *demux.Result,
	plan negotiate.EncoderPlan, outFamily codec.Video, gop int,
	report func(progress.Phase, float64), mapper *progress.Mapper,
) error {
	var chunkMu sync.Mutex
	var chunks []mux.VideoChunk

	emit := func(c EncodedChunk) error {
		chunkMu.Lock()
		chunks = append(chunks, mux.VideoChunk(c))
		chunkMu.Unlock()
		return nil
	}

	if err := o.processFrames(ctx, req, res, plan, gop, emit, report); err != nil {
		return err
	}

	o.setState(StateMuxing)
	report(progress.PhaseMux, 0)

	data, err := o.deps.Muxer.MuxMP4(mux.Job{
		VideoFamily:  outFamily,
		VideoChunks:  chunks,
		AudioTrack:   res.AudioTrack,
		AudioSamples: res.AudioSamples,
		OnProgress:   func(pct float64) { report(progress.PhaseMux, pct) },
	})
	if err != nil {
		return err
	}

	if err := os.WriteFile(req.OutputPath, data, 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	o.setState(StateComplete)
	if o.deps.OnProgress != nil {
		o.deps.OnProgress(mapper.Complete())
	}
	return nil
}

// runStreaming writes fragments to the output file as they are
// produced, flushing the session queue at each keyframe boundary.
func (o *Orchestrator) runStreaming(ctx context.Context, req Request, res *demux.Result,
	plan negotiate.EncoderPlan, outFamily codec.Video, gop int,
	report func(progress.Phase, float64), mapper *progress.Mapper,
) error {
	out, err := os.Create(req.OutputPath)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer out.Close()

	sess, err := o.deps.Muxer.StartStreamingSession(out, mux.Job{
		VideoFamily:  outFamily,
		AudioTrack:   res.AudioTrack,
		AudioSamples: res.AudioSamples,
	}, func() bool { return ctx.Err() != nil })
	if err != nil {
		return err
	}

	started := false
	emit := func(c EncodedChunk) error {
		if c.IsKeyframe && started {
			if err := sess.FlushVideoQueue(); err != nil {
				return err
			}
		}
		started = true
		return sess.EnqueueVideoChunk(mux.VideoChunk(c))
	}

	if err := o.processFrames(ctx, req, res, plan, gop, emit, report); err != nil {
		return err
	}

	o.setState(StateMuxing)
	report(progress.PhaseMux, 0)
	if err := sess.Finalize(); err != nil {
		return err
	}
	report(progress.PhaseMux, 100)

	o.setState(StateComplete)
	if o.deps.OnProgress != nil {
		o.deps.OnProgress(mapper.Complete())
	}
	return nil
}

// prepareSource verifies decodability and keyframe presence, running
// the forced-keyframe repair transcode at most once to fix either.
func (o *Orchestrator) prepareSource(ctx context.Context, inputPath string, res *demux.Result,
	report func(progress.Phase, float64),
) (*demux.Result, error) {
	decodable := o.probeDecodable(res)
	hasKF := o.hasLeadingKeyframe(res)
	if decodable && hasKF {
		return res, nil
	}

	o.setState(StateRepairing)
	report(progress.PhaseRepair, 0)
	o.logger.Warn("source needs repair transcode",
		slog.Bool("decodable", decodable),
		slog.Bool("leading_keyframe", hasKF))

	// A source that lands here has no usable keyframe structure to
	// infer a GOP from. One keyframe per second of source video.
	gopSize := int(math.Round(res.VideoTrack.FrameRate))
	if gopSize < 1 {
		gopSize = 1
	}

	repaired, err := o.deps.Transcoder.TranscodeWithForcedKeyframes(ctx, inputPath, transcode.ForcedKeyframeOptions{
		GOPSize: gopSize,
		FPS:     res.VideoTrack.FrameRate,
	})
	if err != nil {
		return nil, err
	}
	report(progress.PhaseRepair, 90)

	res, err = o.deps.Demuxer.Demux(ctx, repaired)
	if err != nil {
		return nil, err
	}
	report(progress.PhaseRepair, 100)

	if !o.probeDecodable(res) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, res.VideoTrack.CodecString)
	}
	if !o.hasLeadingKeyframe(res) {
		return nil, fmt.Errorf("%w: window %d", ErrNoKeyframe, o.cfg.Pipeline.KeyframeWindow)
	}
	return res, nil
}

// probeDecodable asks the decoder whether it can handle the track.
// Configure is idempotent before the first Decode.
func (o *Orchestrator) probeDecodable(res *demux.Result) bool {
	err := o.deps.Decoder.Configure(decoderConfig(res), DecoderCallbacks{})
	if err != nil {
		o.logger.Debug("decoder rejected configuration",
			slog.String("codec", res.VideoTrack.CodecString),
			slog.Any("error", err))
	}
	return err == nil
}

func (o *Orchestrator) hasLeadingKeyframe(res *demux.Result) bool {
	window := bitstreamSamples(res.VideoSamples, o.cfg.Pipeline.KeyframeWindow)
	idx := bitstream.FirstKeyframeIndex(window, res.VideoTrack.VideoFamily,
		res.VideoTrack.DecoderDescription, o.cfg.Pipeline.KeyframeWindow)
	return idx >= 0
}

// processFrames runs the decode → compose → encode chain.
func (o *Orchestrator) processFrames(ctx context.Context, req Request, res *demux.Result,
	plan negotiate.EncoderPlan, gop int, emit func(EncodedChunk) error, report func(progress.Phase, float64),
) error {
	o.setState(StateProcessing)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	latch := newErrorLatch(cancel)
	abort := func() bool { return runCtx.Err() != nil }

	total := len(res.VideoSamples)
	var encoded int
	var encodedMu sync.Mutex

	// encoder: chunks flow to the mux sink in encode order
	err := o.deps.Encoder.Configure(EncoderConfig{
		CodecString: plan.CodecString,
		Width:       plan.Width,
		Height:      plan.Height,
		FrameRate:   plan.FrameRate,
		BitrateBps:  plan.BitrateBps,
		Tier:        plan.Tier,
		GOPSize:     gop,
	}, EncoderCallbacks{
		OnChunk: func(c EncodedChunk) {
			if err := emit(c); err != nil {
				latch.set(err)
				return
			}
			encodedMu.Lock()
			encoded++
			n := encoded
			encodedMu.Unlock()
			if total > 0 {
				report(progress.PhaseProcessing, 100*float64(n)/float64(total))
			}
		},
		OnError: func(err error) { latch.set(err) },
	})
	if err != nil {
		return fmt.Errorf("configuring encoder: %w", err)
	}
	defer o.deps.Encoder.Close()

	// frame task chain: FIFO, bounded by the in-flight semaphore
	inFlight := o.cfg.Pipeline.MaxInFlightFrames
	sem := make(chan struct{}, inFlight)
	tasks := newFrameQueue(inFlight)
	workerDone := make(chan struct{})

	go o.frameWorker(req, gop, abort, latch, sem, tasks.ch, workerDone)

	err = o.deps.Decoder.Configure(decoderConfig(res), DecoderCallbacks{
		OnFrame: func(f *DecodedFrame) {
			if !tasks.push(f) {
				f.Close()
				select {
				case <-sem:
				default:
				}
			}
		},
		OnError: func(err error) { latch.set(err) },
	})
	if err != nil {
		return fmt.Errorf("configuring decoder: %w", err)
	}
	defer o.deps.Decoder.Close()

	// submission loop
	watermark := o.cfg.Pipeline.QueueWatermark
	poll := o.cfg.Pipeline.BackpressurePoll
	if poll <= 0 {
		poll = 2 * time.Millisecond
	}

submit:
	for _, sample := range res.VideoSamples {
		if abort() {
			break
		}

		// cooperative yield while the codec queues are saturated
		for o.deps.Decoder.QueueSize() > watermark || o.deps.Encoder.QueueSize() > watermark {
			select {
			case <-runCtx.Done():
				break submit
			case <-time.After(poll):
			}
		}

		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			break submit
		}

		if err := o.deps.Decoder.Decode(sample); err != nil {
			latch.set(fmt.Errorf("decode submit: %w", err))
			<-sem
			break
		}
	}

	// drain and flush
	if !abort() {
		if err := o.deps.Decoder.Flush(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			latch.set(fmt.Errorf("decoder flush: %w", err))
		}
	}
	tasks.close()
	<-workerDone
	if !abort() {
		if err := o.deps.Encoder.Flush(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			latch.set(fmt.Errorf("encoder flush: %w", err))
		}
	}

	if lerr := latch.err(); lerr != nil {
		return lerr
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return nil
}

// frameWorker drains the task chain in order: composite the overlay,
// submit to the encoder with the keyframe cadence, release the frame
// and its in-flight slot.
func (o *Orchestrator) frameWorker(req Request, gop int, abort func() bool,
	latch *errorLatch, sem chan struct{}, tasks <-chan *DecodedFrame, done chan struct{},
) {
	defer close(done)

	frameIndex := 0
	for frame := range tasks {
		if abort() {
			frame.Close()
			<-sem
			continue
		}

		o.composeOverlay(frame, req)

		force := gop > 0 && frameIndex%gop == 0
		err := o.deps.Encoder.Encode(frame, EncodeOptions{ForceKeyframe: force})
		frame.Close()
		<-sem
		frameIndex++

		if err != nil {
			latch.set(fmt.Errorf("encode submit: %w", err))
		}
	}
}

// composeOverlay draws telemetry for the frame's moment. A telemetry
// gap leaves the frame clean; a renderer failure is logged and the
// frame passes through unmodified.
func (o *Orchestrator) composeOverlay(frame *DecodedFrame, req Request) {
	if req.Timeline == nil || o.deps.Renderer == nil {
		return
	}

	t := float64(frame.TimestampUs)/1e6 + req.SyncOffsetSeconds
	f, ok := req.Timeline.At(t)
	if !ok {
		return
	}

	if err := o.deps.Renderer.Compose(frame.Image, f, req.Overlay); err != nil {
		o.logger.Warn("overlay compose failed, frame passes through",
			slog.Uint64("timestamp_us", frame.TimestampUs),
			slog.Any("error", err))
	}
}

// frameQueue hands decoded frames to the worker in decode order. At
// most one task per in-flight semaphore token exists, so the buffered
// send under the lock never blocks. push after close drops the frame,
// which keeps an asynchronous decoder from racing the shutdown.
type frameQueue struct {
	mu     sync.Mutex
	closed bool
	ch     chan *DecodedFrame
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{ch: make(chan *DecodedFrame, capacity)}
}

func (q *frameQueue) push(f *DecodedFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ch <- f
	return true
}

func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// errorLatch records the first error and triggers the abort.
type errorLatch struct {
	once   sync.Once
	mu     sync.Mutex
	first  error
	cancel context.CancelFunc
}

func newErrorLatch(cancel context.CancelFunc) *errorLatch {
	return &errorLatch{cancel: cancel}
}

func (l *errorLatch) set(err error) {
	if err == nil {
		return
	}
	l.once.Do(func() {
		l.mu.Lock()
		l.first = err
		l.mu.Unlock()
		l.cancel()
	})
}

func (l *errorLatch) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}

// bitstreamSamples adapts demux samples for the inspector. limit 0
// takes everything.
func bitstreamSamples(in []demux.EncodedSample, limit int) []bitstream.Sample {
	n := len(in)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]bitstream.Sample, n)
	for i := 0; i < n; i++ {
		out[i] = bitstream.Sample{
			Data:         in[i].Data,
			RandomAccess: in[i].IsRandomAccessPoint,
		}
	}
	return out
}

func decoderConfig(res *demux.Result) DecoderConfig {
	return DecoderConfig{
		CodecString: res.VideoTrack.CodecString,
		Family:      res.VideoTrack.VideoFamily,
		Description: res.VideoTrack.DecoderDescription,
		Width:       res.VideoTrack.Width,
		Height:      res.VideoTrack.Height,
		FrameRate:   res.VideoTrack.FrameRate,
	}
}

// effectiveBitrate derives the source's average bitrate from its size
// and sample span.
func effectiveBitrate(res *demux.Result) int64 {
	if len(res.VideoSamples) == 0 {
		return 0
	}
	last := res.VideoSamples[len(res.VideoSamples)-1]
	durUs := last.TimestampUs + last.DurationUs
	if durUs == 0 {
		return 0
	}
	return res.SourceSize * 8 * 1_000_000 / int64(durUs)
}
