package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

// StreamingSession muxes fragments incrementally to a writer. Chunk
// adds are serialized through a single ordered queue; the init segment
// is written once the first keyframe provides codec parameters; audio
// is appended during Finalize after the video queue drains.
type StreamingSession struct {
	logger *slog.Logger
	job    Job
	abort  func() bool

	mu          sync.Mutex
	w           io.Writer
	pending     []VideoChunk
	initialized bool
	audioInInit bool
	seq         uint32
	bytesOut    int64
	finalized   bool
}

// StartStreamingSession opens a session writing to w. The job's
// VideoChunks field is ignored; chunks arrive through the queue.
func (m *Muxer) StartStreamingSession(w io.Writer, job Job, abort func() bool) (*StreamingSession, error) {
	if w == nil {
		return nil, fmt.Errorf("streaming session needs a writer")
	}
	if abort == nil {
		abort = func() bool { return false }
	}
	return &StreamingSession{
		logger: m.logger,
		job:    job,
		abort:  abort,
		w:      w,
		seq:    1,
	}, nil
}

// EnqueueVideoChunk appends a chunk to the ordered queue.
func (s *StreamingSession) EnqueueVideoChunk(c VideoChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return fmt.Errorf("session already finalized")
	}
	if s.abort() {
		return context.Canceled
	}

	s.pending = append(s.pending, c)
	return nil
}

// FlushVideoQueue writes all queued chunks as one media part. The
// first flush containing a keyframe also writes the init segment.
func (s *StreamingSession) FlushVideoQueue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *StreamingSession) flushLocked() error {
	if s.abort() {
		return context.Canceled
	}
	if len(s.pending) == 0 {
		return nil
	}

	if !s.initialized {
		if err := s.writeInit(); err != nil {
			return err
		}
	}

	part := fmp4.Part{
		SequenceNumber: s.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       videoTrackID,
			BaseTime: s.pending[0].TimestampUs,
			Samples:  convertVideoChunks(s.pending),
		}},
	}

	if err := s.writePart(&part); err != nil {
		return err
	}

	s.pending = s.pending[:0]
	return nil
}

// writeInit extracts codec parameters from the queued chunks and
// writes the init segment. Incompatible audio is dropped with a
// warning; streaming cannot rewind for a video-only retry.
func (s *StreamingSession) writeInit() error {
	videoCodec, err := buildVideoCodec(s.job.VideoFamily, s.job.DecoderConfig, s.pending)
	if err != nil {
		return err
	}

	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: videoTimescale,
			Codec:     videoCodec,
		}},
	}

	if s.job.AudioTrack != nil && len(s.job.AudioSamples) > 0 {
		audioCodec, err := buildAudioCodec(s.job.AudioTrack)
		if err != nil {
			if !errors.Is(err, ErrTrackIncompatible) {
				return err
			}
			s.logger.Warn("dropping incompatible audio track from streaming output",
				slog.Any("error", err))
		} else {
			init.Tracks = append(init.Tracks, &fmp4.InitTrack{
				ID:        audioTrackID,
				TimeScale: videoTimescale,
				Codec:     audioCodec,
			})
			s.audioInInit = true
		}
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("marshaling init segment: %w", err)
	}

	n, err := s.w.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("writing init segment: %w", err)
	}
	s.bytesOut += int64(n)
	s.initialized = true
	return nil
}

func (s *StreamingSession) writePart(part *fmp4.Part) error {
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshaling media part: %w", err)
	}

	n, err := s.w.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("writing media part: %w", err)
	}
	s.bytesOut += int64(n)
	s.seq++
	return nil
}

// Finalize drains the video queue, appends audio, and validates the
// output is non-empty. The session rejects further writes afterwards.
func (s *StreamingSession) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil
	}

	if err := s.flushLocked(); err != nil {
		return err
	}
	s.finalized = true

	if s.audioInInit {
		if s.abort() {
			return context.Canceled
		}
		part := fmp4.Part{
			SequenceNumber: s.seq,
			Tracks: []*fmp4.PartTrack{{
				ID:       audioTrackID,
				BaseTime: firstAudioTime(s.job.AudioSamples),
				Samples:  convertAudioSamples(s.job.AudioSamples),
			}},
		}
		if err := s.writePart(&part); err != nil {
			return err
		}
	}

	if s.bytesOut == 0 {
		return ErrEmptyOutput
	}
	return nil
}

// BytesWritten returns the total output size so far.
func (s *StreamingSession) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesOut
}
