package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/telemetra/telemetra/internal/codec"
	"github.com/telemetra/telemetra/internal/demux"
)

// DecodedFrame is one decoded video frame. Frames hold pixel buffers
// sized width*height*4; Close releases the buffer back to its owner and
// is safe to call more than once.
type DecodedFrame struct {
	Image       *image.RGBA
	TimestampUs uint64
	DurationUs  uint64

	once    sync.Once
	release func()
}

// NewDecodedFrame wraps a pixel buffer; release may be nil.
func NewDecodedFrame(img *image.RGBA, tsUs, durUs uint64, release func()) *DecodedFrame {
	return &DecodedFrame{
		Image:       img,
		TimestampUs: tsUs,
		DurationUs:  durUs,
		release:     release,
	}
}

// Close releases the frame's pixel buffer.
func (f *DecodedFrame) Close() {
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// DecoderConfig configures a video decoder for one run.
type DecoderConfig struct {
	CodecString string
	Family      codec.Video

	// Description is the avcC/hvcC decoder configuration record when
	// the container carries one.
	Description []byte

	Width     int
	Height    int
	FrameRate float64
}

// DecoderCallbacks deliver decoder output. OnFrame receives frames in
// presentation order; the receiver owns each frame and must Close it.
type DecoderCallbacks struct {
	OnFrame func(*DecodedFrame)
	OnError func(error)
}

// VideoDecoder is a callback-driven decoder. Decode queues one encoded
// sample; output arrives asynchronously through the configured
// callbacks. Implementations must be safe for one producer goroutine.
type VideoDecoder interface {
	Configure(cfg DecoderConfig, cb DecoderCallbacks) error
	Decode(sample demux.EncodedSample) error

	// QueueSize reports samples accepted but not yet delivered.
	QueueSize() int

	// Flush blocks until every queued sample has produced its callback.
	Flush(ctx context.Context) error

	Close() error
}

// EncodedChunk is one encoded output sample.
type EncodedChunk struct {
	Data        []byte
	TimestampUs uint64
	DurationUs  uint64
	IsKeyframe  bool
}

// EncoderConfig configures a video encoder for one run.
type EncoderConfig struct {
	CodecString string
	Width       int
	Height      int
	FrameRate   float64
	BitrateBps  int64
	Tier        codec.HWTier

	// GOPSize is the forced keyframe cadence in frames.
	GOPSize int
}

// EncoderCallbacks deliver encoder output in encode order.
type EncoderCallbacks struct {
	OnChunk func(EncodedChunk)
	OnError func(error)
}

// EncodeOptions modify one Encode call.
type EncodeOptions struct {
	// ForceKeyframe requests a random-access point at this frame.
	ForceKeyframe bool
}

// VideoEncoder is a callback-driven encoder mirroring VideoDecoder.
type VideoEncoder interface {
	Configure(cfg EncoderConfig, cb EncoderCallbacks) error
	Encode(frame *DecodedFrame, opts EncodeOptions) error
	QueueSize() int
	Flush(ctx context.Context) error
	Close() error
}
