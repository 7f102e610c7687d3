package demux

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	gomp4 "github.com/abema/go-mp4"

	"github.com/telemetra/telemetra/internal/codec"
)

// trackMeta holds the per-trak metadata go-mp4's probe does not surface
// directly: the sample entry fourcc, the raw decoder configuration
// record, spatial dimensions, and the sync sample table.
type trackMeta struct {
	fourCC      string
	decoderDesc []byte
	width       int
	height      int
	sampleRate  int
	channels    int
	syncSamples map[uint32]struct{}
	hasStss     bool
}

// parseMP4 reads codec parameters, decoder descriptions, and all encoded
// packets for the primary video track and, when present, the primary
// audio track. The file handle is released on every exit path.
func (d *Demuxer) parseMP4(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParseFailure, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParseFailure, err)
	}

	info, err := gomp4.Probe(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParseFailure, err)
	}

	metas, err := scanTrackMeta(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParseFailure, err)
	}

	res := &Result{
		SourcePath: path,
		SourceSize: st.Size(),
	}

	videoFound := false
	for i, track := range info.Tracks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var meta *trackMeta
		if i < len(metas) {
			meta = metas[i]
		} else {
			meta = &trackMeta{}
		}

		if family, ok := codec.ParseVideo(meta.fourCC); ok {
			if videoFound {
				continue // primary video track only
			}
			desc, samples := buildVideoTrack(f, track, meta, family)
			res.VideoTrack = desc
			res.VideoSamples = samples
			videoFound = true
			continue
		}

		if family, ok := codec.ParseAudio(meta.fourCC); ok {
			if res.AudioTrack != nil {
				continue
			}
			desc, samples := buildAudioTrack(f, track, meta, family)
			res.AudioTrack = &desc
			res.AudioSamples = samples
			continue
		}

		// A track whose codec cannot be parsed is dropped rather than
		// failing the whole demux.
		d.logger.Warn("dropping track with unsupported sample entry",
			slog.String("fourcc", meta.fourCC),
			slog.Uint64("track_id", uint64(track.TrackID)))
	}

	if !videoFound {
		return nil, ErrNoVideoTrack
	}

	return res, nil
}

// buildVideoTrack assembles the video TrackDescriptor and reads every
// encoded sample with normalized microsecond timestamps.
func buildVideoTrack(r io.ReaderAt, track *gomp4.Track, meta *trackMeta, family codec.Video) (TrackDescriptor, []EncodedSample) {
	desc := TrackDescriptor{
		CodecString:        codecStringFor(family, meta.decoderDesc),
		VideoFamily:        family,
		DecoderDescription: meta.decoderDesc,
		Timescale:          track.Timescale,
		Width:              meta.width,
		Height:             meta.height,
	}

	samples := readSamples(r, track, func(sampleNumber uint32) bool {
		if !meta.hasStss {
			// Without a sync table the container says nothing; the
			// bitstream inspector takes over downstream.
			return false
		}
		_, ok := meta.syncSamples[sampleNumber]
		return ok
	})

	if track.Timescale > 0 && track.Duration > 0 && len(samples) > 0 {
		seconds := float64(track.Duration) / float64(track.Timescale)
		if seconds > 0 {
			desc.FrameRate = float64(len(samples)) / seconds
		}
	}

	return desc, samples
}

// buildAudioTrack assembles the audio TrackDescriptor and samples. Audio
// samples are all random-access.
func buildAudioTrack(r io.ReaderAt, track *gomp4.Track, meta *trackMeta, family codec.Audio) (TrackDescriptor, []EncodedSample) {
	desc := TrackDescriptor{
		CodecString:  string(family),
		AudioFamily:  family,
		Timescale:    track.Timescale,
		SampleRate:   meta.sampleRate,
		ChannelCount: meta.channels,
	}
	if family == codec.AudioAAC {
		desc.CodecString = "mp4a.40.2"
	}

	samples := readSamples(r, track, func(uint32) bool { return true })
	return desc, samples
}

// readSamples walks the chunk table, reading each sample's bytes and
// accumulating decode timestamps from the time deltas. Timestamps and
// durations are converted to microseconds.
func readSamples(r io.ReaderAt, track *gomp4.Track, isSync func(sampleNumber uint32) bool) []EncodedSample {
	if track.Timescale == 0 {
		return nil
	}

	out := make([]EncodedSample, 0, len(track.Samples))
	var dts uint64
	idx := 0

	for _, chunk := range track.Chunks {
		offset := uint64(chunk.DataOffset)
		for i := uint32(0); i < chunk.SamplesPerChunk && idx < len(track.Samples); i++ {
			sample := track.Samples[idx]
			idx++

			data := make([]byte, sample.Size)
			if _, err := r.ReadAt(data, int64(offset)); err != nil {
				// Truncated mdat: stop at the last whole sample.
				return out
			}
			offset += uint64(sample.Size)

			pts := int64(dts) + sample.CompositionTimeOffset
			if pts < 0 {
				pts = 0
			}

			out = append(out, EncodedSample{
				Data:                data,
				TimestampUs:         ticksToUs(uint64(pts), track.Timescale),
				DurationUs:          ticksToUs(uint64(sample.TimeDelta), track.Timescale),
				IsRandomAccessPoint: isSync(uint32(idx)),
			})

			dts += uint64(sample.TimeDelta)
		}
	}

	return out
}

func ticksToUs(ticks uint64, timescale uint32) uint64 {
	return ticks * 1_000_000 / uint64(timescale)
}

// codecStringFor derives an RFC 6381 codec string from the decoder
// configuration record, falling back to a representative default.
func codecStringFor(family codec.Video, desc []byte) string {
	switch family {
	case codec.VideoH264:
		if len(desc) >= 4 {
			return fmt.Sprintf("avc1.%02x%02x%02x", desc[1], desc[2], desc[3])
		}
	case codec.VideoH265:
		if len(desc) >= 13 {
			return fmt.Sprintf("hvc1.1.6.L%d.B0", desc[12])
		}
	}
	return codec.DefaultCodecString(family)
}

// scanTrackMeta walks the box tree once, collecting per-trak sample
// entry fourccs, raw avcC/hvcC payloads, and sync sample tables.
func scanTrackMeta(r io.ReadSeeker) ([]*trackMeta, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var metas []*trackMeta
	var cur *trackMeta

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case gomp4.BoxTypeMoov(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl():
			return h.Expand()
		case gomp4.BoxTypeTrak():
			cur = &trackMeta{syncSamples: make(map[uint32]struct{})}
			metas = append(metas, cur)
			return h.Expand()
		case gomp4.BoxTypeStsd():
			return h.Expand()
		case gomp4.BoxTypeStss():
			if cur == nil {
				return nil, nil
			}
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, nil //nolint:nilerr // tolerate a malformed stss, inspector recovers
			}
			if stss, ok := payload.(*gomp4.Stss); ok {
				cur.hasStss = true
				for _, n := range stss.SampleNumber {
					cur.syncSamples[n] = struct{}{}
				}
			}
			return nil, nil
		}

		if cur != nil && cur.fourCC == "" && h.Path != nil && len(h.Path) >= 2 {
			// Direct children of stsd are sample entries.
			if h.Path[len(h.Path)-2] == gomp4.BoxTypeStsd() {
				var buf bytes.Buffer
				if _, err := h.ReadData(&buf); err == nil {
					parseSampleEntry(cur, h.BoxInfo.Type.String(), buf.Bytes())
				}
			}
		}

		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	return metas, nil
}

// parseSampleEntry extracts dimensions and the decoder configuration
// record from a raw sample entry payload (box header already stripped).
func parseSampleEntry(meta *trackMeta, fourCC string, payload []byte) {
	meta.fourCC = fourCC

	if _, ok := codec.ParseVideo(fourCC); ok {
		// VisualSampleEntry: width and height at payload offsets 24 and
		// 26, child boxes from offset 78.
		if len(payload) >= 28 {
			meta.width = int(binary.BigEndian.Uint16(payload[24:26]))
			meta.height = int(binary.BigEndian.Uint16(payload[26:28]))
		}
		meta.decoderDesc = findConfigRecord(payload, 78)
		return
	}

	if _, ok := codec.ParseAudio(fourCC); ok {
		// AudioSampleEntry: channel count at offset 16, 16.16 fixed-point
		// sample rate at offset 24.
		if len(payload) >= 28 {
			meta.channels = int(binary.BigEndian.Uint16(payload[16:18]))
			meta.sampleRate = int(binary.BigEndian.Uint32(payload[24:28]) >> 16)
		}
	}
}

// findConfigRecord scans the child boxes of a sample entry for an
// avcC/hvcC configuration record and returns its payload.
func findConfigRecord(payload []byte, start int) []byte {
	for off := start; off+8 <= len(payload); {
		size := int(binary.BigEndian.Uint32(payload[off : off+4]))
		typ := string(payload[off+4 : off+8])
		if size < 8 || off+size > len(payload) {
			return nil
		}
		if typ == "avcC" || typ == "hvcC" {
			desc := make([]byte, size-8)
			copy(desc, payload[off+8:off+size])
			return desc
		}
		off += size
	}
	return nil
}
