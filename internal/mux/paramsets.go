package mux

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/telemetra/telemetra/internal/bitstream"
	"github.com/telemetra/telemetra/internal/codec"
)

// buildVideoCodec assembles the MP4 codec box for the video track.
// Parameter sets come from the decoder configuration record when
// available, otherwise from in-band NALs of the first keyframe chunk.
func buildVideoCodec(family codec.Video, decoderCfg []byte, chunks []VideoChunk) (mp4.Codec, error) {
	switch family {
	case codec.VideoH264:
		sps, pps := h264ParamsFromConfig(decoderCfg)
		if sps == nil || pps == nil {
			sps, pps = h264ParamsFromChunks(chunks)
		}
		if sps == nil || pps == nil {
			return nil, fmt.Errorf("missing H.264 parameter sets")
		}
		var parsed h264.SPS
		if err := parsed.Unmarshal(sps); err != nil {
			return nil, fmt.Errorf("invalid H.264 SPS: %w", err)
		}
		return &mp4.CodecH264{SPS: sps, PPS: pps}, nil

	case codec.VideoH265:
		vps, sps, pps := h265ParamsFromConfig(decoderCfg)
		if sps == nil || pps == nil {
			vps, sps, pps = h265ParamsFromChunks(chunks)
		}
		if vps == nil || sps == nil || pps == nil {
			return nil, fmt.Errorf("missing H.265 parameter sets")
		}
		var parsed h265.SPS
		if err := parsed.Unmarshal(sps); err != nil {
			return nil, fmt.Errorf("invalid H.265 SPS: %w", err)
		}
		return &mp4.CodecH265{VPS: vps, SPS: sps, PPS: pps}, nil

	default:
		return nil, fmt.Errorf("video family %q cannot be muxed", family)
	}
}

// h264ParamsFromConfig parses an avcC configuration record.
func h264ParamsFromConfig(cfg []byte) (sps, pps []byte) {
	if len(cfg) < 7 || cfg[0] != 1 {
		return nil, nil
	}

	pos := 5
	numSPS := int(cfg[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		if pos+2 > len(cfg) {
			return nil, nil
		}
		l := int(cfg[pos])<<8 | int(cfg[pos+1])
		pos += 2
		if pos+l > len(cfg) {
			return nil, nil
		}
		if sps == nil {
			sps = cfg[pos : pos+l]
		}
		pos += l
	}

	if pos >= len(cfg) {
		return sps, nil
	}
	numPPS := int(cfg[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		if pos+2 > len(cfg) {
			return sps, nil
		}
		l := int(cfg[pos])<<8 | int(cfg[pos+1])
		pos += 2
		if pos+l > len(cfg) {
			return sps, nil
		}
		if pps == nil {
			pps = cfg[pos : pos+l]
		}
		pos += l
	}

	return sps, pps
}

// h265ParamsFromConfig parses the NAL arrays of an hvcC record.
func h265ParamsFromConfig(cfg []byte) (vps, sps, pps []byte) {
	if len(cfg) < 23 || cfg[0] != 1 {
		return nil, nil, nil
	}

	pos := 22
	numArrays := int(cfg[pos])
	pos++

	for a := 0; a < numArrays; a++ {
		if pos+3 > len(cfg) {
			return vps, sps, pps
		}
		nalType := h265.NALUType(cfg[pos] & 0x3F)
		count := int(cfg[pos+1])<<8 | int(cfg[pos+2])
		pos += 3

		for i := 0; i < count; i++ {
			if pos+2 > len(cfg) {
				return vps, sps, pps
			}
			l := int(cfg[pos])<<8 | int(cfg[pos+1])
			pos += 2
			if pos+l > len(cfg) {
				return vps, sps, pps
			}
			nal := cfg[pos : pos+l]
			pos += l

			switch nalType {
			case h265.NALUType_VPS_NUT:
				if vps == nil {
					vps = nal
				}
			case h265.NALUType_SPS_NUT:
				if sps == nil {
					sps = nal
				}
			case h265.NALUType_PPS_NUT:
				if pps == nil {
					pps = nal
				}
			}
		}
	}

	return vps, sps, pps
}

// h264ParamsFromChunks scans keyframe chunks for in-band SPS/PPS.
func h264ParamsFromChunks(chunks []VideoChunk) (sps, pps []byte) {
	for _, c := range chunks {
		if !c.IsKeyframe {
			continue
		}
		for _, nal := range chunkNALs(c.Data) {
			if len(nal) == 0 {
				continue
			}
			switch h264.NALUType(nal[0] & 0x1F) {
			case h264.NALUTypeSPS:
				if sps == nil {
					sps = nal
				}
			case h264.NALUTypePPS:
				if pps == nil {
					pps = nal
				}
			}
		}
		if sps != nil && pps != nil {
			return sps, pps
		}
	}
	return sps, pps
}

// h265ParamsFromChunks scans keyframe chunks for in-band VPS/SPS/PPS.
func h265ParamsFromChunks(chunks []VideoChunk) (vps, sps, pps []byte) {
	for _, c := range chunks {
		if !c.IsKeyframe {
			continue
		}
		for _, nal := range chunkNALs(c.Data) {
			if len(nal) == 0 {
				continue
			}
			switch h265.NALUType((nal[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				if vps == nil {
					vps = nal
				}
			case h265.NALUType_SPS_NUT:
				if sps == nil {
					sps = nal
				}
			case h265.NALUType_PPS_NUT:
				if pps == nil {
					pps = nal
				}
			}
		}
		if vps != nil && sps != nil && pps != nil {
			return vps, sps, pps
		}
	}
	return vps, sps, pps
}

// chunkNALs splits a chunk payload into NAL units regardless of framing.
func chunkNALs(data []byte) [][]byte {
	framing := bitstream.DetectFraming(data, codec.VideoH264, nil)
	return bitstream.NALUnits(data, framing)
}

// normalizePayload converts Annex-B payloads to the 4-byte length
// prefix form MP4 requires; already length-prefixed data passes through.
func normalizePayload(data []byte) []byte {
	if hasAnnexBStartCode(data) {
		return bitstream.AnnexBToLengthPrefixed(data)
	}
	return data
}

func hasAnnexBStartCode(data []byte) bool {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1
}
