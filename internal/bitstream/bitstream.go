// Package bitstream inspects encoded video sample payloads to recover
// structure the container did not provide: NAL framing, keyframe
// placement, and GOP cadence. It never decodes; all functions are pure
// reads over the sample bytes.
package bitstream

import (
	"encoding/binary"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/telemetra/telemetra/internal/codec"
)

// GOP size clamp bounds. Detection never returns a value outside them.
const (
	MinGOPSize = 1
	MaxGOPSize = 300
)

// maxRAPSamples caps how many random-access indices are collected when
// inferring GOP cadence.
const maxRAPSamples = 16

// Sample is the minimal view of an encoded video sample the inspector
// needs: the payload plus the container's random-access flag, which is
// trusted when set.
type Sample struct {
	Data         []byte
	RandomAccess bool
}

// Framing describes how NAL units are delimited inside sample payloads.
type Framing int

// Framing constants.
const (
	FramingUnknown Framing = iota
	FramingAnnexB          // 00 00 01 / 00 00 00 01 start codes
	FramingLength1         // 1-byte big-endian length prefix
	FramingLength2
	FramingLength3
	FramingLength4
)

// prefixLen returns the byte width of a length-prefixed framing, or 0.
func (f Framing) prefixLen() int {
	switch f {
	case FramingLength1:
		return 1
	case FramingLength2:
		return 2
	case FramingLength3:
		return 3
	case FramingLength4:
		return 4
	default:
		return 0
	}
}

// DetectFraming determines the NAL delimiting scheme for a sample. The
// decoder description box is authoritative when present (avcC byte 4,
// hvcC byte 21 carry lengthSizeMinusOne); otherwise candidate prefix
// lengths 4, 3, 2, 1 are probed against the sample and checked for
// internal consistency with a second NAL immediately following.
func DetectFraming(sample []byte, family codec.Video, decoderDesc []byte) Framing {
	if n := lengthSizeFromDescription(family, decoderDesc); n > 0 {
		return framingForPrefix(n)
	}

	if hasStartCode(sample) {
		return FramingAnnexB
	}

	for _, p := range []int{4, 3, 2, 1} {
		if prefixConsistent(sample, p) {
			return framingForPrefix(p)
		}
	}

	return FramingUnknown
}

// lengthSizeFromDescription reads lengthSizeMinusOne out of an avcC or
// hvcC configuration record. Returns 0 when the record is absent or too
// short.
func lengthSizeFromDescription(family codec.Video, desc []byte) int {
	switch family {
	case codec.VideoH265:
		// HEVCDecoderConfigurationRecord: lengthSizeMinusOne lives in the
		// low bits of byte 21.
		if len(desc) > 21 {
			return int(desc[21]&0x03) + 1
		}
	case codec.VideoH264:
		// AVCDecoderConfigurationRecord: byte 4.
		if len(desc) > 4 {
			return int(desc[4]&0x03) + 1
		}
	}
	return 0
}

func framingForPrefix(n int) Framing {
	switch n {
	case 1:
		return FramingLength1
	case 2:
		return FramingLength2
	case 3:
		return FramingLength3
	case 4:
		return FramingLength4
	default:
		return FramingUnknown
	}
}

// hasStartCode reports whether data begins with an Annex-B start code.
func hasStartCode(data []byte) bool {
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	return len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1
}

// prefixConsistent checks whether interpreting the first p bytes as a
// big-endian NAL length yields a structure that is internally consistent:
// either the single NAL spans the whole sample, or a second plausible
// length-prefixed NAL follows immediately.
func prefixConsistent(data []byte, p int) bool {
	if len(data) <= p {
		return false
	}
	n := int(readUintBE(data[:p]))
	if n == 0 {
		return false
	}
	end := p + n
	if end == len(data) {
		return true
	}
	if end+p > len(data) {
		return false
	}
	n2 := int(readUintBE(data[end : end+p]))
	return n2 > 0 && end+p+n2 <= len(data)
}

func readUintBE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// NALUnits splits a sample payload into NAL units according to the given
// framing. Invalid trailing bytes are dropped rather than surfaced.
func NALUnits(data []byte, f Framing) [][]byte {
	switch f {
	case FramingAnnexB:
		var au h264.AnnexB
		if err := au.Unmarshal(data); err != nil {
			return nil
		}
		return au
	case FramingLength1, FramingLength2, FramingLength3, FramingLength4:
		return splitLengthPrefixed(data, f.prefixLen())
	default:
		return nil
	}
}

func splitLengthPrefixed(data []byte, p int) [][]byte {
	var units [][]byte
	for off := 0; off+p <= len(data); {
		n := int(readUintBE(data[off : off+p]))
		off += p
		if n == 0 || off+n > len(data) {
			break
		}
		units = append(units, data[off:off+n])
		off += n
	}
	return units
}

// IsKeyframe reports whether a sample payload contains a random-access
// NAL unit: H.264 IDR, or an H.265 NAL within the IRAP range (BLA_W_LP
// through CRA_NUT). Framing is auto-detected from the decoder
// description or the payload itself.
func IsKeyframe(sample []byte, family codec.Video, decoderDesc []byte) bool {
	if !family.IsNALFamily() {
		return false
	}

	framing := DetectFraming(sample, family, decoderDesc)
	units := NALUnits(sample, framing)
	if len(units) == 0 && framing == FramingUnknown {
		// Last resort: treat the payload as a single raw NAL unit.
		units = [][]byte{sample}
	}

	for _, nal := range units {
		if len(nal) == 0 {
			continue
		}
		if family == codec.VideoH265 {
			typ := h265.NALUType((nal[0] >> 1) & 0x3F)
			if typ >= h265.NALUType_BLA_W_LP && typ <= h265.NALUType_CRA_NUT {
				return true
			}
			continue
		}
		if h264.NALUType(nal[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// IsRandomAccess reports whether a sample is a random-access point: the
// container flag is trusted when set, otherwise the payload is parsed.
func IsRandomAccess(s Sample, family codec.Video, decoderDesc []byte) bool {
	if s.RandomAccess {
		return true
	}
	return IsKeyframe(s.Data, family, decoderDesc)
}

// FirstKeyframeIndex returns the index of the first random-access sample
// within the leading window, or -1 when none is found.
func FirstKeyframeIndex(samples []Sample, family codec.Video, decoderDesc []byte, window int) int {
	if window > len(samples) || window <= 0 {
		window = len(samples)
	}
	for i := 0; i < window; i++ {
		if IsRandomAccess(samples[i], family, decoderDesc) {
			return i
		}
	}
	return -1
}

// DetectGOPSize infers the keyframe cadence of a sample sequence by
// averaging the deltas between the first random-access indices. Fewer
// than 3 random-access points falls back to round(fps/2). The result is
// always clamped to [MinGOPSize, MaxGOPSize].
func DetectGOPSize(samples []Sample, family codec.Video, decoderDesc []byte, fallbackFPS float64) int {
	return DetectGOPSizeN(samples, family, decoderDesc, fallbackFPS, maxRAPSamples)
}

// DetectGOPSizeN is DetectGOPSize with a caller-chosen cap on collected
// random-access indices. maxRAP values below 3 fall back to the default.
func DetectGOPSizeN(samples []Sample, family codec.Video, decoderDesc []byte, fallbackFPS float64, maxRAP int) int {
	if maxRAP < 3 {
		maxRAP = maxRAPSamples
	}
	var rapIndices []int
	for i, s := range samples {
		if IsRandomAccess(s, family, decoderDesc) {
			rapIndices = append(rapIndices, i)
			if len(rapIndices) >= maxRAP {
				break
			}
		}
	}

	if len(rapIndices) < 3 {
		return clampGOP(int(math.Round(fallbackFPS / 2)))
	}

	var sum int
	for i := 1; i < len(rapIndices); i++ {
		sum += rapIndices[i] - rapIndices[i-1]
	}
	avg := float64(sum) / float64(len(rapIndices)-1)
	return clampGOP(int(math.Round(avg)))
}

func clampGOP(n int) int {
	if n < MinGOPSize {
		return MinGOPSize
	}
	if n > MaxGOPSize {
		return MaxGOPSize
	}
	return n
}

// AnnexBToLengthPrefixed converts an Annex-B payload to 4-byte
// length-prefixed form as required by MP4 containers. Payloads that are
// already length-prefixed are returned unchanged.
func AnnexBToLengthPrefixed(data []byte) []byte {
	if len(data) == 0 || !hasStartCode(data) {
		return data
	}

	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return data
	}

	out, err := h264.AVCC(au).Marshal()
	if err != nil {
		return data
	}
	return out
}

// LengthPrefix4 writes a 4-byte big-endian length prefix in front of a
// single raw NAL unit.
func LengthPrefix4(nal []byte) []byte {
	out := make([]byte, 4+len(nal))
	binary.BigEndian.PutUint32(out, uint32(len(nal)))
	copy(out[4:], nal)
	return out
}
