package bitstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetra/telemetra/internal/codec"
)

// nal builds a single H.264 NAL unit with the given type and payload size.
func nal(typ byte, size int) []byte {
	b := make([]byte, size)
	b[0] = typ & 0x1F
	for i := 1; i < size; i++ {
		b[i] = byte(i)
	}
	return b
}

// nalH265 builds a single H.265 NAL unit with the given type.
func nalH265(typ byte, size int) []byte {
	b := make([]byte, size)
	b[0] = (typ & 0x3F) << 1
	return b
}

func annexB(units ...[]byte) []byte {
	var buf bytes.Buffer
	for _, u := range units {
		buf.Write([]byte{0x00, 0x00, 0x00, 0x01})
		buf.Write(u)
	}
	return buf.Bytes()
}

func lengthPrefixed(prefix int, units ...[]byte) []byte {
	var buf bytes.Buffer
	for _, u := range units {
		n := len(u)
		for i := prefix - 1; i >= 0; i-- {
			buf.WriteByte(byte(n >> (8 * i)))
		}
		buf.Write(u)
	}
	return buf.Bytes()
}

// avcC builds a minimal AVCDecoderConfigurationRecord carrying the given
// lengthSizeMinusOne.
func avcC(lengthSizeMinusOne byte) []byte {
	return []byte{1, 0x64, 0x00, 0x1F, 0xFC | (lengthSizeMinusOne & 0x03)}
}

func TestDetectFramingFromDescription(t *testing.T) {
	sample := lengthPrefixed(4, nal(5, 20))

	assert.Equal(t, FramingLength4, DetectFraming(sample, codec.VideoH264, avcC(3)))
	assert.Equal(t, FramingLength2, DetectFraming(sample, codec.VideoH264, avcC(1)))

	hvcc := make([]byte, 23)
	hvcc[21] = 0x03
	assert.Equal(t, FramingLength4, DetectFraming(sample, codec.VideoH265, hvcc))
}

func TestDetectFramingProbe(t *testing.T) {
	tests := []struct {
		name   string
		sample []byte
		want   Framing
	}{
		{"annexb short start code", annexB(nal(5, 20)), FramingAnnexB},
		{"length4 single nal", lengthPrefixed(4, nal(5, 64)), FramingLength4},
		{"length4 two nals", lengthPrefixed(4, nal(6, 12), nal(5, 40)), FramingLength4},
		{"length2 two nals", lengthPrefixed(2, nal(6, 9), nal(5, 17)), FramingLength2},
		{"empty", nil, FramingUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFraming(tt.sample, codec.VideoH264, nil))
		})
	}
}

func TestIsKeyframeH264(t *testing.T) {
	idr := nal(5, 32)
	delta := nal(1, 32)
	sps := nal(7, 12)

	// Same NAL detected identically through both framings once the
	// auto-detected framing matches.
	assert.True(t, IsKeyframe(annexB(sps, idr), codec.VideoH264, nil))
	assert.True(t, IsKeyframe(lengthPrefixed(4, sps, idr), codec.VideoH264, avcC(3)))

	assert.False(t, IsKeyframe(annexB(delta), codec.VideoH264, nil))
	assert.False(t, IsKeyframe(lengthPrefixed(4, delta), codec.VideoH264, avcC(3)))
}

func TestIsKeyframeH265(t *testing.T) {
	for typ := byte(16); typ <= 21; typ++ {
		assert.True(t, IsKeyframe(annexB(nalH265(typ, 24)), codec.VideoH265, nil),
			"IRAP type %d must be a keyframe", typ)
	}
	// TRAIL_R (type 1) is not random access.
	assert.False(t, IsKeyframe(annexB(nalH265(1, 24)), codec.VideoH265, nil))
}

func TestIsKeyframeNonNALFamily(t *testing.T) {
	assert.False(t, IsKeyframe([]byte{0x82, 0x49}, codec.VideoVP9, nil))
}

func TestFirstKeyframeIndex(t *testing.T) {
	samples := []Sample{
		{Data: annexB(nal(1, 16))},
		{Data: annexB(nal(1, 16))},
		{Data: annexB(nal(5, 16))},
		{Data: annexB(nal(1, 16))},
	}

	assert.Equal(t, 2, FirstKeyframeIndex(samples, codec.VideoH264, nil, 0))
	assert.Equal(t, -1, FirstKeyframeIndex(samples[:2], codec.VideoH264, nil, 0))
	// Window smaller than first keyframe index.
	assert.Equal(t, -1, FirstKeyframeIndex(samples, codec.VideoH264, nil, 2))

	// Container flag is trusted without parsing.
	flagged := []Sample{{Data: annexB(nal(1, 16)), RandomAccess: true}}
	assert.Equal(t, 0, FirstKeyframeIndex(flagged, codec.VideoH264, nil, 0))
}

func TestDetectGOPSize(t *testing.T) {
	gopSamples := func(gop, count int) []Sample {
		samples := make([]Sample, count)
		for i := range samples {
			if i%gop == 0 {
				samples[i] = Sample{Data: annexB(nal(5, 16))}
			} else {
				samples[i] = Sample{Data: annexB(nal(1, 16))}
			}
		}
		return samples
	}

	tests := []struct {
		name    string
		samples []Sample
		fps     float64
		want    int
	}{
		{"regular 30", gopSamples(30, 200), 30, 30},
		{"regular 60", gopSamples(60, 400), 30, 60},
		{"no samples falls back", nil, 30, 15},
		{"one rap falls back", gopSamples(1, 1), 30, 15},
		{"fallback clamped low", nil, 0.5, MinGOPSize},
		{"fallback clamped high", nil, 10000, MaxGOPSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectGOPSize(tt.samples, codec.VideoH264, nil, tt.fps)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, MinGOPSize)
			assert.LessOrEqual(t, got, MaxGOPSize)
		})
	}
}

func TestDetectGOPSizeBounded(t *testing.T) {
	// Every sample a keyframe: delta 1, clamps to the minimum.
	all := make([]Sample, 50)
	for i := range all {
		all[i] = Sample{Data: annexB(nal(5, 16))}
	}
	assert.Equal(t, 1, DetectGOPSize(all, codec.VideoH264, nil, 30))
}

func TestAnnexBToLengthPrefixed(t *testing.T) {
	idr := nal(5, 20)
	sps := nal(7, 8)

	converted := AnnexBToLengthPrefixed(annexB(sps, idr))
	units := splitLengthPrefixed(converted, 4)
	require.Len(t, units, 2)
	assert.Equal(t, sps, units[0])
	assert.Equal(t, idr, units[1])

	// Already length-prefixed data is returned unchanged.
	lp := lengthPrefixed(4, idr)
	assert.Equal(t, lp, AnnexBToLengthPrefixed(lp))
}

func TestNALUnitsRoundTrip(t *testing.T) {
	sps := nal(7, 10)
	idr := nal(5, 30)

	fromAnnexB := NALUnits(annexB(sps, idr), FramingAnnexB)
	fromLength := NALUnits(lengthPrefixed(4, sps, idr), FramingLength4)

	require.Equal(t, len(fromAnnexB), len(fromLength))
	for i := range fromAnnexB {
		assert.Equal(t, fromAnnexB[i], fromLength[i])
	}
}
