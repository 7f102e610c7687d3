// Package codec provides a unified codec registry for the overlay
// pipeline. It consolidates codec family definitions, RFC 6381 codec
// string handling, and FFmpeg encoder mappings used by the demuxer,
// the bitstream inspector, and the repair transcoder.
package codec

import (
	"fmt"
	"strings"
)

// Video represents a video codec family.
type Video string

// Video codec family constants.
const (
	VideoH264    Video = "h264" // H.264/AVC
	VideoH265    Video = "h265" // H.265/HEVC
	VideoVP9     Video = "vp9"
	VideoAV1     Video = "av1"
	VideoMPEG4   Video = "mpeg4"
	VideoUnknown Video = ""
)

// Audio represents an audio codec family.
type Audio string

// Audio codec family constants.
const (
	AudioAAC     Audio = "aac"
	AudioMP3     Audio = "mp3"
	AudioAC3     Audio = "ac3"
	AudioEAC3    Audio = "eac3"
	AudioOpus    Audio = "opus"
	AudioPCM     Audio = "pcm"
	AudioUnknown Audio = ""
)

// HWTier expresses hardware-acceleration preference when negotiating an
// encoder configuration. Tiers are tried in declaration order.
type HWTier string

// Hardware tier constants.
const (
	TierPreferHardware HWTier = "prefer-hardware"
	TierNoPreference   HWTier = "no-preference"
	TierPreferSoftware HWTier = "prefer-software"
)

// String returns the string representation of the video codec family.
func (v Video) String() string { return string(v) }

// String returns the string representation of the audio codec family.
func (a Audio) String() string { return string(a) }

// String returns the string representation of the hardware tier.
func (t HWTier) String() string { return string(t) }

// videoInfo contains metadata about a video codec family.
type videoInfo struct {
	Name Video
	// All known aliases, sample entry fourccs, and encoder names that map
	// to this family.
	Aliases []string
	// FFmpeg software encoder used by the repair transcoder.
	Encoder string
}

// audioInfo contains metadata about an audio codec family.
type audioInfo struct {
	Name    Video
	Aliases []string
	Encoder string
}

var videoRegistry = map[Video]*videoInfo{
	VideoH264: {
		Name: VideoH264,
		Aliases: []string{
			"h264", "avc", "avc1", "avc3", "h.264",
			"libx264", "h264_nvenc", "h264_qsv", "h264_vaapi", "h264_videotoolbox",
		},
		Encoder: "libx264",
	},
	VideoH265: {
		Name: VideoH265,
		Aliases: []string{
			"h265", "hevc", "hev1", "hvc1", "h.265",
			"libx265", "hevc_nvenc", "hevc_qsv", "hevc_vaapi", "hevc_videotoolbox",
		},
		Encoder: "libx265",
	},
	VideoVP9: {
		Name:    VideoVP9,
		Aliases: []string{"vp9", "vp09", "libvpx-vp9"},
		Encoder: "libvpx-vp9",
	},
	VideoAV1: {
		Name:    VideoAV1,
		Aliases: []string{"av1", "av01", "libaom-av1", "libsvtav1"},
		Encoder: "libsvtav1",
	},
	VideoMPEG4: {
		Name:    VideoMPEG4,
		Aliases: []string{"mpeg4", "mp4v", "xvid", "divx"},
		Encoder: "mpeg4",
	},
}

var audioAliasIndex = map[string]Audio{
	"aac": AudioAAC, "mp4a": AudioAAC, "aac_at": AudioAAC,
	"mp3": AudioMP3, "mp3float": AudioMP3, "libmp3lame": AudioMP3,
	"ac3": AudioAC3, "ac-3": AudioAC3, "a52": AudioAC3,
	"eac3": AudioEAC3, "ec-3": AudioEAC3,
	"opus": AudioOpus, "libopus": AudioOpus,
	"pcm": AudioPCM, "pcm_s16le": AudioPCM, "lpcm": AudioPCM, "sowt": AudioPCM,
}

// videoAliasIndex maps all aliases to their canonical family.
var videoAliasIndex map[string]Video

func init() {
	videoAliasIndex = make(map[string]Video)
	for family, info := range videoRegistry {
		for _, alias := range info.Aliases {
			videoAliasIndex[strings.ToLower(alias)] = family
		}
	}
}

// ParseVideo parses a string (family name, alias, sample entry fourcc, or
// encoder name) to a video codec family. RFC 6381 codec strings with
// profile suffixes (e.g. "avc1.64001f", "hvc1.1.6.L120.B0") are handled.
func ParseVideo(s string) (Video, bool) {
	if s == "" {
		return VideoUnknown, false
	}
	lower := strings.ToLower(strings.TrimSpace(s))

	if family, ok := videoAliasIndex[lower]; ok {
		return family, true
	}

	// RFC 6381 strings carry a profile suffix after the fourcc.
	if len(lower) >= 4 {
		if family, ok := videoAliasIndex[lower[:4]]; ok {
			return family, true
		}
	}

	return VideoUnknown, false
}

// ParseAudio parses a string to an audio codec family. RFC 6381 strings
// such as "mp4a.40.2" are handled.
func ParseAudio(s string) (Audio, bool) {
	if s == "" {
		return AudioUnknown, false
	}
	lower := strings.ToLower(strings.TrimSpace(s))

	if family, ok := audioAliasIndex[lower]; ok {
		return family, true
	}
	if len(lower) >= 4 {
		if family, ok := audioAliasIndex[lower[:4]]; ok {
			return family, true
		}
	}

	return AudioUnknown, false
}

// VideoEncoder returns the FFmpeg software encoder name for a family, or
// empty when the family is not an encoding target.
func VideoEncoder(v Video) string {
	info, ok := videoRegistry[v]
	if !ok {
		return ""
	}
	return info.Encoder
}

// DefaultCodecString returns a representative RFC 6381 codec string for
// a family at the given level bucket. Used when a source track carries no
// explicit codec parameter string.
func DefaultCodecString(v Video) string {
	switch v {
	case VideoH264:
		return "avc1.64001f"
	case VideoH265:
		return "hvc1.1.6.L120.B0"
	case VideoVP9:
		return "vp09.00.40.08"
	case VideoAV1:
		return "av01.0.08M.08"
	default:
		return ""
	}
}

// IsNALFamily reports whether the family carries its bitstream as NAL
// units, which the bitstream inspector can parse for keyframe structure.
func (v Video) IsNALFamily() bool {
	return v == VideoH264 || v == VideoH265
}

// Match returns true if two codec strings represent the same family.
// Handles aliases, encoder names, RFC 6381 strings, and case differences.
func Match(a, b string) bool {
	fa, okA := ParseVideo(a)
	fb, okB := ParseVideo(b)
	if okA && okB {
		return fa == fb
	}
	return strings.EqualFold(a, b)
}

// ValidateFamily returns an error when the string does not resolve to a
// known video family.
func ValidateFamily(s string) (Video, error) {
	family, ok := ParseVideo(s)
	if !ok {
		return VideoUnknown, fmt.Errorf("unknown video codec %q", s)
	}
	return family, nil
}
