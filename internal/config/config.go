// Package config provides configuration management for telemetra using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values. The pipeline thresholds are empirically
// chosen tuning constants; they are exposed as configuration rather than
// derived from a formula.
const (
	defaultFFmpegTimeout      = 15 * time.Minute
	defaultQueueWatermark     = 24
	defaultMaxInFlightFrames  = 3
	defaultKeyframeWindow     = 120
	defaultStreamingCutoff    = 512 * MiB
	defaultRepackCeiling      = 1 * GiB
	defaultDownscalePixels    = 2_097_152
	defaultMinTargetBitrate   = 5_000_000
	defaultMaxTargetBitrate   = 140_000_000
	defaultTranscodeRetries   = 2
	defaultProgressInterval   = 200 * time.Millisecond
	defaultBackpressurePoll   = 2 * time.Millisecond
	defaultGOPDetectionSample = 16
)

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Demux     DemuxConfig     `mapstructure:"demux"`
	Mux       MuxConfig       `mapstructure:"mux"`
	Encoder   EncoderConfig   `mapstructure:"encoder"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds configuration for the external repair transcoder.
type FFmpegConfig struct {
	BinaryPath    string        `mapstructure:"binary_path"`     // empty = search PATH
	Timeout       time.Duration `mapstructure:"timeout"`         // per-invocation ceiling
	RetryAttempts int           `mapstructure:"retry_attempts"`  // bounded; never unbounded retry
}

// PipelineConfig holds orchestrator tuning.
type PipelineConfig struct {
	// QueueWatermark is the decoder/encoder queue depth above which the
	// main loop yields before submitting more input.
	QueueWatermark int `mapstructure:"queue_watermark"`

	// MaxInFlightFrames bounds concurrently queued frame-processing tasks.
	MaxInFlightFrames int `mapstructure:"max_in_flight_frames"`

	// KeyframeWindow is how many leading samples are scanned for a
	// random-access unit before the repair transcode is attempted.
	KeyframeWindow int `mapstructure:"keyframe_window"`

	// BackpressurePoll is the cooperative yield interval while draining.
	BackpressurePoll time.Duration `mapstructure:"backpressure_poll"`

	// ProgressInterval throttles progress callback emission.
	ProgressInterval time.Duration `mapstructure:"progress_interval"`

	// GOPDetectionSamples caps the random-access indices collected when
	// inferring GOP cadence.
	GOPDetectionSamples int `mapstructure:"gop_detection_samples"`
}

// DemuxConfig holds demuxer configuration.
type DemuxConfig struct {
	// RepackCeiling is the maximum source size eligible for the external
	// container repack fallback. Above it, demux failures are fatal.
	RepackCeiling ByteSize `mapstructure:"repack_ceiling"`
}

// MuxConfig holds muxer configuration.
type MuxConfig struct {
	// StreamingCutoff selects the streaming mux session for sources at or
	// above this size; smaller sources use the buffered path.
	StreamingCutoff ByteSize `mapstructure:"streaming_cutoff"`
}

// EncoderConfig holds encoder negotiation configuration.
type EncoderConfig struct {
	// DownscalePixels is the pixel-count ceiling used for the single
	// downscale retry when no native-resolution candidate is accepted.
	DownscalePixels int `mapstructure:"downscale_pixels"`

	// MinBitrate and MaxBitrate clamp the derived target bitrate (bps).
	MinBitrate int64 `mapstructure:"min_bitrate"`
	MaxBitrate int64 `mapstructure:"max_bitrate"`
}

// Load reads configuration from the given file (optional), environment
// variables, and defaults. Environment variables use the TELEMETRA_
// prefix with underscores, e.g. TELEMETRA_LOGGING_LEVEL.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".telemetra")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		v.AddConfigPath("/etc/telemetra")
	}

	v.SetEnvPrefix("TELEMETRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config file is fine; defaults and env apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.timeout", defaultFFmpegTimeout)
	v.SetDefault("ffmpeg.retry_attempts", defaultTranscodeRetries)

	v.SetDefault("pipeline.queue_watermark", defaultQueueWatermark)
	v.SetDefault("pipeline.max_in_flight_frames", defaultMaxInFlightFrames)
	v.SetDefault("pipeline.keyframe_window", defaultKeyframeWindow)
	v.SetDefault("pipeline.backpressure_poll", defaultBackpressurePoll)
	v.SetDefault("pipeline.progress_interval", defaultProgressInterval)
	v.SetDefault("pipeline.gop_detection_samples", defaultGOPDetectionSample)

	v.SetDefault("demux.repack_ceiling", defaultRepackCeiling.String())
	v.SetDefault("mux.streaming_cutoff", defaultStreamingCutoff.String())

	v.SetDefault("encoder.downscale_pixels", defaultDownscalePixels)
	v.SetDefault("encoder.min_bitrate", defaultMinTargetBitrate)
	v.SetDefault("encoder.max_bitrate", defaultMaxTargetBitrate)
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}

	if c.Pipeline.QueueWatermark < 1 {
		return fmt.Errorf("pipeline.queue_watermark must be >= 1, got %d", c.Pipeline.QueueWatermark)
	}
	if c.Pipeline.MaxInFlightFrames < 1 {
		return fmt.Errorf("pipeline.max_in_flight_frames must be >= 1, got %d", c.Pipeline.MaxInFlightFrames)
	}
	if c.Pipeline.KeyframeWindow < 1 {
		return fmt.Errorf("pipeline.keyframe_window must be >= 1, got %d", c.Pipeline.KeyframeWindow)
	}

	if c.Demux.RepackCeiling <= 0 {
		return fmt.Errorf("demux.repack_ceiling must be positive, got %d", c.Demux.RepackCeiling)
	}
	if c.Mux.StreamingCutoff <= 0 {
		return fmt.Errorf("mux.streaming_cutoff must be positive, got %d", c.Mux.StreamingCutoff)
	}

	if c.Encoder.DownscalePixels < 4 {
		return fmt.Errorf("encoder.downscale_pixels must be >= 4, got %d", c.Encoder.DownscalePixels)
	}
	if c.Encoder.MinBitrate <= 0 || c.Encoder.MaxBitrate < c.Encoder.MinBitrate {
		return fmt.Errorf("invalid encoder bitrate clamp [%d, %d]", c.Encoder.MinBitrate, c.Encoder.MaxBitrate)
	}

	return nil
}

// Default returns a Config populated with all default values.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		panic(fmt.Sprintf("default config unmarshal: %v", err))
	}
	return &cfg
}

// decodeHook extends viper's defaults so ByteSize fields accept
// human-readable strings.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}
