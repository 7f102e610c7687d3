package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telemetra/telemetra/internal/config"
	"github.com/telemetra/telemetra/internal/demux"
	"github.com/telemetra/telemetra/internal/mux"
	"github.com/telemetra/telemetra/internal/negotiate"
	"github.com/telemetra/telemetra/internal/observability"
	"github.com/telemetra/telemetra/internal/pipeline"
	"github.com/telemetra/telemetra/internal/progress"
	"github.com/telemetra/telemetra/internal/telemetry"
	"github.com/telemetra/telemetra/internal/transcode"
)

var runFlags struct {
	output     string
	timeline   string
	syncOffset float64
	anchor     string
	margin     int
	scale      float64
	hide       []string
	noOverlay  bool
}

var runCmd = &cobra.Command{
	Use:   "run <input-video>",
	Short: "Process one video with a telemetry overlay",
	Long: `Run the full overlay pipeline on a single input video. The telemetry
timeline is a JSON file of time-offset frames; without one the video is
re-encoded unmodified.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		return runOverlay(cmd, logger, cfg, args[0])
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.output, "output", "o", "", "output path (default: <input>.overlay.mp4)")
	runCmd.Flags().StringVarP(&runFlags.timeline, "timeline", "t", "", "telemetry timeline JSON file")
	runCmd.Flags().Float64Var(&runFlags.syncOffset, "sync-offset", 0, "telemetry offset relative to video start, in seconds")
	runCmd.Flags().StringVar(&runFlags.anchor, "anchor", string(telemetry.CornerBottomLeft), "overlay corner (top-left, top-right, bottom-left, bottom-right)")
	runCmd.Flags().IntVar(&runFlags.margin, "margin", 0, "overlay margin in pixels (0 = default)")
	runCmd.Flags().Float64Var(&runFlags.scale, "scale", 0, "overlay scale factor (0 = default)")
	runCmd.Flags().StringSliceVar(&runFlags.hide, "hide", nil, "fields to hide (heart-rate, pace, distance, elevation, time)")
	runCmd.Flags().BoolVar(&runFlags.noOverlay, "no-overlay", false, "skip the overlay entirely")
	rootCmd.AddCommand(runCmd)
}

func runOverlay(cmd *cobra.Command, logger *slog.Logger, cfg *config.Config, inputPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputPath := runFlags.output
	if outputPath == "" {
		ext := filepath.Ext(inputPath)
		outputPath = strings.TrimSuffix(inputPath, ext) + ".overlay.mp4"
	}

	var timeline *telemetry.Timeline
	if runFlags.timeline != "" && !runFlags.noOverlay {
		var err error
		timeline, err = telemetry.LoadTimeline(runFlags.timeline)
		if err != nil {
			return err
		}
		first, last := timeline.Span()
		logger.Info("loaded telemetry timeline",
			slog.String("path", runFlags.timeline),
			slog.Int("frames", timeline.Len()),
			slog.Float64("span_seconds", last-first))
	}

	binary, err := transcode.FindBinary(cfg.FFmpeg.BinaryPath)
	if err != nil {
		return err
	}

	transcoder, err := transcode.New(logger, cfg.FFmpeg, filepath.Dir(outputPath))
	if err != nil {
		return err
	}

	orch := pipeline.New(logger, cfg, pipeline.Deps{
		Demuxer:    demux.New(observability.WithComponent(logger, "demux"), int64(cfg.Demux.RepackCeiling)),
		Transcoder: transcoder,
		Negotiator: negotiate.New(observability.WithComponent(logger, "negotiate"), cfg.Encoder),
		Prober:     negotiate.NewFFmpegProber(observability.WithComponent(logger, "prober"), binary),
		Muxer:      mux.New(observability.WithComponent(logger, "mux"), cfg.Mux),
		Decoder:    pipeline.NewFFmpegDecoder(observability.WithComponent(logger, "decoder"), binary),
		Encoder:    pipeline.NewFFmpegEncoder(observability.WithComponent(logger, "encoder"), binary),
		Renderer:   telemetry.NewBasicRenderer(),
		OnProgress: progressPrinter(cfg.Pipeline.ProgressInterval),
	})

	req := pipeline.Request{
		InputPath:         inputPath,
		OutputPath:        outputPath,
		Timeline:          timeline,
		Overlay:           overlayFromFlags(),
		SyncOffsetSeconds: runFlags.syncOffset,
	}

	start := time.Now()
	if err := orch.Run(ctx, req); err != nil {
		fmt.Fprintln(os.Stderr)
		return err
	}

	fmt.Fprintln(os.Stderr)
	logger.Info("overlay complete",
		slog.String("output", outputPath),
		slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	return nil
}

func overlayFromFlags() telemetry.OverlayConfig {
	ov := telemetry.DefaultOverlayConfig()
	ov.Anchor = telemetry.Corner(runFlags.anchor)
	if runFlags.margin > 0 {
		ov.MarginPx = runFlags.margin
	}
	if runFlags.scale > 0 {
		ov.Scale = runFlags.scale
	}
	for _, f := range runFlags.hide {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "heart-rate", "hr":
			ov.ShowHeartRate = false
		case "pace":
			ov.ShowPace = false
		case "distance":
			ov.ShowDistance = false
		case "elevation":
			ov.ShowElevation = false
		case "time":
			ov.ShowTime = false
		}
	}
	return ov
}

// progressPrinter writes a single updating status line to stderr,
// throttled to the configured interval.
func progressPrinter(interval time.Duration) func(progress.Update) {
	var last time.Time
	return func(u progress.Update) {
		now := time.Now()
		if u.Phase != progress.PhaseComplete && now.Sub(last) < interval {
			return
		}
		last = now

		eta := ""
		if u.HasETA && u.Phase != progress.PhaseComplete {
			eta = fmt.Sprintf("  ETA %s", u.ETA.Round(time.Second))
		}
		fmt.Fprintf(os.Stderr, "\r%-12s %5.1f%%%s   ", u.Phase, u.Percent, eta)
	}
}
