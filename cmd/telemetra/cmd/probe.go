package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"

	"github.com/telemetra/telemetra/internal/bitstream"
	"github.com/telemetra/telemetra/internal/codec"
	"github.com/telemetra/telemetra/internal/config"
	"github.com/telemetra/telemetra/internal/demux"
	"github.com/telemetra/telemetra/internal/negotiate"
	"github.com/telemetra/telemetra/internal/transcode"
)

var probeCmd = &cobra.Command{
	Use:   "probe [video-file]",
	Short: "Report host, encoder, and source capabilities",
	Long: `Probe the host and the ffmpeg installation: CPU and memory, the
resolved ffmpeg binary, and which H.264/H.265 encoders accept a trial
encode at common resolutions. With a video file argument, also demux it
and report its tracks and keyframe cadence.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()

		printHostInfo(ctx)

		binary, err := transcode.FindBinary(cfg.FFmpeg.BinaryPath)
		if err != nil {
			fmt.Printf("\nffmpeg: not found (%v)\n", err)
		} else {
			fmt.Printf("\nffmpeg: %s\n", binary)
			printEncoderSupport(ctx, negotiate.NewFFmpegProber(logger, binary))
		}

		if len(args) == 1 {
			return printSourceInfo(ctx, logger, cfg, args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func printHostInfo(ctx context.Context) {
	fmt.Printf("platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	if info, err := host.InfoWithContext(ctx); err == nil {
		fmt.Printf("host: %s %s (%s)\n", info.Platform, info.PlatformVersion, info.KernelVersion)
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		fmt.Printf("cpu: %d logical cores", counts)
		if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
			fmt.Printf(" (%s)", infos[0].ModelName)
		}
		fmt.Println()
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		fmt.Printf("memory: %.1f GiB total, %.1f GiB available\n",
			float64(vm.Total)/(1<<30), float64(vm.Available)/(1<<30))
	}
}

func printEncoderSupport(ctx context.Context, prober negotiate.CapabilityProber) {
	fmt.Println("\nencoder support (1920x1080):")

	probes := []struct {
		label string
		codec string
		tier  codec.HWTier
	}{
		{"h264 hardware", "avc1.640028", codec.TierPreferHardware},
		{"h264 software", "avc1.640028", codec.TierPreferSoftware},
		{"h265 hardware", "hvc1.1.6.L123.B0", codec.TierPreferHardware},
		{"h265 software", "hvc1.1.6.L123.B0", codec.TierPreferSoftware},
	}

	for _, p := range probes {
		ok := prober.Supports(ctx, negotiate.ProbeRequest{
			CodecString: p.codec,
			Width:       1920,
			Height:      1080,
			Tier:        p.tier,
		})
		mark := "no"
		if ok {
			mark = "yes"
		}
		fmt.Printf("  %-14s %s\n", p.label, mark)
	}
}

func printSourceInfo(ctx context.Context, logger *slog.Logger, cfg *config.Config, path string) error {
	res, err := demux.New(logger, int64(cfg.Demux.RepackCeiling)).Demux(ctx, path)
	if err != nil {
		return err
	}

	fmt.Printf("\nsource: %s (%s)\n", res.SourcePath, config.ByteSize(res.SourceSize))
	fmt.Printf("  video: %s %dx%d @ %.3g fps, %d samples\n",
		res.VideoTrack.CodecString, res.VideoTrack.Width, res.VideoTrack.Height,
		res.VideoTrack.FrameRate, len(res.VideoSamples))

	samples := make([]bitstream.Sample, len(res.VideoSamples))
	for i, s := range res.VideoSamples {
		samples[i] = bitstream.Sample{Data: s.Data, RandomAccess: s.IsRandomAccessPoint}
	}
	gop := bitstream.DetectGOPSize(samples, res.VideoTrack.VideoFamily,
		res.VideoTrack.DecoderDescription, res.VideoTrack.FrameRate)
	firstKF := bitstream.FirstKeyframeIndex(samples, res.VideoTrack.VideoFamily,
		res.VideoTrack.DecoderDescription, cfg.Pipeline.KeyframeWindow)
	fmt.Printf("  gop: ~%d frames, first keyframe at sample %d\n", gop, firstKF)

	if res.AudioTrack != nil {
		fmt.Printf("  audio: %s %d Hz, %d channels, %d samples\n",
			res.AudioTrack.CodecString, res.AudioTrack.SampleRate,
			res.AudioTrack.ChannelCount, len(res.AudioSamples))
	}
	return nil
}
