// Command framesim drives the frame scheduler and the upload coordinator against the
// simulated device and reports frame timing and synchronization statistics.
//
//	framesim -config sim.toml -frames 1000 -inflight 3
//
// Flags override the values read from the config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/celer/vkframe"
)

func main() {
	if err := mainErr(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "framesim: %v\n", err)
		os.Exit(1)
	}
}

func mainErr(args []string, stdout, stderr io.Writer) error {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	vkframe.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := run(ctx, cfg, logger)
	printReport(stdout, cfg, report)
	if err != nil {
		return err
	}
	if len(report.Violations) > 0 {
		return errors.Newf("device reported %d violations", len(report.Violations))
	}
	return nil
}

func parseFlags(args []string, stderr io.Writer) (Config, error) {
	fs := flag.NewFlagSet("framesim", flag.ContinueOnError)
	fs.SetOutput(stderr)

	def := DefaultConfig()
	path := fs.String("config", "", "TOML config file")
	frames := fs.Int("frames", def.Frames, "number of frames to draw")
	inFlight := fs.Int("inflight", def.FramesInFlight, "frames in flight")
	images := fs.Int("images", def.Images, "presentable images")
	latency := fs.Duration("latency", time.Duration(def.Latency), "device time per submission")
	fenceTimeout := fs.Duration("fence-timeout", 0, "bound on each fence wait, 0 for none")
	texture := fs.Int("texture", def.TextureSize, "edge of the uploaded texture, 0 to skip")
	staleEvery := fs.Int("stale-every", 0, "mark the surface stale every n frames")
	logLevel := fs.String("log", def.LogLevel, "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := def
	if *path != "" {
		var err error
		if cfg, err = LoadConfig(*path); err != nil {
			return cfg, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "frames":
			cfg.Frames = *frames
		case "inflight":
			cfg.FramesInFlight = *inFlight
		case "images":
			cfg.Images = *images
		case "latency":
			cfg.Latency = Duration(*latency)
		case "fence-timeout":
			cfg.FenceTimeout = Duration(*fenceTimeout)
		case "texture":
			cfg.TextureSize = *texture
		case "stale-every":
			cfg.StaleEvery = *staleEvery
		case "log":
			cfg.LogLevel = *logLevel
		}
	})
	return cfg, cfg.Validate()
}

func printReport(w io.Writer, cfg Config, r Report) {
	fmt.Fprintf(w, "frames            %d (in flight %d, images %d)\n", r.Frames, cfg.FramesInFlight, cfg.Images)
	fmt.Fprintf(w, "elapsed           %v\n", r.Elapsed)
	fmt.Fprintf(w, "frame time        min %v  mean %v  p50 %v  p99 %v  max %v\n",
		r.Frame.Min, r.Frame.Mean, r.Frame.P50, r.Frame.P99, r.Frame.Max)
	fmt.Fprintf(w, "max outstanding   %d\n", r.MaxOutstanding)
	fmt.Fprintf(w, "image waits       %d\n", r.Stats.ImageWaits)
	fmt.Fprintf(w, "stale surfaces    %d (rebuilds %d)\n", r.Stats.StaleSurfaces, r.Rebuilds)
	fmt.Fprintf(w, "fence timeouts    %d\n", r.Stats.Timeouts)
	fmt.Fprintf(w, "violations        %d\n", len(r.Violations))
	for _, v := range r.Violations {
		fmt.Fprintf(w, "  %v\n", v)
	}
}
