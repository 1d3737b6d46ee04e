package main

import (
	"context"
	"encoding/binary"
	"log/slog"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	units "github.com/docker/go-units"
	"github.com/loov/hrtime"

	"github.com/celer/vkframe"
	"github.com/celer/vkframe/backend/sim"
)

const texelSize = 4

// Report summarizes a simulation run.
type Report struct {
	Frames         int
	Rebuilds       int
	Stats          vkframe.SchedulerStats
	MaxOutstanding int
	Violations     []sim.Violation
	Frame          Timing
	Elapsed        time.Duration
}

// Timing is the distribution of host time spent in AdvanceFrame.
type Timing struct {
	Min, Mean, P50, P99, Max time.Duration
}

func timing(laps []time.Duration) Timing {
	if len(laps) == 0 {
		return Timing{}
	}
	sorted := slices.Clone(laps)
	slices.Sort(sorted)
	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	at := func(q float64) time.Duration {
		return sorted[int(q*float64(len(sorted)-1))]
	}
	return Timing{
		Min:  sorted[0],
		Mean: sum / time.Duration(len(sorted)),
		P50:  at(0.50),
		P99:  at(0.99),
		Max:  sorted[len(sorted)-1],
	}
}

// simulation holds the per run state: a device local texture, and one host visible uniform
// buffer per presentable image which the device copies into a device local log buffer every
// frame.
type simulation struct {
	cfg    Config
	logger *slog.Logger

	dev   *sim.Device
	sc    *sim.Swapchain
	sched *vkframe.Scheduler
	up    *vkframe.Uploader

	texture  *sim.Image
	uniforms []hostBuffer
	history  vkframe.Buffer
	historyM vkframe.Memory
}

type hostBuffer struct {
	buffer vkframe.Buffer
	memory vkframe.Memory
	data   []byte
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	s := &simulation{
		cfg:    cfg,
		logger: logger,
		dev:    sim.New(&sim.Options{Latency: time.Duration(cfg.Latency), Logger: logger}),
	}
	defer s.dev.Close()

	start := hrtime.Now()
	report, err := s.run(ctx)
	report.Elapsed = hrtime.Since(start)
	report.MaxOutstanding = s.dev.MaxOutstanding()
	report.Violations = s.dev.Violations()
	return report, err
}

func (s *simulation) run(ctx context.Context) (report Report, err error) {
	if s.sc, err = s.dev.NewSwapchain(s.cfg.Images, s.cfg.AcquireOrder...); err != nil {
		return report, err
	}
	// Cleanup still waits for the device when ctx is cancelled.
	cleanup := context.WithoutCancel(ctx)
	s.up = vkframe.NewUploader(s.dev, s.dev.Queue(), &vkframe.UploaderOptions{Logger: s.logger})
	defer func() {
		err = errors.CombineErrors(err, s.up.Close(cleanup))
		s.release()
	}()

	if err = s.uploadTexture(ctx); err != nil {
		return report, err
	}
	if err = s.createUniforms(); err != nil {
		return report, err
	}

	s.sched, err = vkframe.NewScheduler(s.dev, s.dev.Queue(), s.sc, &vkframe.SchedulerOptions{
		FramesInFlight: s.cfg.FramesInFlight,
		FenceTimeout:   time.Duration(s.cfg.FenceTimeout),
		Logger:         s.logger,
	})
	if err != nil {
		return report, err
	}
	defer func() {
		err = errors.CombineErrors(err, s.sched.Shutdown(cleanup))
		report.Stats = s.sched.Stats()
	}()

	laps := make([]time.Duration, 0, s.cfg.Frames)
	staleAt := -1
	for report.Frames < s.cfg.Frames {
		if err = ctx.Err(); err != nil {
			return report, err
		}
		if s.cfg.StaleEvery > 0 && report.Frames > 0 && report.Frames%s.cfg.StaleEvery == 0 && report.Frames != staleAt {
			staleAt = report.Frames
			s.sc.MarkStale()
		}

		begin := hrtime.Now()
		err = s.sched.AdvanceFrame(ctx, s.record)
		lap := hrtime.Since(begin)
		// A frame stale on present was still submitted.
		report.Frames = int(s.sched.Stats().Frames)

		switch {
		case err == nil:
			laps = append(laps, lap)
		case errors.Is(err, vkframe.ErrSurfaceStale):
			if err = s.rebuild(ctx); err != nil {
				return report, err
			}
			report.Rebuilds++
		case errors.Is(err, vkframe.ErrTimeout):
			s.logger.Warn("frame timed out, retrying", "frame", report.Frames, "err", err)
		default:
			return report, err
		}
	}
	report.Frame = timing(laps)

	if err = s.sched.Shutdown(ctx); err != nil {
		return report, err
	}
	return report, s.verifyHistory(ctx)
}

// record writes the frame number into the image's uniform buffer and has the device copy it
// into the frame's history slot.
func (s *simulation) record(f vkframe.Frame) error {
	u := s.uniforms[f.Image]
	binary.LittleEndian.PutUint64(u.data, f.Number)
	cmd := f.Commands.(*sim.CommandBuffer)
	cmd.Execute("draw", func() {})
	cmd.CopyBuffer(u.buffer, s.history, vkframe.BufferCopy{DstOffset: f.Number * 8, Size: 8})
	return nil
}

func (s *simulation) rebuild(ctx context.Context) error {
	sc, err := s.dev.NewSwapchain(s.cfg.Images, s.cfg.AcquireOrder...)
	if err != nil {
		return err
	}
	if err := s.sched.ResetSwapchain(ctx, sc); err != nil {
		return err
	}
	s.sc = sc
	s.logger.Debug("swapchain rebuilt", "frame", s.sched.Stats().Frames)
	return nil
}

func (s *simulation) uploadTexture(ctx context.Context) error {
	n := s.cfg.TextureSize
	if n == 0 {
		return nil
	}
	img, err := s.dev.CreateImage(vkframe.Extent3D{Width: uint32(n), Height: uint32(n), Depth: 1}, texelSize)
	if err != nil {
		return err
	}
	s.texture = img

	payload := checkerboard(n)
	if err := s.up.UploadImage(ctx, img, payload, vkframe.LayoutUndefined, vkframe.LayoutShaderReadOnly); err != nil {
		return errors.Wrap(err, "uploading texture")
	}
	back, err := s.up.Download(ctx, vkframe.DownloadRequest{
		Size:   uint64(len(payload)),
		Image:  img,
		Layout: vkframe.LayoutShaderReadOnly,
	})
	if err != nil {
		return errors.Wrap(err, "reading texture back")
	}
	if !slices.Equal(payload, back) {
		return errors.New("texture read back differs from the upload")
	}
	s.logger.Info("texture uploaded", "size", n, "bytes", units.BytesSize(float64(len(payload))))
	return nil
}

// checkerboard makes an n by n RGBA texture of 8 texel squares.
func checkerboard(n int) []byte {
	out := make([]byte, n*n*texelSize)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			c := byte(0x20)
			if (x/8+y/8)%2 == 0 {
				c = 0xe0
			}
			i := (y*n + x) * texelSize
			out[i], out[i+1], out[i+2], out[i+3] = c, byte(x), byte(y), 0xff
		}
	}
	return out
}

func (s *simulation) createUniforms() error {
	var err error
	s.uniforms = make([]hostBuffer, s.cfg.Images)
	for i := range s.uniforms {
		if s.uniforms[i], err = newHostBuffer(s.dev, 8, vkframe.BufferUsageTransferSrc|vkframe.BufferUsageUniform); err != nil {
			return err
		}
	}
	size := uint64(8 * max(s.cfg.Frames, 1))
	if s.history, err = s.dev.CreateBuffer(size, vkframe.BufferUsageTransferSrc|vkframe.BufferUsageTransferDst); err != nil {
		return err
	}
	s.historyM, err = s.dev.AllocateMemory(s.dev.BufferMemoryRequirements(s.history), vkframe.MemoryDeviceLocal)
	if err != nil {
		return err
	}
	return s.dev.BindBufferMemory(s.history, s.historyM, 0)
}

// verifyHistory checks that the device read every frame's own value from the uniform
// buffer, which fails if the host rewrote a buffer the device had not consumed yet.
func (s *simulation) verifyHistory(ctx context.Context) error {
	frames := s.sched.Stats().Frames
	if frames == 0 {
		return nil
	}
	data, err := s.up.Download(ctx, vkframe.DownloadRequest{Size: frames * 8, Buffer: s.history})
	if err != nil {
		return errors.Wrap(err, "reading frame history")
	}
	for n := uint64(0); n < frames; n++ {
		if got := binary.LittleEndian.Uint64(data[n*8:]); got != n {
			return errors.Newf("frame %d: device read the uniform of frame %d", n, got)
		}
	}
	return nil
}

func (s *simulation) release() {
	for _, u := range s.uniforms {
		u.free(s.dev)
	}
	s.uniforms = nil
	if s.history != nil {
		s.dev.DestroyBuffer(s.history)
	}
	if s.historyM != nil {
		s.dev.FreeMemory(s.historyM)
	}
	if s.texture != nil {
		s.dev.DestroyImage(s.texture)
	}
}

func newHostBuffer(dev *sim.Device, size uint64, usage vkframe.BufferUsage) (hostBuffer, error) {
	var h hostBuffer
	var err error
	if h.buffer, err = dev.CreateBuffer(size, usage); err != nil {
		return h, err
	}
	if h.memory, err = dev.AllocateMemory(dev.BufferMemoryRequirements(h.buffer), vkframe.MemoryStaging); err != nil {
		dev.DestroyBuffer(h.buffer)
		return hostBuffer{}, err
	}
	if err = dev.BindBufferMemory(h.buffer, h.memory, 0); err == nil {
		h.data, err = dev.MapMemory(h.memory, 0, size)
	}
	if err != nil {
		h.free(dev)
		return hostBuffer{}, err
	}
	return h, nil
}

func (h hostBuffer) free(dev *sim.Device) {
	if h.data != nil {
		dev.UnmapMemory(h.memory)
	}
	if h.buffer != nil {
		dev.DestroyBuffer(h.buffer)
	}
	if h.memory != nil {
		dev.FreeMemory(h.memory)
	}
}
