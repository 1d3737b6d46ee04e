package vkframe

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
)

// UploaderOptions configure an Uploader. A nil *UploaderOptions selects the defaults.
type UploaderOptions struct {
	// Timeout bounds the wait for each submitted phase. Zero or WaitForever waits without
	// bound.
	Timeout time.Duration
	// WaitIdle blocks on the whole queue becoming idle after each phase instead of on a fence
	// owned by the upload.
	WaitIdle bool
	Logger   *slog.Logger
}

func (o *UploaderOptions) withDefaults() UploaderOptions {
	var r UploaderOptions
	if o != nil {
		r = *o
	}
	if r.Timeout == 0 {
		r.Timeout = WaitForever
	}
	return r
}

// UploadRequest describes bytes to place into a device local resource. Exactly one of Buffer
// and Image is set.
type UploadRequest struct {
	Payload []byte

	Buffer       Buffer
	BufferOffset uint64

	Image Image
	// ImageOffset and ImageExtent select the region of Image written. A zero extent covers
	// the image from ImageOffset to its end.
	ImageOffset Offset3D
	ImageExtent Extent3D
	// Transition is the layout Image is in before the upload and the one it is left in. Nil
	// means {LayoutUndefined, LayoutTransferDst}.
	Transition *LayoutTransition
}

// DownloadRequest describes Size bytes to read back from a buffer or an image region. For an
// image Size is either zero, meaning the whole region, or exactly the region's byte size.
type DownloadRequest struct {
	Size uint64

	Buffer       Buffer
	BufferOffset uint64

	Image       Image
	ImageOffset Offset3D
	ImageExtent Extent3D
	// Layout is the layout Image is in. It is restored after the copy.
	Layout ImageLayout
}

// Uploader moves bytes between the host and device local resources through staging buffers.
// Every call blocks until the device has finished the work it submitted. An Uploader is used
// from one goroutine.
type Uploader struct {
	device UploadDevice
	queue  Queue
	opts   UploaderOptions

	retired []*transfer
	closed  bool
}

// NewUploader returns an Uploader submitting to queue. opts may be nil.
func NewUploader(device UploadDevice, queue Queue, opts *UploaderOptions) *Uploader {
	return &Uploader{
		device: device,
		queue:  queue,
		opts:   opts.withDefaults(),
	}
}

func (u *Uploader) log() *slog.Logger {
	return loggerOr(u.opts.Logger)
}

// Retired returns the number of transfers whose resources are held until the device is known
// to be done with them.
func (u *Uploader) Retired() int {
	return len(u.retired)
}

// UploadBuffer writes payload to dst at offset.
func (u *Uploader) UploadBuffer(ctx context.Context, dst Buffer, offset uint64, payload []byte) error {
	return u.Upload(ctx, UploadRequest{Payload: payload, Buffer: dst, BufferOffset: offset})
}

// UploadImage replaces the contents of dst and moves it from layout from to layout to.
func (u *Uploader) UploadImage(ctx context.Context, dst Image, payload []byte, from, to ImageLayout) error {
	return u.Upload(ctx, UploadRequest{
		Payload:    payload,
		Image:      dst,
		Transition: &LayoutTransition{From: from, To: to},
	})
}

// Upload copies req.Payload into the destination through a staging buffer. For an image the
// copy is preceded by a transition into LayoutTransferDst and followed by a transition into
// the requested layout. The staging buffer is released once the copy is known to be complete.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) error {
	if u.closed {
		return ErrClosed
	}
	if err := req.validate(); err != nil {
		return err
	}
	u.Collect()

	t, err := u.begin("upload")
	if err != nil {
		return err
	}
	defer t.finish()

	size := uint64(len(req.Payload))
	if size > 0 {
		if t.staging, err = newStagingBuffer(u.device, size, BufferUsageTransferSrc); err != nil {
			return err
		}
		if err := t.staging.write(u.device, req.Payload); err != nil {
			return err
		}
	}

	if req.Buffer != nil {
		if size == 0 {
			return nil
		}
		err := t.run(ctx, "copy", func(cmd CommandBuffer) error {
			cmd.CopyBuffer(t.staging.buffer, req.Buffer, BufferCopy{DstOffset: req.BufferOffset, Size: size})
			return nil
		})
		if err != nil {
			return err
		}
		t.releaseStaging()
		return nil
	}

	tr := req.transition()
	if tr.From != LayoutTransferDst {
		if err := t.transition(ctx, req.Image, tr.From, LayoutTransferDst); err != nil {
			return err
		}
	}
	if size > 0 {
		region := req.region()
		err := t.run(ctx, "copy", func(cmd CommandBuffer) error {
			cmd.CopyBufferToImage(t.staging.buffer, req.Image, LayoutTransferDst, region)
			return nil
		})
		if err != nil {
			return err
		}
		t.releaseStaging()
	}
	if tr.To != LayoutTransferDst {
		if err := t.transition(ctx, req.Image, LayoutTransferDst, tr.To); err != nil {
			return err
		}
	}
	return nil
}

// Download copies req.Size bytes from a buffer or an image region into host memory. An image
// is moved into LayoutTransferSrc for the copy and back into req.Layout afterwards, all in a
// single submission.
func (u *Uploader) Download(ctx context.Context, req DownloadRequest) ([]byte, error) {
	if u.closed {
		return nil, ErrClosed
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	size := req.size()
	if size == 0 {
		return []byte{}, nil
	}
	u.Collect()

	t, err := u.begin("download")
	if err != nil {
		return nil, err
	}
	defer t.finish()

	if t.staging, err = newStagingBuffer(u.device, size, BufferUsageTransferDst); err != nil {
		return nil, err
	}

	err = t.run(ctx, "copy", func(cmd CommandBuffer) error {
		if req.Buffer != nil {
			cmd.CopyBuffer(req.Buffer, t.staging.buffer, BufferCopy{SrcOffset: req.BufferOffset, Size: size})
			return nil
		}
		if req.Layout != LayoutTransferSrc {
			b, err := NewLayoutTransition(req.Image, req.Layout, LayoutTransferSrc)
			if err != nil {
				return err
			}
			cmd.PipelineBarrier(b)
		}
		cmd.CopyImageToBuffer(req.Image, LayoutTransferSrc, t.staging.buffer, BufferImageCopy{
			ImageOffset: req.ImageOffset,
			ImageExtent: regionExtent(req.Image, req.ImageOffset, req.ImageExtent),
		})
		if req.Layout != LayoutTransferSrc {
			b, err := NewLayoutTransition(req.Image, LayoutTransferSrc, req.Layout)
			if err != nil {
				return err
			}
			cmd.PipelineBarrier(b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t.staging.read(u.device)
}

// Collect releases retired transfers the device has finished with and returns how many were
// released.
func (u *Uploader) Collect() int {
	if len(u.retired) == 0 {
		return 0
	}
	kept := u.retired[:0]
	released := 0
	for _, t := range u.retired {
		if t.fence == nil {
			kept = append(kept, t)
			continue
		}
		signaled, err := u.device.FenceStatus(t.fence)
		if err != nil || !signaled {
			kept = append(kept, t)
			continue
		}
		t.release()
		released++
	}
	for i := len(kept); i < len(u.retired); i++ {
		u.retired[i] = nil
	}
	u.retired = kept
	if released > 0 {
		u.log().Debug("released retired transfers", "count", released, "remaining", len(kept))
	}
	return released
}

// Close waits for every retired transfer and releases it. Later calls to Upload and Download
// return ErrClosed. Calling Close again does nothing.
func (u *Uploader) Close(ctx context.Context) error {
	if u.closed {
		return nil
	}
	var fences []Fence
	idle := false
	for _, t := range u.retired {
		if t.fence == nil {
			idle = true
			continue
		}
		fences = append(fences, t.fence)
	}
	if len(fences) > 0 {
		if err := u.device.WaitForFences(ctx, WaitForever, fences...); err != nil {
			return errors.Wrapf(err, "waiting for %d retired transfers", len(fences))
		}
	}
	if idle {
		if err := u.queue.WaitIdle(); err != nil {
			return errors.Wrap(err, "waiting for queue idle")
		}
	}
	for _, t := range u.retired {
		t.release()
	}
	u.retired = nil
	u.closed = true
	return nil
}

func (r *UploadRequest) transition() LayoutTransition {
	if r.Transition == nil {
		return LayoutTransition{From: LayoutUndefined, To: LayoutTransferDst}
	}
	return *r.Transition
}

func (r *UploadRequest) region() BufferImageCopy {
	return BufferImageCopy{
		ImageOffset: r.ImageOffset,
		ImageExtent: regionExtent(r.Image, r.ImageOffset, r.ImageExtent),
	}
}

func (r *UploadRequest) validate() error {
	if (r.Buffer == nil) == (r.Image == nil) {
		return errors.New("upload needs exactly one of a buffer and an image destination")
	}
	size := uint64(len(r.Payload))
	if r.Buffer != nil {
		return checkBufferRange(r.Buffer, r.BufferOffset, size)
	}
	tr := r.transition()
	if tr.To == LayoutUndefined {
		return errors.New("cannot leave an uploaded image in the undefined layout")
	}
	if err := checkImageRegion(r.Image, r.ImageOffset, r.ImageExtent); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	want, err := regionBytes(r.Image, regionExtent(r.Image, r.ImageOffset, r.ImageExtent))
	if err != nil {
		return err
	}
	if size != want {
		return errors.Newf("payload of %d bytes for an image region of %d bytes", size, want)
	}
	return nil
}

func (r *DownloadRequest) validate() error {
	if (r.Buffer == nil) == (r.Image == nil) {
		return errors.New("download needs exactly one of a buffer and an image source")
	}
	if r.Buffer != nil {
		return checkBufferRange(r.Buffer, r.BufferOffset, r.Size)
	}
	if r.Layout == LayoutUndefined {
		return errors.New("cannot read back an image in the undefined layout")
	}
	if err := checkImageRegion(r.Image, r.ImageOffset, r.ImageExtent); err != nil {
		return err
	}
	want, err := regionBytes(r.Image, regionExtent(r.Image, r.ImageOffset, r.ImageExtent))
	if err != nil {
		return err
	}
	if r.Size != 0 && r.Size != want {
		return errors.Newf("reading %d bytes from an image region of %d bytes", r.Size, want)
	}
	return nil
}

// size is the number of bytes read back. r must be valid.
func (r *DownloadRequest) size() uint64 {
	if r.Buffer != nil || r.Size != 0 {
		return r.Size
	}
	n, _ := regionBytes(r.Image, regionExtent(r.Image, r.ImageOffset, r.ImageExtent))
	return n
}

// regionBytes is the size of a tightly packed copy of ext texels of img.
func regionBytes(img Image, ext Extent3D) (uint64, error) {
	bpt := img.BytesPerTexel()
	if bpt <= 0 {
		return 0, errors.Newf("image format has no texel size (%d bytes per texel)", bpt)
	}
	return uint64(ext.Width) * uint64(ext.Height) * uint64(ext.Depth) * uint64(bpt), nil
}

func checkBufferRange(b Buffer, offset, size uint64) error {
	total := b.Size()
	if offset > total || size > total-offset {
		return errors.Newf("range [%d,%d) exceeds buffer of %d bytes", offset, offset+size, total)
	}
	return nil
}

func checkImageRegion(img Image, off Offset3D, ext Extent3D) error {
	full := img.Extent()
	if off.X < 0 || off.Y < 0 || off.Z < 0 {
		return errors.Newf("negative image offset %v", off)
	}
	if uint32(off.X) >= full.Width || uint32(off.Y) >= full.Height || uint32(off.Z) >= max(full.Depth, 1) {
		return errors.Newf("image offset %v outside of image %v", off, full)
	}
	if ext == (Extent3D{}) {
		return nil
	}
	if ext.Width == 0 || ext.Height == 0 || ext.Depth == 0 {
		return errors.Newf("empty image region %v", ext)
	}
	if uint64(off.X)+uint64(ext.Width) > uint64(full.Width) ||
		uint64(off.Y)+uint64(ext.Height) > uint64(full.Height) ||
		uint64(off.Z)+uint64(ext.Depth) > uint64(max(full.Depth, 1)) {
		return errors.Newf("image region %v at %v exceeds image %v", ext, off, full)
	}
	return nil
}

// regionExtent resolves a zero extent to the rest of the image from off.
func regionExtent(img Image, off Offset3D, ext Extent3D) Extent3D {
	if ext != (Extent3D{}) {
		return ext
	}
	full := img.Extent()
	return Extent3D{
		Width:  full.Width - uint32(off.X),
		Height: full.Height - uint32(off.Y),
		Depth:  max(full.Depth, 1) - uint32(off.Z),
	}
}

// transfer holds the resources of one Upload or Download call.
type transfer struct {
	u         *Uploader
	name      string
	fence     Fence
	fenceUsed bool
	staging   *stagingBuffer
	commands  []CommandBuffer
	// unsettled is set while a submission is outstanding whose completion was not observed.
	unsettled bool
}

func (u *Uploader) begin(name string) (*transfer, error) {
	t := &transfer{u: u, name: name}
	if !u.opts.WaitIdle {
		f, err := u.device.CreateFence(false)
		if err != nil {
			return nil, errors.Wrapf(err, "creating %s fence", name)
		}
		t.fence = f
	}
	return t, nil
}

func (t *transfer) transition(ctx context.Context, img Image, from, to ImageLayout) error {
	b, err := NewLayoutTransition(img, from, to)
	if err != nil {
		return err
	}
	return t.run(ctx, from.String()+" to "+to.String(), func(cmd CommandBuffer) error {
		cmd.PipelineBarrier(b)
		return nil
	})
}

// run records one command buffer with rec, submits it and blocks until it completes.
func (t *transfer) run(ctx context.Context, phase string, rec func(CommandBuffer) error) error {
	u := t.u
	cmds, err := u.device.AllocateCommandBuffers(1)
	if err != nil {
		return errors.Wrapf(err, "allocating %s command buffer", t.name)
	}
	cmd := cmds[0]
	t.commands = append(t.commands, cmd)

	if err := cmd.Begin(UsageOneTimeSubmit); err != nil {
		return errors.Wrapf(err, "beginning %s %s", t.name, phase)
	}
	if err := rec(cmd); err != nil {
		return err
	}
	if err := cmd.End(); err != nil {
		return errors.Wrapf(err, "ending %s %s", t.name, phase)
	}

	if t.fenceUsed {
		if err := u.device.ResetFences(t.fence); err != nil {
			return errors.Wrapf(err, "resetting %s fence", t.name)
		}
	}
	if err := u.queue.Submit(t.fence, SubmitInfo{CommandBuffers: []CommandBuffer{cmd}}); err != nil {
		return errors.Wrapf(err, "submitting %s %s", t.name, phase)
	}
	t.unsettled = true
	t.fenceUsed = t.fence != nil

	start := time.Now()
	if u.opts.WaitIdle {
		err = u.queue.WaitIdle()
	} else {
		err = u.device.WaitForFences(ctx, u.opts.Timeout, t.fence)
	}
	if err != nil {
		return errors.Wrapf(err, "waiting for %s %s", t.name, phase)
	}
	t.unsettled = false
	u.log().Debug("transfer phase complete", "transfer", t.name, "phase", phase, "elapsed", time.Since(start))

	u.device.FreeCommandBuffers(cmd)
	t.commands = t.commands[:len(t.commands)-1]
	return nil
}

func (t *transfer) releaseStaging() {
	if t.staging != nil {
		t.staging.destroy(t.u.device)
		t.staging = nil
	}
}

func (t *transfer) release() {
	d := t.u.device
	if len(t.commands) > 0 {
		d.FreeCommandBuffers(t.commands...)
		t.commands = nil
	}
	t.releaseStaging()
	if t.fence != nil {
		d.DestroyFence(t.fence)
		t.fence = nil
	}
}

// finish releases the transfer's resources, or retires them while the device may still be
// using them.
func (t *transfer) finish() {
	if !t.unsettled {
		t.release()
		return
	}
	t.u.log().Warn("retiring transfer resources until the device completes them", "transfer", t.name)
	t.u.retired = append(t.u.retired, t)
}
