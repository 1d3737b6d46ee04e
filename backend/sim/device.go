// Package sim is a simulated device implementing the vkframe capability interfaces. A
// goroutine executes submissions in order after a configurable latency, so fences and
// semaphores behave like they do on a real queue. The device checks how it is used,
// recording misuses as violations, and keeps an event log tests can order against.
package sim

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/celer/vkframe"
)

// Options configure a Device.
type Options struct {
	// Latency is how long each submission takes to execute.
	Latency time.Duration
	// MemoryLimit is the size of the memory heap allocations are placed in. Allocations fail
	// once no free range of the heap holds them. Zero means no limit.
	MemoryLimit uint64
	Logger      *slog.Logger
}

// Counts are the numbers of live objects of a device.
type Counts struct {
	Fences         int
	Semaphores     int
	CommandBuffers int
	Buffers        int
	Memory         int
	Images         int
	MemoryBytes    uint64
}

// object is the bookkeeping shared by every device object.
type object struct {
	id uint64
	// uses counts pending submissions referencing the object.
	uses      int
	destroyed bool
}

func (o *object) ID() uint64 { return o.id }

// Device implements vkframe.Device.
type Device struct {
	opts Options

	mu     sync.Mutex
	idle   *sync.Cond
	work   chan *submission
	done   chan struct{}
	lostCh chan struct{}
	lost   bool
	closed bool

	clock          uint64
	nextID         uint64
	nextSubmission uint64
	events         []Event
	violations     []Violation

	queued         int
	outstanding    int
	maxOutstanding int
	live           Counts
	heap           *heap

	queue *Queue
}

var _ vkframe.Device = (*Device)(nil)

// New creates a device and starts its queue.
func New(opts *Options) *Device {
	d := &Device{
		work:   make(chan *submission, 256),
		done:   make(chan struct{}),
		lostCh: make(chan struct{}),
	}
	if opts != nil {
		d.opts = *opts
	}
	if d.opts.MemoryLimit > 0 {
		d.heap = &heap{size: d.opts.MemoryLimit}
	}
	d.idle = sync.NewCond(&d.mu)
	d.queue = &Queue{d: d}
	go d.run()
	return d
}

func (d *Device) log() *slog.Logger {
	if d.opts.Logger != nil {
		return d.opts.Logger
	}
	return vkframe.Logger()
}

// Queue returns the device's only queue.
func (d *Device) Queue() *Queue {
	return d.queue
}

// id returns a new object id. d.mu must be held.
func (d *Device) id() uint64 {
	d.nextID++
	return d.nextID
}

// Lose puts the device into the lost state. Pending submissions never complete and every
// later call reports vkframe.ErrDeviceLost.
func (d *Device) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return
	}
	d.lost = true
	close(d.lostCh)
	d.idle.Broadcast()
	d.log().Warn("simulated device lost")
}

func errLost() error {
	return errors.WithStack(vkframe.ErrDeviceLost)
}

// WaitIdle blocks until every submission has executed.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.queued > 0 && !d.lost {
		d.idle.Wait()
	}
	if d.lost {
		return errLost()
	}
	return nil
}

// Close stops the queue goroutine once the queued work has been processed.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.work)
	<-d.done
}

// Live returns the number of objects created and not yet destroyed.
func (d *Device) Live() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// MaxOutstanding is the largest number of submissions, at any time, which signal a fence the
// host had not yet observed signaled.
func (d *Device) MaxOutstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOutstanding
}

// Outstanding is the current number of fenced submissions not yet observed by the host.
func (d *Device) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding
}

// Pending is the number of queued submissions and presents which have not executed.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}
