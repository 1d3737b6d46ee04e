package sim

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/celer/vkframe"
)

// Swapchain hands out image indices in a scripted order. Images have no storage; rendering
// into them is modeled by whatever the frame's commands do.
type Swapchain struct {
	d        *Device
	images   int
	order    []int
	next     int
	acquired []bool
	stale    bool

	acquires  int
	presented int
}

var _ vkframe.Swapchain = (*Swapchain)(nil)

// NewSwapchain creates a swapchain of n images. Acquires cycle through order, or through
// 0..n-1 when order is empty.
func (d *Device) NewSwapchain(n int, order ...int) (*Swapchain, error) {
	if n <= 0 {
		return nil, errors.Newf("invalid image count %d", n)
	}
	for _, i := range order {
		if i < 0 || i >= n {
			return nil, errors.Newf("acquire order names image %d of %d", i, n)
		}
	}
	return &Swapchain{
		d:        d,
		images:   n,
		order:    append([]int(nil), order...),
		acquired: make([]bool, n),
	}, nil
}

func (s *Swapchain) ImageCount() int { return s.images }

// MarkStale makes every later acquire and present report vkframe.ErrSurfaceStale.
func (s *Swapchain) MarkStale() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.stale = true
}

// Acquires is the number of successful acquires.
func (s *Swapchain) Acquires() int {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.acquires
}

// Presented is the number of presents the queue has executed.
func (s *Swapchain) Presented() int {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return s.presented
}

func errStale() error {
	return errors.WithStack(vkframe.ErrSurfaceStale)
}

// AcquireNextImage signals the semaphore right away. The queue executes in order, so any
// present of the image still queued runs before submissions waiting on the semaphore.
func (s *Swapchain) AcquireNextImage(timeout time.Duration, signal vkframe.Semaphore) (int, error) {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return 0, errLost()
	}
	if s.stale {
		return 0, errStale()
	}

	var image int
	if len(s.order) > 0 {
		image = s.order[s.next%len(s.order)]
	} else {
		image = s.next % s.images
	}
	if s.acquired[image] {
		return 0, errors.Mark(errors.Newf("image %d is still acquired by the application", image), vkframe.ErrTimeout)
	}
	s.next++
	s.acquired[image] = true
	s.acquires++
	d.signalSemaphore(d.semaphore(signal))
	d.event(Event{Kind: EventAcquire, ID: uint64(image)})
	return image, nil
}

// Present queues a present waiting on wait. A stale swapchain still consumes the wait.
func (s *Swapchain) Present(image int, wait vkframe.Semaphore) error {
	d := s.d
	d.mu.Lock()
	if err := d.checkQueue(); err != nil {
		d.mu.Unlock()
		return err
	}
	if image < 0 || image >= s.images {
		d.mu.Unlock()
		return errors.Newf("presenting image %d of %d", image, s.images)
	}
	if !s.acquired[image] {
		d.violate("presenting image %d which is not acquired", image)
	}
	s.acquired[image] = false
	sem := d.semaphore(wait)
	sem.uses++
	d.queued++
	stale := s.stale
	d.mu.Unlock()

	d.work <- &submission{present: &presentOp{swapchain: s, image: image, wait: sem}}
	if stale {
		return errStale()
	}
	return nil
}
