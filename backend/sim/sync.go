package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/celer/vkframe"
)

// Fence is signaled by the queue when the submission it was passed to completes.
type Fence struct {
	object
	signaled bool
	// ch is closed when the fence becomes signaled and replaced when it is reset.
	ch chan struct{}
	// submitted is set while a submission which will signal the fence is pending.
	submitted bool
	// unobserved is set from the signaling submission until the host sees the fence signaled.
	unobserved bool
}

// Semaphore orders a signal operation before a wait operation on the device.
type Semaphore struct {
	object
	signaled bool
}

func (d *Device) fence(f vkframe.Fence) *Fence {
	fc, ok := f.(*Fence)
	if !ok {
		panic(fmt.Sprintf("sim: fence of type %T", f))
	}
	return fc
}

func (d *Device) semaphore(s vkframe.Semaphore) *Semaphore {
	sem, ok := s.(*Semaphore)
	if !ok {
		panic(fmt.Sprintf("sim: semaphore of type %T", s))
	}
	return sem
}

func (d *Device) CreateFence(signaled bool) (vkframe.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, errLost()
	}
	f := &Fence{object: object{id: d.id()}, ch: make(chan struct{})}
	if signaled {
		f.signaled = true
		close(f.ch)
	}
	d.live.Fences++
	return f, nil
}

func (d *Device) DestroyFence(f vkframe.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := d.fence(f)
	if fc.destroyed {
		d.violate("fence %d destroyed twice", fc.id)
		return
	}
	if fc.submitted && !d.lost {
		d.violate("fence %d destroyed while a submission signaling it is pending", fc.id)
	}
	fc.destroyed = true
	if fc.unobserved {
		fc.unobserved = false
		d.outstanding--
	}
	d.live.Fences--
	d.event(Event{Kind: EventDestroyFence, ID: fc.id})
}

// observe records that the host has seen fc signaled. d.mu must be held.
func (d *Device) observe(fc *Fence) {
	if fc.unobserved && fc.signaled {
		fc.unobserved = false
		d.outstanding--
	}
}

func (d *Device) FenceStatus(f vkframe.Fence) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := d.fence(f)
	if d.lost {
		return false, errLost()
	}
	d.observe(fc)
	return fc.signaled, nil
}

// WaitForFences waits for all fences. A negative timeout waits without bound.
func (d *Device) WaitForFences(ctx context.Context, timeout time.Duration, fences ...vkframe.Fence) error {
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	waited := make([]*Fence, 0, len(fences))
	for _, f := range fences {
		fc := d.fence(f)
		waited = append(waited, fc)
		for {
			d.mu.Lock()
			if d.lost {
				d.mu.Unlock()
				return errLost()
			}
			if fc.destroyed {
				d.violate("waiting on destroyed fence %d", fc.id)
				d.mu.Unlock()
				return errors.Newf("fence %d is destroyed", fc.id)
			}
			if fc.signaled {
				d.mu.Unlock()
				break
			}
			if !fc.submitted {
				d.violate("waiting on fence %d which no pending submission signals", fc.id)
				d.mu.Unlock()
				return errors.Newf("fence %d would never be signaled", fc.id)
			}
			ch := fc.ch
			d.mu.Unlock()

			select {
			case <-ch:
			case <-d.lostCh:
			case <-ctx.Done():
				return vkframe.MarkTimeout(errors.Wrap(ctx.Err(), "waiting for fences"))
			case <-expired:
				return errors.Mark(errors.Newf("fences not signaled within %s", timeout), vkframe.ErrTimeout)
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fc := range waited {
		d.observe(fc)
		d.event(Event{Kind: EventFenceWait, ID: fc.id})
	}
	return nil
}

func (d *Device) ResetFences(fences ...vkframe.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return errLost()
	}
	for _, f := range fences {
		fc := d.fence(f)
		if fc.submitted {
			d.violate("fence %d reset while a submission signaling it is pending", fc.id)
			continue
		}
		d.observe(fc)
		if fc.signaled {
			fc.signaled = false
			fc.ch = make(chan struct{})
		}
	}
	return nil
}

// signal marks fc signaled. d.mu must be held.
func (d *Device) signal(fc *Fence) {
	fc.submitted = false
	if fc.signaled {
		return
	}
	fc.signaled = true
	close(fc.ch)
}

func (d *Device) CreateSemaphore() (vkframe.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, errLost()
	}
	d.live.Semaphores++
	return &Semaphore{object: object{id: d.id()}}, nil
}

func (d *Device) DestroySemaphore(s vkframe.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem := d.semaphore(s)
	if sem.destroyed {
		d.violate("semaphore %d destroyed twice", sem.id)
		return
	}
	if sem.uses > 0 && !d.lost {
		d.violate("semaphore %d destroyed while used by a pending operation", sem.id)
	}
	if sem.signaled && !d.lost {
		d.violate("semaphore %d destroyed with a signal nothing waited on", sem.id)
	}
	sem.destroyed = true
	d.live.Semaphores--
	d.event(Event{Kind: EventDestroySemaphore, ID: sem.id})
}

// signalSemaphore performs a signal operation. d.mu must be held.
func (d *Device) signalSemaphore(sem *Semaphore) {
	if sem.destroyed {
		d.violate("signaling destroyed semaphore %d", sem.id)
		return
	}
	if sem.signaled {
		d.violate("semaphore %d signaled twice without a wait in between", sem.id)
	}
	sem.signaled = true
}

// waitSemaphore performs a wait operation. Submissions execute in order, so a signal the
// wait depends on has already executed. d.mu must be held.
func (d *Device) waitSemaphore(sem *Semaphore) {
	if sem.destroyed {
		d.violate("waiting on destroyed semaphore %d", sem.id)
		return
	}
	if !sem.signaled {
		d.violate("waiting on semaphore %d which is not signaled", sem.id)
	}
	sem.signaled = false
}
