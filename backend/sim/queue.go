package sim

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/celer/vkframe"
)

type batch struct {
	waits    []*Semaphore
	commands []*CommandBuffer
	signals  []*Semaphore
}

type presentOp struct {
	swapchain *Swapchain
	image     int
	wait      *Semaphore
}

// submission is a unit of queue work: command batches or a present.
type submission struct {
	seq     uint64
	fence   *Fence
	batches []batch
	present *presentOp
	refs    []*object
}

// Queue executes submissions in order on a goroutine.
type Queue struct {
	d *Device
}

var _ vkframe.Queue = (*Queue)(nil)

func (q *Queue) WaitIdle() error {
	return q.d.WaitIdle()
}

func (q *Queue) Submit(fence vkframe.Fence, submits ...vkframe.SubmitInfo) error {
	d := q.d
	d.mu.Lock()
	if err := d.checkQueue(); err != nil {
		d.mu.Unlock()
		return err
	}

	sub := &submission{}
	if fence != nil {
		fc := d.fence(fence)
		switch {
		case fc.destroyed:
			d.mu.Unlock()
			return errors.Newf("submitting with destroyed fence %d", fc.id)
		case fc.submitted:
			d.violate("fence %d submitted while already pending", fc.id)
		case fc.signaled:
			d.violate("fence %d submitted while signaled", fc.id)
		}
		sub.fence = fc
	}

	for _, si := range submits {
		if len(si.WaitStages) != len(si.WaitSemaphores) {
			d.mu.Unlock()
			return errors.Newf("%d wait stages for %d wait semaphores", len(si.WaitStages), len(si.WaitSemaphores))
		}
		var b batch
		for _, s := range si.WaitSemaphores {
			b.waits = append(b.waits, d.semaphore(s))
		}
		for _, s := range si.SignalSemaphores {
			b.signals = append(b.signals, d.semaphore(s))
		}
		for _, c := range si.CommandBuffers {
			cb := d.commandBuffer(c)
			if cb.destroyed {
				d.mu.Unlock()
				return errors.Newf("submitting freed command buffer %d", cb.id)
			}
			if cb.state != cbExecutable {
				d.violate("command buffer %d submitted before it was ended", cb.id)
			}
			if cb.pending > 0 && cb.usage&vkframe.UsageSimultaneous == 0 {
				d.violate("command buffer %d submitted while pending", cb.id)
			}
			b.commands = append(b.commands, cb)
		}
		sub.batches = append(sub.batches, b)
	}

	// Everything is valid, take the references.
	var ids []uint64
	for _, b := range sub.batches {
		for _, s := range b.waits {
			sub.refs = append(sub.refs, &s.object)
		}
		for _, s := range b.signals {
			sub.refs = append(sub.refs, &s.object)
		}
		for _, cb := range b.commands {
			cb.pending++
			for _, o := range cb.ops {
				for _, r := range o.refs {
					sub.refs = append(sub.refs, r)
					ids = append(ids, r.id)
				}
			}
		}
	}
	for _, r := range sub.refs {
		r.uses++
	}
	if sub.fence != nil {
		sub.fence.submitted = true
		if !sub.fence.unobserved {
			sub.fence.unobserved = true
			d.outstanding++
			d.maxOutstanding = max(d.maxOutstanding, d.outstanding)
		}
	}
	d.nextSubmission++
	sub.seq = d.nextSubmission
	d.queued++
	d.event(Event{Kind: EventSubmit, Submission: sub.seq, Refs: ids})
	d.mu.Unlock()

	d.work <- sub
	return nil
}

// checkQueue reports whether work can be queued. d.mu must be held.
func (d *Device) checkQueue() error {
	if d.lost {
		return errLost()
	}
	if d.closed {
		return errors.New("device is closed")
	}
	return nil
}

func (d *Device) run() {
	defer close(d.done)
	for sub := range d.work {
		if sub.present == nil && d.opts.Latency > 0 {
			select {
			case <-time.After(d.opts.Latency):
			case <-d.lostCh:
			}
		}
		d.mu.Lock()
		if !d.lost {
			d.execute(sub)
		}
		d.queued--
		d.idle.Broadcast()
		d.mu.Unlock()
	}
}

// execute runs a submission. d.mu must be held.
func (d *Device) execute(sub *submission) {
	if p := sub.present; p != nil {
		d.waitSemaphore(p.wait)
		p.wait.uses--
		d.event(Event{Kind: EventPresent, ID: uint64(p.image)})
		p.swapchain.presented++
		return
	}

	var ids []uint64
	for _, b := range sub.batches {
		for _, s := range b.waits {
			d.waitSemaphore(s)
		}
		for _, cb := range b.commands {
			if cb.destroyed {
				d.violate("executing freed command buffer %d", cb.id)
			} else {
				for _, o := range cb.ops {
					o.run()
				}
			}
			cb.pending--
		}
		for _, s := range b.signals {
			d.signalSemaphore(s)
		}
	}
	for _, r := range sub.refs {
		r.uses--
		ids = append(ids, r.id)
	}
	if sub.fence != nil {
		d.signal(sub.fence)
	}
	d.event(Event{Kind: EventComplete, Submission: sub.seq, Refs: ids})
}
