package sim

import (
	"fmt"

	"github.com/celer/vkframe"
)

// EventKind identifies an entry of the device event log.
type EventKind int

const (
	EventSubmit EventKind = iota
	EventComplete
	// EventFenceWait is logged when the host observes a fence through WaitForFences.
	EventFenceWait
	EventAcquire
	EventPresent
	EventCreateBuffer
	EventBindMemory
	EventDestroyBuffer
	EventFreeMemory
	EventDestroyImage
	EventDestroyFence
	EventDestroySemaphore
)

var eventNames = [...]string{
	EventSubmit:           "submit",
	EventComplete:         "complete",
	EventFenceWait:        "fence-wait",
	EventAcquire:          "acquire",
	EventPresent:          "present",
	EventCreateBuffer:     "create-buffer",
	EventBindMemory:       "bind-memory",
	EventDestroyBuffer:    "destroy-buffer",
	EventFreeMemory:       "free-memory",
	EventDestroyImage:     "destroy-image",
	EventDestroyFence:     "destroy-fence",
	EventDestroySemaphore: "destroy-semaphore",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is an entry of the device event log. Time is a logical clock shared by all events
// of a device, so events can be ordered against each other.
type Event struct {
	Time uint64
	Kind EventKind
	// ID is the object the event is about: the fence, the buffer or memory destroyed, the
	// buffer created or bound, or the image acquired or presented.
	ID uint64
	// Submission is the sequence number of the submission for submit and complete events.
	Submission uint64
	// Refs lists the buffers and images referenced by a submission, or the memory a buffer
	// is bound to.
	Refs []uint64
	// Usage is set on create-buffer events.
	Usage vkframe.BufferUsage
}

func (e Event) String() string {
	return fmt.Sprintf("%d %s id=%d submission=%d refs=%v", e.Time, e.Kind, e.ID, e.Submission, e.Refs)
}

// Violation is a misuse of the device detected by the simulator, such as re-recording a
// command buffer while it is pending.
type Violation struct {
	Time    uint64
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%d: %s", v.Time, v.Message)
}

// event appends to the log. d.mu must be held.
func (d *Device) event(e Event) {
	d.clock++
	e.Time = d.clock
	d.events = append(d.events, e)
}

// violate records a violation. d.mu must be held.
func (d *Device) violate(format string, args ...any) {
	d.clock++
	v := Violation{Time: d.clock, Message: fmt.Sprintf(format, args...)}
	d.violations = append(d.violations, v)
	d.log().Warn("device misuse", "violation", v.Message)
}

// Events returns a copy of the event log.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Violations returns the misuses detected so far.
func (d *Device) Violations() []Violation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Violation(nil), d.violations...)
}

// Now returns the current logical time. Events logged later have a larger Time.
func (d *Device) Now() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}
