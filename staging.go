package vkframe

import (
	"github.com/cockroachdb/errors"
)

// stagingBuffer is a host visible, host coherent buffer used to move bytes between the host
// and device local resources.
type stagingBuffer struct {
	buffer Buffer
	memory Memory
	size   uint64
}

// markAllocation marks err as ErrAllocation unless it already reports a lost device.
func markAllocation(err error) error {
	if errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrAllocation) {
		return err
	}
	return errors.Mark(err, ErrAllocation)
}

func newStagingBuffer(device MemoryDevice, size uint64, usage BufferUsage) (*stagingBuffer, error) {
	b, err := device.CreateBuffer(size, usage)
	if err != nil {
		return nil, markAllocation(errors.Wrapf(err, "creating %d byte staging buffer", size))
	}
	req := device.BufferMemoryRequirements(b)
	m, err := device.AllocateMemory(req, MemoryStaging)
	if err != nil {
		device.DestroyBuffer(b)
		return nil, markAllocation(errors.Wrapf(err, "allocating %d bytes of staging memory", req.Size))
	}
	if err := device.BindBufferMemory(b, m, 0); err != nil {
		device.DestroyBuffer(b)
		device.FreeMemory(m)
		return nil, errors.Wrap(err, "binding staging memory")
	}
	return &stagingBuffer{buffer: b, memory: m, size: size}, nil
}

// write copies p to the start of the staging memory. The memory stays mapped only for the
// duration of the copy.
func (s *stagingBuffer) write(device MemoryDevice, p []byte) error {
	view, err := device.MapMemory(s.memory, 0, s.size)
	if err != nil {
		return errors.Wrap(err, "mapping staging memory")
	}
	copy(view, p)
	device.UnmapMemory(s.memory)
	return nil
}

// read returns a copy of the staging memory.
func (s *stagingBuffer) read(device MemoryDevice) ([]byte, error) {
	view, err := device.MapMemory(s.memory, 0, s.size)
	if err != nil {
		return nil, errors.Wrap(err, "mapping staging memory")
	}
	out := make([]byte, s.size)
	copy(out, view)
	device.UnmapMemory(s.memory)
	return out, nil
}

// destroy releases the buffer before the memory bound to it.
func (s *stagingBuffer) destroy(device MemoryDevice) {
	device.DestroyBuffer(s.buffer)
	device.FreeMemory(s.memory)
}
