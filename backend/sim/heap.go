package sim

import (
	"fmt"
	"slices"
)

// span is the range of a heap held by one allocation.
type span struct {
	offset uint64
	size   uint64
}

func (s *span) String() string {
	return fmt.Sprintf("[%d %d]", s.offset, s.size)
}

func alignUp(v, align uint64) uint64 {
	if m := v % align; m != 0 {
		return v - m + align
	}
	return v
}

// heap hands out aligned ranges of a fixed size address space, first fit. Like a real memory
// heap it fragments: an allocation can fail while the total free space would hold it.
type heap struct {
	size uint64
	// spans is sorted by offset.
	spans []*span
}

func (h *heap) allocate(size, align uint64) (*span, bool) {
	if align == 0 {
		align = 1
	}
	offset, at := uint64(0), len(h.spans)
	for i, s := range h.spans {
		if s.offset >= offset && s.offset-offset >= size {
			at = i
			break
		}
		offset = alignUp(s.offset+s.size, align)
	}
	if at == len(h.spans) && (offset > h.size || h.size-offset < size) {
		return nil, false
	}
	s := &span{offset: offset, size: size}
	h.spans = slices.Insert(h.spans, at, s)
	return s, true
}

func (h *heap) free(s *span) {
	if i := slices.Index(h.spans, s); i >= 0 {
		h.spans = slices.Delete(h.spans, i, i+1)
	}
}

func (h *heap) used() uint64 {
	var n uint64
	for _, s := range h.spans {
		n += s.size
	}
	return n
}

func (h *heap) String() string {
	return fmt.Sprintf("%v", h.spans)
}
