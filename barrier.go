package vkframe

import (
	"github.com/cockroachdb/errors"
)

// ImageBarrier changes the layout of an image and makes the writes covered by SrcAccess
// visible to the accesses in DstAccess.
type ImageBarrier struct {
	Image     Image
	OldLayout ImageLayout
	NewLayout ImageLayout
	SrcAccess Access
	DstAccess Access
}

// Barrier is a pipeline barrier: everything in SrcStage of earlier commands completes before
// DstStage of later commands starts.
type Barrier struct {
	SrcStage PipelineStage
	DstStage PipelineStage
	Images   []ImageBarrier
}

// LayoutTransition is an old/new layout pair requested for an image.
type LayoutTransition struct {
	From ImageLayout
	To   ImageLayout
}

// layoutAccess is the access mask and stage which last used, or will first use, an image in
// the given layout.
func layoutAccess(l ImageLayout) (Access, PipelineStage, bool) {
	switch l {
	case LayoutUndefined:
		return AccessNone, StageTopOfPipe, true
	case LayoutGeneral:
		return AccessShaderRead | AccessShaderWrite, StageComputeShader, true
	case LayoutTransferDst:
		return AccessTransferWrite, StageTransfer, true
	case LayoutTransferSrc:
		return AccessTransferRead, StageTransfer, true
	case LayoutShaderReadOnly:
		return AccessShaderRead, StageFragmentShader, true
	case LayoutColorAttachment:
		return AccessColorAttachmentRead | AccessColorAttachmentWrite, StageColorAttachmentOutput, true
	case LayoutPresentSrc:
		return AccessNone, StageBottomOfPipe, true
	}
	return AccessNone, 0, false
}

// NewLayoutTransition builds the barrier moving img from oldLayout to newLayout with the
// narrowest stage masks which are still correct, e.g. top-of-pipe -> transfer for a fresh
// image about to receive a copy, transfer -> fragment shader for a texture about to be
// sampled.
func NewLayoutTransition(img Image, oldLayout, newLayout ImageLayout) (Barrier, error) {
	if oldLayout == newLayout {
		return Barrier{}, errors.Newf("image is already in layout %s", newLayout)
	}
	if newLayout == LayoutUndefined {
		return Barrier{}, errors.New("cannot transition an image into the undefined layout")
	}
	srcAccess, srcStage, ok := layoutAccess(oldLayout)
	if !ok {
		return Barrier{}, errors.Newf("unsupported source layout %s", oldLayout)
	}
	dstAccess, dstStage, ok := layoutAccess(newLayout)
	if !ok {
		return Barrier{}, errors.Newf("unsupported destination layout %s", newLayout)
	}

	return Barrier{
		SrcStage: srcStage,
		DstStage: dstStage,
		Images: []ImageBarrier{{
			Image:     img,
			OldLayout: oldLayout,
			NewLayout: newLayout,
			SrcAccess: srcAccess,
			DstAccess: dstAccess,
		}},
	}, nil
}
