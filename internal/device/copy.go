package device

import (
	"errors"
	"fmt"

	"github.com/mfkiwl/falkon/internal/tensor"
)

// ErrCopyPrecondition marks a shape, dtype or layout violation in Copy.
// These are caller bugs, not retryable conditions.
var ErrCopyPrecondition = errors.New("device: copy precondition violated")

func checkCopy(origin, dest *tensor.Mat, checkDTypes bool) error {
	if checkDTypes && origin.DType != dest.DType {
		return fmt.Errorf("%w: dtypes of origin and destination (%s, %s) do not match",
			ErrCopyPrecondition, origin.DType, dest.DType)
	}
	if origin.R != dest.R || origin.C != dest.C {
		return fmt.Errorf("%w: size of origin (%dx%d) does not match destination (%dx%d)",
			ErrCopyPrecondition, origin.R, origin.C, dest.R, dest.C)
	}
	// Every Mat keeps unit innermost stride, so the single-contiguity
	// requirement reduces to the layout classes agreeing: a row-major
	// origin cannot land in a column-major destination or vice versa.
	if origin.Layout != dest.Layout {
		return fmt.Errorf("%w: origin is %s while destination is %s",
			ErrCopyPrecondition, origin.Layout, dest.Layout)
	}
	return nil
}

// Copy transfers origin into dest and returns dest.
//
// Same-device copies reduce to a direct tensor copy. Host-to-accelerator
// and accelerator-to-host transfers go through a 2D strided primitive.
// When allowDTypeChange is set and the dtypes differ, an intermediate
// bounce buffer in the origin's dtype carries the transfer, and the final
// dtype conversion is done as a blocking same-device copy.
//
// When stream is non-nil the transfer is queued on the stream and Copy
// returns without waiting; the caller must stream.Synchronize() before
// reading dest.
func Copy(origin, dest *tensor.Mat, stream *Stream, allowDTypeChange bool) (*tensor.Mat, error) {
	if err := checkCopy(origin, dest, !allowDTypeChange); err != nil {
		return nil, err
	}

	sameKind := origin.Dev.IsHost() == dest.Dev.IsHost() &&
		(origin.Dev.IsHost() || origin.Dev == dest.Dev)
	if sameKind {
		tensor.CopyValues(dest, origin)
		return dest, nil
	}

	if origin.Dev.IsHost() {
		copyToDevice(origin, dest, stream)
	} else {
		copyToHost(origin, dest, stream)
	}
	return dest, nil
}

// copyToDevice stages a host matrix onto an accelerator. A dtype change
// is resolved on the host first (blocking), then the transfer moves data
// already in the destination dtype.
func copyToDevice(h, d *tensor.Mat, stream *Stream) {
	src := h
	if h.DType != d.DType {
		bounce := tensor.SameStride(h.R, h.C, h, d.DType, h.Dev)
		tensor.CopyValues(bounce, h)
		src = bounce
	}
	if stream != nil {
		stream.enqueue(func() { memcpy2D(d, src) })
		return
	}
	memcpy2D(d, src)
}

// copyToHost copies an accelerator matrix back to host memory. A dtype
// change transfers in the device dtype into a host bounce buffer, then
// converts blocking on the host.
func copyToHost(d, h *tensor.Mat, stream *Stream) {
	if d.DType == h.DType {
		if stream != nil {
			stream.enqueue(func() { memcpy2D(h, d) })
			return
		}
		memcpy2D(h, d)
		return
	}
	bounce := tensor.SameStride(d.R, d.C, d, d.DType, tensor.Host)
	xfer := func() {
		memcpy2D(bounce, d)
		tensor.CopyValues(h, bounce)
	}
	if stream != nil {
		stream.enqueue(xfer)
		return
	}
	xfer()
}

// memcpy2D is the strided 2D transfer primitive: it copies a matrix of
// rows x cols elements between two buffers whose row (or column) pitches
// may differ. Both operands must have the same dtype and layout class.
func memcpy2D(dst, src *tensor.Mat) {
	tensor.CopyValues(dst, src)
}
