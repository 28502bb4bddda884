package hostgo

import (
	"strings"
	"sync/atomic"

	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ devices.DataInterface = (*Runtime)(nil)

// Buffer for the hostgo runtime holds dimensions and flat float32 storage in
// host memory, standing in for device memory.
type Buffer struct {
	dims  nchw.Dims
	valid bool
	flat  []float32
}

// Number of buffers allocated and freed: used for leak checking and debugging.
var (
	bufferCountAllocated   = int64(0)
	bufferCountDeallocated = int64(0)
)

// BufferCount returns the number of runtime buffers still allocated.
func BufferCount() int64 {
	return atomic.LoadInt64(&bufferCountAllocated) - atomic.LoadInt64(&bufferCountDeallocated)
}

// castBuffer checks that an opaque devices.Buffer belongs to this runtime.
func castBuffer(buffer devices.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer is not a %q runtime buffer", RuntimeName)
	}
	return buf, nil
}

// AllocBuffer allocates host storage for a float32 tensor of the given
// dimensions. The contents start zeroed, but callers must not rely on that.
func (r *Runtime) AllocBuffer(dims nchw.Dims) (devices.Buffer, error) {
	size := dims.Size()
	if size <= 0 {
		return nil, errors.Errorf("cannot allocate a buffer for dims %v with %d elements", dims, size)
	}
	atomic.AddInt64(&bufferCountAllocated, 1)
	return &Buffer{dims: dims, valid: true, flat: make([]float32, size)}, nil
}

// FreeBuffer releases the buffer storage immediately.
//
// A freed buffer should never be used again. Preferably, the caller should
// set its references to it to nil.
func (r *Runtime) FreeBuffer(buffer devices.Buffer) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	if buf == nil || buf.flat == nil || !buf.valid {
		// The buffer is already empty.
		var issues []string
		if buf != nil {
			if buf.flat == nil {
				issues = append(issues, "buffer storage was nil")
			}
			if !buf.valid {
				issues = append(issues, "buffer was marked as invalid")
			}
		} else {
			issues = append(issues, "buffer was nil")
		}
		return errors.Errorf("FreeBuffer(%p): %s -- buffer was already freed!?", buf, strings.Join(issues, ", "))
	}
	buf.valid = false
	buf.flat = nil
	atomic.AddInt64(&bufferCountDeallocated, 1)
	return nil
}

// BufferDims returns the dimensions the buffer was allocated with.
func (r *Runtime) BufferDims(buffer devices.Buffer) (nchw.Dims, error) {
	buf, err := castBuffer(buffer)
	if err != nil {
		return nchw.Dims{}, err
	}
	return buf.dims, nil
}

// WriteBuffer transfers flat host values into the buffer. The slice must have
// exactly the number of elements the buffer was allocated for.
func (r *Runtime) WriteBuffer(buffer devices.Buffer, flat []float32) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	if !buf.valid {
		return errors.Errorf("WriteBuffer(%p): buffer was already freed", buf)
	}
	if len(flat) != len(buf.flat) {
		return errors.Errorf("WriteBuffer: got %d elements for buffer %s, want exactly %d",
			len(flat), buf.dims, len(buf.flat))
	}
	copy(buf.flat, flat)
	return nil
}

// ReadBuffer transfers the buffer contents into the flat host slice, which
// must have exactly the buffer's number of elements.
func (r *Runtime) ReadBuffer(buffer devices.Buffer, flat []float32) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	if !buf.valid {
		return errors.Errorf("ReadBuffer(%p): buffer was already freed", buf)
	}
	if len(flat) != len(buf.flat) {
		return errors.Errorf("ReadBuffer: got %d elements for buffer %s, want exactly %d",
			len(flat), buf.dims, len(buf.flat))
	}
	copy(flat, buf.flat)
	return nil
}

// HasSharedBuffers returns true: hostgo buffers live in host memory and can
// be read or mutated directly.
func (r *Runtime) HasSharedBuffers() bool {
	return true
}

// BufferData returns a slice pointing to the buffer storage memory directly.
//
// The returned slice becomes invalid after the buffer is freed.
func (r *Runtime) BufferData(buffer devices.Buffer) ([]float32, error) {
	buf, err := castBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if !buf.valid {
		return nil, errors.Errorf("BufferData(%p): buffer was already freed", buf)
	}
	return buf.flat, nil
}
