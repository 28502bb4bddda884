package ortrt

import (
	"sync/atomic"

	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// Compile-time check:
var _ devices.DataInterface = (*Runtime)(nil)

// Buffer for the ortrt runtime wraps an ONNX Runtime tensor. The tensor's
// backing storage lives in host memory even when execution happens on an
// accelerator, ONNX Runtime stages transfers internally.
type Buffer struct {
	dims   nchw.Dims
	tensor *ort.Tensor[float32]
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

// AllocBuffer allocates an ONNX tensor for a float32 value of the given
// dimensions. The contents start zeroed, but callers must not rely on that.
func (r *Runtime) AllocBuffer(dims nchw.Dims) (devices.Buffer, error) {
	size := dims.Size()
	if size <= 0 {
		return nil, errors.Errorf("cannot allocate a buffer for dims %v with %d elements", dims, size)
	}
	shape := ort.NewShape(int64(dims.Batch()), int64(dims.Channels()), int64(dims.Height()), int64(dims.Width()))
	tensor, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate an ONNX tensor for dims %s", dims)
	}
	atomic.AddInt64(&bufferCountAllocated, 1)
	return &Buffer{dims: dims, tensor: tensor}, nil
}

// FreeBuffer destroys the underlying ONNX tensor immediately.
//
// A freed buffer should never be used again. Preferably, the caller should
// set its references to it to nil.
func (r *Runtime) FreeBuffer(buffer devices.Buffer) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	if buf == nil || buf.tensor == nil {
		return errors.Errorf("FreeBuffer(%p): buffer was already freed!?", buf)
	}
	if err := buf.tensor.Destroy(); err != nil {
		// Still drop the reference: a buffer that failed to destroy cleanly
		// must not be destroyed twice.
		buf.tensor = nil
		atomic.AddInt64(&bufferCountDeallocated, 1)
		klog.Warningf("Failed to destroy ONNX tensor for buffer %s: %v", buf.dims, err)
		return errors.Wrapf(err, "failed to destroy the ONNX tensor for buffer %s", buf.dims)
	}
	buf.tensor = nil
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

// WriteBuffer transfers flat host values into the tensor storage. The slice
// must have exactly the number of elements the buffer was allocated for.
func (r *Runtime) WriteBuffer(buffer devices.Buffer, flat []float32) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	if buf.tensor == nil {
		return errors.Errorf("WriteBuffer(%p): buffer was already freed", buf)
	}
	data := buf.tensor.GetData()
	if len(flat) != len(data) {
		return errors.Errorf("WriteBuffer: got %d elements for buffer %s, want exactly %d",
			len(flat), buf.dims, len(data))
	}
	copy(data, flat)
	return nil
}

// ReadBuffer transfers the tensor contents into the flat host slice, which
// must have exactly the buffer's number of elements.
func (r *Runtime) ReadBuffer(buffer devices.Buffer, flat []float32) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	if buf.tensor == nil {
		return errors.Errorf("ReadBuffer(%p): buffer was already freed", buf)
	}
	data := buf.tensor.GetData()
	if len(flat) != len(data) {
		return errors.Errorf("ReadBuffer: got %d elements for buffer %s, want exactly %d",
			len(flat), buf.dims, len(data))
	}
	copy(flat, data)
	return nil
}

// HasSharedBuffers returns true: ONNX tensors allocated by this runtime live
// in host memory and can be read or mutated directly.
func (r *Runtime) HasSharedBuffers() bool {
	return true
}

// BufferData returns a slice pointing to the tensor storage memory directly.
//
// The returned slice becomes invalid after the buffer is freed.
func (r *Runtime) BufferData(buffer devices.Buffer) ([]float32, error) {
	buf, err := castBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if buf.tensor == nil {
		return nil, errors.Errorf("BufferData(%p): buffer was already freed", buf)
	}
	return buf.tensor.GetData(), nil
}
