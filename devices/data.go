package devices

import "github.com/gomlx/planrt/types/nchw"

// Buffer represents a float32 tensor stored on the device that is going to
// execute the plan. It's used as input/output of a forward pass.
//
// It is opaque from planrt's perspective: only the Runtime that allocated it
// knows its concrete type, and every DataInterface method takes it back as an
// argument.
type Buffer any

// DataInterface is the Runtime's subinterface that manages device buffers and
// transfers float32 data to/from them.
type DataInterface interface {
	// AllocBuffer allocates a device buffer for a float32 tensor of the given
	// dimensions. The buffer contents start undefined.
	AllocBuffer(dims nchw.Dims) (Buffer, error)

	// FreeBuffer informs the runtime that buffer is no longer needed and its
	// device memory can be released immediately -- as opposed to waiting for a GC.
	//
	// A freed buffer should never be used again. Preferably, the caller should
	// set its references to it to nil.
	FreeBuffer(buffer Buffer) error

	// BufferDims returns the dimensions the buffer was allocated with.
	BufferDims(buffer Buffer) (nchw.Dims, error)

	// WriteBuffer transfers flat host values into the device buffer.
	// The slice must have exactly the number of elements the buffer was
	// allocated for, anything else is an error: partial writes would leave the
	// device in an undefined state.
	WriteBuffer(buffer Buffer, flat []float32) error

	// ReadBuffer transfers the device buffer contents into the flat host
	// slice, which must have exactly the buffer's number of elements.
	ReadBuffer(buffer Buffer, flat []float32) error

	// HasSharedBuffers returns whether the runtime supports "shared buffers":
	// buffers living in memory the host can address directly, so outputs can
	// be consumed without a copy.
	HasSharedBuffers() bool

	// BufferData returns a slice aliasing the buffer storage directly.
	//
	// This only works if HasSharedBuffers is true, that is, if the runtime
	// runs on the CPU or shares CPU memory.
	//
	// The returned slice becomes invalid after the buffer is freed.
	BufferData(buffer Buffer) ([]float32, error)
}
