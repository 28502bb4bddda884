package planrt

import (
	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/types/nchw"
)

// OutputView is a read view over the session's device-resident output buffer.
//
// The view aliases the same buffer for the whole session lifetime: every
// forward pass overwrites it in place, so consume or copy the values before
// the next pass. Reading concurrently with a Forward call is a logic error on
// the caller's side. After the session is closed the view's buffer is gone
// and its accessors return errors.
type OutputView struct {
	dims    nchw.Dims
	rt      devices.Runtime
	buffer  devices.Buffer
	scratch []float32 // Read-back staging for runtimes without shared buffers.
}

// Dims returns the output dimensions, fixed by the session's Network contract.
func (v *OutputView) Dims() nchw.Dims { return v.dims }

// ConstFlatData calls accessFn with the output values as a flat slice,
// channel planes in contract order. When the runtime shares buffer memory
// with the host, the slice aliases the buffer directly with no copy; reading
// is then allocation free. The slice is only valid during the call, don't
// keep references to it and don't mutate it.
func (v *OutputView) ConstFlatData(accessFn func(flat []float32)) error {
	if v.rt.HasSharedBuffers() {
		flat, err := v.rt.BufferData(v.buffer)
		if err != nil {
			return err
		}
		accessFn(flat)
		return nil
	}
	if v.scratch == nil {
		v.scratch = make([]float32, v.dims.Size())
	}
	if err := v.rt.ReadBuffer(v.buffer, v.scratch); err != nil {
		return err
	}
	accessFn(v.scratch)
	return nil
}

// CopyFlatData returns a freshly allocated copy of the output values. The
// copy stays valid across later forward passes.
func (v *OutputView) CopyFlatData() ([]float32, error) {
	flat := make([]float32, v.dims.Size())
	if err := v.rt.ReadBuffer(v.buffer, flat); err != nil {
		return nil, err
	}
	return flat, nil
}

// Tensor returns the output as a freshly allocated host tensor.
func (v *OutputView) Tensor() (*nchw.Tensor, error) {
	flat, err := v.CopyFlatData()
	if err != nil {
		return nil, err
	}
	return nchw.FromFlat(flat, v.dims.Dimensions()...), nil
}
