/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package nchw defines the dimensions and host tensor types exchanged with an
// inference session.
//
// Device-resident execution plans in this project always operate on rank-4
// float32 tensors laid out as NCHW: batch, channels, height and width, with
// width being the fastest-varying axis. Dims captures that fixed rank as an
// array type, so a binding contract can be declared as a compile-time
// constant. Tensor is the host-side value handed to a session: it keeps the
// caller's declared dimensions (any rank, so a session can diagnose malformed
// inputs) plus a flat float32 slice that the caller owns and the session only
// borrows during a forward pass.
package nchw

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Dims holds the four axes of an NCHW tensor: batch, channels, height and width.
type Dims [4]int

// MakeDims returns a Dims filled with the values given.
// It panics if any dimension is not positive.
func MakeDims(batch, channels, height, width int) Dims {
	d := Dims{batch, channels, height, width}
	for _, dim := range d {
		if dim <= 0 {
			exceptions.Panicf("nchw.MakeDims(%d, %d, %d, %d): cannot create dims with an axis <= 0",
				batch, channels, height, width)
		}
	}
	return d
}

// Batch returns the dimension of axis 0.
func (d Dims) Batch() int { return d[0] }

// Channels returns the dimension of axis 1.
func (d Dims) Channels() int { return d[1] }

// Height returns the dimension of axis 2.
func (d Dims) Height() int { return d[2] }

// Width returns the dimension of axis 3.
func (d Dims) Width() int { return d[3] }

// Size returns the number of float32 elements held by a tensor of these
// dimensions. It's the product of all axes.
func (d Dims) Size() (size int) {
	size = 1
	for _, dim := range d {
		size *= dim
	}
	return
}

// Memory returns the bytes needed to store a float32 tensor of these dimensions.
func (d Dims) Memory() uintptr {
	return dtypes.Float32.Memory() * uintptr(d.Size())
}

// Dimensions returns the axes as a freshly allocated slice.
func (d Dims) Dimensions() []int {
	return []int{d[0], d[1], d[2], d[3]}
}

// Equal compares all four axes.
func (d Dims) Equal(d2 Dims) bool { return d == d2 }

// String implements stringer, pretty-prints the dimensions.
func (d Dims) String() string {
	return fmt.Sprintf("(%s)[%d %d %d %d]", dtypes.Float32, d[0], d[1], d[2], d[3])
}

// Tensor is a host-side float32 tensor with caller-declared dimensions.
//
// The flat storage is borrowed from the caller at construction and never
// copied; whoever created the tensor keeps ownership of the backing slice.
// The zero value is an empty tensor.
type Tensor struct {
	dims []int
	flat []float32
}

// FromFlat returns a Tensor wrapping (not copying) flat, declared with the
// given dimensions. The flat storage must match the product of the
// dimensions; it panics otherwise, since that is a programming error on the
// caller side, not a runtime condition.
func FromFlat(flat []float32, dimensions ...int) *Tensor {
	size := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("nchw.FromFlat: cannot create a tensor with an axis with dimension <= 0, got %v", dimensions)
		}
		size *= dim
	}
	if len(flat) != size {
		exceptions.Panicf("nchw.FromFlat: flat storage has %d elements, dimensions %v require %d",
			len(flat), dimensions, size)
	}
	return &Tensor{dims: slices.Clone(dimensions), flat: flat}
}

// Zeros returns a zero-initialized Tensor of the given dimensions.
func Zeros(dimensions ...int) *Tensor {
	size := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("nchw.Zeros: cannot create a tensor with an axis with dimension <= 0, got %v", dimensions)
		}
		size *= dim
	}
	return &Tensor{dims: slices.Clone(dimensions), flat: make([]float32, size)}
}

// IsEmpty reports whether the tensor holds no elements. Both a nil tensor and
// the zero value are empty.
func (t *Tensor) IsEmpty() bool {
	return t == nil || len(t.flat) == 0
}

// Rank returns the number of declared axes.
func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}
	return len(t.dims)
}

// Dim returns the dimension of the given axis. Like slice indexing, it panics
// for an out-of-bounds axis.
func (t *Tensor) Dim(axis int) int { return t.dims[axis] }

// Dims returns a copy of the declared dimensions.
func (t *Tensor) Dims() []int {
	if t == nil {
		return nil
	}
	return slices.Clone(t.dims)
}

// Size returns the number of elements in the flat storage.
func (t *Tensor) Size() int {
	if t == nil {
		return 0
	}
	return len(t.flat)
}

// Flat returns the borrowed flat storage. Mutating it mutates the caller's
// original slice.
func (t *Tensor) Flat() []float32 {
	if t == nil {
		return nil
	}
	return t.flat
}

// String implements stringer, pretty-prints declared dimensions without values.
func (t *Tensor) String() string {
	if t.IsEmpty() {
		return "(Float32)[empty]"
	}
	return fmt.Sprintf("(%s)%v", dtypes.Float32, t.dims)
}
