package hostgo

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Version-1 plan container, every field little-endian:
//
//	uint32  magic, spells "PLAN"
//	uint32  version (1)
//	uint32  number of bindings (exactly 2)
//	per binding:
//	    uint32   name length, followed by the raw name bytes
//	    uint8    role (0 input, 1 output)
//	    int32[4] dimensions, NCHW order
//	uint32  pooling window height
//	uint32  pooling window width
//	uint8   weights dtype (0 float32, 1 float16)
//	weight matrix [output channels][input channels], then bias
//	[output channels], both in the declared dtype
//
// The pooling window must tile the input planes onto the output grid exactly,
// and both bindings are batch 1. Bindings may appear in either order; slots
// are identified by role and resolved by name.
const (
	planMagic   = uint32(0x4E414C50) // "PLAN"
	planVersion = uint32(1)

	roleInput  = uint8(0)
	roleOutput = uint8(1)

	codeFloat32 = uint8(0)
	codeFloat16 = uint8(1)

	// maxBindingNameLen bounds name allocations when decoding corrupt containers.
	maxBindingNameLen = 1 << 16
)

// ErrInvalidPlan tags every plan container decoding failure. Test with errors.Is.
var ErrInvalidPlan = errors.New("invalid execution plan")

// PlanSpec describes a reference execution plan to be serialized: one input
// and one output binding, and the program parameters. The pooling window is
// implied by the ratio of input to output plane sizes.
type PlanSpec struct {
	// InputName and OutputName are the binding names. They must be non-empty
	// and distinct.
	InputName, OutputName string

	// Input and Output are the binding dimensions, both batch 1. The input
	// plane must tile exactly onto the output plane.
	Input, Output nchw.Dims

	// WeightsDType selects the on-disk storage for weights and bias:
	// dtypes.Float32 or dtypes.Float16. The zero value means float32.
	WeightsDType dtypes.DType

	// Weights is the pointwise convolution matrix, [output channels][input channels].
	Weights [][]float32

	// Bias has one value per output channel.
	Bias []float32
}

// Serialize encodes spec as a version-1 plan container.
func Serialize(spec PlanSpec) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, spec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write encodes spec as a version-1 plan container into w.
func Write(w io.Writer, spec PlanSpec) error {
	return write(w, spec, false)
}

func write(w io.Writer, spec PlanSpec, outputFirst bool) error {
	poolH, poolW, err := spec.validate()
	if err != nil {
		return err
	}
	dtypeCode := codeFloat32
	if spec.WeightsDType == dtypes.Float16 {
		dtypeCode = codeFloat16
	}

	for _, value := range []uint32{planMagic, planVersion, 2} {
		if err := binary.Write(w, binary.LittleEndian, value); err != nil {
			return errors.Wrapf(err, "failed to write plan header")
		}
	}
	writeBinding := func(name string, role uint8, dims nchw.Dims) error {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(name))); err != nil {
			return errors.Wrapf(err, "failed to write binding %q", name)
		}
		if _, err := w.Write([]byte(name)); err != nil {
			return errors.Wrapf(err, "failed to write binding %q", name)
		}
		if err := binary.Write(w, binary.LittleEndian, role); err != nil {
			return errors.Wrapf(err, "failed to write binding %q", name)
		}
		for _, dim := range dims {
			if err := binary.Write(w, binary.LittleEndian, int32(dim)); err != nil {
				return errors.Wrapf(err, "failed to write binding %q", name)
			}
		}
		return nil
	}
	bindings := []func() error{
		func() error { return writeBinding(spec.InputName, roleInput, spec.Input) },
		func() error { return writeBinding(spec.OutputName, roleOutput, spec.Output) },
	}
	if outputFirst {
		bindings[0], bindings[1] = bindings[1], bindings[0]
	}
	for _, writeFn := range bindings {
		if err := writeFn(); err != nil {
			return err
		}
	}

	for _, value := range []any{uint32(poolH), uint32(poolW), dtypeCode} {
		if err := binary.Write(w, binary.LittleEndian, value); err != nil {
			return errors.Wrapf(err, "failed to write plan program header")
		}
	}
	writeValue := func(v float32) error {
		if dtypeCode == codeFloat16 {
			return binary.Write(w, binary.LittleEndian, float16.Fromfloat32(v).Bits())
		}
		return binary.Write(w, binary.LittleEndian, v)
	}
	for _, row := range spec.Weights {
		for _, v := range row {
			if err := writeValue(v); err != nil {
				return errors.Wrapf(err, "failed to write plan weights")
			}
		}
	}
	for _, v := range spec.Bias {
		if err := writeValue(v); err != nil {
			return errors.Wrapf(err, "failed to write plan bias")
		}
	}
	return nil
}

// validate checks the spec consistency and returns the pooling window.
func (spec PlanSpec) validate() (poolH, poolW int, err error) {
	if spec.InputName == "" || spec.OutputName == "" {
		return 0, 0, errors.Errorf("plan binding names must be non-empty, got input=%q, output=%q",
			spec.InputName, spec.OutputName)
	}
	if spec.InputName == spec.OutputName {
		return 0, 0, errors.Errorf("plan binding names must be distinct, both are %q", spec.InputName)
	}
	for _, dims := range []nchw.Dims{spec.Input, spec.Output} {
		for _, dim := range dims {
			if dim <= 0 {
				return 0, 0, errors.Errorf("plan dimensions must be positive, got input=%v, output=%v",
					spec.Input, spec.Output)
			}
		}
	}
	if spec.Input.Batch() != 1 || spec.Output.Batch() != 1 {
		return 0, 0, errors.Errorf("plans are compiled for implicit batch 1, got input=%v, output=%v",
			spec.Input, spec.Output)
	}
	if spec.Input.Height()%spec.Output.Height() != 0 || spec.Input.Width()%spec.Output.Width() != 0 {
		return 0, 0, errors.Errorf("input planes %dx%d don't tile onto output planes %dx%d",
			spec.Input.Height(), spec.Input.Width(), spec.Output.Height(), spec.Output.Width())
	}
	poolH = spec.Input.Height() / spec.Output.Height()
	poolW = spec.Input.Width() / spec.Output.Width()
	if len(spec.Weights) != spec.Output.Channels() {
		return 0, 0, errors.Errorf("got %d weight rows, want one per output channel (%d)",
			len(spec.Weights), spec.Output.Channels())
	}
	for i, row := range spec.Weights {
		if len(row) != spec.Input.Channels() {
			return 0, 0, errors.Errorf("weight row %d has %d values, want one per input channel (%d)",
				i, len(row), spec.Input.Channels())
		}
	}
	if len(spec.Bias) != spec.Output.Channels() {
		return 0, 0, errors.Errorf("got %d bias values, want one per output channel (%d)",
			len(spec.Bias), spec.Output.Channels())
	}
	switch spec.WeightsDType {
	case dtypes.InvalidDType, dtypes.Float32, dtypes.Float16:
		// Ok, InvalidDType (the zero value) means float32.
	default:
		return 0, 0, errors.Errorf("plan weights dtype must be Float32 or Float16, got %s", spec.WeightsDType)
	}
	return poolH, poolW, nil
}

// binding is one decoded tensor slot of a plan.
type binding struct {
	name string
	role uint8
	dims nchw.Dims
}

// planData is a fully decoded version-1 plan.
type planData struct {
	bindings     []binding // Binding index is the slice index.
	inputIdx     int
	outputIdx    int
	poolH, poolW int
	weights      [][]float32 // [output channels][input channels], widened to float32.
	bias         []float32
}

// decodePlan parses and validates a version-1 plan container.
func decodePlan(data []byte) (*planData, error) {
	r := bytes.NewReader(data)
	readU32 := func(what string) (uint32, error) {
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, errors.Wrapf(ErrInvalidPlan, "truncated while reading %s: %v", what, err)
		}
		return v, nil
	}

	magic, err := readU32("magic")
	if err != nil {
		return nil, err
	}
	if magic != planMagic {
		return nil, errors.Wrapf(ErrInvalidPlan, "invalid magic %#08x, want %#08x", magic, planMagic)
	}
	version, err := readU32("version")
	if err != nil {
		return nil, err
	}
	if version != planVersion {
		return nil, errors.Wrapf(ErrInvalidPlan, "unsupported version %d, this runtime reads version %d",
			version, planVersion)
	}
	numBindings, err := readU32("binding count")
	if err != nil {
		return nil, err
	}
	if numBindings != 2 {
		return nil, errors.Wrapf(ErrInvalidPlan,
			"plan declares %d bindings, this runtime executes exactly 2 (one input, one output)", numBindings)
	}

	plan := &planData{inputIdx: -1, outputIdx: -1}
	for i := range int(numBindings) {
		nameLen, err := readU32("binding name length")
		if err != nil {
			return nil, err
		}
		if nameLen == 0 || nameLen > maxBindingNameLen {
			return nil, errors.Wrapf(ErrInvalidPlan, "binding %d has name length %d", i, nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, errors.Wrapf(ErrInvalidPlan, "truncated while reading binding %d name: %v", i, err)
		}
		var role uint8
		if err := binary.Read(r, binary.LittleEndian, &role); err != nil {
			return nil, errors.Wrapf(ErrInvalidPlan, "truncated while reading binding %q role: %v", name, err)
		}
		var dims nchw.Dims
		for axis := range dims {
			var dim int32
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, errors.Wrapf(ErrInvalidPlan, "truncated while reading binding %q dims: %v", name, err)
			}
			if dim <= 0 {
				return nil, errors.Wrapf(ErrInvalidPlan, "binding %q has non-positive dimension %d on axis %d",
					name, dim, axis)
			}
			dims[axis] = int(dim)
		}
		if dims.Batch() != 1 {
			return nil, errors.Wrapf(ErrInvalidPlan, "binding %q has batch %d, plans are compiled for implicit batch 1",
				name, dims.Batch())
		}
		switch role {
		case roleInput:
			if plan.inputIdx >= 0 {
				return nil, errors.Wrapf(ErrInvalidPlan, "plan declares more than one input binding")
			}
			plan.inputIdx = i
		case roleOutput:
			if plan.outputIdx >= 0 {
				return nil, errors.Wrapf(ErrInvalidPlan, "plan declares more than one output binding")
			}
			plan.outputIdx = i
		default:
			return nil, errors.Wrapf(ErrInvalidPlan, "binding %q has unknown role %d", name, role)
		}
		plan.bindings = append(plan.bindings, binding{name: string(name), role: role, dims: dims})
	}
	if plan.bindings[0].name == plan.bindings[1].name {
		return nil, errors.Wrapf(ErrInvalidPlan, "both bindings are named %q", plan.bindings[0].name)
	}

	input := plan.bindings[plan.inputIdx].dims
	output := plan.bindings[plan.outputIdx].dims
	poolH, err := readU32("pooling window height")
	if err != nil {
		return nil, err
	}
	poolW, err := readU32("pooling window width")
	if err != nil {
		return nil, err
	}
	plan.poolH, plan.poolW = int(poolH), int(poolW)
	if plan.poolH <= 0 || plan.poolW <= 0 ||
		input.Height() != output.Height()*plan.poolH || input.Width() != output.Width()*plan.poolW {
		return nil, errors.Wrapf(ErrInvalidPlan,
			"pooling window %dx%d doesn't tile input planes %dx%d onto output planes %dx%d",
			plan.poolH, plan.poolW, input.Height(), input.Width(), output.Height(), output.Width())
	}

	var dtypeCode uint8
	if err := binary.Read(r, binary.LittleEndian, &dtypeCode); err != nil {
		return nil, errors.Wrapf(ErrInvalidPlan, "truncated while reading weights dtype: %v", err)
	}
	if dtypeCode != codeFloat32 && dtypeCode != codeFloat16 {
		return nil, errors.Wrapf(ErrInvalidPlan, "unknown weights dtype code %d", dtypeCode)
	}
	readValue := func() (float32, error) {
		if dtypeCode == codeFloat16 {
			var bits uint16
			err := binary.Read(r, binary.LittleEndian, &bits)
			return float16.Frombits(bits).Float32(), err
		}
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}

	inC, outC := input.Channels(), output.Channels()
	plan.weights = make([][]float32, outC)
	for co := range plan.weights {
		row := make([]float32, inC)
		for ci := range row {
			v, err := readValue()
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidPlan, "truncated while reading weights[%d][%d]: %v", co, ci, err)
			}
			row[ci] = v
		}
		plan.weights[co] = row
	}
	plan.bias = make([]float32, outC)
	for co := range plan.bias {
		v, err := readValue()
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidPlan, "truncated while reading bias[%d]: %v", co, err)
		}
		plan.bias[co] = v
	}
	if r.Len() != 0 {
		return nil, errors.Wrapf(ErrInvalidPlan, "%d trailing bytes after program section", r.Len())
	}
	return plan, nil
}
