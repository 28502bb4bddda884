package hostgo

import (
	"bytes"
	"testing"

	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestEngineBindings(t *testing.T) {
	engine := must.M1(rt.Deserialize(must.M1(Serialize(testSpec()))))
	require.Equal(t, 2, engine.NumBindings())

	idx, found := engine.BindingIndex("input")
	require.True(t, found)
	require.Equal(t, 0, idx)
	idx, found = engine.BindingIndex("output")
	require.True(t, found)
	require.Equal(t, 1, idx)
	_, found = engine.BindingIndex("net_output")
	require.False(t, found)

	require.Equal(t, "input", engine.BindingName(0))
	require.Equal(t, nchw.MakeDims(1, 3, 2, 3), engine.BindingDims(1))

	engine.Finalize()
	_, err := engine.NewContext()
	require.ErrorContains(t, err, "already finalized")
}

func TestEngineBindingsOutputFirst(t *testing.T) {
	var buf bytes.Buffer
	must.M(write(&buf, testSpec(), true))
	engine := must.M1(rt.Deserialize(buf.Bytes()))

	idx, found := engine.BindingIndex("input")
	require.True(t, found)
	require.Equal(t, 1, idx, "binding indices follow container order, names resolve them")
	require.Equal(t, nchw.MakeDims(1, 3, 2, 3), engine.BindingDims(0))
}

// executeSpec deserializes spec, runs one pass over input and returns the
// shared output storage plus the closers.
func executeSpec(t *testing.T, spec PlanSpec, input []float32) (out []float32, rerun func([]float32)) {
	t.Helper()
	engine := must.M1(rt.Deserialize(must.M1(Serialize(spec))))
	ctx := must.M1(engine.NewContext())
	inBuf := must.M1(rt.AllocBuffer(spec.Input))
	outBuf := must.M1(rt.AllocBuffer(spec.Output))
	t.Cleanup(func() {
		must.M(rt.FreeBuffer(inBuf))
		must.M(rt.FreeBuffer(outBuf))
		ctx.Finalize()
		engine.Finalize()
	})
	inputIdx, found := engine.BindingIndex(spec.InputName)
	require.True(t, found)
	buffers := make([]devices.Buffer, 2)
	buffers[inputIdx] = inBuf
	buffers[1-inputIdx] = outBuf

	rerun = func(input []float32) {
		must.M(rt.WriteBuffer(inBuf, input))
		must.M(ctx.Execute(1, buffers))
	}
	rerun(input)
	return must.M1(rt.BufferData(outBuf)), rerun
}

func TestExecutePointwise(t *testing.T) {
	// 2 input channels pooled 2x2 down to a single cell, mixed into 2 output
	// channels. Channel means are 2.5 and 4.
	spec := PlanSpec{
		InputName:  "input",
		OutputName: "output",
		Input:      nchw.MakeDims(1, 2, 2, 2),
		Output:     nchw.MakeDims(1, 2, 1, 1),
		Weights:    [][]float32{{1, 0.5}, {-1, 2}},
		Bias:       []float32{0, 1},
	}
	out, _ := executeSpec(t, spec, []float32{1, 2, 3, 4, 4, 4, 4, 4})
	require.Equal(t, []float32{
		0 + 1*2.5 + 0.5*4, // 4.5
		1 - 1*2.5 + 2*4,   // 6.5
	}, out)
}

func TestExecutePooling(t *testing.T) {
	// One channel, 2x4 plane pooled 2x2 into two cells: means 3.5 and 5.5.
	spec := PlanSpec{
		InputName:  "input",
		OutputName: "output",
		Input:      nchw.MakeDims(1, 1, 2, 4),
		Output:     nchw.MakeDims(1, 1, 1, 2),
		Weights:    [][]float32{{2}},
		Bias:       []float32{1},
	}
	out, _ := executeSpec(t, spec, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
	})
	require.Equal(t, []float32{1 + 2*3.5, 1 + 2*5.5}, out)
}

func TestExecuteOverwritesOutput(t *testing.T) {
	spec := PlanSpec{
		InputName:  "input",
		OutputName: "output",
		Input:      nchw.MakeDims(1, 2, 2, 2),
		Output:     nchw.MakeDims(1, 2, 1, 1),
		Weights:    [][]float32{{1, 0.5}, {-1, 2}},
		Bias:       []float32{0, 1},
	}
	allOnes := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	out, rerun := executeSpec(t, spec, allOnes)
	require.Equal(t, []float32{1.5, 2}, out)

	// A second pass with different input must overwrite every element.
	allTwos := []float32{2, 2, 2, 2, 2, 2, 2, 2}
	rerun(allTwos)
	require.Equal(t, []float32{3, 3}, out)
}

func TestExecuteErrors(t *testing.T) {
	spec := testSpec()
	engine := must.M1(rt.Deserialize(must.M1(Serialize(spec))))
	ctx := must.M1(engine.NewContext())
	inBuf := must.M1(rt.AllocBuffer(spec.Input))
	outBuf := must.M1(rt.AllocBuffer(spec.Output))
	buffers := []devices.Buffer{inBuf, outBuf}

	require.ErrorContains(t, ctx.Execute(4, buffers), "implicit batch 1, got batch 4")
	require.ErrorContains(t, ctx.Execute(1, buffers[:1]), "want one per binding")

	tiny := must.M1(rt.AllocBuffer(nchw.MakeDims(1, 1, 1, 1)))
	require.ErrorContains(t, ctx.Execute(1, []devices.Buffer{tiny, outBuf}), "plan wants")
	must.M(rt.FreeBuffer(tiny))

	must.M(rt.FreeBuffer(inBuf))
	require.ErrorContains(t, ctx.Execute(1, buffers), "already freed")
	must.M(rt.FreeBuffer(outBuf))

	ctx.Finalize()
	require.ErrorContains(t, ctx.Execute(1, buffers), "finalized")
	engine.Finalize()
}

func TestExecuteParallelism(t *testing.T) {
	// Workers split whole channels, so the arithmetic inside each channel is
	// unchanged and the results must be bit-identical at any parallelism.
	spec := contractSpec()
	input := make([]float32, spec.Input.Size())
	for i := range input {
		input[i] = float32(i%97) / 97
	}

	runWith := func(maxParallelism int) []float32 {
		r := must.M1(New("")).(*Runtime)
		r.workers.SetMaxParallelism(maxParallelism)
		engine := must.M1(r.Deserialize(must.M1(Serialize(spec))))
		ctx := must.M1(engine.NewContext())
		inBuf := must.M1(r.AllocBuffer(spec.Input))
		outBuf := must.M1(r.AllocBuffer(spec.Output))
		t.Cleanup(func() {
			must.M(r.FreeBuffer(inBuf))
			must.M(r.FreeBuffer(outBuf))
			ctx.Finalize()
			engine.Finalize()
		})
		must.M(r.WriteBuffer(inBuf, input))
		must.M(ctx.Execute(1, []devices.Buffer{inBuf, outBuf}))
		out := make([]float32, spec.Output.Size())
		must.M(r.ReadBuffer(outBuf, out))
		return out
	}

	serial := runWith(0)
	require.Equal(t, serial, runWith(4))
	require.Equal(t, serial, runWith(-1))
}

// contractSpec mirrors the pose-network contract dimensions: 3 input channels
// at 320x240 pooled 8x8 onto 57 heatmap channels at 40x30.
func contractSpec() PlanSpec {
	const inC, outC = 3, 57
	weights := make([][]float32, outC)
	bias := make([]float32, outC)
	for co := range weights {
		row := make([]float32, inC)
		for ci := range row {
			row[ci] = float32(co-ci) / 8
		}
		weights[co] = row
		bias[co] = float32(co) / 16
	}
	return PlanSpec{
		InputName:  "input",
		OutputName: "output",
		Input:      nchw.MakeDims(1, 3, 320, 240),
		Output:     nchw.MakeDims(1, 57, 40, 30),
		Weights:    weights,
		Bias:       bias,
	}
}

func BenchmarkExecute(b *testing.B) {
	spec := contractSpec()
	engine := must.M1(rt.Deserialize(must.M1(Serialize(spec))))
	ctx := must.M1(engine.NewContext())
	inBuf := must.M1(rt.AllocBuffer(spec.Input))
	outBuf := must.M1(rt.AllocBuffer(spec.Output))
	defer func() {
		must.M(rt.FreeBuffer(inBuf))
		must.M(rt.FreeBuffer(outBuf))
		ctx.Finalize()
		engine.Finalize()
	}()
	input := make([]float32, spec.Input.Size())
	for i := range input {
		input[i] = float32(i%255) / 255
	}
	must.M(rt.WriteBuffer(inBuf, input))
	buffers := []devices.Buffer{inBuf, outBuf}

	b.ResetTimer()
	for range b.N {
		must.M(ctx.Execute(1, buffers))
	}
}
