package ortrt

import (
	"os"
	"testing"

	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/plan"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

// ortSharedLibPath returns an ONNX Runtime shared library to test against, or
// "" when none is available on this machine.
func ortSharedLibPath() string {
	if path := os.Getenv(ORTRT_SHARED_LIB); path != "" {
		return path
	}
	candidates := []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/opt/onnxruntime/lib/libonnxruntime.dylib",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// setupRuntime skips the test when the ONNX Runtime shared library is not
// available, the package is usable without it only up to environment setup.
func setupRuntime(t *testing.T) devices.Runtime {
	t.Helper()
	path := ortSharedLibPath()
	if path == "" {
		t.Skipf("onnxruntime shared library not found, set %s to run this test", ORTRT_SHARED_LIB)
	}
	t.Setenv(ORTRT_SHARED_LIB, path)
	rt, err := New("")
	require.NoError(t, err)
	return rt
}

func TestRegistered(t *testing.T) {
	require.Contains(t, devices.List(), RuntimeName)
}

func TestNewConfigValidation(t *testing.T) {
	// Config is validated before the environment is touched, so this needs no
	// shared library.
	_, err := New("tensorrt")
	require.ErrorContains(t, err, `unknown "ort" runtime configuration "tensorrt"`)
}

func TestBindingDims(t *testing.T) {
	info := ort.InputOutputInfo{
		Name:       "input",
		Dimensions: ort.NewShape(1, 3, 320, 240),
		DataType:   ort.TensorElementDataTypeFloat,
	}
	dims, err := bindingDims(info)
	require.NoError(t, err)
	require.Equal(t, nchw.MakeDims(1, 3, 320, 240), dims)

	info.Dimensions = ort.NewShape(1, 3, 320)
	_, err = bindingDims(info)
	require.ErrorContains(t, err, "rank 3")

	info.Dimensions = ort.NewShape(1, 3, -1, 240)
	_, err = bindingDims(info)
	require.ErrorContains(t, err, "dynamic dimension")

	info.Dimensions = ort.NewShape(1, 3, 320, 240)
	info.DataType = ort.TensorElementDataTypeDouble
	_, err = bindingDims(info)
	require.ErrorContains(t, err, "want float32")
}

func TestEngineBindings(t *testing.T) {
	engine := &Engine{
		bindings: []binding{
			{name: "input", dims: nchw.MakeDims(1, 3, 320, 240)},
			{name: "output", dims: nchw.MakeDims(1, 57, 40, 30)},
		},
		numInputs: 1,
	}
	require.Equal(t, 2, engine.NumBindings())
	idx, found := engine.BindingIndex("output")
	require.True(t, found)
	require.Equal(t, 1, idx)
	_, found = engine.BindingIndex("image")
	require.False(t, found)
	require.Equal(t, "input", engine.BindingName(0))
	require.Equal(t, nchw.MakeDims(1, 57, 40, 30), engine.BindingDims(1))

	// A nil session means finalized (or never created).
	_, err := engine.NewContext()
	require.ErrorContains(t, err, "finalized")
}

func TestExecuteFinalized(t *testing.T) {
	ctx := &ExecContext{}
	require.ErrorContains(t, ctx.Execute(1, nil), "already finalized")
}

func TestBuffersForeign(t *testing.T) {
	r := &Runtime{}
	require.ErrorContains(t, r.FreeBuffer(3.14), `not a "ort" runtime buffer`)
	_, err := r.BufferDims("nope")
	require.Error(t, err)
}

func TestBuffersFreed(t *testing.T) {
	r := &Runtime{}
	buf := &Buffer{dims: nchw.MakeDims(1, 1, 2, 2)} // nil tensor means freed
	require.ErrorContains(t, r.WriteBuffer(buf, make([]float32, 4)), "already freed")
	require.ErrorContains(t, r.ReadBuffer(buf, make([]float32, 4)), "already freed")
	_, err := r.BufferData(buf)
	require.ErrorContains(t, err, "already freed")
	require.ErrorContains(t, r.FreeBuffer(buf), "already freed")
}

func TestBuffers(t *testing.T) {
	rt := setupRuntime(t)
	before := BufferCount()
	dims := nchw.MakeDims(1, 3, 4, 5)
	buffer := must.M1(rt.AllocBuffer(dims))
	require.Equal(t, before+1, BufferCount())
	require.Equal(t, dims, must.M1(rt.BufferDims(buffer)))

	host := make([]float32, dims.Size())
	for i := range host {
		host[i] = float32(i) / 4
	}
	must.M(rt.WriteBuffer(buffer, host))
	require.ErrorContains(t, rt.WriteBuffer(buffer, host[:5]), "want exactly")

	back := make([]float32, dims.Size())
	must.M(rt.ReadBuffer(buffer, back))
	require.Equal(t, host, back)

	require.True(t, rt.HasSharedBuffers())
	shared := must.M1(rt.BufferData(buffer))
	require.Equal(t, host, shared)

	must.M(rt.FreeBuffer(buffer))
	require.Equal(t, before, BufferCount())
}

// TestDeserializeModel runs a whole pass over a real ONNX model. It needs
// both the shared library and a model with fixed-shape rank-4 float32
// bindings, pointed at by ORTRT_TEST_ONNX.
func TestDeserializeModel(t *testing.T) {
	rt := setupRuntime(t)
	modelPath := os.Getenv("ORTRT_TEST_ONNX")
	if modelPath == "" {
		t.Skip("set ORTRT_TEST_ONNX to a fixed-shape rank-4 float32 ONNX model to run this test")
	}
	planBytes := must.M1(plan.Load(modelPath))

	engine := must.M1(rt.Deserialize(planBytes))
	defer engine.Finalize()
	require.GreaterOrEqual(t, engine.NumBindings(), 2)

	ctx := must.M1(engine.NewContext())
	defer ctx.Finalize()

	buffers := make([]devices.Buffer, engine.NumBindings())
	for i := range buffers {
		buffers[i] = must.M1(rt.AllocBuffer(engine.BindingDims(i)))
	}
	defer func() {
		for _, buffer := range buffers {
			must.M(rt.FreeBuffer(buffer))
		}
	}()

	// Zero inputs: just prove the pass runs and outputs are readable.
	must.M(ctx.Execute(1, buffers))
	out := must.M1(rt.BufferData(buffers[len(buffers)-1]))
	require.NotEmpty(t, out)
}
