package planrt

import (
	"slices"
	"sync"

	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/diag"
	"github.com/gomlx/planrt/plan"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Session drives one execution plan on one device runtime.
//
// A session is created with New (or NewWithRuntime), brought up with Init and
// torn down with Close. Between Init and Close, Forward runs batch-1 passes
// into a fixed pair of device buffers and Output exposes the result buffer.
// All methods are safe for concurrent use; forward passes serialize on an
// internal mutex.
type Session struct {
	mu      sync.Mutex
	cfg     Config
	network Network

	// rt is only set before Init for sessions created with NewWithRuntime;
	// after Init the handle holds the runtime.
	rt Runtime

	state  sessionState
	handle *engineHandle
	output *OutputView

	// lastDims tracks the dimensions of the last accepted input, so a
	// volume-preserving change can be noticed (and logged) without
	// reallocating anything.
	lastDims []int
}

// Runtime is an alias for devices.Runtime, the API a device runtime
// implements. See the devices package for the registry.
type Runtime = devices.Runtime

type sessionState int

const (
	stateNew sessionState = iota
	stateReady
	stateClosed
)

// New creates an inference session from the given configuration.
//
// New only validates the configuration and performs the one-time diagnostics
// setup if asked; the heavy lifting (loading the plan file, building the
// device engine, allocating buffers) happens at Init, and that's where a
// missing plan file is reported.
func New(cfg Config) (*Session, error) {
	diag.EnsureLogging(cfg.EnableLogging)
	network := cfg.Network
	if network == (Network{}) {
		network = DefaultNetwork
	}
	if err := network.check(); err != nil {
		return nil, err
	}
	if cfg.PlanPath == "" {
		return nil, errors.Wrap(ErrConfig, "a plan file path is required")
	}
	return &Session{cfg: cfg, network: network}, nil
}

// NewWithRuntime is like New but drives the given runtime instead of taking
// one from the devices registry. The caller keeps ownership of the runtime:
// Close releases the engine and buffers but leaves the runtime alive.
func NewWithRuntime(cfg Config, rt Runtime) (*Session, error) {
	if rt == nil {
		return nil, errors.Wrap(ErrConfig, "NewWithRuntime requires a non-nil runtime")
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	s.rt = rt
	return s, nil
}

// Network returns the binding and shape contract the session was created with.
func (s *Session) Network() Network { return s.network }

// Init loads the plan file and builds the device-side state: the engine, its
// execution context and the two bound buffers. A session initializes at most
// once; calling Init on an initialized or closed session is an error.
//
// If the configuration names no runtime, the devices registry default
// selection is used (see devices.New).
func (s *Session) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateReady:
		return errors.Wrap(ErrConfig, "session already initialized")
	case stateClosed:
		return errors.Wrap(ErrConfig, "session already closed")
	}

	planBytes, err := plan.Load(s.cfg.PlanPath)
	if err != nil {
		return err
	}

	rt := s.rt
	ownsRT := false
	if rt == nil {
		if s.cfg.Device == "" {
			rt, err = devices.New()
		} else {
			rt, err = devices.NewWithConfig(s.cfg.Device)
		}
		if err != nil {
			return errors.Wrapf(ErrConfig, "failed to create a device runtime (config %q): %v", s.cfg.Device, err)
		}
		ownsRT = true
	}
	klog.V(1).Infof("Initializing inference session on runtime %q: input %s bound to %q, output %s bound to %q",
		rt.Name(), s.network.Input, s.network.InputBinding, s.network.Output, s.network.OutputBinding)

	handle, err := newEngineHandle(rt, ownsRT, s.network, planBytes)
	if err != nil {
		// newEngineHandle released whatever it had acquired, including the
		// runtime when this session created it.
		return err
	}
	s.handle = handle
	s.output = &OutputView{
		dims:   s.network.Output,
		rt:     rt,
		buffer: handle.buffers[handle.outputIdx],
	}
	s.lastDims = s.network.Input.Dimensions()
	s.state = stateReady
	return nil
}

// Forward runs one batch-1 pass: the input is validated against the network
// contract, copied to the device and executed into the output buffer,
// overwriting the previous result.
//
// The input must be a rank-4 NCHW tensor with the contract's channel count
// and total volume. Dimension changes that preserve the volume (e.g. swapped
// height and width) are accepted without reallocation; the device keeps
// interpreting the data with the contract dimensions.
func (s *Session) Forward(input *nchw.Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateNew:
		return errors.Wrap(ErrConfig, "session not initialized, call Init first")
	case stateClosed:
		return errors.Wrap(ErrConfig, "session already closed")
	}
	if err := s.validateInput(input); err != nil {
		return err
	}
	return s.handle.forward(input.Flat())
}

// validateInput rejects malformed host tensors before any device work, in
// order: emptiness, then axes, then total volume. Called with the mutex held.
func (s *Session) validateInput(input *nchw.Tensor) error {
	if input.IsEmpty() {
		return errors.Wrap(ErrInvalidInput, "input tensor is empty")
	}
	channels := s.network.Input.Channels()
	if input.Rank() != 4 || input.Dim(1) != channels {
		return errors.Wrapf(ErrInvalidInput,
			"input tensor must have 4 axes [batch, %d channels, height, width], got %s",
			channels, input)
	}
	want := s.network.Input.Size()
	if got := input.Size(); got != want {
		return errors.Wrapf(ErrInvalidInput,
			"input tensor volume doesn't match the network: expected %d values %s, got %d values (batch=%d, channels=%d, height=%d, width=%d)",
			want, s.network.Input, got, input.Dim(0), input.Dim(1), input.Dim(2), input.Dim(3))
	}
	if dims := input.Dims(); !slices.Equal(dims, s.lastDims) {
		klog.V(1).Infof("Input dims changed from %v to %v (same volume), no reallocation", s.lastDims, dims)
		s.lastDims = dims
	}
	return nil
}

// Output returns the view over the device-resident output buffer, or nil if
// the session has no initialized engine. The same view (over the same
// underlying buffer) is returned for the session's whole lifetime; each
// Forward overwrites it in place.
func (s *Session) Output() *OutputView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady {
		klog.Errorf("Output() called on a session with no initialized engine, returning nil")
		return nil
	}
	return s.output
}

// Close releases the engine, the execution context, the device buffers and,
// when the session created it, the runtime. Close is idempotent and safe on a
// session that never initialized.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	s.output = nil
	if s.handle == nil {
		return nil
	}
	handle := s.handle
	s.handle = nil
	if err := handle.close(); err != nil {
		return errors.Wrapf(ErrExecution, "failed to release device resources: %v", err)
	}
	return nil
}
