// Package devices defines the interface a device runtime needs to implement
// to execute serialized inference plans for planrt.
//
// A runtime owns the device: it deserializes a compiled execution plan into
// an engine, allocates and frees device buffers, and moves float32 data
// across the host/device boundary. Runtimes register themselves by name
// (usually in their package init) and are selected by a configuration string
// or the PLANRT_DEVICE environment variable.
//
// Two runtimes ship with the project: the pure-Go reference runtime
// (devices/hostgo, registered as "go") and the ONNX Runtime-backed one
// (devices/ortrt, registered as "ort").
package devices

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Runtime is the API a device runtime implements.
//
// All methods return errors for runtime conditions (bad plan bytes, device
// failures); only programmer misuse panics.
type Runtime interface {
	// Name returns the short name the runtime registered under. E.g.: "go".
	Name() string

	// Description is a longer description of the runtime that can be used to pretty-print.
	Description() string

	// Deserialize rebuilds a device-resident engine from the serialized
	// execution plan bytes. The plan format is runtime specific.
	Deserialize(plan []byte) (Engine, error)

	// DataInterface is the sub-interface that manages device buffers and
	// host/device transfers.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the runtime invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Runtime.
type Constructor func(config string) (Runtime, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a runtime constructor under the given name. The config string
// given to New/NewWithConfig is passed along to the constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered runtimes, sorted.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the runtime configuration New uses when the environment
// doesn't select one. See NewWithConfig for the format.
var DefaultConfig string

// PLANRT_DEVICE is the environment variable with the default runtime
// configuration to use.
//
// The format of config is "<runtime_name>:<runtime_configuration>".
// The "<runtime_name>" is the name of a registered runtime (e.g.: "go") and
// "<runtime_configuration>" is runtime specific (e.g.: for the ort runtime it
// selects the execution provider).
const PLANRT_DEVICE = "PLANRT_DEVICE"

// New returns a new Runtime with the default configuration.
//
// The default is:
//
// 1. The environment PLANRT_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered runtime is used with an empty configuration.
func New() (Runtime, error) {
	config, found := os.LookupEnv(PLANRT_DEVICE)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Runtime from a configuration string formatted as
// "<runtime_name>:<runtime_configuration>".
//
// The "<runtime_name>" is the name of a registered runtime (e.g.: "go") and
// "<runtime_configuration>" is runtime specific. An empty name selects the
// first registered runtime.
func NewWithConfig(config string) (Runtime, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(`no registered device runtimes -- maybe import the reference one with import _ "github.com/gomlx/planrt/devices/hostgo"?`)
	}
	name := config
	runtimeConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		runtimeConfig = config[idx+1:]
	}
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("can't find device runtime %q for configuration %q given, registered runtimes: %q",
			name, config, List())
	}
	rt, err := constructor(runtimeConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to construct device runtime %q", name)
	}
	return rt, nil
}

// MustNew is like New but panics on failure. Mostly used in tests and demos.
func MustNew() Runtime {
	rt, err := New()
	if err != nil {
		exceptions.Panicf("devices.MustNew: %+v", err)
	}
	return rt
}
