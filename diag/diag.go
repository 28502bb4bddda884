// Package diag performs first-time initialization of the process-wide
// diagnostics subsystem (klog).
//
// Registering klog's command-line flags is a process-global side effect that
// must happen at most once: a second registration panics inside the flag
// package. Sessions may be constructed concurrently, so the setup is guarded
// by a Sink, which runs it exactly once no matter how many callers race on
// it. Applications that already manage klog themselves (calling
// klog.InitFlags at startup) should simply not enable logging through this
// package.
package diag

import (
	"sync"

	"k8s.io/klog/v2"
)

// Sink guards a process-wide diagnostics setup so it runs at most once.
//
// The zero value is not usable, construct with NewSink. A disabled Ensure
// call leaves the sink untouched, so a later enabled call still initializes.
type Sink struct {
	once  sync.Once
	setup func()
}

// NewSink returns a Sink running setup on its first enabled Ensure call.
// A nil setup registers klog's flags, the default process-wide subsystem.
func NewSink(setup func()) *Sink {
	if setup == nil {
		setup = func() { klog.InitFlags(nil) }
	}
	return &Sink{setup: setup}
}

// Ensure initializes the diagnostics subsystem if enable is true and it
// hasn't been initialized yet. Safe for concurrent use: exactly one caller
// runs the setup, the others block until it completed. With enable false it
// is a no-op.
func (s *Sink) Ensure(enable bool) {
	if !enable {
		return
	}
	s.once.Do(s.setup)
}

var defaultSink = NewSink(nil)

// EnsureLogging initializes klog flag registration for the process, at most
// once, if enable is true.
func EnsureLogging(enable bool) {
	defaultSink.Ensure(enable)
}
