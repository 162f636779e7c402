package vcam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InterceptorState represents the current mode of an Interceptor.
type InterceptorState int

const (
	// StatePassthrough forwards camera requests to the real source.
	StatePassthrough InterceptorState = iota
	// StateMocking answers video requests with clones of the mock stream.
	StateMocking
)

func (s InterceptorState) String() string {
	switch s {
	case StatePassthrough:
		return "passthrough"
	case StateMocking:
		return "mocking"
	default:
		return "unknown"
	}
}

// VirtualCameraInfo is the device the interceptor advertises while mocking.
var VirtualCameraInfo = DeviceInfo{
	DeviceID: "vcam-virtual-0",
	GroupID:  "vcam",
	Kind:     DeviceKindVideoInput,
	Label:    "vcam virtual camera",
}

// InterceptorConfig configures an Interceptor.
type InterceptorConfig struct {
	Devices *MediaDevices // Facade to intercept (default: Devices())
	Synth   *Synthesizer  // Synthesizer for descriptors (default: NewSynthesizer(DefaultSynthConfig()))
	Logger  *slog.Logger  // Defaults to slog.Default()
}

// DefaultInterceptorConfig returns a default interceptor configuration.
func DefaultInterceptorConfig() InterceptorConfig {
	return InterceptorConfig{}
}

// Interceptor sits between MediaDevices and its camera source. Installed,
// it captures the original source and replaces it with a wrapper that
// either delegates (passthrough) or serves clones of a synthesized stream
// (mocking). Uninstall puts the original source back.
//
// All methods are safe for concurrent use.
type Interceptor struct {
	devices *MediaDevices
	synth   *Synthesizer
	log     *slog.Logger

	mu        sync.Mutex
	installed bool
	state     InterceptorState
	original  CameraSource
	wrapper   *interceptSource
	mock      *SynthStream

	// activeSeq invalidates in-flight activations: Activate captures it
	// before synthesizing and commits only if it has not moved.
	activeSeq uint64
}

// NewInterceptor creates an interceptor in the passthrough state. Nothing
// is intercepted until Install.
func NewInterceptor(config InterceptorConfig) *Interceptor {
	if config.Devices == nil {
		config.Devices = Devices()
	}
	if config.Synth == nil {
		config.Synth = NewSynthesizer(DefaultSynthConfig())
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	i := &Interceptor{
		devices: config.Devices,
		synth:   config.Synth,
		log:     config.Logger,
		state:   StatePassthrough,
	}
	i.wrapper = &interceptSource{interceptor: i}
	return i
}

// State returns the current interceptor state.
func (i *Interceptor) State() InterceptorState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Installed reports whether the wrapper is currently in place.
func (i *Interceptor) Installed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.installed
}

// MockStream returns the stream being served while mocking, or nil.
func (i *Interceptor) MockStream() *SynthStream {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mock
}

// Install captures the current camera source and installs the wrapper in
// its place. Installing an already installed interceptor is a no-op; the
// original source captured the first time is kept.
func (i *Interceptor) Install() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.installed {
		return nil
	}
	i.original = i.devices.SwapCameraSource(i.wrapper)
	i.installed = true
	i.log.Debug("camera interceptor installed", "state", i.state)
	return nil
}

// Uninstall deactivates and puts the original camera source back. It is a
// no-op when not installed. If something else replaced the camera source
// after Install, the foreign source is left alone.
func (i *Interceptor) Uninstall() error {
	if err := i.Deactivate(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.installed {
		return nil
	}
	i.installed = false

	if current := i.devices.CameraSource(); current != CameraSource(i.wrapper) {
		i.log.Warn("camera source changed since install, not restoring original")
		i.original = nil
		return nil
	}
	i.devices.SwapCameraSource(i.original)
	i.original = nil
	i.log.Debug("camera interceptor uninstalled")
	return nil
}

// Activate synthesizes a stream for the descriptor and switches to
// mocking, replacing any previously active mock stream. If a Deactivate
// or a newer Activate lands while the descriptor is still loading, the
// late result is discarded and the newer operation wins.
func (i *Interceptor) Activate(ctx context.Context, desc *MediaDescriptor) error {
	i.mu.Lock()
	if !i.installed {
		i.mu.Unlock()
		return fmt.Errorf("interceptor not installed")
	}
	seq := i.activeSeq
	i.mu.Unlock()

	// Synthesis decodes payloads and spins up capture, so it runs
	// outside the lock.
	stream, err := i.synth.Synthesize(ctx, desc)
	if err != nil {
		return fmt.Errorf("failed to activate mock camera: %w", err)
	}

	i.mu.Lock()
	if !i.installed || i.activeSeq != seq {
		i.mu.Unlock()
		stream.Close()
		i.log.Debug("discarding superseded mock stream", "kind", desc.Kind)
		return nil
	}
	i.activeSeq++
	old := i.mock
	i.mock = stream
	i.state = StateMocking
	i.mu.Unlock()

	if old != nil {
		old.Close()
	}
	i.log.Info("mock camera activated",
		"kind", desc.Kind,
		"width", stream.surface.Width(),
		"height", stream.surface.Height())
	return nil
}

// Deactivate stops the mock stream and returns to passthrough. Tracks
// previously handed out from the mock stream stop producing frames.
// Deactivating a passthrough interceptor is a no-op.
func (i *Interceptor) Deactivate() error {
	i.mu.Lock()
	i.activeSeq++
	old := i.mock
	i.mock = nil
	wasMocking := i.state == StateMocking
	i.state = StatePassthrough
	i.mu.Unlock()

	if old == nil {
		return nil
	}
	err := old.Close()
	if wasMocking {
		i.log.Info("mock camera deactivated")
	}
	return err
}

// interceptSource is the CameraSource the interceptor installs. It keys
// its behavior off the interceptor state at call time.
type interceptSource struct {
	interceptor *Interceptor
}

// OpenCamera implements CameraSource. While mocking, requests that
// include video get a fresh clone of the mock stream. Everything else
// goes to the original source and its result, including any error, is
// returned untouched.
func (s *interceptSource) OpenCamera(ctx context.Context, options UserMediaOptions) (MediaStream, error) {
	i := s.interceptor

	i.mu.Lock()
	mocking := i.state == StateMocking
	mock := i.mock
	original := i.original
	i.mu.Unlock()

	if mocking && options.Video != nil && mock != nil {
		clone, err := mock.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone mock stream: %w", err)
		}
		i.log.Debug("serving mock camera clone", "stream", clone.ID())
		return clone, nil
	}

	if original == nil {
		return nil, fmt.Errorf("no camera source available")
	}
	return original.OpenCamera(ctx, options)
}

// ListCameras implements CameraSource. While mocking only the virtual
// camera is advertised.
func (s *interceptSource) ListCameras(ctx context.Context) ([]DeviceInfo, error) {
	i := s.interceptor

	i.mu.Lock()
	mocking := i.state == StateMocking
	original := i.original
	i.mu.Unlock()

	if mocking {
		return []DeviceInfo{VirtualCameraInfo}, nil
	}
	if original == nil {
		return nil, fmt.Errorf("no camera source available")
	}
	return original.ListCameras(ctx)
}

var _ CameraSource = (*interceptSource)(nil)
