package vcam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DeviceKind represents the type of media device.
type DeviceKind int

const (
	DeviceKindVideoInput  DeviceKind = iota // Camera
	DeviceKindAudioInput                    // Microphone
	DeviceKindAudioOutput                   // Speaker/headphones
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindVideoInput:
		return "videoinput"
	case DeviceKindAudioInput:
		return "audioinput"
	case DeviceKindAudioOutput:
		return "audiooutput"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a media device.
type DeviceInfo struct {
	DeviceID string     // Unique identifier for the device
	GroupID  string     // Group identifier (devices with same groupID belong together)
	Kind     DeviceKind // Device type
	Label    string     // Human-readable device name
}

// UserMediaOptions configures GetUserMedia.
type UserMediaOptions struct {
	Video *VideoConstraints // nil = no video
	Audio *AudioConstraints // nil = no audio
}

// VideoConstraints for GetUserMedia video.
type VideoConstraints struct {
	DeviceID   string // Specific device ID
	Width      int    // Requested width
	Height     int    // Requested height
	FrameRate  int    // Requested framerate
	FacingMode string // "user" or "environment"
}

// AudioConstraints for GetUserMedia audio. Audio capture is not
// supported; the constraints exist so requests can carry the intent and
// be answered per CameraSource policy.
type AudioConstraints struct {
	DeviceID         string // Specific device ID
	SampleRate       int    // Requested sample rate
	ChannelCount     int    // Requested channels
	EchoCancellation bool   // Enable echo cancellation
	NoiseSuppression bool   // Enable noise suppression
	AutoGainControl  bool   // Enable automatic gain control
}

// CameraSource is the capability MediaDevices opens cameras through.
// Swapping the source is how camera interception works: an Interceptor
// installs a mock source in front of the real one and restores it later.
type CameraSource interface {
	// OpenCamera answers a user-media request with a stream.
	OpenCamera(ctx context.Context, options UserMediaOptions) (MediaStream, error)

	// ListCameras returns the video input devices this source offers.
	ListCameras(ctx context.Context) ([]DeviceInfo, error)
}

// DeviceProvider is implemented by platform-specific camera implementations.
type DeviceProvider interface {
	// ListVideoDevices returns available video input devices.
	ListVideoDevices(ctx context.Context) ([]DeviceInfo, error)

	// OpenVideoDevice opens a video input device.
	OpenVideoDevice(ctx context.Context, deviceID string, constraints *VideoConstraints) (VideoTrack, error)
}

// deviceRegistry holds the registered device provider.
type deviceRegistry struct {
	provider DeviceProvider
	mu       sync.RWMutex
}

var globalDeviceRegistry = &deviceRegistry{}

// RegisterDeviceProvider registers a platform-specific device provider.
func RegisterDeviceProvider(provider DeviceProvider) {
	globalDeviceRegistry.mu.Lock()
	defer globalDeviceRegistry.mu.Unlock()
	globalDeviceRegistry.provider = provider
}

// GetDeviceProvider returns the registered device provider.
func GetDeviceProvider() DeviceProvider {
	globalDeviceRegistry.mu.RLock()
	defer globalDeviceRegistry.mu.RUnlock()
	return globalDeviceRegistry.provider
}

// MediaDevices provides access to camera capture for one process, with a
// swappable CameraSource behind it. Use Devices() for the process-wide
// instance or NewMediaDevices for an isolated one.
type MediaDevices struct {
	mu             sync.RWMutex
	source         CameraSource
	deviceChangeCb func()
	log            *slog.Logger
}

var defaultMediaDevices = NewMediaDevices()

// Devices returns the process-wide MediaDevices instance.
func Devices() *MediaDevices {
	return defaultMediaDevices
}

// NewMediaDevices creates a MediaDevices backed by the real camera source.
func NewMediaDevices() *MediaDevices {
	return &MediaDevices{
		source: &RealCameraSource{},
		log:    slog.Default(),
	}
}

// SetLogger replaces the logger used for request handling.
func (d *MediaDevices) SetLogger(log *slog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if log != nil {
		d.log = log
	}
}

// CameraSource returns the currently installed camera source.
func (d *MediaDevices) CameraSource() CameraSource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.source
}

// SwapCameraSource installs a new camera source and returns the previous
// one. In-flight requests keep the source they started with. Listeners
// registered with OnDeviceChange are notified.
func (d *MediaDevices) SwapCameraSource(source CameraSource) CameraSource {
	d.mu.Lock()
	prev := d.source
	d.source = source
	cb := d.deviceChangeCb
	d.mu.Unlock()

	if cb != nil {
		go cb()
	}
	return prev
}

// OnDeviceChange sets a callback fired whenever the set of available
// devices changes, including camera source swaps.
func (d *MediaDevices) OnDeviceChange(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deviceChangeCb = callback
}

// EnumerateDevices returns the devices offered by the current camera source.
func (d *MediaDevices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	return d.CameraSource().ListCameras(ctx)
}

// GetUserMedia returns a MediaStream with the requested video track,
// answered by whichever camera source is installed. Requests with no
// tracks at all are rejected before reaching the source.
func (d *MediaDevices) GetUserMedia(ctx context.Context, options UserMediaOptions) (MediaStream, error) {
	if options.Video == nil && options.Audio == nil {
		return nil, fmt.Errorf("at least one of video and audio must be requested")
	}

	d.mu.RLock()
	source := d.source
	log := d.log
	d.mu.RUnlock()

	stream, err := source.OpenCamera(ctx, options)
	if err != nil {
		return nil, err
	}
	if options.Audio != nil {
		log.Debug("audio capture not supported, returning video-only stream",
			"stream", stream.ID())
	}
	return stream, nil
}

// RealCameraSource opens cameras through the registered DeviceProvider.
// It is the source MediaDevices starts with.
type RealCameraSource struct{}

// ListCameras implements CameraSource.
func (r *RealCameraSource) ListCameras(ctx context.Context) ([]DeviceInfo, error) {
	provider := GetDeviceProvider()
	if provider == nil {
		return nil, fmt.Errorf("no device provider registered")
	}
	return provider.ListVideoDevices(ctx)
}

// OpenCamera implements CameraSource. Audio-only requests fail with
// ErrAudioCaptureNotSupported; requests that include video get a
// video-only stream from the default or named device.
func (r *RealCameraSource) OpenCamera(ctx context.Context, options UserMediaOptions) (MediaStream, error) {
	if options.Video == nil {
		return nil, ErrAudioCaptureNotSupported
	}

	provider := GetDeviceProvider()
	if provider == nil {
		return nil, fmt.Errorf("no device provider registered")
	}

	deviceID := options.Video.DeviceID
	if deviceID == "" {
		// Use default device
		devices, err := provider.ListVideoDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list video devices: %w", err)
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("no video devices available")
		}
		deviceID = devices[0].DeviceID
	}

	videoTrack, err := provider.OpenVideoDevice(ctx, deviceID, options.Video)
	if err != nil {
		return nil, fmt.Errorf("failed to open video device: %w", err)
	}

	stream := NewMediaStream(newStreamID())
	stream.AddTrack(videoTrack)
	return stream, nil
}
