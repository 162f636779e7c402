package vcam

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeCameraSource is a scriptable CameraSource for wiring tests.
type fakeCameraSource struct {
	stream  MediaStream
	err     error
	devices []DeviceInfo
	opened  int
	lastOpt UserMediaOptions
}

func (f *fakeCameraSource) OpenCamera(ctx context.Context, options UserMediaOptions) (MediaStream, error) {
	f.opened++
	f.lastOpt = options
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func (f *fakeCameraSource) ListCameras(ctx context.Context) ([]DeviceInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.devices, nil
}

func TestMediaDevices_GetUserMediaRequiresConstraint(t *testing.T) {
	d := NewMediaDevices()

	_, err := d.GetUserMedia(context.Background(), UserMediaOptions{})
	if err == nil {
		t.Fatal("empty constraints should fail")
	}
}

func TestMediaDevices_ErrorsPassThroughVerbatim(t *testing.T) {
	// A consumer must see the camera's own failure, not a rewrapped one:
	// callers match on these errors to drive permission UI.
	sentinel := errors.New("NotAllowedError: permission denied")
	fake := &fakeCameraSource{err: sentinel}

	d := NewMediaDevices()
	d.SwapCameraSource(fake)

	_, err := d.GetUserMedia(context.Background(), UserMediaOptions{Video: &VideoConstraints{}})
	if err != sentinel {
		t.Errorf("error = %v, want the exact sentinel", err)
	}
}

func TestMediaDevices_SwapCameraSource(t *testing.T) {
	d := NewMediaDevices()

	if _, ok := d.CameraSource().(*RealCameraSource); !ok {
		t.Fatalf("initial source = %T, want RealCameraSource", d.CameraSource())
	}

	changed := make(chan struct{}, 2)
	d.OnDeviceChange(func() { changed <- struct{}{} })

	fake := &fakeCameraSource{}
	prev := d.SwapCameraSource(fake)
	if _, ok := prev.(*RealCameraSource); !ok {
		t.Errorf("swap returned %T, want the previous RealCameraSource", prev)
	}
	if d.CameraSource() != CameraSource(fake) {
		t.Error("current source is not the fake")
	}

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("device change callback never fired")
	}

	// Swapping back returns the fake.
	if got := d.SwapCameraSource(prev); got != CameraSource(fake) {
		t.Errorf("second swap returned %T, want the fake", got)
	}
}

func TestMediaDevices_EnumerateDevices(t *testing.T) {
	fake := &fakeCameraSource{devices: []DeviceInfo{
		{DeviceID: "cam-1", Kind: DeviceKindVideoInput, Label: "Front"},
	}}

	d := NewMediaDevices()
	d.SwapCameraSource(fake)

	devices, err := d.EnumerateDevices(context.Background())
	if err != nil {
		t.Fatalf("EnumerateDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "cam-1" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestMediaDevices_OptionsReachSource(t *testing.T) {
	fake := &fakeCameraSource{stream: NewMediaStream("s")}
	d := NewMediaDevices()
	d.SwapCameraSource(fake)

	opts := UserMediaOptions{
		Video: &VideoConstraints{DeviceID: "cam-1", Width: 640},
		Audio: &AudioConstraints{},
	}
	if _, err := d.GetUserMedia(context.Background(), opts); err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}

	if fake.opened != 1 {
		t.Fatalf("source opened %d times, want 1", fake.opened)
	}
	if fake.lastOpt.Video == nil || fake.lastOpt.Video.DeviceID != "cam-1" {
		t.Errorf("video constraints did not reach the source: %+v", fake.lastOpt)
	}
	if fake.lastOpt.Audio == nil {
		t.Error("audio constraints did not reach the source")
	}
}

func TestRealCameraSource_PatternProvider(t *testing.T) {
	RegisterPatternCamera()

	d := NewMediaDevices()

	devices, err := d.EnumerateDevices(context.Background())
	if err != nil {
		t.Fatalf("EnumerateDevices failed: %v", err)
	}
	if len(devices) == 0 {
		t.Fatal("no devices from pattern provider")
	}

	t.Run("default device", func(t *testing.T) {
		stream, err := d.GetUserMedia(context.Background(), UserMediaOptions{
			Video: &VideoConstraints{Width: 64, Height: 48, FrameRate: 100},
		})
		if err != nil {
			t.Fatalf("GetUserMedia failed: %v", err)
		}
		defer stream.Close()

		tracks := stream.GetVideoTracks()
		if len(tracks) != 1 {
			t.Fatalf("video tracks = %d, want 1", len(tracks))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := tracks[0].ReadFrame(ctx); err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
	})

	t.Run("named device", func(t *testing.T) {
		stream, err := d.GetUserMedia(context.Background(), UserMediaOptions{
			Video: &VideoConstraints{DeviceID: "pattern-solid", Width: 32, Height: 32, FrameRate: 100},
		})
		if err != nil {
			t.Fatalf("GetUserMedia failed: %v", err)
		}
		defer stream.Close()

		settings := stream.GetVideoTracks()[0].Settings()
		if settings.DeviceID != "pattern-solid" {
			t.Errorf("DeviceID = %q, want pattern-solid", settings.DeviceID)
		}
	})

	t.Run("audio only", func(t *testing.T) {
		_, err := d.GetUserMedia(context.Background(), UserMediaOptions{
			Audio: &AudioConstraints{},
		})
		if !errors.Is(err, ErrAudioCaptureNotSupported) {
			t.Errorf("error = %v, want ErrAudioCaptureNotSupported", err)
		}
	})
}
