package vcam

import (
	"context"
	"errors"
	"image/color"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// scriptedStore drives the sync loop by hand. Its change channel is
// unbuffered, so once a push is accepted the previous change has been
// fully handled; pushing an unrelated key is the test's way to wait for
// the driver to catch up.
type scriptedStore struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan Change
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{
		values: make(map[string]string),
		ch:     make(chan Change),
	}
}

func (s *scriptedStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *scriptedStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *scriptedStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *scriptedStore) Subscribe() (<-chan Change, func(), error) {
	return s.ch, func() {}, nil
}

func (s *scriptedStore) Close() error { return nil }

func (s *scriptedStore) push(t *testing.T, change Change) {
	t.Helper()
	select {
	case s.ch <- change:
	case <-time.After(5 * time.Second):
		t.Fatalf("driver did not accept change for %q", change.Key)
	}
}

// settle blocks until the driver has handled everything pushed so far.
func (s *scriptedStore) settle(t *testing.T) {
	t.Helper()
	s.push(t, Change{Key: "unrelatedKey", Op: ChangeSet, New: "x"})
}

func startDriver(t *testing.T, store StateStore, fake *fakeCameraSource) (*MediaDevices, *Driver, chan error) {
	t.Helper()

	devices := NewMediaDevices()
	devices.SwapCameraSource(fake)
	interceptor := NewInterceptor(InterceptorConfig{
		Devices: devices,
		Synth:   NewSynthesizer(SynthConfig{FPS: 100}),
	})
	driver, err := NewDriver(DriverConfig{Store: store, Interceptor: interceptor})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- driver.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("driver did not stop")
		}
	})
	return devices, driver, done
}

func encodedImageDescriptor(t *testing.T, c color.RGBA) string {
	t.Helper()
	raw, err := imageDescriptor(t, 8, c).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return raw
}

func TestNewDriver_RequiresStore(t *testing.T) {
	if _, err := NewDriver(DriverConfig{}); err == nil {
		t.Fatal("NewDriver without store succeeded")
	}
}

func TestDriver_ActivatesOnFlagRaise(t *testing.T) {
	store := newScriptedStore()
	fake := &fakeCameraSource{err: errors.New("no real camera")}
	devices, driver, _ := startDriver(t, store, fake)
	store.settle(t)

	if got := driver.Interceptor().State(); got != StatePassthrough {
		t.Fatalf("state before activation = %v", got)
	}

	ctx := context.Background()
	store.Set(ctx, KeyData, encodedImageDescriptor(t, color.RGBA{R: 255, A: 255}))
	store.Set(ctx, KeyActive, ActiveValue)
	store.push(t, Change{Key: KeyActive, Op: ChangeSet, New: ActiveValue})
	store.settle(t)

	if got := driver.Interceptor().State(); got != StateMocking {
		t.Fatalf("state after flag raise = %v, want mocking", got)
	}

	stream, err := devices.GetUserMedia(ctx, UserMediaOptions{Video: &VideoConstraints{}})
	if err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}
	defer stream.Close()
	waitForLuma(t, stream.GetVideoTracks()[0], 81, 2*time.Second)

	if fake.opened != 0 {
		t.Errorf("real camera opened %d times while mocked", fake.opened)
	}
}

func TestDriver_AppliesPreexistingState(t *testing.T) {
	store := newScriptedStore()
	ctx := context.Background()
	store.Set(ctx, KeyData, encodedImageDescriptor(t, color.RGBA{B: 255, A: 255}))
	store.Set(ctx, KeyActive, ActiveValue)

	fake := &fakeCameraSource{err: errors.New("no real camera")}
	devices, driver, _ := startDriver(t, store, fake)
	store.settle(t)

	// A tab arriving late joins whatever is already published.
	if got := driver.Interceptor().State(); got != StateMocking {
		t.Fatalf("state after startup = %v, want mocking", got)
	}
	stream, err := devices.GetUserMedia(ctx, UserMediaOptions{Video: &VideoConstraints{}})
	if err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}
	defer stream.Close()
	waitForLuma(t, stream.GetVideoTracks()[0], 40, 2*time.Second)
}

func TestDriver_FlagLoweredDeactivates(t *testing.T) {
	store := newScriptedStore()
	fake := &fakeCameraSource{stream: NewMediaStream("real")}
	_, driver, _ := startDriver(t, store, fake)
	store.settle(t)

	ctx := context.Background()
	raw := encodedImageDescriptor(t, color.RGBA{R: 255, A: 255})

	raise := func() {
		store.Set(ctx, KeyData, raw)
		store.Set(ctx, KeyActive, ActiveValue)
		store.push(t, Change{Key: KeyActive, Op: ChangeSet, New: ActiveValue})
		store.settle(t)
		if got := driver.Interceptor().State(); got != StateMocking {
			t.Fatalf("state after raise = %v, want mocking", got)
		}
	}

	// Any value other than the active one lowers the mock.
	raise()
	store.Set(ctx, KeyActive, "false")
	store.push(t, Change{Key: KeyActive, Op: ChangeSet, Old: ActiveValue, New: "false"})
	store.settle(t)
	if got := driver.Interceptor().State(); got != StatePassthrough {
		t.Fatalf("state after flag set to false = %v, want passthrough", got)
	}

	// So does removing the key outright.
	raise()
	store.Delete(ctx, KeyActive)
	store.push(t, Change{Key: KeyActive, Op: ChangeDelete, Old: ActiveValue})
	store.settle(t)
	if got := driver.Interceptor().State(); got != StatePassthrough {
		t.Fatalf("state after flag delete = %v, want passthrough", got)
	}
}

func TestDriver_IgnoresUnrelatedKeys(t *testing.T) {
	store := newScriptedStore()
	fake := &fakeCameraSource{err: errors.New("no real camera")}
	devices, driver, _ := startDriver(t, store, fake)
	store.settle(t)

	ctx := context.Background()
	store.Set(ctx, KeyData, encodedImageDescriptor(t, color.RGBA{R: 255, A: 255}))
	store.Set(ctx, KeyActive, ActiveValue)
	store.push(t, Change{Key: KeyActive, Op: ChangeSet, New: ActiveValue})
	store.settle(t)

	// A descriptor update without a flag transition changes nothing; the
	// descriptor is only re-read when the flag moves.
	green := encodedImageDescriptor(t, color.RGBA{G: 255, A: 255})
	store.Set(ctx, KeyData, green)
	store.push(t, Change{Key: KeyData, Op: ChangeSet, New: green})
	store.push(t, Change{Key: "someOtherKey", Op: ChangeSet, New: "v"})
	store.settle(t)

	if got := driver.Interceptor().State(); got != StateMocking {
		t.Fatalf("state = %v, want still mocking", got)
	}
	stream, err := devices.GetUserMedia(ctx, UserMediaOptions{Video: &VideoConstraints{}})
	if err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}
	defer stream.Close()
	waitForLuma(t, stream.GetVideoTracks()[0], 81, 2*time.Second)
}

func TestDriver_BadDescriptorKeepsState(t *testing.T) {
	tests := []struct {
		name string
		data string
		omit bool
	}{
		{name: "malformed json", data: "{nope"},
		{name: "unsupported kind", data: `{"type":"audio","data":"data:audio/ogg;base64,AAAA"}`},
		{name: "missing descriptor", omit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newScriptedStore()
			fake := &fakeCameraSource{stream: NewMediaStream("real")}
			devices, driver, _ := startDriver(t, store, fake)
			store.settle(t)

			ctx := context.Background()
			if !tt.omit {
				store.Set(ctx, KeyData, tt.data)
			}
			store.Set(ctx, KeyActive, ActiveValue)
			store.push(t, Change{Key: KeyActive, Op: ChangeSet, New: ActiveValue})
			store.settle(t)

			// The broken payload is logged and dropped; interception
			// stays where it was and pages still get the real camera.
			if got := driver.Interceptor().State(); got != StatePassthrough {
				t.Fatalf("state = %v, want passthrough", got)
			}
			stream, err := devices.GetUserMedia(ctx, UserMediaOptions{Video: &VideoConstraints{}})
			if err != nil {
				t.Fatalf("GetUserMedia failed: %v", err)
			}
			if stream != fake.stream {
				t.Error("request did not reach the real source")
			}
		})
	}
}

func TestDriver_StoreClosedStopsRun(t *testing.T) {
	store := newScriptedStore()
	fake := &fakeCameraSource{}
	devices, _, done := startDriver(t, store, fake)
	store.settle(t)

	close(store.ch)

	select {
	case err := <-done:
		if !errors.Is(err, ErrStoreClosed) {
			t.Errorf("Run returned %v, want ErrStoreClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after store close")
	}

	if devices.CameraSource() != CameraSource(fake) {
		t.Error("camera source not restored after Run")
	}
}

func TestDriver_CancelRestoresSource(t *testing.T) {
	store := newScriptedStore()
	fake := &fakeCameraSource{}

	devices := NewMediaDevices()
	devices.SwapCameraSource(fake)
	interceptor := NewInterceptor(InterceptorConfig{
		Devices: devices,
		Synth:   NewSynthesizer(SynthConfig{FPS: 100}),
	})
	driver, err := NewDriver(DriverConfig{Store: store, Interceptor: interceptor})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()
	store.settle(t)

	// Activate so shutdown has a live mock to tear down.
	store.Set(context.Background(), KeyData, encodedImageDescriptor(t, color.RGBA{R: 255, A: 255}))
	store.Set(context.Background(), KeyActive, ActiveValue)
	store.push(t, Change{Key: KeyActive, Op: ChangeSet, New: ActiveValue})
	store.settle(t)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if interceptor.Installed() {
		t.Error("interceptor still installed after Run")
	}
	if devices.CameraSource() != CameraSource(fake) {
		t.Error("camera source not restored after Run")
	}
}

func TestDriver_SQLiteEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	panel := openTestStore(t, path)
	tabStore := openTestStore(t, path)

	noCamera := errors.New("NotFoundError: no camera")
	fake := &fakeCameraSource{err: noCamera}
	devices, _, _ := startDriver(t, tabStore, fake)

	ctx := context.Background()
	video := UserMediaOptions{Video: &VideoConstraints{}}

	// Publish in one handle, observe through the other.
	if err := PublishDescriptor(ctx, panel, imageDescriptor(t, 8, color.RGBA{R: 255, A: 255})); err != nil {
		t.Fatalf("PublishDescriptor failed: %v", err)
	}

	var stream MediaStream
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := devices.GetUserMedia(ctx, video)
		if err == nil {
			stream = s
			break
		}
		if err != noCamera {
			t.Fatalf("GetUserMedia failed with %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("mock never activated from the other handle")
		}
		time.Sleep(10 * time.Millisecond)
	}
	track := stream.GetVideoTracks()[0]
	waitForLuma(t, track, 81, 2*time.Second)

	// Clearing on the panel side releases every tab.
	if err := ClearMock(ctx, panel); err != nil {
		t.Fatalf("ClearMock failed: %v", err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for {
		_, err := devices.GetUserMedia(ctx, video)
		if err == noCamera {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("requests never returned to the real source")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The track handed out while mocked has dried up.
	readUntilClosed(t, track)
}
