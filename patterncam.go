package vcam

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// PatternKind defines the type of test pattern a pattern camera renders.
type PatternKind int

const (
	PatternColorBars    PatternKind = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternKind) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

func (p PatternKind) animated() bool {
	return p == PatternNoise || p == PatternMovingBox
}

var patternDevices = []struct {
	id    string
	label string
	kind  PatternKind
}{
	{"pattern-bars", "Pattern Camera (color bars)", PatternColorBars},
	{"pattern-gradient", "Pattern Camera (gradient)", PatternGradient},
	{"pattern-checker", "Pattern Camera (checkerboard)", PatternCheckerboard},
	{"pattern-solid", "Pattern Camera (solid gray)", PatternSolidColor},
	{"pattern-noise", "Pattern Camera (noise)", PatternNoise},
	{"pattern-box", "Pattern Camera (moving box)", PatternMovingBox},
}

// PatternCamera is a DeviceProvider that renders synthetic test patterns.
// It stands in for real camera hardware in demos and tests. Register it
// explicitly with RegisterPatternCamera; it is never installed by default
// so it cannot shadow real devices.
type PatternCamera struct {
	log *slog.Logger
}

// NewPatternCamera creates a pattern camera provider.
func NewPatternCamera() *PatternCamera {
	return &PatternCamera{log: slog.Default()}
}

// RegisterPatternCamera installs a pattern camera as the process device
// provider.
func RegisterPatternCamera() {
	RegisterDeviceProvider(NewPatternCamera())
}

// ListVideoDevices implements DeviceProvider. One device per pattern.
func (c *PatternCamera) ListVideoDevices(ctx context.Context) ([]DeviceInfo, error) {
	devices := make([]DeviceInfo, 0, len(patternDevices))
	for _, d := range patternDevices {
		devices = append(devices, DeviceInfo{
			DeviceID: d.id,
			GroupID:  "pattern-camera",
			Kind:     DeviceKindVideoInput,
			Label:    d.label,
		})
	}
	return devices, nil
}

// OpenVideoDevice implements DeviceProvider. The returned track renders
// the pattern at the constrained size and rate until closed.
func (c *PatternCamera) OpenVideoDevice(ctx context.Context, deviceID string, constraints *VideoConstraints) (VideoTrack, error) {
	var (
		kind  PatternKind
		label string
		found bool
	)
	for _, d := range patternDevices {
		if d.id == deviceID {
			kind, label, found = d.kind, d.label, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("unknown pattern device %q", deviceID)
	}

	width, height := 1280, 720
	fps := DefaultCaptureFPS
	if constraints != nil {
		if constraints.Width > 0 {
			width = constraints.Width
		}
		if constraints.Height > 0 {
			height = constraints.Height
		}
		if constraints.FrameRate > 0 {
			fps = constraints.FrameRate
		}
	}

	surface := NewDrawSurface(width, height)
	renderer := newPatternRenderer(surface, kind, fps)
	pump := newFramePump(surface, fps)
	pump.setOnIdle(func() {
		renderer.stop()
		pump.stop()
	})

	runCtx := context.Background()
	renderer.start(runCtx)
	if err := pump.start(runCtx); err != nil {
		renderer.stop()
		return nil, err
	}

	track, err := newPumpTrack(pump, "", label, VideoTrackSettings{
		Width:     surface.Width(),
		Height:    surface.Height(),
		FrameRate: fps,
		DeviceID:  deviceID,
	})
	if err != nil {
		renderer.stop()
		pump.stop()
		return nil, err
	}
	c.log.Debug("opened pattern device",
		"device", deviceID, "width", surface.Width(), "height", surface.Height(), "fps", fps)
	return track, nil
}

var _ DeviceProvider = (*PatternCamera)(nil)

// patternRenderer draws a test pattern onto a surface. Static patterns
// are drawn once; animated ones redraw every tick.
type patternRenderer struct {
	surface *DrawSurface
	kind    PatternKind
	fps     int

	// Scratch frame the generators write into before it lands on the
	// surface.
	frame *VideoFrame

	frameCount uint64
	rngState   uint64

	running atomic.Bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func newPatternRenderer(surface *DrawSurface, kind PatternKind, fps int) *patternRenderer {
	if fps <= 0 {
		fps = DefaultCaptureFPS
	}
	return &patternRenderer{
		surface:  surface,
		kind:     kind,
		fps:      fps,
		frame:    NewI420Frame(surface.Width(), surface.Height()),
		rngState: uint64(time.Now().UnixNano()),
	}
}

func (r *patternRenderer) start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.generate(0)
	r.surface.DrawFrame(r.frame)

	if !r.kind.animated() {
		r.running.Store(false)
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.doneCh = make(chan struct{})
	go r.renderLoop(ctx)
}

func (r *patternRenderer) stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	<-r.doneCh
}

func (r *patternRenderer) renderLoop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(time.Second / time.Duration(r.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.frameCount++
			r.generate(r.frameCount)
			r.surface.DrawFrame(r.frame)
		}
	}
}

func (r *patternRenderer) generate(frameNum uint64) {
	switch r.kind {
	case PatternColorBars:
		r.generateColorBars()
	case PatternGradient:
		r.generateGradient()
	case PatternCheckerboard:
		r.generateCheckerboard()
	case PatternSolidColor:
		r.generateSolidColor(128, 128, 128)
	case PatternNoise:
		r.generateNoise()
	case PatternMovingBox:
		r.generateMovingBox(frameNum)
	default:
		r.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (r *patternRenderer) generateColorBars() {
	w, h := r.frame.Width, r.frame.Height
	yPlane, uPlane, vPlane := r.frame.Data[0], r.frame.Data[1], r.frame.Data[2]
	barWidth := w / 8

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := x / barWidth
			if barIdx >= 8 {
				barIdx = 7
			}

			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])

			yPlane[y*w+x] = yVal

			// UV planes (subsampled 2x2)
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				uPlane[uvIdx] = u
				vPlane[uvIdx] = v
			}
		}
	}
}

func (r *patternRenderer) generateGradient() {
	w, h := r.frame.Width, r.frame.Height
	yPlane, uPlane, vPlane := r.frame.Data[0], r.frame.Data[1], r.frame.Data[2]

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Horizontal gradient from black to white
			yPlane[y*w+x] = uint8((x * 255) / w)

			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				uPlane[uvIdx] = 128 // Neutral
				vPlane[uvIdx] = 128
			}
		}
	}
}

func (r *patternRenderer) generateCheckerboard() {
	w, h := r.frame.Width, r.frame.Height
	yPlane, uPlane, vPlane := r.frame.Data[0], r.frame.Data[1], r.frame.Data[2]
	const size = 32

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			isWhite := ((x/size)+(y/size))%2 == 0
			var yVal uint8
			if isWhite {
				yVal = 235
			} else {
				yVal = 16
			}

			yPlane[y*w+x] = yVal

			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				uPlane[uvIdx] = 128
				vPlane[uvIdx] = 128
			}
		}
	}
}

func (r *patternRenderer) generateSolidColor(red, green, blue uint8) {
	yVal, u, v := rgbToYUV(red, green, blue)
	yPlane, uPlane, vPlane := r.frame.Data[0], r.frame.Data[1], r.frame.Data[2]

	for i := range yPlane {
		yPlane[i] = yVal
	}
	for i := range uPlane {
		uPlane[i] = u
		vPlane[i] = v
	}
}

func (r *patternRenderer) generateNoise() {
	yPlane, uPlane, vPlane := r.frame.Data[0], r.frame.Data[1], r.frame.Data[2]

	// Simple xorshift64 PRNG for fast noise
	for i := range yPlane {
		r.rngState ^= r.rngState << 13
		r.rngState ^= r.rngState >> 7
		r.rngState ^= r.rngState << 17
		yPlane[i] = uint8(r.rngState)
	}

	// Neutral chroma for grayscale noise
	for i := range uPlane {
		uPlane[i] = 128
		vPlane[i] = 128
	}
}

func (r *patternRenderer) generateMovingBox(frameNum uint64) {
	w, h := r.frame.Width, r.frame.Height
	yPlane, uPlane, vPlane := r.frame.Data[0], r.frame.Data[1], r.frame.Data[2]

	// Clear to black
	for i := range yPlane {
		yPlane[i] = 16
	}
	for i := range uPlane {
		uPlane[i] = 128
		vPlane[i] = 128
	}

	// Box moves in a circle around the frame center.
	boxSize := 100
	centerX := w / 2
	centerY := h / 2
	radius := float64(min(w, h)) / 4

	angle := float64(frameNum) * 0.05 // Radians per frame
	boxX := centerX + int(radius*math.Cos(angle)) - boxSize/2
	boxY := centerY + int(radius*math.Sin(angle)) - boxSize/2

	for y := boxY; y < boxY+boxSize && y < h; y++ {
		if y < 0 {
			continue
		}
		for x := boxX; x < boxX+boxSize && x < w; x++ {
			if x < 0 {
				continue
			}
			yPlane[y*w+x] = 235
		}
	}
}
