package vcam

import (
	"image"
	"sync"
	"time"
)

// DrawSurface is an offscreen I420 canvas the synthesizer draws media onto.
// It plays the role of a capture canvas: decoders draw into it, the frame
// pump snapshots it at the capture rate. All methods are safe for
// concurrent use; draws and snapshots serialize on an internal lock.
type DrawSurface struct {
	width  int
	height int
	yPlane []byte
	uPlane []byte
	vPlane []byte

	scaler *VideoScaler

	mu sync.Mutex
}

// NewDrawSurface creates a surface with the given dimensions, rounded up to
// even values for 4:2:0 chroma. The surface starts out black.
func NewDrawSurface(width, height int) *DrawSurface {
	if width <= 0 {
		width = 2
	}
	if height <= 0 {
		height = 2
	}
	width = (width + 1) &^ 1
	height = (height + 1) &^ 1

	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	buf := make([]byte, ySize+uvSize*2)

	s := &DrawSurface{
		width:  width,
		height: height,
		yPlane: buf[:ySize],
		uPlane: buf[ySize : ySize+uvSize],
		vPlane: buf[ySize+uvSize:],
	}
	s.fillLocked(0, 0, 0)
	return s
}

// Width returns the surface width in pixels.
func (s *DrawSurface) Width() int { return s.width }

// Height returns the surface height in pixels.
func (s *DrawSurface) Height() int { return s.height }

// Fill paints the whole surface with a solid RGB color.
func (s *DrawSurface) Fill(r, g, b uint8) {
	s.mu.Lock()
	s.fillLocked(r, g, b)
	s.mu.Unlock()
}

func (s *DrawSurface) fillLocked(r, g, b uint8) {
	y, u, v := rgbToYUV(r, g, b)
	for i := range s.yPlane {
		s.yPlane[i] = y
	}
	for i := range s.uPlane {
		s.uPlane[i] = u
		s.vPlane[i] = v
	}
}

// DrawImage redraws the whole surface from a decoded image. The image is
// converted to I420; a pixel past the image bounds (even-rounding padding)
// replicates the nearest edge pixel.
func (s *DrawSurface) DrawImage(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch src := img.(type) {
	case *image.YCbCr:
		s.drawYCbCrLocked(src)
	case *image.RGBA:
		s.drawRGBALocked(src.Pix, src.Stride, src.Rect, false)
	case *image.NRGBA:
		s.drawRGBALocked(src.Pix, src.Stride, src.Rect, true)
	default:
		s.drawGenericLocked(img)
	}
}

// DrawFrame redraws the whole surface from an I420 frame, scaling when the
// dimensions differ.
func (s *DrawSurface) DrawFrame(f *VideoFrame) error {
	if f == nil || f.Format != PixelFormatI420 || len(f.Data) < 3 {
		return ErrNotSupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Width == s.width && f.Height == s.height {
		copyPlane(s.yPlane, s.width, f.Data[0], f.Stride[0], s.width, s.height)
		copyPlane(s.uPlane, s.width/2, f.Data[1], f.Stride[1], s.width/2, s.height/2)
		copyPlane(s.vPlane, s.width/2, f.Data[2], f.Stride[2], s.width/2, s.height/2)
		return nil
	}

	if s.scaler == nil {
		s.scaler = NewVideoScaler(ScaleModeFit)
	}
	dst := &VideoFrame{
		Data:   [][]byte{s.yPlane, s.uPlane, s.vPlane},
		Stride: []int{s.width, s.width / 2, s.width / 2},
		Width:  s.width,
		Height: s.height,
		Format: PixelFormatI420,
	}
	return s.scaler.Scale(f, dst)
}

// Snapshot returns a deep copy of the current surface content with the
// given capture timestamp.
func (s *DrawSurface) Snapshot(timestamp time.Duration, frameDuration time.Duration) *VideoFrame {
	f := NewI420Frame(s.width, s.height)
	f.Timestamp = timestamp.Nanoseconds()
	f.Duration = frameDuration.Nanoseconds()

	s.mu.Lock()
	copy(f.Data[0], s.yPlane)
	copy(f.Data[1], s.uPlane)
	copy(f.Data[2], s.vPlane)
	s.mu.Unlock()
	return f
}

func (s *DrawSurface) drawYCbCrLocked(src *image.YCbCr) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	for y := 0; y < s.height; y++ {
		sy := y
		if sy >= h {
			sy = h - 1
		}
		for x := 0; x < s.width; x++ {
			sx := x
			if sx >= w {
				sx = w - 1
			}
			s.yPlane[y*s.width+x] = src.Y[src.YOffset(b.Min.X+sx, b.Min.Y+sy)]
			if x%2 == 0 && y%2 == 0 {
				ci := src.COffset(b.Min.X+sx, b.Min.Y+sy)
				uvIdx := (y/2)*(s.width/2) + x/2
				s.uPlane[uvIdx] = src.Cb[ci]
				s.vPlane[uvIdx] = src.Cr[ci]
			}
		}
	}
}

func (s *DrawSurface) drawRGBALocked(pix []byte, stride int, rect image.Rectangle, straightAlpha bool) {
	w, h := rect.Dx(), rect.Dy()

	for y := 0; y < s.height; y++ {
		sy := y
		if sy >= h {
			sy = h - 1
		}
		row := pix[sy*stride:]
		for x := 0; x < s.width; x++ {
			sx := x
			if sx >= w {
				sx = w - 1
			}
			o := sx * 4
			r, g, b, a := row[o], row[o+1], row[o+2], row[o+3]
			if straightAlpha && a != 0xFF {
				// Composite over black, matching how a page shows
				// transparent media on a dark canvas.
				r = uint8(uint16(r) * uint16(a) / 255)
				g = uint8(uint16(g) * uint16(a) / 255)
				b = uint8(uint16(b) * uint16(a) / 255)
			}
			yv, u, v := rgbToYUV(r, g, b)
			s.yPlane[y*s.width+x] = yv
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(s.width/2) + x/2
				s.uPlane[uvIdx] = u
				s.vPlane[uvIdx] = v
			}
		}
	}
}

func (s *DrawSurface) drawGenericLocked(img image.Image) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	for y := 0; y < s.height; y++ {
		sy := y
		if sy >= h {
			sy = h - 1
		}
		for x := 0; x < s.width; x++ {
			sx := x
			if sx >= w {
				sx = w - 1
			}
			r16, g16, b16, _ := img.At(b.Min.X+sx, b.Min.Y+sy).RGBA()
			yv, u, v := rgbToYUV(uint8(r16>>8), uint8(g16>>8), uint8(b16>>8))
			s.yPlane[y*s.width+x] = yv
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(s.width/2) + x/2
				s.uPlane[uvIdx] = u
				s.vPlane[uvIdx] = v
			}
		}
	}
}

func copyPlane(dst []byte, dstStride int, src []byte, srcStride, width, height int) {
	if dstStride == srcStride && srcStride == width {
		copy(dst, src[:width*height])
		return
	}
	for y := 0; y < height; y++ {
		copy(dst[y*dstStride:y*dstStride+width], src[y*srcStride:y*srcStride+width])
	}
}

// imageToFrame converts any decoded image to a standalone I420 frame.
func imageToFrame(img image.Image) *VideoFrame {
	b := img.Bounds()
	s := NewDrawSurface(b.Dx(), b.Dy())
	s.DrawImage(img)
	return s.Snapshot(0, 0)
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	// BT.601 conversion
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clamp(yf, 16, 235))
	u = uint8(clamp(uf, 16, 240))
	v = uint8(clamp(vf, 16, 240))
	return
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
