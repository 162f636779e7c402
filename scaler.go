package vcam

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales to fit within target dimensions, preserving aspect ratio (may letterbox).
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill scales to fill target dimensions, preserving aspect ratio (may crop).
	ScaleModeFill
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch
)

// VideoScaler scales I420 video frames into caller-provided destinations.
// A single scaler may serve frames of varying dimensions; it keeps no
// per-size state.
type VideoScaler struct {
	mode ScaleMode
}

// NewVideoScaler creates a scaler with the given mode.
func NewVideoScaler(mode ScaleMode) *VideoScaler {
	return &VideoScaler{mode: mode}
}

// Scale scales src into dst. Both frames must be I420. ScaleModeFit paints
// letterbox bars black; ScaleModeFill crops the source centrally.
func (s *VideoScaler) Scale(src, dst *VideoFrame) error {
	if src == nil || dst == nil ||
		src.Format != PixelFormatI420 || dst.Format != PixelFormatI420 ||
		len(src.Data) < 3 || len(dst.Data) < 3 {
		return ErrNotSupported
	}

	if src.Width == dst.Width && src.Height == dst.Height {
		copyPlane(dst.Data[0], dst.Stride[0], src.Data[0], src.Stride[0], src.Width, src.Height)
		copyPlane(dst.Data[1], dst.Stride[1], src.Data[1], src.Stride[1], src.Width/2, src.Height/2)
		copyPlane(dst.Data[2], dst.Stride[2], src.Data[2], src.Stride[2], src.Width/2, src.Height/2)
		return nil
	}

	srcX, srcY, srcW, srcH := s.sourceRegion(src.Width, src.Height, dst.Width, dst.Height)
	dstX, dstY, dstW, dstH := s.destRegion(src.Width, src.Height, dst.Width, dst.Height)

	if dstW < dst.Width || dstH < dst.Height {
		fillI420(dst, 16, 128, 128) // black bars
	}

	scalePlane(src.Data[0], src.Stride[0], srcX, srcY, srcW, srcH,
		dst.Data[0], dst.Stride[0], dstX, dstY, dstW, dstH)
	scalePlane(src.Data[1], src.Stride[1], srcX/2, srcY/2, srcW/2, srcH/2,
		dst.Data[1], dst.Stride[1], dstX/2, dstY/2, dstW/2, dstH/2)
	scalePlane(src.Data[2], src.Stride[2], srcX/2, srcY/2, srcW/2, srcH/2,
		dst.Data[2], dst.Stride[2], dstX/2, dstY/2, dstW/2, dstH/2)
	return nil
}

// sourceRegion determines what region of the source to read.
func (s *VideoScaler) sourceRegion(srcW, srcH, dstW, dstH int) (x, y, w, h int) {
	if s.mode != ScaleModeFill {
		return 0, 0, srcW, srcH
	}

	// Crop source to match target aspect ratio.
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(dstW) / float64(dstH)

	switch {
	case srcAspect > dstAspect:
		// Source is wider, crop horizontally
		newW := int(float64(srcH) * dstAspect)
		return (srcW - newW) / 2, 0, newW, srcH
	case srcAspect < dstAspect:
		// Source is taller, crop vertically
		newH := int(float64(srcW) / dstAspect)
		return 0, (srcH - newH) / 2, srcW, newH
	default:
		return 0, 0, srcW, srcH
	}
}

// destRegion determines what region of the destination to write.
func (s *VideoScaler) destRegion(srcW, srcH, dstW, dstH int) (x, y, w, h int) {
	if s.mode != ScaleModeFit {
		return 0, 0, dstW, dstH
	}

	w, h = CalculateScaledSize(srcW, srcH, dstW, dstH, ScaleModeFit)
	return ((dstW - w) / 2) &^ 1, ((dstH - h) / 2) &^ 1, w, h
}

// scalePlane scales a single plane region using bilinear interpolation
// with 16.16 fixed-point coordinates.
func scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstX, dstY, dstW, dstH int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		srcYInt := srcYFP >> 16
		srcYFrac := srcYFP & 0xFFFF

		y0 := srcYInt + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			srcXInt := srcXFP >> 16
			srcXFrac := srcXFP & 0xFFFF

			x0 := srcXInt + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-srcXFrac) + p10*srcXFrac) >> 16
			bottom := (p01*(0x10000-srcXFrac) + p11*srcXFrac) >> 16
			result := (top*(0x10000-srcYFrac) + bottom*srcYFrac) >> 16

			dst[(dstY+y)*dstStride+dstX+x] = byte(result)
		}
	}
}

func fillI420(f *VideoFrame, y, u, v byte) {
	for i := range f.Data[0] {
		f.Data[0][i] = y
	}
	for i := range f.Data[1] {
		f.Data[1][i] = u
	}
	for i := range f.Data[2] {
		f.Data[2][i] = v
	}
}

// ScaleFrame is a convenience function that scales a frame into a freshly
// allocated one.
func ScaleFrame(frame *VideoFrame, dstWidth, dstHeight int, mode ScaleMode) (*VideoFrame, error) {
	dst := NewI420Frame(dstWidth, dstHeight)
	dst.Timestamp = frame.Timestamp
	dst.Duration = frame.Duration
	if err := NewVideoScaler(mode).Scale(frame, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// CalculateScaledSize returns the output dimensions when scaling with a given mode.
// This is useful for determining letterbox dimensions in ScaleModeFit.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	switch mode {
	case ScaleModeFit:
		srcAspect := float64(srcW) / float64(srcH)
		dstAspect := float64(maxW) / float64(maxH)

		if srcAspect > dstAspect {
			// Source is wider, fit to width
			w = maxW
			h = int(float64(maxW) / srcAspect)
		} else {
			// Source is taller, fit to height
			h = maxH
			w = int(float64(maxH) * srcAspect)
		}
		// Ensure even dimensions for YUV
		w = (w + 1) &^ 1
		h = (h + 1) &^ 1
		if w > maxW {
			w = maxW
		}
		if h > maxH {
			h = maxH
		}
		return w, h

	case ScaleModeFill, ScaleModeStretch:
		return maxW, maxH

	default:
		return maxW, maxH
	}
}
