// Core frame types used across the vcam package.
package vcam

import "image"

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatRGBA32                    // Packed RGBA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatRGBA32:
		return "RGBA32"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatRGBA32:
		return 1 // Packed
	default:
		return 0
	}
}

// VideoFrame represents a raw video frame. Frames produced by the surface
// capture pump are deep copies owned by the receiver; frames drawn into a
// surface are copied on draw and may be reused by the caller afterwards.
type VideoFrame struct {
	Data      [][]byte    // Plane data (1 or 3 planes depending on format)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Capture timestamp in nanoseconds
	Duration  int64       // Frame duration in nanoseconds (optional)
}

// Clone creates a deep copy of the video frame.
// Use this when you need to keep the frame data beyond its original lifetime.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// YCbCr returns a stdlib image view over an I420 frame's planes without
// copying. The view shares memory with the frame; clone first if the frame
// will be recycled while the view is in use.
func (f *VideoFrame) YCbCr() *image.YCbCr {
	if f.Format != PixelFormatI420 || len(f.Data) < 3 {
		return nil
	}
	return &image.YCbCr{
		Y:              f.Data[0],
		Cb:             f.Data[1],
		Cr:             f.Data[2],
		YStride:        f.Stride[0],
		CStride:        f.Stride[1],
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
}

// NewI420Frame allocates a zeroed I420 frame with packed strides.
func NewI420Frame(width, height int) *VideoFrame {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	buf := make([]byte, ySize+uvSize*2)
	return &VideoFrame{
		Data: [][]byte{
			buf[:ySize],
			buf[ySize : ySize+uvSize],
			buf[ySize+uvSize:],
		},
		Stride: []int{width, width / 2, width / 2},
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
	}
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	// Y plane: width * height
	// U plane: (width/2) * (height/2)
	// V plane: (width/2) * (height/2)
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}

// EncodedFrame holds an encoded (JPEG) video frame ready for packetization.
type EncodedFrame struct {
	Data      []byte // Encoded bitstream data
	Timestamp uint32 // RTP timestamp (90kHz clock for video)
	Duration  uint32 // Duration in RTP timestamp units
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := &EncodedFrame{
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
	}
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return clone
}
