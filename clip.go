package vcam

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"sync"
	"time"
)

// maxClipDecodedBytes caps the decoded size of a clip. A payload under the
// descriptor ceiling can still expand enormously once decoded to raw frames;
// this bounds it to roughly twenty seconds of VGA video.
const maxClipDecodedBytes = 256 << 20

// mjpegFrameDuration is the display time per MJPEG frame. The container
// carries no timing, so a fixed camera-like cadence is assumed.
const mjpegFrameDuration = time.Second / 30

// Clip is a fully decoded video payload: frames plus per-frame display
// durations. Players loop it end to end.
type Clip struct {
	Frames    []*VideoFrame
	Durations []time.Duration
	Width     int
	Height    int
}

// TotalDuration returns the display time of one full loop.
func (c *Clip) TotalDuration() time.Duration {
	var total time.Duration
	for _, d := range c.Durations {
		total += d
	}
	return total
}

// ClipDecoder turns a raw payload into a Clip.
type ClipDecoder func(data []byte) (*Clip, error)

// clipRegistry holds registered clip decoders.
type clipRegistry struct {
	decoders map[PayloadFormat]ClipDecoder
	mu       sync.RWMutex
}

var globalClipRegistry = &clipRegistry{
	decoders: make(map[PayloadFormat]ClipDecoder),
}

// RegisterClipDecoder registers a clip decoder for a payload format.
func RegisterClipDecoder(format PayloadFormat, decoder ClipDecoder) {
	globalClipRegistry.mu.Lock()
	defer globalClipRegistry.mu.Unlock()
	globalClipRegistry.decoders[format] = decoder
}

// DecodeClip sniffs the payload format and runs the matching decoder.
func DecodeClip(data []byte) (*Clip, error) {
	format := DetectPayloadFormat(data)

	globalClipRegistry.mu.RLock()
	decoder, ok := globalClipRegistry.decoders[format]
	globalClipRegistry.mu.RUnlock()

	if !ok {
		if format == PayloadIVF {
			return nil, fmt.Errorf("IVF container recognized but no pixel decoder is registered for it")
		}
		return nil, fmt.Errorf("no clip decoder for %v payload", format)
	}

	clip, err := decoder(data)
	if err != nil {
		return nil, err
	}
	if len(clip.Frames) == 0 {
		return nil, fmt.Errorf("%v decoder produced no frames", format)
	}
	return clip, nil
}

// decodeGIFClip decodes an animated (or single-frame) GIF into a clip.
// Frames composite onto a shared canvas honoring each frame's disposal
// method, so partial-update GIFs come out as full frames. Delays at or
// under one centisecond render at 100ms, matching how browsers treat
// degenerate GIF timing.
func decodeGIFClip(data []byte) (*Clip, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode gif: %w", err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("gif has no frames")
	}

	width, height := g.Config.Width, g.Config.Height
	if width <= 0 || height <= 0 {
		b := g.Image[0].Bounds()
		width, height = b.Dx(), b.Dy()
	}

	surface := NewDrawSurface(width, height)
	frameBytes := I420Size(surface.Width(), surface.Height())
	if frameBytes*len(g.Image) > maxClipDecodedBytes {
		return nil, fmt.Errorf("decoded gif would need %d bytes, over the decoded clip limit",
			frameBytes*len(g.Image))
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	var restore *image.RGBA

	clip := &Clip{
		Frames:    make([]*VideoFrame, 0, len(g.Image)),
		Durations: make([]time.Duration, 0, len(g.Image)),
		Width:     surface.Width(),
		Height:    surface.Height(),
	}

	for i, src := range g.Image {
		disposal := byte(gif.DisposalNone)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			restore = image.NewRGBA(canvas.Rect)
			copy(restore.Pix, canvas.Pix)
		}

		draw.Draw(canvas, src.Bounds(), src, src.Bounds().Min, draw.Over)
		surface.DrawImage(canvas)
		clip.Frames = append(clip.Frames, surface.Snapshot(0, 0))

		delay := 100 * time.Millisecond
		if i < len(g.Delay) && g.Delay[i] > 1 {
			delay = time.Duration(g.Delay[i]) * 10 * time.Millisecond
		}
		clip.Durations = append(clip.Durations, delay)

		switch disposal {
		case gif.DisposalBackground:
			clearRect(canvas, src.Bounds())
		case gif.DisposalPrevious:
			if restore != nil {
				copy(canvas.Pix, restore.Pix)
			}
		}
	}

	return clip, nil
}

func clearRect(img *image.RGBA, r image.Rectangle) {
	r = r.Intersect(img.Rect)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := img.Pix[img.PixOffset(r.Min.X, y):img.PixOffset(r.Max.X, y)]
		for i := range row {
			row[i] = 0
		}
	}
}

// decodeMJPEGClip splits a concatenated JPEG stream into frames. The clip
// takes its dimensions from the first frame; later frames of a different
// size scale at draw time.
func decodeMJPEGClip(data []byte) (*Clip, error) {
	clip := &Clip{}
	decodedBytes := 0

	rest := data
	for len(rest) >= 4 {
		length, err := jpegImageLength(rest)
		if err != nil {
			if len(clip.Frames) > 0 {
				break // trailing garbage after the last complete frame
			}
			return nil, fmt.Errorf("split mjpeg: %w", err)
		}

		img, err := jpeg.Decode(bytes.NewReader(rest[:length]))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg frame %d: %w", len(clip.Frames), err)
		}

		frame := imageToFrame(img)
		decodedBytes += I420Size(frame.Width, frame.Height)
		if decodedBytes > maxClipDecodedBytes {
			return nil, fmt.Errorf("decoded mjpeg would need over %d bytes, over the decoded clip limit",
				decodedBytes)
		}

		if len(clip.Frames) == 0 {
			clip.Width = frame.Width
			clip.Height = frame.Height
		}
		clip.Frames = append(clip.Frames, frame)
		clip.Durations = append(clip.Durations, mjpegFrameDuration)

		rest = rest[length:]
	}

	if len(clip.Frames) == 0 {
		return nil, fmt.Errorf("mjpeg stream has no frames")
	}
	return clip, nil
}

// Register built-in clip decoders.
func init() {
	RegisterClipDecoder(PayloadGIF, decodeGIFClip)
	RegisterClipDecoder(PayloadMJPEG, decodeMJPEGClip)
}
