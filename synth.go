package vcam

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	// Image payload decoders. The stdlib trio plus the x/image formats
	// browsers commonly accept.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DefaultCaptureFPS is the nominal surface capture rate.
const DefaultCaptureFPS = 30

// PlaybackState mirrors the play/pause/ended state of a clip being
// rendered onto the surface.
type PlaybackState int

const (
	PlaybackPlaying PlaybackState = iota
	PlaybackPaused
	PlaybackEnded
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackPlaying:
		return "playing"
	case PlaybackPaused:
		return "paused"
	case PlaybackEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// SynthConfig configures a Synthesizer.
type SynthConfig struct {
	FPS    int          // Nominal capture rate (default: 30)
	Logger *slog.Logger // Defaults to slog.Default()
}

// DefaultSynthConfig returns a default synthesizer configuration.
func DefaultSynthConfig() SynthConfig {
	return SynthConfig{FPS: DefaultCaptureFPS}
}

// Synthesizer turns media descriptors into live video streams.
type Synthesizer struct {
	config SynthConfig
	log    *slog.Logger
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(config SynthConfig) *Synthesizer {
	if config.FPS <= 0 {
		config.FPS = DefaultCaptureFPS
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Synthesizer{
		config: config,
		log:    config.Logger,
	}
}

// Synthesize builds a live stream from a descriptor.
//
// Image descriptors draw once onto a surface sized to the image; the
// capture pump then snapshots the static surface. Video descriptors decode
// into a clip whose player redraws the surface frame-by-frame on the
// clip's own timing, looping forever.
//
// Errors wrap ErrUnsupportedKind for unknown kinds and ErrMediaLoad (or
// ErrPayloadTooLarge) for payloads that cannot be decoded. On error no
// goroutines are left running. ctx bounds the load only, not the
// returned stream's lifetime.
func (s *Synthesizer) Synthesize(ctx context.Context, desc *MediaDescriptor) (*SynthStream, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil descriptor", ErrMediaLoad)
	}

	switch desc.Kind {
	case MediaKindImage, MediaKindVideo:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, desc.Kind)
	}

	mimeType, payload, err := desc.Payload()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		surface *DrawSurface
		player  *clipPlayer
	)

	switch desc.Kind {
	case MediaKindImage:
		img, formatName, err := image.Decode(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s image: %v", ErrMediaLoad, mimeType, err)
		}
		b := img.Bounds()
		surface = NewDrawSurface(b.Dx(), b.Dy())
		surface.DrawImage(img)
		s.log.Debug("synthesized image surface",
			"format", formatName, "width", surface.Width(), "height", surface.Height())

	case MediaKindVideo:
		clip, err := DecodeClip(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaLoad, err)
		}
		surface = NewDrawSurface(clip.Width, clip.Height)
		player = newClipPlayer(surface, clip)
		s.log.Debug("synthesized clip surface",
			"frames", len(clip.Frames), "loop", clip.TotalDuration(),
			"width", surface.Width(), "height", surface.Height())
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pump := newFramePump(surface, s.config.FPS)
	stream := &SynthStream{
		SimpleMediaStream: NewMediaStream(newStreamID()),
		kind:              desc.Kind,
		surface:           surface,
		pump:              pump,
		player:            player,
	}
	pump.setOnIdle(stream.shutdown)

	// The stream outlives the load context; its lifecycle ends with Close
	// or with its last track.
	runCtx := context.Background()
	if player != nil {
		player.start(runCtx)
	}
	if err := pump.start(runCtx); err != nil {
		if player != nil {
			player.stop()
		}
		return nil, err
	}

	track, err := newPumpTrack(pump, stream.ID(), "vcam synthetic camera", VideoTrackSettings{
		Width:     surface.Width(),
		Height:    surface.Height(),
		FrameRate: s.config.FPS,
		DeviceID:  "vcam-synthetic",
	})
	if err != nil {
		stream.shutdown()
		return nil, err
	}
	stream.AddTrack(track)

	return stream, nil
}

// SynthStream is a MediaStream backed by a synthesized surface. Cloning it
// yields streams whose tracks read from the same surface pump; the pump
// and any clip playback stop when the stream is closed or when the last
// live track across all clones is gone.
type SynthStream struct {
	*SimpleMediaStream
	kind    MediaKind
	surface *DrawSurface
	pump    *framePump
	player  *clipPlayer

	stopOnce sync.Once
}

// Kind reports which descriptor kind produced the stream.
func (s *SynthStream) Kind() MediaKind { return s.kind }

// PlaybackState reports the clip player's state. Image streams report
// playing until shut down.
func (s *SynthStream) PlaybackState() PlaybackState {
	if s.player != nil {
		return s.player.playbackState()
	}
	if s.pump.running.Load() {
		return PlaybackPlaying
	}
	return PlaybackEnded
}

// Pause freezes clip playback; the pump keeps capturing the frozen
// surface. No-op for image streams.
func (s *SynthStream) Pause() {
	if s.player != nil {
		s.player.pause()
	}
}

// Resume restarts clip playback after Pause.
func (s *SynthStream) Resume() {
	if s.player != nil {
		s.player.resume()
	}
}

// Close stops playback, the pump, and every track of this stream.
// Clone tracks that are still open elsewhere go muted.
func (s *SynthStream) Close() error {
	err := s.SimpleMediaStream.Close()
	s.shutdown()
	return err
}

func (s *SynthStream) shutdown() {
	s.stopOnce.Do(func() {
		if s.player != nil {
			s.player.stop()
		}
		s.pump.stop()
	})
}

// clipPlayer redraws a surface frame-by-frame on the clip's own timing,
// looping at the end. It is the animated half of a video-kind stream; the
// pump samples whatever the player last drew.
type clipPlayer struct {
	surface *DrawSurface
	clip    *Clip

	state   atomic.Int32 // PlaybackState
	running atomic.Bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func newClipPlayer(surface *DrawSurface, clip *Clip) *clipPlayer {
	p := &clipPlayer{
		surface: surface,
		clip:    clip,
	}
	p.state.Store(int32(PlaybackPlaying))
	return p
}

func (p *clipPlayer) playbackState() PlaybackState {
	return PlaybackState(p.state.Load())
}

func (p *clipPlayer) pause() {
	p.state.CompareAndSwap(int32(PlaybackPlaying), int32(PlaybackPaused))
}

func (p *clipPlayer) resume() {
	p.state.CompareAndSwap(int32(PlaybackPaused), int32(PlaybackPlaying))
}

func (p *clipPlayer) start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.doneCh = make(chan struct{})

	// First frame lands before the first capture tick.
	p.surface.DrawFrame(p.clip.Frames[0])

	go p.playLoop(ctx)
}

func (p *clipPlayer) stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	<-p.doneCh
	p.state.Store(int32(PlaybackEnded))
}

func (p *clipPlayer) playLoop(ctx context.Context) {
	defer close(p.doneCh)

	idx := 0
	timer := time.NewTimer(p.clip.Durations[idx])
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if p.playbackState() == PlaybackPlaying {
				idx = (idx + 1) % len(p.clip.Frames)
				p.surface.DrawFrame(p.clip.Frames[idx])
			}
			timer.Reset(p.clip.Durations[idx])
		}
	}
}
