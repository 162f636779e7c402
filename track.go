package vcam

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Re-export pion's RTPCodecType for convenience
type RTPCodecType = webrtc.RTPCodecType

const (
	RTPCodecTypeUnknown = webrtc.RTPCodecTypeUnknown
	RTPCodecTypeAudio   = webrtc.RTPCodecTypeAudio
	RTPCodecTypeVideo   = webrtc.RTPCodecTypeVideo
)

// TrackState represents the state of a track.
type TrackState int

const (
	TrackStateLive  TrackState = iota // Track is active and producing media
	TrackStateEnded                   // Track has ended
	TrackStateMuted                   // Track's source went away (still open, no media)
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	case TrackStateMuted:
		return "muted"
	default:
		return "unknown"
	}
}

// MediaStreamTrack represents a single video track.
// This is similar to the browser's MediaStreamTrack interface.
type MediaStreamTrack interface {
	io.Closer

	// ID returns the unique identifier for this track.
	ID() string

	// Kind returns the track kind - compatible with pion.
	Kind() RTPCodecType

	// Label returns a human-readable label for the track source.
	Label() string

	// State returns the current track state.
	State() TrackState

	// Muted returns whether the track is muted.
	Muted() bool

	// Enabled returns whether the track is enabled.
	Enabled() bool

	// SetEnabled sets the enabled state.
	SetEnabled(enabled bool)

	// Clone creates a clone of this track with its own lifecycle.
	// The clone reads from the same underlying source; closing one
	// never affects the other.
	Clone() (MediaStreamTrack, error)

	// OnEnded sets a callback for when the track ends.
	OnEnded(callback func())
}

// VideoTrack is a MediaStreamTrack that produces video frames.
type VideoTrack interface {
	MediaStreamTrack

	// ReadFrame reads the next video frame. Frames are shared with other
	// readers; treat them as read-only and Clone to retain.
	ReadFrame(ctx context.Context) (*VideoFrame, error)

	// OnFrame sets a callback for when a frame is available. Once set,
	// frames are pushed to the callback and ReadFrame starves.
	OnFrame(callback VideoFrameCallback)

	// Settings returns the actual video settings.
	Settings() VideoTrackSettings
}

// VideoFrameCallback is called when a frame is available (push mode).
type VideoFrameCallback func(frame *VideoFrame)

// VideoTrackSettings describes the actual video track settings.
type VideoTrackSettings struct {
	Width     int
	Height    int
	FrameRate int
	DeviceID  string
}

// MediaStream is a collection of tracks (like browser's MediaStream).
type MediaStream interface {
	io.Closer

	// ID returns the unique identifier for this stream.
	ID() string

	// Active returns whether any track in the stream is live.
	Active() bool

	// GetTracks returns all tracks in the stream.
	GetTracks() []MediaStreamTrack

	// GetVideoTracks returns all video tracks.
	GetVideoTracks() []VideoTrack

	// GetTrackByID returns a track by its ID.
	GetTrackByID(id string) MediaStreamTrack

	// AddTrack adds a track to the stream.
	AddTrack(track MediaStreamTrack)

	// RemoveTrack removes a track from the stream.
	RemoveTrack(track MediaStreamTrack)

	// Clone creates a clone of this stream with cloned tracks.
	Clone() (MediaStream, error)
}

// BaseTrack provides common functionality for tracks.
type BaseTrack struct {
	id       string
	streamID string
	label    string
	kind     RTPCodecType
	state    atomic.Int32
	muted    atomic.Bool
	enabled  atomic.Bool
	endedCb  func()
	mu       sync.RWMutex
}

// NewBaseTrack creates a new base track.
func NewBaseTrack(id, streamID, label string, kind RTPCodecType) *BaseTrack {
	t := &BaseTrack{
		id:       id,
		streamID: streamID,
		label:    label,
		kind:     kind,
	}
	t.state.Store(int32(TrackStateLive))
	t.enabled.Store(true)
	return t
}

func (t *BaseTrack) ID() string         { return t.id }
func (t *BaseTrack) StreamID() string   { return t.streamID }
func (t *BaseTrack) Kind() RTPCodecType { return t.kind }
func (t *BaseTrack) Label() string      { return t.label }

func (t *BaseTrack) State() TrackState {
	return TrackState(t.state.Load())
}

// SetState transitions the track. The ended callback fires once, on the
// first transition into TrackStateEnded.
func (t *BaseTrack) SetState(state TrackState) {
	old := TrackState(t.state.Swap(int32(state)))
	if state == TrackStateEnded && old != TrackStateEnded {
		t.mu.RLock()
		cb := t.endedCb
		t.mu.RUnlock()
		if cb != nil {
			go cb()
		}
	}
}

func (t *BaseTrack) Muted() bool       { return t.muted.Load() }
func (t *BaseTrack) SetMuted(m bool)   { t.muted.Store(m) }
func (t *BaseTrack) Enabled() bool     { return t.enabled.Load() }
func (t *BaseTrack) SetEnabled(e bool) { t.enabled.Store(e) }

func (t *BaseTrack) OnEnded(callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endedCb = callback
}

// SimpleMediaStream is a basic MediaStream implementation.
type SimpleMediaStream struct {
	id     string
	tracks []MediaStreamTrack
	mu     sync.RWMutex
}

// NewMediaStream creates a new media stream.
func NewMediaStream(id string) *SimpleMediaStream {
	return &SimpleMediaStream{
		id:     id,
		tracks: make([]MediaStreamTrack, 0),
	}
}

func (s *SimpleMediaStream) ID() string { return s.id }

func (s *SimpleMediaStream) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.State() == TrackStateLive {
			return true
		}
	}
	return false
}

func (s *SimpleMediaStream) GetTracks() []MediaStreamTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]MediaStreamTrack, len(s.tracks))
	copy(result, s.tracks)
	return result
}

func (s *SimpleMediaStream) GetVideoTracks() []VideoTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []VideoTrack
	for _, t := range s.tracks {
		if vt, ok := t.(VideoTrack); ok {
			result = append(result, vt)
		}
	}
	return result
}

func (s *SimpleMediaStream) GetTrackByID(id string) MediaStreamTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

func (s *SimpleMediaStream) AddTrack(track MediaStreamTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
}

func (s *SimpleMediaStream) RemoveTrack(track MediaStreamTrack) {
	s.mu.Lock()
	for i, t := range s.tracks {
		if t.ID() == track.ID() {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *SimpleMediaStream) Clone() (MediaStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := NewMediaStream(newStreamID())
	for _, t := range s.tracks {
		clonedTrack, err := t.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone track %s: %w", t.ID(), err)
		}
		clone.AddTrack(clonedTrack)
	}
	return clone, nil
}

func (s *SimpleMediaStream) Close() error {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	var lastErr error
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func newStreamID() string {
	return "stream-" + uuid.NewString()
}

func newTrackID() string {
	return "track-" + uuid.NewString()
}
