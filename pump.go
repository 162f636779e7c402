package vcam

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// framePump snapshots a DrawSurface at a fixed nominal rate and fans the
// frames out to subscribed tracks. The rate is an upper bound: a slow
// consumer drops frames rather than stalling the pump, so the delivered
// rate may be lower under load.
type framePump struct {
	surface       *DrawSurface
	fps           int
	frameDuration time.Duration

	mu      sync.Mutex
	subs    map[*pumpSub]struct{}
	stopped bool
	onIdle  func() // fires once when the last subscriber leaves

	running   atomic.Bool
	cancel    context.CancelFunc
	doneCh    chan struct{}
	startTime time.Time
}

// pumpSub is one subscriber's frame feed.
type pumpSub struct {
	ch           chan *VideoFrame
	onSourceGone func() // set by the owning track; fires when the pump dies first
	closeOnce    sync.Once
}

func (s *pumpSub) close(sourceGone bool) {
	s.closeOnce.Do(func() {
		close(s.ch)
		if sourceGone && s.onSourceGone != nil {
			s.onSourceGone()
		}
	})
}

func newFramePump(surface *DrawSurface, fps int) *framePump {
	if fps <= 0 {
		fps = DefaultCaptureFPS
	}
	return &framePump{
		surface:       surface,
		fps:           fps,
		frameDuration: time.Second / time.Duration(fps),
		subs:          make(map[*pumpSub]struct{}),
	}
}

// start begins the capture loop.
func (p *framePump) start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pump already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.doneCh = make(chan struct{})
	p.startTime = time.Now()

	go p.captureLoop(ctx)
	return nil
}

// stop halts the capture loop, waits for it to exit, and closes every
// subscriber feed. Tracks that were not closed themselves observe a gone
// source. Idempotent.
func (p *framePump) stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}

	p.cancel()
	<-p.doneCh

	p.mu.Lock()
	p.stopped = true
	subs := make([]*pumpSub, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subs = make(map[*pumpSub]struct{})
	p.mu.Unlock()

	for _, sub := range subs {
		sub.close(true)
	}
}

// subscribe attaches a new frame feed. Fails once the pump has stopped.
func (p *framePump) subscribe() (*pumpSub, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrStreamClosed
	}
	sub := &pumpSub{ch: make(chan *VideoFrame, 2)}
	p.subs[sub] = struct{}{}
	return sub, nil
}

// unsubscribe detaches a feed. When the last subscriber leaves a running
// pump, onIdle fires so the owner can tear the whole source down.
func (p *framePump) unsubscribe(sub *pumpSub) {
	p.mu.Lock()
	_, present := p.subs[sub]
	delete(p.subs, sub)
	idle := present && len(p.subs) == 0 && !p.stopped
	onIdle := p.onIdle
	p.mu.Unlock()

	if !present {
		return
	}
	sub.close(false)
	if idle && onIdle != nil {
		go onIdle()
	}
}

func (p *framePump) setOnIdle(fn func()) {
	p.mu.Lock()
	p.onIdle = fn
	p.mu.Unlock()
}

func (p *framePump) captureLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := p.surface.Snapshot(time.Since(p.startTime), p.frameDuration)

			p.mu.Lock()
			subs := make([]*pumpSub, 0, len(p.subs))
			for sub := range p.subs {
				subs = append(subs, sub)
			}
			p.mu.Unlock()

			for _, sub := range subs {
				select {
				case sub.ch <- frame:
				default:
					// Drop frame if subscriber is behind
				}
			}
		}
	}
}

// pumpTrack is a VideoTrack fed by a framePump subscription. Clones share
// the pump but own their subscription, so closing one clone never starves
// another.
type pumpTrack struct {
	*BaseTrack
	pump     *framePump
	sub      *pumpSub
	settings VideoTrackSettings

	cbMu      sync.RWMutex
	callback  VideoFrameCallback
	forwardOn sync.Once
	closeOnce sync.Once
}

func newPumpTrack(pump *framePump, streamID, label string, settings VideoTrackSettings) (*pumpTrack, error) {
	sub, err := pump.subscribe()
	if err != nil {
		return nil, err
	}
	t := &pumpTrack{
		BaseTrack: NewBaseTrack(newTrackID(), streamID, label, RTPCodecTypeVideo),
		pump:      pump,
		sub:       sub,
		settings:  settings,
	}
	sub.onSourceGone = func() {
		if t.State() == TrackStateLive {
			t.SetMuted(true)
			t.SetState(TrackStateMuted)
		}
	}
	return t, nil
}

// ReadFrame reads the next frame from the pump feed.
func (t *pumpTrack) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	if t.State() == TrackStateEnded {
		return nil, ErrStreamClosed
	}
	if t.sub == nil {
		return nil, ErrStreamClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-t.sub.ch:
		if !ok {
			return nil, ErrStreamClosed
		}
		return frame, nil
	}
}

// OnFrame switches the track to push delivery.
func (t *pumpTrack) OnFrame(callback VideoFrameCallback) {
	t.cbMu.Lock()
	t.callback = callback
	t.cbMu.Unlock()

	if callback == nil || t.sub == nil {
		return
	}
	t.forwardOn.Do(func() {
		go func() {
			for frame := range t.sub.ch {
				t.cbMu.RLock()
				cb := t.callback
				t.cbMu.RUnlock()
				if cb != nil {
					cb(frame)
				}
			}
		}()
	})
}

// Settings returns the track's video settings.
func (t *pumpTrack) Settings() VideoTrackSettings {
	return t.settings
}

// Clone creates an independent track reading from the same pump.
func (t *pumpTrack) Clone() (MediaStreamTrack, error) {
	clone, err := newPumpTrack(t.pump, t.StreamID(), t.Label(), t.settings)
	if err != nil {
		// The source is gone; hand back an already-ended track, the way a
		// stopped camera track clones.
		ended := &pumpTrack{
			BaseTrack: NewBaseTrack(newTrackID(), t.StreamID(), t.Label(), RTPCodecTypeVideo),
			pump:      t.pump,
			settings:  t.settings,
		}
		ended.SetState(TrackStateEnded)
		return ended, nil
	}
	return clone, nil
}

// Close stops this track only. The shared pump keeps running until its
// last subscriber is gone.
func (t *pumpTrack) Close() error {
	t.closeOnce.Do(func() {
		t.SetState(TrackStateEnded)
		if t.sub != nil {
			t.pump.unsubscribe(t.sub)
		}
	})
	return nil
}

var _ VideoTrack = (*pumpTrack)(nil)
