package vcam

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// Re-export pion/rtp types for convenience
type (
	// RTPPacket is an alias to pion's rtp.Packet
	RTPPacket = rtp.Packet

	// RTPHeader is an alias to pion's rtp.Header
	RTPHeader = rtp.Header
)

// Default MTU for RTP packets (UDP safe)
const DefaultMTU = 1200

// RTP/AVP static payload type and clock for JPEG (RFC 3551).
const (
	PayloadTypeJPEG = 26
	JPEGClockRate   = 90000
)

// RTPPacketizer segments encoded frames into RTP packets.
type RTPPacketizer interface {
	// Packetize converts an encoded frame to RTP packets.
	Packetize(frame *EncodedFrame) ([]*RTPPacket, error)

	// SSRC returns the stream's SSRC.
	SSRC() uint32

	// PayloadType returns the configured payload type.
	PayloadType() uint8

	// MTU returns the maximum transmission unit.
	MTU() int
}

// RTPDepacketizer reassembles RTP packets into encoded frames.
type RTPDepacketizer interface {
	// Depacketize processes an RTP packet and returns a complete frame
	// if one finished. Returns nil while a frame is still partial.
	Depacketize(packet *RTPPacket) (*EncodedFrame, error)

	// Reset clears any buffered partial frame.
	Reset()
}

// RTPWriter is an interface for writing RTP packets.
type RTPWriter interface {
	// WriteRTP writes an RTP packet.
	WriteRTP(packet *RTPPacket) error
}

// RTPReader is an interface for reading RTP packets.
type RTPReader interface {
	// ReadRTP reads an RTP packet.
	ReadRTP() (*RTPPacket, error)
}

// rtpTimestamp converts a nanosecond timestamp to 90 kHz RTP units,
// split to stay clear of int64 overflow on long-lived streams.
func rtpTimestamp(ns int64) uint32 {
	sec := ns / 1e9
	rem := ns % 1e9
	return uint32(sec*JPEGClockRate + rem*JPEGClockRate/1e9)
}

// IsRTPTimestampOlder returns true if ts1 is older than or equal to ts2,
// handling 32-bit wraparound correctly per RTP timestamp comparison rules.
// Depacketizers use it to discard late-arriving packets.
func IsRTPTimestampOlder(ts1, ts2 uint32) bool {
	if ts1 == ts2 {
		return true
	}
	// ts1 is older if (ts2 - ts1) < 2^31
	diff := ts2 - ts1
	return diff < 0x80000000
}

// UDPRTPWriter sends RTP packets over a UDP connection.
type UDPRTPWriter struct {
	conn *net.UDPConn
	mu   sync.Mutex
	buf  []byte
}

// DialUDPRTP connects a UDP RTP writer to addr ("host:port").
func DialUDPRTP(addr string) (*UDPRTPWriter, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %q: %w", addr, err)
	}
	return &UDPRTPWriter{conn: conn, buf: make([]byte, 2048)}, nil
}

// WriteRTP implements RTPWriter.
func (w *UDPRTPWriter) WriteRTP(packet *RTPPacket) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := packet.MarshalTo(w.buf)
	if err != nil {
		// Oversized packet, fall back to allocating.
		data, merr := packet.Marshal()
		if merr != nil {
			return fmt.Errorf("failed to marshal RTP packet: %w", merr)
		}
		_, err = w.conn.Write(data)
		return err
	}
	_, err = w.conn.Write(w.buf[:n])
	return err
}

// Close closes the underlying connection.
func (w *UDPRTPWriter) Close() error {
	return w.conn.Close()
}

// UDPRTPReader receives RTP packets from a UDP socket.
type UDPRTPReader struct {
	conn *net.UDPConn
}

// ListenUDPRTP opens a UDP RTP reader on addr ("host:port").
func ListenUDPRTP(addr string) (*UDPRTPReader, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", addr, err)
	}
	return &UDPRTPReader{conn: conn}, nil
}

// LocalAddr returns the bound address, useful after listening on port 0.
func (r *UDPRTPReader) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// ReadRTP implements RTPReader.
func (r *UDPRTPReader) ReadRTP() (*RTPPacket, error) {
	buf := make([]byte, 65536)
	n, _, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	packet := &RTPPacket{}
	if err := packet.Unmarshal(buf[:n]); err != nil {
		return nil, fmt.Errorf("failed to parse RTP packet: %w", err)
	}
	return packet, nil
}

// Close closes the underlying socket.
func (r *UDPRTPReader) Close() error {
	return r.conn.Close()
}

// TrackSenderConfig configures a TrackSender.
type TrackSenderConfig struct {
	Track  VideoTrack // Source of frames. Required.
	Writer RTPWriter  // Packet sink. Required.

	SSRC        uint32       // 0 picks a random SSRC
	PayloadType uint8        // Default: PayloadTypeJPEG
	MTU         int          // Default: DefaultMTU
	Quality     int          // JPEG quality 1..100 (default: 80)
	Logger      *slog.Logger // Defaults to slog.Default()
}

// TrackSenderStats are point-in-time sender counters.
type TrackSenderStats struct {
	FramesSent  uint64
	PacketsSent uint64
	BytesSent   uint64
}

// TrackSender pushes a video track out as JPEG/RTP: it reads frames at
// the track's own cadence, JPEG-encodes them, packetizes per RFC 2435,
// and hands the packets to a writer.
type TrackSender struct {
	track      VideoTrack
	writer     RTPWriter
	packetizer RTPPacketizer
	quality    int
	log        *slog.Logger

	framesSent  atomic.Uint64
	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64

	running atomic.Bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewTrackSender creates a sender. Frames do not flow until Start.
func NewTrackSender(config TrackSenderConfig) (*TrackSender, error) {
	if config.Track == nil {
		return nil, fmt.Errorf("track is required")
	}
	if config.Writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if config.SSRC == 0 {
		config.SSRC = rand.Uint32()
	}
	if config.PayloadType == 0 {
		config.PayloadType = PayloadTypeJPEG
	}
	if config.MTU <= 0 {
		config.MTU = DefaultMTU
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 80
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	packetizer, err := NewJPEGPacketizer(config.SSRC, config.PayloadType, config.MTU)
	if err != nil {
		return nil, err
	}
	return &TrackSender{
		track:      config.Track,
		writer:     config.Writer,
		packetizer: packetizer,
		quality:    config.Quality,
		log:        config.Logger,
	}, nil
}

// SSRC returns the sender's SSRC.
func (s *TrackSender) SSRC() uint32 { return s.packetizer.SSRC() }

// Stats returns the current counters.
func (s *TrackSender) Stats() TrackSenderStats {
	return TrackSenderStats{
		FramesSent:  s.framesSent.Load(),
		PacketsSent: s.packetsSent.Load(),
		BytesSent:   s.bytesSent.Load(),
	}
}

// Start begins pushing frames until the track ends, Stop is called, or
// ctx is cancelled.
func (s *TrackSender) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sender already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	go s.sendLoop(ctx)
	return nil
}

// Stop halts the sender and waits for the send loop to exit.
func (s *TrackSender) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	<-s.doneCh
	return nil
}

func (s *TrackSender) sendLoop(ctx context.Context) {
	defer close(s.doneCh)

	var jpegBuf bytes.Buffer
	opts := &jpeg.Options{Quality: s.quality}

	for {
		frame, err := s.track.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Info("track sender stopping", "reason", err)
			}
			return
		}

		jpegBuf.Reset()
		if err := jpeg.Encode(&jpegBuf, frame.YCbCr(), opts); err != nil {
			s.log.Warn("failed to encode frame", "error", err)
			continue
		}

		encoded := &EncodedFrame{
			Data:      jpegBuf.Bytes(),
			Timestamp: rtpTimestamp(frame.Timestamp),
		}
		packets, err := s.packetizer.Packetize(encoded)
		if err != nil {
			s.log.Warn("failed to packetize frame", "error", err)
			continue
		}

		for _, packet := range packets {
			if err := s.writer.WriteRTP(packet); err != nil {
				s.log.Warn("failed to write RTP packet", "error", err)
				continue
			}
			s.packetsSent.Add(1)
			s.bytesSent.Add(uint64(len(packet.Payload)))
		}
		s.framesSent.Add(1)
	}
}
