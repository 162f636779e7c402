package vcam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// RFC 2435 JPEG/RTP. pion's codecs package has no JPEG payloader, so the
// wire format lives here: an 8-byte main header per packet, quantization
// tables carried in the first fragment (Q=255), scan data split across
// fragments addressed by a 24-bit byte offset, marker bit on the last.
//
// Only baseline JFIF with 4:2:0 (type 0) or 4:2:2 (type 1) subsampling
// and no restart intervals is representable. That covers everything the
// stdlib JPEG encoder produces from a YCbCr frame.

// jpegScan is what survives of a JFIF file on the RTP wire.
type jpegScan struct {
	typ      uint8 // 0 = 4:2:0, 1 = 4:2:2
	width    int
	height   int
	qtLuma   [64]byte
	qtChroma [64]byte
	scan     []byte
}

// parseJPEGScan strips a baseline JFIF image down to the pieces RFC 2435
// can carry.
func parseJPEGScan(data []byte) (*jpegScan, error) {
	if !isJPEG(data) {
		return nil, fmt.Errorf("not a JPEG image")
	}

	var (
		s                    jpegScan
		haveLuma, haveChroma bool
		haveSOF              bool
	)

	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("invalid JPEG marker at offset %d", i)
		}
		marker := data[i+1]

		// Standalone markers have no length field.
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			i += 2
			continue
		}
		if marker == 0xD9 { // EOI before any scan
			return nil, fmt.Errorf("JPEG has no scan data")
		}

		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if segLen < 2 || i+2+segLen > len(data) {
			return nil, fmt.Errorf("truncated JPEG segment at offset %d", i)
		}
		seg := data[i+4 : i+2+segLen]

		switch marker {
		case 0xDB: // DQT, possibly several tables per segment
			for len(seg) > 0 {
				if len(seg) < 65 {
					return nil, fmt.Errorf("truncated quantization table")
				}
				precision := seg[0] >> 4
				id := seg[0] & 0x0F
				if precision != 0 {
					return nil, fmt.Errorf("16-bit quantization tables not supported")
				}
				switch id {
				case 0:
					copy(s.qtLuma[:], seg[1:65])
					haveLuma = true
				case 1:
					copy(s.qtChroma[:], seg[1:65])
					haveChroma = true
				default:
					return nil, fmt.Errorf("unexpected quantization table id %d", id)
				}
				seg = seg[65:]
			}

		case 0xC0: // SOF0, baseline
			if len(seg) < 15 {
				return nil, fmt.Errorf("truncated SOF0 segment")
			}
			if seg[0] != 8 {
				return nil, fmt.Errorf("unsupported sample precision %d", seg[0])
			}
			s.height = int(binary.BigEndian.Uint16(seg[1:3]))
			s.width = int(binary.BigEndian.Uint16(seg[3:5]))
			if seg[5] != 3 {
				return nil, fmt.Errorf("unsupported component count %d", seg[5])
			}
			// Component order Y, Cb, Cr; chroma must be 1x1.
			switch seg[7] {
			case 0x22:
				s.typ = 0 // 4:2:0
			case 0x21:
				s.typ = 1 // 4:2:2
			default:
				return nil, fmt.Errorf("unsupported luma sampling 0x%02x", seg[7])
			}
			if seg[10] != 0x11 || seg[13] != 0x11 {
				return nil, fmt.Errorf("unsupported chroma sampling")
			}
			haveSOF = true

		case 0xC1, 0xC2, 0xC3, 0xC5, 0xC6, 0xC7, 0xC9, 0xCA, 0xCB, 0xCD, 0xCE, 0xCF:
			return nil, fmt.Errorf("only baseline JPEG is supported (SOF 0x%02x)", marker)

		case 0xDD: // DRI
			if len(seg) >= 2 && binary.BigEndian.Uint16(seg[:2]) != 0 {
				return nil, fmt.Errorf("restart intervals not supported")
			}

		case 0xDA: // SOS, scan data follows until EOI
			if !haveSOF || !haveLuma || !haveChroma {
				return nil, fmt.Errorf("JPEG scan started before DQT/SOF0")
			}
			scan := data[i+2+segLen:]
			if n := len(scan); n >= 2 && scan[n-2] == 0xFF && scan[n-1] == 0xD9 {
				scan = scan[:n-2]
			}
			if len(scan) == 0 {
				return nil, fmt.Errorf("JPEG has empty scan data")
			}
			s.scan = scan
			return &s, nil
		}

		i += 2 + segLen
	}
	return nil, fmt.Errorf("truncated JPEG data")
}

// JPEGPacketizer implements RTPPacketizer for JPEG per RFC 2435.
type JPEGPacketizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	mu          sync.Mutex
}

// NewJPEGPacketizer creates a new JPEG RTP packetizer.
func NewJPEGPacketizer(ssrc uint32, pt uint8, mtu int) (*JPEGPacketizer, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	// Worst case headers: 12 RTP + 8 main + 132 quantization.
	if mtu < 192 {
		return nil, fmt.Errorf("mtu %d too small for JPEG/RTP", mtu)
	}
	return &JPEGPacketizer{
		ssrc:        ssrc,
		payloadType: pt,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}, nil
}

// Packetize converts one JFIF image to RTP packets.
func (p *JPEGPacketizer) Packetize(frame *EncodedFrame) ([]*RTPPacket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(frame.Data) == 0 {
		return nil, nil
	}

	scan, err := parseJPEGScan(frame.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to packetize JPEG: %w", err)
	}

	widthBlocks := (scan.width + 7) / 8
	heightBlocks := (scan.height + 7) / 8
	if widthBlocks > 255 || heightBlocks > 255 {
		return nil, fmt.Errorf("image %dx%d exceeds the RFC 2435 limit of 2040x2040",
			scan.width, scan.height)
	}

	maxPayload := p.mtu - 12
	var packets []*RTPPacket

	offset := 0
	for offset < len(scan.scan) {
		headerLen := 8
		if offset == 0 {
			headerLen += 4 + 128 // quantization table header + two tables
		}
		chunk := min(maxPayload-headerLen, len(scan.scan)-offset)
		last := offset+chunk == len(scan.scan)

		payload := make([]byte, headerLen+chunk)
		payload[0] = 0 // type-specific
		payload[1] = byte(offset >> 16)
		payload[2] = byte(offset >> 8)
		payload[3] = byte(offset)
		payload[4] = scan.typ
		payload[5] = 255 // Q: tables follow in the first fragment
		payload[6] = byte(widthBlocks)
		payload[7] = byte(heightBlocks)
		if offset == 0 {
			payload[8] = 0 // MBZ
			payload[9] = 0 // 8-bit precision
			binary.BigEndian.PutUint16(payload[10:12], 128)
			copy(payload[12:76], scan.qtLuma[:])
			copy(payload[76:140], scan.qtChroma[:])
		}
		copy(payload[headerLen:], scan.scan[offset:offset+chunk])

		packets = append(packets, &RTPPacket{
			Header: rtp.Header{
				Version:        2,
				Marker:         last,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      frame.Timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		})
		offset += chunk
	}
	return packets, nil
}

func (p *JPEGPacketizer) SSRC() uint32       { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *JPEGPacketizer) PayloadType() uint8 { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }
func (p *JPEGPacketizer) MTU() int           { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }

var _ RTPPacketizer = (*JPEGPacketizer)(nil)

// JPEGDepacketizer implements RTPDepacketizer for JPEG per RFC 2435. It
// reassembles fragments in offset order and rebuilds a decodable JFIF
// image around the scan, using the standard Huffman tables every
// baseline encoder ships.
type JPEGDepacketizer struct {
	buffer    []byte
	timestamp uint32
	typ       uint8
	width     int
	height    int
	qtLuma    [64]byte
	qtChroma  [64]byte
	assembly  bool
	mu        sync.Mutex
}

// NewJPEGDepacketizer creates a new JPEG RTP depacketizer.
func NewJPEGDepacketizer() (*JPEGDepacketizer, error) {
	return &JPEGDepacketizer{}, nil
}

// Depacketize processes an RTP packet and returns a complete frame once
// the marker fragment lands. Fragments that arrive out of order or with
// a missing start drop the frame in progress; the next offset-0 fragment
// starts fresh.
func (d *JPEGDepacketizer) Depacketize(packet *RTPPacket) (*EncodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload := packet.Payload
	if len(payload) < 8 {
		return nil, fmt.Errorf("JPEG payload too short: %d bytes", len(payload))
	}

	offset := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	typ := payload[4]
	q := payload[5]

	if typ >= 64 {
		return nil, fmt.Errorf("JPEG restart intervals not supported (type %d)", typ)
	}
	if typ > 1 {
		return nil, fmt.Errorf("unsupported JPEG type %d", typ)
	}

	headerLen := 8
	if offset == 0 {
		if q < 128 {
			return nil, fmt.Errorf("only explicit quantization tables supported (Q=%d)", q)
		}
		if len(payload) < 12 {
			return nil, fmt.Errorf("truncated quantization table header")
		}
		tableLen := int(binary.BigEndian.Uint16(payload[10:12]))
		if tableLen < 128 || len(payload) < 12+tableLen {
			return nil, fmt.Errorf("truncated quantization tables (%d bytes)", tableLen)
		}
		copy(d.qtLuma[:], payload[12:76])
		copy(d.qtChroma[:], payload[76:140])
		headerLen = 12 + tableLen

		d.typ = typ
		d.width = int(payload[6]) * 8
		d.height = int(payload[7]) * 8
		d.timestamp = packet.Header.Timestamp
		d.buffer = d.buffer[:0]
		d.assembly = true
	} else {
		// Continuation fragment; it must extend the frame in progress.
		if !d.assembly || packet.Header.Timestamp != d.timestamp || offset != len(d.buffer) {
			d.assembly = false
			d.buffer = d.buffer[:0]
			return nil, nil
		}
	}

	d.buffer = append(d.buffer, payload[headerLen:]...)

	if !packet.Header.Marker {
		return nil, nil
	}

	var jfif bytes.Buffer
	jfif.Grow(len(d.buffer) + 1024)
	writeJFIFHeaders(&jfif, d.typ, d.width, d.height, &d.qtLuma, &d.qtChroma)
	jfif.Write(d.buffer)
	jfif.Write([]byte{0xFF, 0xD9})

	frame := &EncodedFrame{
		Data:      jfif.Bytes(),
		Timestamp: d.timestamp,
	}
	d.assembly = false
	d.buffer = d.buffer[:0]
	return frame, nil
}

// Reset clears any buffered partial frame.
func (d *JPEGDepacketizer) Reset() {
	d.mu.Lock()
	d.buffer = d.buffer[:0]
	d.timestamp = 0
	d.assembly = false
	d.mu.Unlock()
}

var _ RTPDepacketizer = (*JPEGDepacketizer)(nil)

// writeJFIFHeaders emits SOI, DQT, SOF0, the standard Huffman tables,
// and SOS, after which the entropy-coded scan can follow directly.
func writeJFIFHeaders(buf *bytes.Buffer, typ uint8, width, height int, qtLuma, qtChroma *[64]byte) {
	buf.Write([]byte{0xFF, 0xD8}) // SOI

	// DQT with both tables in one segment.
	buf.Write([]byte{0xFF, 0xDB, 0x00, 0x84})
	buf.WriteByte(0x00)
	buf.Write(qtLuma[:])
	buf.WriteByte(0x01)
	buf.Write(qtChroma[:])

	lumaSampling := byte(0x22) // 4:2:0
	if typ == 1 {
		lumaSampling = 0x21 // 4:2:2
	}
	buf.Write([]byte{
		0xFF, 0xC0, 0x00, 0x11, // SOF0, length 17
		0x08, // 8-bit precision
		byte(height >> 8), byte(height),
		byte(width >> 8), byte(width),
		0x03, // 3 components
		0x01, lumaSampling, 0x00,
		0x02, 0x11, 0x01,
		0x03, 0x11, 0x01,
	})

	writeHuffmanTable(buf, 0, 0, jpegLumDCCodelens[:], jpegLumDCSymbols[:])
	writeHuffmanTable(buf, 1, 0, jpegLumACCodelens[:], jpegLumACSymbols[:])
	writeHuffmanTable(buf, 0, 1, jpegChmDCCodelens[:], jpegChmDCSymbols[:])
	writeHuffmanTable(buf, 1, 1, jpegChmACCodelens[:], jpegChmACSymbols[:])

	buf.Write([]byte{
		0xFF, 0xDA, 0x00, 0x0C, // SOS, length 12
		0x03,       // 3 components
		0x01, 0x00, // Y: DC 0, AC 0
		0x02, 0x11, // Cb: DC 1, AC 1
		0x03, 0x11, // Cr: DC 1, AC 1
		0x00, 0x3F, 0x00, // spectral selection 0..63
	})
}

func writeHuffmanTable(buf *bytes.Buffer, class, id byte, codelens, symbols []byte) {
	length := 2 + 1 + len(codelens) + len(symbols)
	buf.Write([]byte{0xFF, 0xC4, byte(length >> 8), byte(length)})
	buf.WriteByte(class<<4 | id)
	buf.Write(codelens)
	buf.Write(symbols)
}

// Standard Huffman tables from ITU-T T.81 Annex K, the tables RFC 2435
// receivers assume and baseline encoders emit.
var jpegLumDCCodelens = [16]byte{0, 1, 5, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0}

var jpegLumDCSymbols = [12]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

var jpegLumACCodelens = [16]byte{0, 2, 1, 3, 3, 2, 4, 3, 5, 5, 4, 4, 0, 0, 1, 0x7D}

var jpegLumACSymbols = [162]byte{
	0x01, 0x02, 0x03, 0x00, 0x04, 0x11, 0x05, 0x12,
	0x21, 0x31, 0x41, 0x06, 0x13, 0x51, 0x61, 0x07,
	0x22, 0x71, 0x14, 0x32, 0x81, 0x91, 0xA1, 0x08,
	0x23, 0x42, 0xB1, 0xC1, 0x15, 0x52, 0xD1, 0xF0,
	0x24, 0x33, 0x62, 0x72, 0x82, 0x09, 0x0A, 0x16,
	0x17, 0x18, 0x19, 0x1A, 0x25, 0x26, 0x27, 0x28,
	0x29, 0x2A, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39,
	0x3A, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49,
	0x4A, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58, 0x59,
	0x5A, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68, 0x69,
	0x6A, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78, 0x79,
	0x7A, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88, 0x89,
	0x8A, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97, 0x98,
	0x99, 0x9A, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7,
	0xA8, 0xA9, 0xAA, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6,
	0xB7, 0xB8, 0xB9, 0xBA, 0xC2, 0xC3, 0xC4, 0xC5,
	0xC6, 0xC7, 0xC8, 0xC9, 0xCA, 0xD2, 0xD3, 0xD4,
	0xD5, 0xD6, 0xD7, 0xD8, 0xD9, 0xDA, 0xE1, 0xE2,
	0xE3, 0xE4, 0xE5, 0xE6, 0xE7, 0xE8, 0xE9, 0xEA,
	0xF1, 0xF2, 0xF3, 0xF4, 0xF5, 0xF6, 0xF7, 0xF8,
	0xF9, 0xFA,
}

var jpegChmDCCodelens = [16]byte{0, 3, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0}

var jpegChmDCSymbols = [12]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

var jpegChmACCodelens = [16]byte{0, 2, 1, 2, 4, 4, 3, 4, 7, 5, 4, 4, 0, 1, 2, 0x77}

var jpegChmACSymbols = [162]byte{
	0x00, 0x01, 0x02, 0x03, 0x11, 0x04, 0x05, 0x21,
	0x31, 0x06, 0x12, 0x41, 0x51, 0x07, 0x61, 0x71,
	0x13, 0x22, 0x32, 0x81, 0x08, 0x14, 0x42, 0x91,
	0xA1, 0xB1, 0xC1, 0x09, 0x23, 0x33, 0x52, 0xF0,
	0x15, 0x62, 0x72, 0xD1, 0x0A, 0x16, 0x24, 0x34,
	0xE1, 0x25, 0xF1, 0x17, 0x18, 0x19, 0x1A, 0x26,
	0x27, 0x28, 0x29, 0x2A, 0x35, 0x36, 0x37, 0x38,
	0x39, 0x3A, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48,
	0x49, 0x4A, 0x53, 0x54, 0x55, 0x56, 0x57, 0x58,
	0x59, 0x5A, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68,
	0x69, 0x6A, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78,
	0x79, 0x7A, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87,
	0x88, 0x89, 0x8A, 0x92, 0x93, 0x94, 0x95, 0x96,
	0x97, 0x98, 0x99, 0x9A, 0xA2, 0xA3, 0xA4, 0xA5,
	0xA6, 0xA7, 0xA8, 0xA9, 0xAA, 0xB2, 0xB3, 0xB4,
	0xB5, 0xB6, 0xB7, 0xB8, 0xB9, 0xBA, 0xC2, 0xC3,
	0xC4, 0xC5, 0xC6, 0xC7, 0xC8, 0xC9, 0xCA, 0xD2,
	0xD3, 0xD4, 0xD5, 0xD6, 0xD7, 0xD8, 0xD9, 0xDA,
	0xE2, 0xE3, 0xE4, 0xE5, 0xE6, 0xE7, 0xE8, 0xE9,
	0xEA, 0xF2, 0xF3, 0xF4, 0xF5, 0xF6, 0xF7, 0xF8,
	0xF9, 0xFA,
}
