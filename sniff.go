package vcam

import "errors"

var errInvalidJPEG = errors.New("invalid JPEG data")

// PayloadFormat identifies the container/codec of a descriptor payload.
type PayloadFormat int

const (
	PayloadUnknown PayloadFormat = iota
	PayloadPNG                   // Portable Network Graphics
	PayloadJPEG                  // Single JFIF/EXIF image
	PayloadGIF                   // GIF87a/GIF89a (static or animated)
	PayloadWebP                  // RIFF/WEBP
	PayloadBMP                   // Windows bitmap
	PayloadMJPEG                 // Concatenated JPEG images
	PayloadIVF                   // IVF container (VP8/VP9/AV1)
)

func (f PayloadFormat) String() string {
	switch f {
	case PayloadPNG:
		return "PNG"
	case PayloadJPEG:
		return "JPEG"
	case PayloadGIF:
		return "GIF"
	case PayloadWebP:
		return "WebP"
	case PayloadBMP:
		return "BMP"
	case PayloadMJPEG:
		return "MJPEG"
	case PayloadIVF:
		return "IVF"
	default:
		return "Unknown"
	}
}

// MIMEType returns the canonical media type for the format.
func (f PayloadFormat) MIMEType() string {
	switch f {
	case PayloadPNG:
		return "image/png"
	case PayloadJPEG:
		return "image/jpeg"
	case PayloadGIF:
		return "image/gif"
	case PayloadWebP:
		return "image/webp"
	case PayloadBMP:
		return "image/bmp"
	case PayloadMJPEG:
		return "video/x-motion-jpeg"
	case PayloadIVF:
		return "video/x-ivf"
	default:
		return "application/octet-stream"
	}
}

// DetectPayloadFormat detects the payload format from magic bytes.
// Supports detection of:
//   - PNG: 8-byte signature per RFC 2083
//   - JPEG: SOI marker (JFIF/EXIF), single image
//   - MJPEG: a JPEG stream containing more than one SOI..EOI cycle
//   - GIF: GIF87a/GIF89a header
//   - WebP: RIFF container with WEBP fourcc
//   - BMP: "BM" file header
//   - IVF: "DKIF" fourcc (WebM project container for VP8/VP9/AV1)
//
// Returns PayloadUnknown if the format cannot be determined.
func DetectPayloadFormat(data []byte) PayloadFormat {
	if len(data) < 4 {
		return PayloadUnknown
	}

	if isPNG(data) {
		return PayloadPNG
	}
	if isGIF(data) {
		return PayloadGIF
	}
	if isWebP(data) {
		return PayloadWebP
	}
	if isBMP(data) {
		return PayloadBMP
	}
	if len(data) >= 32 && string(data[0:4]) == "DKIF" {
		return PayloadIVF
	}
	if isJPEG(data) {
		if countJPEGImages(data, 2) > 1 {
			return PayloadMJPEG
		}
		return PayloadJPEG
	}

	return PayloadUnknown
}

// isPNG checks the 8-byte PNG signature: \x89PNG\r\n\x1a\n.
func isPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G' &&
		data[4] == 0x0D && data[5] == 0x0A && data[6] == 0x1A && data[7] == 0x0A
}

// isGIF checks for "GIF87a" or "GIF89a".
func isGIF(data []byte) bool {
	if len(data) < 6 {
		return false
	}
	if string(data[0:3]) != "GIF" {
		return false
	}
	v := string(data[3:6])
	return v == "87a" || v == "89a"
}

// isWebP checks for a RIFF container carrying the WEBP fourcc.
func isWebP(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	return string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}

// isBMP checks the "BM" bitmap file header.
func isBMP(data []byte) bool {
	return len(data) >= 2 && data[0] == 'B' && data[1] == 'M'
}

// isJPEG checks for the SOI marker followed by another marker byte.
func isJPEG(data []byte) bool {
	return len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
}

// countJPEGImages walks complete SOI..EOI units structurally and returns how
// many it finds, stopping early once max is reached. Walking the marker
// structure (rather than scanning for byte pairs) keeps EOI bytes inside
// entropy-coded data or embedded thumbnails from miscounting.
func countJPEGImages(data []byte, max int) int {
	n := 0
	rest := data
	for len(rest) >= 4 && n < max {
		end, err := jpegImageLength(rest)
		if err != nil {
			break
		}
		n++
		rest = rest[end:]
	}
	return n
}

// jpegImageLength returns the byte length of the first complete JPEG image
// (SOI through EOI) at the start of data.
//
// Per ITU-T T.81: after SOI, markers carry a 2-byte big-endian length
// (covering the length field itself) except for standalone markers
// (RST0-7, TEM). After an SOS header the entropy-coded scan follows, in
// which 0xFF bytes are stuffed as FF 00 and restart markers FF D0-D7 may
// appear; any other FF xx terminates the scan.
func jpegImageLength(data []byte) (int, error) {
	if !isJPEG(data) {
		return 0, errInvalidJPEG
	}
	i := 2
	for i+1 < len(data) {
		if data[i] != 0xFF {
			return 0, errInvalidJPEG
		}
		marker := data[i+1]
		switch {
		case marker == 0xD9: // EOI
			return i + 2, nil
		case marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			// Standalone marker, no length field.
			i += 2
		case marker == 0xDA: // SOS: skip header, then the entropy-coded scan
			if i+3 >= len(data) {
				return 0, errInvalidJPEG
			}
			segLen := int(data[i+2])<<8 | int(data[i+3])
			i += 2 + segLen
			for i+1 < len(data) {
				if data[i] != 0xFF {
					i++
					continue
				}
				next := data[i+1]
				if next == 0x00 || (next >= 0xD0 && next <= 0xD7) {
					i += 2
					continue
				}
				break
			}
		default:
			if i+3 >= len(data) {
				return 0, errInvalidJPEG
			}
			segLen := int(data[i+2])<<8 | int(data[i+3])
			if segLen < 2 {
				return 0, errInvalidJPEG
			}
			i += 2 + segLen
		}
	}
	return 0, errInvalidJPEG
}
