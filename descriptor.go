package vcam

import (
	"encoding/json"
	"fmt"
)

// MediaKind identifies what a descriptor's payload should be decoded as.
type MediaKind string

const (
	MediaKindVideo MediaKind = "video"
	MediaKindImage MediaKind = "image"
)

// MaxDescriptorBytes is the ceiling for an encoded descriptor and for the
// decoded payload it carries. Larger media should not be routed through the
// control store.
const MaxDescriptorBytes = 5 << 20

// MediaDescriptor names the media a synthetic camera stream is built from.
// Data holds the complete payload as a data URI, so a descriptor is
// self-contained and can cross process boundaries through the store.
type MediaDescriptor struct {
	Kind MediaKind `json:"type"`
	Data string    `json:"data"`
}

// ParseDescriptor decodes the stored JSON form of a descriptor.
func ParseDescriptor(raw string) (*MediaDescriptor, error) {
	if len(raw) > MaxDescriptorBytes {
		return nil, fmt.Errorf("%w: descriptor is %d bytes", ErrPayloadTooLarge, len(raw))
	}
	var d MediaDescriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorParse, err)
	}
	if d.Data == "" {
		return nil, fmt.Errorf("%w: missing data field", ErrDescriptorParse)
	}
	return &d, nil
}

// Encode returns the JSON form written to the store.
func (d *MediaDescriptor) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	if len(b) > MaxDescriptorBytes {
		return "", fmt.Errorf("%w: encoded descriptor is %d bytes", ErrPayloadTooLarge, len(b))
	}
	return string(b), nil
}

// NewDescriptor builds a descriptor from raw media bytes, wrapping them in a
// data URI. The media type is sniffed when mimeType is empty.
func NewDescriptor(kind MediaKind, mimeType string, payload []byte) (*MediaDescriptor, error) {
	if len(payload) > MaxDescriptorBytes {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if mimeType == "" {
		mimeType = DetectPayloadFormat(payload).MIMEType()
	}
	return &MediaDescriptor{
		Kind: kind,
		Data: EncodeDataURI(mimeType, payload),
	}, nil
}

// Payload decodes the descriptor's data URI and enforces the size ceiling.
func (d *MediaDescriptor) Payload() (mimeType string, data []byte, err error) {
	uri, err := ParseDataURI(d.Data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMediaLoad, err)
	}
	if len(uri.Data) > MaxDescriptorBytes {
		return "", nil, fmt.Errorf("%w: payload is %d bytes", ErrPayloadTooLarge, len(uri.Data))
	}
	return uri.MIMEType, uri.Data, nil
}
