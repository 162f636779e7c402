package vcam

import "errors"

// ErrNotSupported is returned when an optional operation is not supported.
var ErrNotSupported = errors.New("operation not supported")

// ErrUnsupportedKind is returned when a descriptor's kind is neither
// "video" nor "image".
var ErrUnsupportedKind = errors.New("unsupported media kind")

// ErrMediaLoad is returned when a descriptor's payload cannot be turned
// into pixels: bad data URI, undecodable bytes, or an unknown format.
var ErrMediaLoad = errors.New("media load failed")

// ErrDescriptorParse is returned when the stored descriptor value is not
// valid descriptor JSON.
var ErrDescriptorParse = errors.New("descriptor parse failed")

// ErrPayloadTooLarge is returned when a descriptor or its payload exceeds
// MaxDescriptorBytes.
var ErrPayloadTooLarge = errors.New("payload exceeds size ceiling")

// ErrStoreClosed is returned by store operations after Close.
var ErrStoreClosed = errors.New("store closed")

// ErrAudioCaptureNotSupported is returned by the real camera path when a
// request asks for audio only. Audio capture is out of scope.
var ErrAudioCaptureNotSupported = errors.New("audio capture not supported")

// ErrStreamClosed is returned when reading from a track whose stream has
// been closed or whose source has gone away.
var ErrStreamClosed = errors.New("stream closed")
