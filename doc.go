// Package vcam substitutes a file-backed synthetic video stream for the
// real camera behind a getUserMedia-style entry point, coordinated across
// every process that shares a profile store.
//
// Key pieces include:
//   - MediaStream/MediaStreamTrack and MediaDevices (getUserMedia-style APIs)
//   - Synthesizer: turns an image or short clip descriptor into a live stream
//   - Interceptor: swaps the camera capability between real and mock
//   - StateStore: shared SQLite-backed control store with cross-process
//     change notification (a handle's own writes never notify itself)
//   - Driver: per-context glue that follows the store's activation flag
//
// # Architecture
//
//	control surface -> StateStore -> Driver -> Interceptor -> MediaDevices
//	descriptor -> Synthesizer -> DrawSurface -> frame pump -> VideoTrack(s)
//	VideoTrack -> JPEG encode -> RTPPacketizer -> RTPWriter (optional egress)
//
// Callers keep requesting the camera through MediaDevices.GetUserMedia and
// receive either real device tracks or fresh clones of the synthetic stream,
// depending on the shared activation flag.
//
// # Payloads
//
// Descriptors carry a data URI. Image payloads decode through the stdlib
// image registry (PNG, JPEG, GIF, plus WebP and BMP via golang.org/x/image).
// Video payloads decode through the clip decoder registry; animated GIF and
// MJPEG ship built in. Everything decodes in pure Go; no native libraries
// are loaded at runtime.
package vcam
