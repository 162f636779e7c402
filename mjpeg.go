package vcam

import (
	"bytes"
	"context"
	"image/jpeg"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
)

const mjpegBoundary = "vcamframe"

// ServeMJPEG streams a video track to one HTTP client as
// multipart/x-mixed-replace JPEG parts, the format a plain <img> tag
// renders as live video. It blocks until the client disconnects or the
// track stops producing frames.
func ServeMJPEG(w http.ResponseWriter, r *http.Request, track VideoTrack, quality int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	var buf bytes.Buffer
	opts := &jpeg.Options{Quality: quality}

	for {
		frame, err := track.ReadFrame(r.Context())
		if err != nil {
			mw.Close()
			return
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, frame.YCbCr(), opts); err != nil {
			slog.Warn("failed to encode preview frame", "error", err)
			continue
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(buf.Len())},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(buf.Bytes()); err != nil {
			return
		}
		flusher.Flush()
	}
}

// MJPEGHandler serves a live preview, opening a fresh track per viewer
// through open and closing it when the viewer goes away. With the opener
// pointed at GetUserMedia, every preview connection exercises the same
// path a real camera consumer would.
func MJPEGHandler(open func(ctx context.Context) (VideoTrack, error), quality int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		track, err := open(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer track.Close()
		ServeMJPEG(w, r, track, quality)
	})
}
