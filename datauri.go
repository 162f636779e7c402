package vcam

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// DataURI is a parsed RFC 2397 data URI.
type DataURI struct {
	MIMEType string // media type without parameters, e.g. "image/png"
	Base64   bool   // whether the payload was base64-encoded
	Data     []byte // decoded payload
}

// ParseDataURI parses "data:[<mediatype>][;base64],<data>". Both base64 and
// percent-encoded payloads are accepted; the media type defaults to
// text/plain per the RFC when omitted.
func ParseDataURI(s string) (*DataURI, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data URI")
	}

	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("data URI has no comma separator")
	}

	u := &DataURI{MIMEType: "text/plain"}
	for i, part := range strings.Split(meta, ";") {
		switch {
		case part == "base64":
			u.Base64 = true
		case i == 0 && part != "":
			u.MIMEType = strings.ToLower(part)
		}
	}

	if u.Base64 {
		// Tolerate both standard and URL-safe alphabets, padded or not.
		data, err := decodeBase64Lenient(payload)
		if err != nil {
			return nil, fmt.Errorf("decode base64 payload: %w", err)
		}
		u.Data = data
		return u, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("decode percent-encoded payload: %w", err)
	}
	u.Data = []byte(decoded)
	return u, nil
}

// EncodeDataURI builds a base64 data URI for the given media type.
func EncodeDataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func decodeBase64Lenient(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
