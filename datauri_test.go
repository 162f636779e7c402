package vcam

import (
	"bytes"
	"testing"
)

func TestParseDataURI(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		wantMIME string
		wantB64  bool
		wantData []byte
	}{
		{
			name:     "base64 png",
			uri:      "data:image/png;base64,iVBORw0KGgo=",
			wantMIME: "image/png",
			wantB64:  true,
			wantData: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A},
		},
		{
			name:     "base64 unpadded",
			uri:      "data:image/png;base64,iVBORw0KGgo",
			wantMIME: "image/png",
			wantB64:  true,
			wantData: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A},
		},
		{
			name:     "percent encoded",
			uri:      "data:text/plain,hello%20world",
			wantMIME: "text/plain",
			wantData: []byte("hello world"),
		},
		{
			name:     "default media type",
			uri:      "data:,abc",
			wantMIME: "text/plain",
			wantData: []byte("abc"),
		},
		{
			name:     "mixed case media type",
			uri:      "data:Image/PNG;base64,AAAA",
			wantMIME: "image/png",
			wantB64:  true,
			wantData: []byte{0, 0, 0},
		},
		{
			name:     "charset parameter ignored",
			uri:      "data:text/plain;charset=utf-8,hi",
			wantMIME: "text/plain",
			wantData: []byte("hi"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseDataURI(tt.uri)
			if err != nil {
				t.Fatalf("ParseDataURI failed: %v", err)
			}
			if u.MIMEType != tt.wantMIME {
				t.Errorf("MIMEType = %q, want %q", u.MIMEType, tt.wantMIME)
			}
			if u.Base64 != tt.wantB64 {
				t.Errorf("Base64 = %v, want %v", u.Base64, tt.wantB64)
			}
			if !bytes.Equal(u.Data, tt.wantData) {
				t.Errorf("Data = %v, want %v", u.Data, tt.wantData)
			}
		})
	}
}

func TestParseDataURI_Invalid(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"not a data URI", "https://example.com/a.png"},
		{"no comma", "data:image/png;base64"},
		{"bad base64", "data:image/png;base64,!!!"},
		{"bad percent encoding", "data:text/plain,%zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDataURI(tt.uri); err == nil {
				t.Errorf("ParseDataURI(%q) succeeded, want error", tt.uri)
			}
		})
	}
}

func TestEncodeDataURI(t *testing.T) {
	uri := EncodeDataURI("image/png", []byte{1, 2, 3})
	if uri != "data:image/png;base64,AQID" {
		t.Errorf("EncodeDataURI = %q", uri)
	}

	// Empty media type falls back to octet-stream.
	uri = EncodeDataURI("", []byte{1})
	if uri != "data:application/octet-stream;base64,AQ==" {
		t.Errorf("EncodeDataURI = %q", uri)
	}

	// Round-trip through the parser.
	u, err := ParseDataURI(EncodeDataURI("video/x-ivf", []byte("DKIF")))
	if err != nil {
		t.Fatalf("ParseDataURI failed: %v", err)
	}
	if u.MIMEType != "video/x-ivf" || string(u.Data) != "DKIF" {
		t.Errorf("round-trip = %q %q", u.MIMEType, u.Data)
	}
}
