package vdec

import (
	"errors"
	"testing"
)

func TestCodec_String(t *testing.T) {
	tests := []struct {
		codec Codec
		want  string
	}{
		{CodecH264, "H264"},
		{CodecMPEG4, "MPEG4"},
		{CodecH263, "H263"},
		{CodecVC1, "VC1"},
		{CodecVC1Advanced, "VC1-AP"},
		{CodecUnknown, "Unknown"},
		{Codec(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.codec.String(); got != tt.want {
				t.Errorf("Codec.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodec_MimeType(t *testing.T) {
	tests := []struct {
		codec Codec
		want  string
	}{
		{CodecH264, "video/avc"},
		{CodecMPEG4, "video/mp4v-es"},
		{CodecH263, "video/3gpp"},
		{CodecVC1, "video/x-ms-wmv"},
		{CodecVC1Advanced, "video/x-ms-wmv"},
		{CodecUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if got := tt.codec.MimeType(); got != tt.want {
				t.Errorf("Codec.MimeType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in   string
		want Codec
	}{
		{"h264", CodecH264},
		{"avc", CodecH264},
		{"video/avc", CodecH264},
		{"mpeg4", CodecMPEG4},
		{"h263", CodecH263},
		{"video/3gpp", CodecH263},
		{"vc1", CodecVC1},
		{"wmv3", CodecVC1},
		{"wvc1", CodecVC1Advanced},
		{"VC1-AP", CodecVC1Advanced},
		{"vp8", CodecUnknown},
		{"", CodecUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseCodec(tt.in); got != tt.want {
				t.Errorf("ParseCodec(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCodec_StartCodeDelimited(t *testing.T) {
	tests := []struct {
		codec Codec
		want  bool
	}{
		{CodecH264, false},
		{CodecMPEG4, true},
		{CodecH263, true},
		{CodecVC1, true},
		{CodecVC1Advanced, true},
		{CodecUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if got := tt.codec.StartCodeDelimited(); got != tt.want {
				t.Errorf("Codec.StartCodeDelimited() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodec_TextRoundTrip(t *testing.T) {
	for _, c := range []Codec{CodecH264, CodecMPEG4, CodecH263, CodecVC1, CodecVC1Advanced} {
		t.Run(c.String(), func(t *testing.T) {
			text, err := c.MarshalText()
			if err != nil {
				t.Fatalf("MarshalText() error = %v", err)
			}
			var got Codec
			if err := got.UnmarshalText(text); err != nil {
				t.Fatalf("UnmarshalText(%q) error = %v", text, err)
			}
			if got != c {
				t.Errorf("UnmarshalText(%q) = %v, want %v", text, got, c)
			}
		})
	}
}

func TestCodec_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr error
	}{
		{"", CodecUnknown, nil},
		{"auto", CodecUnknown, nil},
		{"Unknown", CodecUnknown, nil},
		{"vp9", CodecUnknown, ErrCodecNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got Codec
			err := got.UnmarshalText([]byte(tt.in))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("UnmarshalText(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
