package vdec

// Codec identifies the compressed input format of a component.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecMPEG4
	CodecH263
	CodecVC1
	CodecVC1Advanced
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "H264"
	case CodecMPEG4:
		return "MPEG4"
	case CodecH263:
		return "H263"
	case CodecVC1:
		return "VC1"
	case CodecVC1Advanced:
		return "VC1-AP"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c Codec) MimeType() string {
	switch c {
	case CodecH264:
		return "video/avc"
	case CodecMPEG4:
		return "video/mp4v-es"
	case CodecH263:
		return "video/3gpp"
	case CodecVC1, CodecVC1Advanced:
		return "video/x-ms-wmv"
	default:
		return ""
	}
}

// ParseCodec converts a config or command-line name into a Codec.
func ParseCodec(s string) Codec {
	switch s {
	case "h264", "H264", "avc", "video/avc":
		return CodecH264
	case "mpeg4", "MPEG4", "video/mp4v-es":
		return CodecMPEG4
	case "h263", "H263", "video/3gpp":
		return CodecH263
	case "vc1", "VC1", "wmv3":
		return CodecVC1
	case "vc1ap", "VC1-AP", "wvc1":
		return CodecVC1Advanced
	default:
		return CodecUnknown
	}
}

// StartCodeDelimited reports whether access units of this codec are found by
// scanning for start codes. H.264 may also arrive length-prefixed.
func (c Codec) StartCodeDelimited() bool {
	switch c {
	case CodecMPEG4, CodecH263, CodecVC1, CodecVC1Advanced:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Codec) UnmarshalText(b []byte) error {
	*c = ParseCodec(string(b))
	if *c == CodecUnknown && len(b) > 0 && string(b) != "Unknown" && string(b) != "auto" {
		return ErrCodecNotSupported
	}
	return nil
}
