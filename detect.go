package vdec

// DetectVideoCodec detects the codec of an elementary stream from its first bytes.
// Supports detection of:
//   - H.264/AVC: Annex-B format (ITU-T H.264) and AVCC format (ISO/IEC 14496-15)
//   - MPEG-4 Part 2: visual object sequence, VOL or VOP start codes (ISO/IEC 14496-2)
//   - H.263: picture start code (ITU-T H.263 Section 5.1.1)
//   - VC-1 advanced profile: sequence header start code (SMPTE 421M Annex E)
//
// Returns CodecUnknown if the codec cannot be determined.
func DetectVideoCodec(data []byte) Codec {
	codec, _ := DetectInputFormat(data)
	return codec
}

// DetectInputFormat is DetectVideoCodec plus the H.264 NAL length size:
// 0 for start-code delimited input, 4 for AVCC length-prefixed input.
func DetectInputFormat(data []byte) (Codec, int) {
	if len(data) < 4 {
		return CodecUnknown, 0
	}

	if isH263PictureStart(data) {
		return CodecH263, 0
	}

	if isAnnexBStartCode(data) {
		code := startCodeValue(data)
		switch {
		case isMPEG4StartCode(data, code):
			return CodecMPEG4, 0
		case code == vc1CodeSequenceHeader:
			return CodecVC1Advanced, 0
		case isH264NALType(code & 0x1F):
			return CodecH264, 0
		}
	}

	// Check for AVCC format (H.264 in container)
	if isAVCCFormat(data) && isH264NALType(data[4]&0x1F) {
		return CodecH264, 4
	}

	return CodecUnknown, 0
}

// isAnnexBStartCode checks for Annex-B style start codes.
// Per ITU-T H.264 Annex B, NAL units are prefixed with:
//   - 4-byte start code: 0x00000001 (used at stream start and after certain NALUs)
//   - 3-byte start code: 0x000001 (used between NALUs)
//
// MPEG-4 Part 2 and VC-1 share the 3-byte prefix.
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	// 4-byte start code: 0x00000001
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	// 3-byte start code: 0x000001
	if data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return true
	}
	return false
}

// startCodeValue returns the byte following the leading start code.
func startCodeValue(data []byte) byte {
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset]
}

// getNALType extracts NAL unit type from Annex-B data.
// Per ITU-T H.264 Section 7.3.1, the NAL unit header is:
//   - forbidden_zero_bit (1 bit): must be 0
//   - nal_ref_idc (2 bits): reference priority
//   - nal_unit_type (5 bits): type identifier (values 1-12 and 19-21 for H.264)
func getNALType(data []byte) byte {
	if len(data) < 4 {
		return 0
	}
	return startCodeValue(data) & 0x1F
}

// isH264NALType checks if NAL type is valid H.264.
// Per ITU-T H.264 Table 7-1, valid NAL unit types are:
//   - 1: Non-IDR slice, 2: Slice data partition A, 3-4: Slice data partitions B/C
//   - 5: IDR slice, 6: SEI, 7: SPS, 8: PPS, 9: AUD, 10: End of seq, 11: End of stream, 12: Filler
//   - 19: Coded slice of aux picture, 20: Coded slice extension, 21: Coded slice extension for depth
func isH264NALType(nalType byte) bool {
	return (nalType >= 1 && nalType <= 12) || (nalType >= 19 && nalType <= 21)
}

// isMPEG4StartCode checks for the start codes that open an MPEG-4 Part 2 stream.
// Per ISO/IEC 14496-2 Table 6-3: 0xB0 visual_object_sequence, 0xB5 visual_object,
// 0xB6 VOP and 0x20-0x2F video_object_layer. A video_object start code
// (0x00-0x1F) counts only when a VOL start code follows it directly.
func isMPEG4StartCode(data []byte, code byte) bool {
	switch {
	case code == mpeg4CodeVOS, code == mpeg4CodeVO, code == mpeg4CodeVOP:
		return true
	case code >= mpeg4CodeVOLFirst && code <= mpeg4CodeVOLLast && data[2] == 1:
		// 0x27 followed by a known profile_idc is an H.264 SPS with nal_ref_idc 1.
		return !(code == 0x27 && len(data) > 4 && isH264Profile(data[4]))
	case code <= 0x1F && len(data) >= 8:
		next := data[4:]
		if data[2] == 0 {
			next = data[5:]
		}
		return len(next) >= 4 && next[0] == 0 && next[1] == 0 && next[2] == 1 &&
			next[3] >= mpeg4CodeVOLFirst && next[3] <= mpeg4CodeVOLLast
	}
	return false
}

// isH264Profile reports whether b is a profile_idc listed in ITU-T H.264 Annex A.
func isH264Profile(b byte) bool {
	switch b {
	case 44, 66, 77, 88, 100, 110, 118, 122, 128, 244:
		return true
	}
	return false
}

// isH263PictureStart checks for a byte-aligned H.263 picture start code.
// Per ITU-T H.263 Section 5.1.1 the PSC is 22 bits: 0000 0000 0000 0000 1000 00.
func isH263PictureStart(data []byte) bool {
	return len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2]&0xFC == 0x80
}

// isAVCCFormat checks for AVCC (length-prefixed) format.
// Per ISO/IEC 14496-15 (MPEG-4 Part 15), AVCC format uses:
//   - 4-byte big-endian NAL unit length prefix instead of start codes
//   - Commonly used in MP4/MOV containers and RTMP streams
func isAVCCFormat(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	// Check if first 4 bytes could be a length prefix
	length := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	// Sanity check: length should be reasonable and data should be long enough
	return length > 0 && length <= len(data)-4 && length < 10*1024*1024
}
