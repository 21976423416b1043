package scaledriver

// Scale poll/response framing. The daemon writes a single ENQ byte and the
// scale answers one fixed-length frame: six BCD digit bytes carrying the
// gross weight in grams (most significant digit first) followed by two
// status bytes. The status trailer is interpreted by the engine, not here.

const (
	// FrameLen is the fixed length of a scale response frame.
	FrameLen = 8

	// TrailerLen is the number of status bytes at the end of a frame.
	TrailerLen = 2

	// PollByte is the ENQ byte that requests one reading.
	PollByte = 0x05

	// TareByte asks the scale to re-zero.
	TareByte = 0x54

	// DisplayResolutionGrams is the scale's display granularity. Reported
	// weights are quantized to it; raw digits below it read as zero weight
	// over non-zero frame bytes.
	DisplayResolutionGrams = 5
)

// Trailer codes reported by the scale hardware.
var (
	// TrailerStable marks a settled reading.
	TrailerStable = [TrailerLen]byte{0x00, 0x00}

	// TrailerMotion marks a reading taken while the platter was moving.
	TrailerMotion = [TrailerLen]byte{0x00, 0x04}
)

// DecodeWeight extracts the displayed weight in kilograms from a frame.
// It returns nil when the frame has the wrong length or carries a corrupt
// digit. The weight is quantized to the display resolution.
func DecodeWeight(frame []byte) *float64 {
	if len(frame) != FrameLen {
		return nil
	}
	grams := 0
	for _, b := range frame[:FrameLen-TrailerLen] {
		if b > 9 {
			return nil
		}
		grams = grams*10 + int(b)
	}
	// Quantize to what the display shows. Residue under half a step reads
	// as zero even though the digit bytes are non-zero.
	display := (grams + DisplayResolutionGrams/2) / DisplayResolutionGrams * DisplayResolutionGrams
	kg := float64(display) / 1000.0
	return &kg
}

// EncodeFrame builds a frame for the given weight in grams and trailer.
// Used by the mock driver and tests. Negative weights clamp to zero and
// weights over six digits clamp to the maximum encodable value.
func EncodeFrame(grams int, trailer [TrailerLen]byte) []byte {
	if grams < 0 {
		grams = 0
	}
	if grams > 999999 {
		grams = 999999
	}
	frame := make([]byte, FrameLen)
	for i := FrameLen - TrailerLen - 1; i >= 0; i-- {
		frame[i] = byte(grams % 10)
		grams /= 10
	}
	frame[FrameLen-2] = trailer[0]
	frame[FrameLen-1] = trailer[1]
	return frame
}
