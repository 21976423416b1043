package scale

import "fmt"

// Frame verdict reasons.
const (
	ReasonInsufficientData = "insufficient data"
	ReasonMotion           = "weight in motion"
	ReasonFakeZero         = "fake zero artifact"
)

// FrameVerdict is the protocol-level stability classification of one raw
// frame. A frame too short to classify has both Stable and Unstable false.
type FrameVerdict struct {
	Stable   bool
	Unstable bool
	Reason   string
}

// AnalyzeFrame classifies a raw sample frame from its two-byte status
// trailer. Trailer 00 00 means the hardware considers the reading settled;
// 00 04 means the platter is in motion; anything else is treated as
// unstable with an unrecognized cause.
//
// A stable trailer over a zero weight with non-zero bytes before the
// trailer is reclassified as unstable: the frame encodes residual sensor
// noise under a zero display (a "fake zero"), not a settled empty platter.
//
// Pure function; weight may be nil when the frame carried no parseable
// value.
func AnalyzeFrame(frame []byte, weight *float64) FrameVerdict {
	if len(frame) < 2 {
		return FrameVerdict{Reason: ReasonInsufficientData}
	}

	hi, lo := frame[len(frame)-2], frame[len(frame)-1]
	switch {
	case hi == 0x00 && lo == 0x00:
		if weight != nil && *weight == 0 && anyNonZero(frame[:len(frame)-2]) {
			return FrameVerdict{Unstable: true, Reason: ReasonFakeZero}
		}
		return FrameVerdict{Stable: true}
	case hi == 0x00 && lo == 0x04:
		return FrameVerdict{Unstable: true, Reason: ReasonMotion}
	default:
		return FrameVerdict{
			Unstable: true,
			Reason:   fmt.Sprintf("unrecognized status code %02x %02x", hi, lo),
		}
	}
}

func anyNonZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}
