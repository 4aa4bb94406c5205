package wire

import "strings"

// Status is the client's view of the server-held job state.
type Status int

const (
	StatusPending Status = iota
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "DONE"
	case StatusFailed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

// Text exchanged on the stream outside of frames.
const (
	CheckDoneRequest = "CHECK_DONE"
	ReadyPhrase      = "Job ready."
	NotReadyPhrase   = "Job not ready."
	FailedPhrase     = "Job failed."

	AckGotSize        = "Got size."
	AckGotFile        = "Got file."
	AckJobClosed      = "Job marked as ready."
	AckJobEmpty       = "Job empty."
	AckTooLarge       = "File too large."
	AckIncompletePair = "Incomplete pair."

	// ZeroAck is the 4-byte zero word the client uses as the result trigger
	// and as its acks while receiving the result.
	ZeroAck = "\x00\x00\x00\x00"
)

// ParseStatus interprets a status response by substring match.
// The job is done only when resp contains ready. A non-empty failed phrase
// reports StatusFailed; every other answer, including an empty one, is pending.
func ParseStatus(resp, ready, failed string) Status {
	if ready != "" && strings.Contains(resp, ready) {
		return StatusDone
	}
	if failed != "" && strings.Contains(resp, failed) {
		return StatusFailed
	}
	return StatusPending
}
