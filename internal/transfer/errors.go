package transfer

import (
	"errors"
	"fmt"

	"url-relay/internal/pipe"
)

var (
	// ErrAlreadyStarted is returned by setters and by Perform once the relay
	// has been started.
	ErrAlreadyStarted = errors.New("relay already started")

	// ErrProtocolViolation matches every *ProtocolError. It indicates a bug,
	// not an environmental failure.
	ErrProtocolViolation = errors.New("relay protocol violation")

	// ErrUploadEndedEarly is reported when the upload request completed
	// before the whole download had been consumed.
	ErrUploadEndedEarly = errors.New("upload ended before the download was fully relayed")
)

// ProtocolError reports a message that arrived out of order on the pipe.
type ProtocolError struct {
	Phase string
	Got   pipe.Message
	Want  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("relay protocol violation: got %s during %s, want %s", e.Got, e.Phase, e.Want)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}

// Side names one half of a relay.
type Side string

const (
	SideDownload Side = "download"
	SideUpload   Side = "upload"
)

// SideError attributes a failure returned by Perform to the side it came
// from. Its message is the wrapped error's.
type SideError struct {
	Side Side
	Err  error
}

func (e *SideError) Error() string {
	return e.Err.Error()
}

func (e *SideError) Unwrap() error {
	return e.Err
}

// FailedSide reports which side err is attributed to, if any.
func FailedSide(err error) (Side, bool) {
	var se *SideError
	if errors.As(err, &se) {
		return se.Side, true
	}
	return "", false
}
