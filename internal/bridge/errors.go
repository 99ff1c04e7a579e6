package bridge

import (
	"errors"
	"fmt"
)

// Status is the first data byte of every response frame
type Status byte

const (
	StatusOK           Status = 0x00
	StatusError        Status = 0x01
	StatusInvalidCmd   Status = 0x02
	StatusInvalidParam Status = 0x03
	StatusTimeout      Status = 0x04
	StatusBusy         Status = 0x05
	StatusNotInit      Status = 0x06
	StatusNoLink       Status = 0x07
	StatusNoData       Status = 0x08
	StatusBufferFull   Status = 0x09
	StatusCRCError     Status = 0x0A

	// StatusMismatch never travels on the wire. The host reports it when the
	// response frame is malformed or answers a different command.
	StatusMismatch Status = 0xF0
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusInvalidCmd:
		return "INVALID_CMD"
	case StatusInvalidParam:
		return "INVALID_PARAM"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusBusy:
		return "BUSY"
	case StatusNotInit:
		return "NOT_INIT"
	case StatusNoLink:
		return "NO_LINK"
	case StatusNoData:
		return "NO_DATA"
	case StatusBufferFull:
		return "BUFFER_FULL"
	case StatusCRCError:
		return "CRC_ERROR"
	case StatusMismatch:
		return "MISMATCH"
	default:
		return fmt.Sprintf("STATUS_0x%02X", byte(s))
	}
}

var (
	ErrGeneric      = errors.New("bridge: device error")
	ErrInvalidCmd   = errors.New("bridge: invalid command")
	ErrInvalidParam = errors.New("bridge: invalid parameter")
	ErrTimeout      = errors.New("bridge: timeout")
	ErrBusy         = errors.New("bridge: device busy")
	ErrNotInit      = errors.New("bridge: not initialized")
	ErrNoLink       = errors.New("bridge: no link")
	ErrNoData       = errors.New("bridge: no data")
	ErrBufferFull   = errors.New("bridge: buffer full")
	ErrCRC          = errors.New("bridge: crc error")
	ErrMismatch     = errors.New("bridge: response mismatch")
)

var statusErrors = map[Status]error{
	StatusError:        ErrGeneric,
	StatusInvalidCmd:   ErrInvalidCmd,
	StatusInvalidParam: ErrInvalidParam,
	StatusTimeout:      ErrTimeout,
	StatusBusy:         ErrBusy,
	StatusNotInit:      ErrNotInit,
	StatusNoLink:       ErrNoLink,
	StatusNoData:       ErrNoData,
	StatusBufferFull:   ErrBufferFull,
	StatusCRCError:     ErrCRC,
	StatusMismatch:     ErrMismatch,
}

// Error is returned by every failed exchange
type Error struct {
	Command byte
	Status  Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("bridge %s: %s", CommandName(e.Command), e.Status)
}

// Unwrap maps the status to its sentinel so callers can use errors.Is
func (e *Error) Unwrap() error {
	if err, ok := statusErrors[e.Status]; ok {
		return err
	}
	return ErrGeneric
}

func newError(cmd byte, status Status) error {
	return &Error{Command: cmd, Status: status}
}

// StatusOf extracts the bridge status from err. A nil error is StatusOK and
// errors from outside the bridge are StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Status
	}
	return StatusError
}
