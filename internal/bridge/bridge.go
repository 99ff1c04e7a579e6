package bridge

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// readSlice bounds a single port read so the exchange deadline is honored
// even on ports that do not return early.
const readSlice = 50 * time.Millisecond

// Port is the byte stream to the co-processor. go.bug.st/serial ports
// satisfy it, as does Loopback.
type Port interface {
	io.ReadWriter
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Bridge runs synchronous request/response exchanges over a Port.
// Exchanges are serialized; a second caller waits for the first to finish.
type Bridge struct {
	mu      sync.Mutex
	port    Port
	maxData int
	timeout time.Duration
	decoder *Decoder
	rxBuf   []byte
}

// New creates a Bridge. Zero values select DefaultMaxData and DefaultTimeout.
func New(port Port, maxData int, timeout time.Duration) *Bridge {
	if maxData <= 0 {
		maxData = DefaultMaxData
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		port:    port,
		maxData: maxData,
		timeout: timeout,
		decoder: NewDecoder(maxData),
		rxBuf:   make([]byte, 64),
	}
}

// MaxData returns the largest data field the bridge accepts
func (b *Bridge) MaxData() int {
	return b.maxData
}

// Timeout returns the default exchange timeout
func (b *Bridge) Timeout() time.Duration {
	return b.timeout
}

// Exchange sends cmd with req and waits up to timeout for the matching
// response. The payload after the status byte is returned, truncated to
// maxResp bytes. A non-positive timeout selects the default.
func (b *Bridge) Exchange(cmd byte, req []byte, maxResp int, timeout time.Duration) ([]byte, error) {
	if len(req) > b.maxData {
		return nil, newError(cmd, StatusBufferFull)
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("bridge %s: reset input: %w", CommandName(cmd), err)
	}
	if _, err := b.port.Write(EncodeFrame(cmd, req)); err != nil {
		return nil, fmt.Errorf("bridge %s: write: %w", CommandName(cmd), err)
	}

	frame, err := b.receive(cmd, timeout)
	if err != nil {
		log.Debug().
			Str("cmd", CommandName(cmd)).
			Err(err).
			Msg("Bridge exchange failed")
		return nil, err
	}

	if frame.Command != cmd|ResponseFlag || len(frame.Data) == 0 {
		return nil, newError(cmd, StatusMismatch)
	}
	if status := Status(frame.Data[0]); status != StatusOK {
		return nil, newError(cmd, status)
	}

	payload := frame.Data[1:]
	if maxResp >= 0 && len(payload) > maxResp {
		payload = payload[:maxResp]
	}
	return payload, nil
}

func (b *Bridge) receive(cmd byte, timeout time.Duration) (Frame, error) {
	b.decoder.Reset()
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, newError(cmd, StatusTimeout)
		}
		if remaining > readSlice {
			remaining = readSlice
		}
		if err := b.port.SetReadTimeout(remaining); err != nil {
			return Frame{}, fmt.Errorf("bridge %s: set read timeout: %w", CommandName(cmd), err)
		}

		n, err := b.port.Read(b.rxBuf)
		if err != nil && err != io.EOF {
			return Frame{}, fmt.Errorf("bridge %s: read: %w", CommandName(cmd), err)
		}
		for _, c := range b.rxBuf[:n] {
			if !b.decoder.Feed(c) {
				continue
			}
			frame, ferr := b.decoder.Frame()
			if ferr != nil {
				return Frame{}, newError(cmd, StatusOf(ferr))
			}
			return frame, nil
		}
	}
}
