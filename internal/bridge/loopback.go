package bridge

import (
	"sync"
	"time"
)

// ReplyFilter rewrites an encoded reply frame before the host sees it.
// Returning nil drops the reply.
type ReplyFilter func(reply []byte) []byte

// Loopback is an in-memory Port wired to a Device. Requests written by the
// host are answered synchronously and the reply becomes readable.
type Loopback struct {
	mu          sync.Mutex
	dev         *Device
	dec         *Decoder
	rx          []byte
	readTimeout time.Duration
	filter      ReplyFilter
	written     [][]byte
	signal      chan struct{}
}

// NewLoopback connects a host-side Port to dev
func NewLoopback(dev *Device) *Loopback {
	return &Loopback{
		dev:         dev,
		dec:         NewDecoder(dev.cfg.MaxData),
		readTimeout: DefaultTimeout,
		signal:      make(chan struct{}, 1),
	}
}

// Device returns the attached responder
func (l *Loopback) Device() *Device {
	return l.dev
}

// SetReplyFilter installs a fault injector for subsequent replies
func (l *Loopback) SetReplyFilter(f ReplyFilter) {
	l.mu.Lock()
	l.filter = f
	l.mu.Unlock()
}

// Inject appends raw bytes to the host receive side
func (l *Loopback) Inject(b []byte) {
	l.mu.Lock()
	l.rx = append(l.rx, b...)
	l.mu.Unlock()
	l.notify()
}

// Written returns every frame the host has written
func (l *Loopback) Written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.written...)
}

func (l *Loopback) Write(p []byte) (int, error) {
	l.mu.Lock()
	l.written = append(l.written, append([]byte(nil), p...))
	filter := l.filter
	l.mu.Unlock()

	var replies []byte
	for _, c := range p {
		if !l.dec.Feed(c) {
			continue
		}
		reply := l.dev.respond(l.dec)
		if filter != nil {
			reply = filter(reply)
		}
		replies = append(replies, reply...)
	}
	if len(replies) > 0 {
		l.Inject(replies)
	}
	return len(p), nil
}

func (l *Loopback) Read(p []byte) (int, error) {
	l.mu.Lock()
	timeout := l.readTimeout
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		l.mu.Lock()
		if len(l.rx) > 0 {
			n := copy(p, l.rx)
			l.rx = l.rx[n:]
			l.mu.Unlock()
			return n, nil
		}
		l.mu.Unlock()

		select {
		case <-l.signal:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (l *Loopback) ResetInputBuffer() error {
	l.mu.Lock()
	l.rx = nil
	l.mu.Unlock()
	return nil
}

func (l *Loopback) SetReadTimeout(t time.Duration) error {
	l.mu.Lock()
	l.readTimeout = t
	l.mu.Unlock()
	return nil
}

func (l *Loopback) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}
