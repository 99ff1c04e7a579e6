package radio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Receiver owns the radio driver. The interrupt hook only sets the ready
// flag; Poll, called from the main loop, reads the packet off the radio and
// queues it.
type Receiver struct {
	driver   Driver
	queue    *Queue
	settings Settings
	now      func() time.Time
	start    time.Time

	ready     atomic.Bool
	receiving atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// NewReceiver wires driver to queue and registers the interrupt hook
func NewReceiver(driver Driver, queue *Queue, settings Settings) *Receiver {
	r := &Receiver{
		driver:   driver,
		queue:    queue,
		settings: settings,
		now:      time.Now,
	}
	r.start = r.now()
	driver.OnPacketReady(r.interrupt)
	return r
}

// SetClock replaces the time source used for capture timestamps
func (r *Receiver) SetClock(now func() time.Time) {
	r.now = now
	r.start = now()
}

func (r *Receiver) interrupt() {
	r.ready.Store(true)
}

// Settings returns the receive channel configuration
func (r *Receiver) Settings() Settings {
	return r.settings
}

// Queue returns the capture queue
func (r *Receiver) Queue() *Queue {
	return r.queue
}

// StartReceive puts the radio in continuous receive mode. The ready flag is
// left alone: only Poll consumes it, so a frame signalled while the radio was
// transmitting is still serviced.
func (r *Receiver) StartReceive() error {
	if err := r.driver.StartReceive(); err != nil {
		r.receiving.Store(false)
		return fmt.Errorf("failed to start receive: %w", err)
	}
	r.receiving.Store(true)
	return nil
}

// Receiving reports whether the radio is listening
func (r *Receiver) Receiving() bool {
	return r.receiving.Load()
}

// Poll services a pending interrupt. It returns the number of packets queued.
func (r *Receiver) Poll() int {
	if !r.receiving.Load() || !r.ready.CompareAndSwap(true, false) {
		return 0
	}

	queued := 0
	for {
		data, err := r.driver.ReadPacket()
		if errors.Is(err, ErrNoPacket) {
			break
		}
		if errors.Is(err, ErrCRCMismatch) {
			r.mu.Lock()
			r.stats.RxCRCError++
			r.mu.Unlock()
			log.Warn().Msg("Radio CRC error")
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("Radio receive error")
			break
		}
		if r.capture(data) {
			queued++
		}
	}

	if err := r.StartReceive(); err != nil {
		log.Error().Err(err).Msg("Failed to restart receive")
	}
	return queued
}

func (r *Receiver) capture(data []byte) bool {
	if len(data) > MaxPayload {
		data = data[:MaxPayload]
	}
	now := r.now()
	p := Packet{
		Payload:         append([]byte(nil), data...),
		RSSI:            r.driver.RSSI(),
		SNR:             r.driver.SNR(),
		Frequency:       r.settings.Frequency,
		SpreadingFactor: r.settings.SpreadingFactor,
		Bandwidth:       r.settings.Bandwidth,
		CodingRate:      r.settings.CodingRate,
		Timestamp:       uint32(now.Sub(r.start).Microseconds()),
		Valid:           true,
	}

	r.mu.Lock()
	r.stats.RxReceived++
	r.stats.LastRSSI = p.RSSI
	r.stats.LastSNR = p.SNR
	r.stats.LastPacketTime = now
	r.mu.Unlock()

	log.Info().
		Int("size", p.Size()).
		Float64("rssi", p.RSSI).
		Float64("snr", p.SNR).
		Msg("Radio packet received")

	if !r.queue.Push(p) {
		log.Warn().Uint32("dropped", r.queue.Dropped()).Msg("Packet queue full, packet dropped")
		return false
	}
	return true
}

// Transmit sends a downlink immediately and returns the radio to receive
// mode whatever the outcome
func (r *Receiver) Transmit(data []byte, params TxParams) error {
	r.receiving.Store(false)
	err := r.driver.Transmit(data, params)

	r.mu.Lock()
	if err != nil {
		r.stats.TxFailed++
	} else {
		r.stats.TxSent++
	}
	r.mu.Unlock()

	if rerr := r.StartReceive(); rerr != nil {
		log.Error().Err(rerr).Msg("Failed to restart receive after transmit")
	}
	if err != nil {
		return fmt.Errorf("transmit %d bytes: %w", len(data), err)
	}
	log.Info().Int("size", len(data)).Uint32("freq", params.Frequency).Msg("Radio downlink sent")
	return nil
}

// Stats returns a snapshot of the radio counters
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.RxDropped = r.queue.Dropped()
	return s
}
