package radio

import (
	"errors"
	"sync"
)

var (
	// ErrCRCMismatch is returned by ReadPacket for a frame with a bad CRC
	ErrCRCMismatch = errors.New("radio: crc mismatch")
	// ErrNoPacket is returned by ReadPacket when nothing was captured
	ErrNoPacket = errors.New("radio: no packet")
	// ErrNotAvailable is returned when the radio is disabled or absent
	ErrNotAvailable = errors.New("radio: not available")
)

// TxParams are the per-transmission overrides. Zero fields keep the
// receive channel setting.
type TxParams struct {
	Frequency       uint32
	SpreadingFactor int
	Bandwidth       float64
	CodingRate      int
	Power           int
}

// TxError is a transmit refusal carrying the code reported in TX_ACK
type TxError struct {
	Code string
}

func (e *TxError) Error() string {
	return "radio: transmit failed: " + e.Code
}

// Driver is the radio chip collaborator. OnPacketReady registers the
// interrupt hook; the hook must only record that a packet is waiting.
type Driver interface {
	StartReceive() error
	ReadPacket() ([]byte, error)
	RSSI() float64
	SNR() float64
	Transmit(data []byte, params TxParams) error
	OnPacketReady(hook func())
}

// MemoryDriver is an in-process Driver. Inject simulates a capture and
// Transmissions records downlinks.
type MemoryDriver struct {
	mu        sync.Mutex
	hook      func()
	pending   []memoryFrame
	current   memoryFrame
	receiving bool
	txErr     error
	tx        []Transmission
}

type memoryFrame struct {
	data []byte
	rssi float64
	snr  float64
	err  error
}

// Transmission is one recorded downlink
type Transmission struct {
	Data   []byte
	Params TxParams
}

// NewMemoryDriver creates an idle driver
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{}
}

// Inject captures a frame and fires the interrupt hook
func (d *MemoryDriver) Inject(data []byte, rssi, snr float64) {
	d.inject(memoryFrame{data: append([]byte(nil), data...), rssi: rssi, snr: snr})
}

// InjectCRCError captures a corrupted frame
func (d *MemoryDriver) InjectCRCError() {
	d.inject(memoryFrame{err: ErrCRCMismatch})
}

func (d *MemoryDriver) inject(f memoryFrame) {
	d.mu.Lock()
	d.pending = append(d.pending, f)
	hook := d.hook
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// FailTransmit makes subsequent transmissions return err
func (d *MemoryDriver) FailTransmit(err error) {
	d.mu.Lock()
	d.txErr = err
	d.mu.Unlock()
}

// Transmissions returns every downlink sent so far
func (d *MemoryDriver) Transmissions() []Transmission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Transmission(nil), d.tx...)
}

// Receiving reports whether the driver was left in receive mode
func (d *MemoryDriver) Receiving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receiving
}

func (d *MemoryDriver) StartReceive() error {
	d.mu.Lock()
	d.receiving = true
	d.mu.Unlock()
	return nil
}

func (d *MemoryDriver) ReadPacket() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return nil, ErrNoPacket
	}
	d.current = d.pending[0]
	d.pending = d.pending[1:]
	if d.current.err != nil {
		return nil, d.current.err
	}
	return d.current.data, nil
}

func (d *MemoryDriver) RSSI() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.rssi
}

func (d *MemoryDriver) SNR() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.snr
}

func (d *MemoryDriver) Transmit(data []byte, params TxParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiving = false
	if d.txErr != nil {
		return d.txErr
	}
	d.tx = append(d.tx, Transmission{Data: append([]byte(nil), data...), Params: params})
	return nil
}

func (d *MemoryDriver) OnPacketReady(hook func()) {
	d.mu.Lock()
	d.hook = hook
	d.mu.Unlock()
}
