package radio

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	// rxBacklog bounds frames buffered between a NATS delivery and Poll
	rxBacklog = 16

	// DefaultTxTimeout bounds a transmit request/reply round trip
	DefaultTxTimeout = 2 * time.Second
)

// RxMessage is published by the concentrator on <subject>.rx
type RxMessage struct {
	Data []byte  `json:"data"`
	RSSI float64 `json:"rssi"`
	SNR  float64 `json:"snr"`
	CRC  bool    `json:"crc_error,omitempty"`
}

// TxRequest is sent as a request on <subject>.tx
type TxRequest struct {
	Data            []byte  `json:"data"`
	Frequency       uint32  `json:"freq"`
	SpreadingFactor int     `json:"sf"`
	Bandwidth       float64 `json:"bw"`
	CodingRate      int     `json:"cr"`
	Power           int     `json:"power"`
}

// TxReply answers a TxRequest. An empty Error means the frame was sent.
type TxReply struct {
	Error string `json:"error,omitempty"`
}

// NATSDriver talks to an out-of-process radio concentrator over NATS
type NATSDriver struct {
	conn      *nats.Conn
	subject   string
	txTimeout time.Duration

	mu      sync.Mutex
	sub     *nats.Subscription
	hook    func()
	backlog []RxMessage
	current RxMessage
}

// NewNATSDriver creates a driver using subject as the prefix for the rx and
// tx subjects
func NewNATSDriver(conn *nats.Conn, subject string, txTimeout time.Duration) *NATSDriver {
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	return &NATSDriver{conn: conn, subject: subject, txTimeout: txTimeout}
}

func (d *NATSDriver) rxSubject() string { return d.subject + ".rx" }
func (d *NATSDriver) txSubject() string { return d.subject + ".tx" }

func (d *NATSDriver) StartReceive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil && d.sub.IsValid() {
		return nil
	}

	sub, err := d.conn.Subscribe(d.rxSubject(), d.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", d.rxSubject(), err)
	}
	d.sub = sub
	log.Info().Str("subject", d.rxSubject()).Msg("Radio receive subscription active")
	return nil
}

func (d *NATSDriver) handleMessage(msg *nats.Msg) {
	rx, err := decodeRxMessage(msg.Data)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid radio rx message")
		return
	}

	d.mu.Lock()
	if len(d.backlog) >= rxBacklog {
		d.mu.Unlock()
		log.Warn().Msg("Radio rx backlog full, frame dropped")
		return
	}
	d.backlog = append(d.backlog, rx)
	hook := d.hook
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func decodeRxMessage(data []byte) (RxMessage, error) {
	var rx RxMessage
	if err := json.Unmarshal(data, &rx); err != nil {
		return rx, err
	}
	if !rx.CRC && len(rx.Data) == 0 {
		return rx, fmt.Errorf("empty frame")
	}
	return rx, nil
}

func (d *NATSDriver) ReadPacket() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.backlog) == 0 {
		return nil, ErrNoPacket
	}
	d.current = d.backlog[0]
	d.backlog = d.backlog[1:]
	if d.current.CRC {
		return nil, ErrCRCMismatch
	}
	return d.current.Data, nil
}

func (d *NATSDriver) RSSI() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.RSSI
}

func (d *NATSDriver) SNR() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.SNR
}

func (d *NATSDriver) Transmit(data []byte, params TxParams) error {
	req, err := json.Marshal(TxRequest{
		Data:            data,
		Frequency:       params.Frequency,
		SpreadingFactor: params.SpreadingFactor,
		Bandwidth:       params.Bandwidth,
		CodingRate:      params.CodingRate,
		Power:           params.Power,
	})
	if err != nil {
		return err
	}

	msg, err := d.conn.Request(d.txSubject(), req, d.txTimeout)
	if err != nil {
		return &TxError{Code: "TX_FAILED"}
	}

	var reply TxReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return &TxError{Code: "TX_FAILED"}
	}
	if reply.Error != "" {
		return &TxError{Code: reply.Error}
	}
	return nil
}

func (d *NATSDriver) OnPacketReady(hook func()) {
	d.mu.Lock()
	d.hook = hook
	d.mu.Unlock()
}

// Close drops the rx subscription
func (d *NATSDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub == nil {
		return nil
	}
	err := d.sub.Unsubscribe()
	d.sub = nil
	return err
}
