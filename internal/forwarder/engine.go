// Package forwarder implements the gateway side of the Semtech UDP packet
// forwarder protocol on top of a failover-aware UDP transport.
package forwarder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/lorawan-server/lorawan-gateway/internal/radio"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

const (
	DefaultPortUp        = 1700
	DefaultPortDown      = 1700
	DefaultPullInterval  = 10 * time.Second
	DefaultStatInterval  = 30 * time.Second
	DefaultHealthTimeout = 30 * time.Second
	DefaultDescription   = "ESP32 1ch Gateway"
	DefaultRegion        = "US915"

	defaultTxPower = 14
)

var (
	ErrNotStarted    = errors.New("forwarder: not started")
	ErrNotForwarded  = errors.New("forwarder: packet not forwardable")
	ErrPacketTooLong = errors.New("forwarder: packet exceeds udp buffer")
	ErrShortWrite    = errors.New("forwarder: short udp write")
)

// Transport is the UDP path to the network server. The failover
// controller implements it.
type Transport interface {
	UDPBegin(port uint16) error
	UDPBeginPacketHost(host string, port uint16) error
	UDPWrite(b []byte) int
	UDPEndPacket() error
	UDPParsePacket() int
	UDPRead(buf []byte) int
	ActiveMAC() (lorawan.MAC, bool)
}

// Transmitter sends a downlink on the radio
type Transmitter interface {
	Transmit(data []byte, params radio.TxParams) error
}

// Config describes the network server and the gateway identity
type Config struct {
	ServerHost    string
	PortUp        uint16
	PortDown      uint16
	GatewayEUI    lorawan.EUI64 // zero derives the EUI from the active MAC
	FallbackMAC   lorawan.MAC   // used when no interface is active at Begin
	Description   string
	Region        string
	Latitude      float64
	Longitude     float64
	Altitude      int
	PullInterval  time.Duration
	StatInterval  time.Duration
	HealthTimeout time.Duration
}

// DefaultConfig returns the firmware defaults
func DefaultConfig() Config {
	return Config{
		ServerHost:    "localhost",
		PortUp:        DefaultPortUp,
		PortDown:      DefaultPortDown,
		Description:   DefaultDescription,
		Region:        DefaultRegion,
		PullInterval:  DefaultPullInterval,
		StatInterval:  DefaultStatInterval,
		HealthTimeout: DefaultHealthTimeout,
	}
}

// Stats are the protocol counters
type Stats struct {
	PushDataSent      uint32    `json:"push_data_sent"`
	PushAckReceived   uint32    `json:"push_ack_received"`
	PullDataSent      uint32    `json:"pull_data_sent"`
	PullAckReceived   uint32    `json:"pull_ack_received"`
	PullRespReceived  uint32    `json:"pull_resp_received"`
	TxAckSent         uint32    `json:"tx_ack_sent"`
	DownlinksReceived uint32    `json:"downlinks_received"`
	DownlinksSent     uint32    `json:"downlinks_sent"`
	LastPushTime      time.Time `json:"last_push_time"`
	LastPullTime      time.Time `json:"last_pull_time"`
}

// Downlink is the outcome of one PULL_RESP. Code is empty on success.
type Downlink struct {
	Token     uint16
	Code      string
	Size      int
	Frequency uint32
	DataRate  string
}

// Engine runs the protocol. Update, Forward and Begin must be called from a
// single goroutine; Stats, Status and the health accessors may be called
// from any.
type Engine struct {
	cfg       Config
	transport Transport
	tx        Transmitter
	now       func() time.Time

	eui      lorawan.EUI64
	started  bool
	token    uint16
	lastPull time.Time
	lastStat time.Time
	buf      []byte

	lastAck atomic.Int64 // unix nanoseconds, 0 before the first ACK

	mu    sync.Mutex
	stats Stats

	onDownlink func(Downlink)
}

// New creates an engine sending through transport and transmitting
// downlinks on tx
func New(cfg Config, transport Transport, tx Transmitter) *Engine {
	return &Engine{
		cfg:       cfg,
		transport: transport,
		tx:        tx,
		now:       time.Now,
		buf:       make([]byte, BufferSize),
	}
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// OnDownlink registers a callback run after every PULL_RESP
func (e *Engine) OnDownlink(fn func(Downlink)) {
	e.onDownlink = fn
}

func (e *Engine) Config() Config {
	return e.cfg
}

// GatewayEUI returns the identity sent in every message
func (e *Engine) GatewayEUI() lorawan.EUI64 {
	return e.eui
}

// Started reports whether Begin has run
func (e *Engine) Started() bool {
	return e.started
}

// Begin fixes the gateway EUI, opens the downlink port and sends the first
// PULL_DATA
func (e *Engine) Begin() error {
	if !e.cfg.GatewayEUI.IsZero() {
		e.eui = e.cfg.GatewayEUI
	} else {
		mac, ok := e.transport.ActiveMAC()
		if !ok {
			mac = e.cfg.FallbackMAC
		}
		e.eui = lorawan.EUIFromMAC(mac)
		log.Info().Str("mac", mac.String()).Msg("Gateway EUI derived from MAC")
	}

	log.Info().
		Str("eui", e.eui.String()).
		Str("server", e.cfg.ServerHost).
		Uint16("port_up", e.cfg.PortUp).
		Uint16("port_down", e.cfg.PortDown).
		Msg("Starting packet forwarder")

	// the transport keeps the port and opens it once an interface is up
	if err := e.transport.UDPBegin(e.cfg.PortDown); err != nil {
		log.Warn().Err(err).Msg("UDP not open yet")
	}

	e.started = true
	now := e.now()
	e.lastPull = now
	e.lastStat = now
	if err := e.sendPullData(); err != nil {
		log.Warn().Err(err).Msg("Initial PULL_DATA failed")
	}
	return nil
}

// NextToken returns the next message token, never 0
func (e *Engine) NextToken() uint16 {
	e.token++
	if e.token == 0 {
		e.token = 1
	}
	return e.token
}

// Update sends the periodic keep-alive and status messages and handles at
// most one incoming datagram
func (e *Engine) Update() {
	if !e.started {
		return
	}
	now := e.now()

	if now.Sub(e.lastPull) >= e.cfg.PullInterval {
		if err := e.sendPullData(); err != nil {
			log.Debug().Err(err).Msg("PULL_DATA failed")
		}
		e.lastPull = now
	}
	if now.Sub(e.lastStat) >= e.cfg.StatInterval {
		if err := e.sendStat(); err != nil {
			log.Debug().Err(err).Msg("Status report failed")
		}
		e.lastStat = now
	}

	e.receive()
}

// Forward sends p as a PUSH_DATA rxpk
func (e *Engine) Forward(p radio.Packet) error {
	if !e.started {
		return ErrNotStarted
	}
	if !p.IsForwardable() {
		return ErrNotForwarded
	}

	body, err := json.Marshal(pushRXPK{RXPK: []RXPK{NewRXPK(p, e.now())}})
	if err != nil {
		return fmt.Errorf("marshal rxpk: %w", err)
	}
	token, err := e.sendPushData(body)
	if err != nil {
		log.Warn().
			Err(err).
			Int("size", euiHeaderSize+len(body)).
			Int("payload", p.Size()).
			Msg("PUSH_DATA not sent")
		return err
	}

	e.mu.Lock()
	e.stats.PushDataSent++
	e.stats.LastPushTime = e.now()
	e.mu.Unlock()

	log.Info().
		Str("token", fmt.Sprintf("%04X", token)).
		Int("size", p.Size()).
		Float64("rssi", p.RSSI).
		Msg("Uplink forwarded")
	return nil
}

func (e *Engine) sendPushData(body []byte) (uint16, error) {
	if euiHeaderSize+len(body) > BufferSize {
		return 0, ErrPacketTooLong
	}
	token := e.NextToken()
	n := putHeader(e.buf, token, PushData, e.eui)
	n += copy(e.buf[n:], body)
	if err := e.send(e.buf[:n]); err != nil {
		return token, fmt.Errorf("push data: %w", err)
	}
	log.Debug().Str("token", fmt.Sprintf("%04X", token)).Int("size", n).Msg("PUSH_DATA sent")
	return token, nil
}

func (e *Engine) sendPullData() error {
	token := e.NextToken()
	n := putHeader(e.buf, token, PullData, e.eui)
	if err := e.send(e.buf[:n]); err != nil {
		return fmt.Errorf("pull data: %w", err)
	}

	e.mu.Lock()
	e.stats.PullDataSent++
	e.stats.LastPullTime = e.now()
	e.mu.Unlock()
	log.Debug().Str("token", fmt.Sprintf("%04X", token)).Msg("PULL_DATA sent")
	return nil
}

func (e *Engine) sendStat() error {
	body, err := json.Marshal(pushStat{Stat: e.buildStat()})
	if err != nil {
		return fmt.Errorf("marshal stat: %w", err)
	}
	_, err = e.sendPushData(body)
	return err
}

func (e *Engine) buildStat() Stat {
	e.mu.Lock()
	s := e.stats
	e.mu.Unlock()

	st := Stat{
		Time: e.now().UTC().Format(TimeFormat),
		RxNb: s.PushDataSent,
		RxOK: s.PushDataSent,
		RxFW: s.PushDataSent,
		DwNb: s.DownlinksReceived,
		TxNb: s.DownlinksSent,
		Desc: e.cfg.Description,
	}
	if s.PushAckReceived > 0 && s.PushDataSent > 0 {
		st.ACKR = float64(s.PushAckReceived) / float64(s.PushDataSent) * 100
	}
	if e.cfg.Latitude != 0 || e.cfg.Longitude != 0 {
		lat, lon, alt := e.cfg.Latitude, e.cfg.Longitude, e.cfg.Altitude
		st.Lati, st.Long, st.Alti = &lat, &lon, &alt
	}
	return st
}

func (e *Engine) sendTxAck(token uint16, code string) error {
	n := putHeader(e.buf, token, TxAck, e.eui)
	if code != "" {
		body, err := json.Marshal(txAck{TXPKAck: txAckError{Error: code}})
		if err == nil && n+len(body) < BufferSize {
			n += copy(e.buf[n:], body)
		}
	}
	if err := e.send(e.buf[:n]); err != nil {
		return fmt.Errorf("tx ack: %w", err)
	}

	e.mu.Lock()
	e.stats.TxAckSent++
	e.mu.Unlock()
	log.Debug().Str("token", fmt.Sprintf("%04X", token)).Str("error", code).Msg("TX_ACK sent")
	return nil
}

func (e *Engine) send(packet []byte) error {
	if err := e.transport.UDPBeginPacketHost(e.cfg.ServerHost, e.cfg.PortUp); err != nil {
		return err
	}
	written := e.transport.UDPWrite(packet)
	if err := e.transport.UDPEndPacket(); err != nil {
		return err
	}
	if written != len(packet) {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, written, len(packet))
	}
	return nil
}

func (e *Engine) receive() {
	size := e.transport.UDPParsePacket()
	if size <= 0 {
		return
	}
	if size > BufferSize {
		log.Warn().Int("size", size).Msg("Received packet too large, dropped")
		for e.transport.UDPRead(e.buf) > 0 {
		}
		return
	}

	n := e.transport.UDPRead(e.buf)
	e.handle(e.buf[:n])
}

// handle dispatches one datagram from the server
func (e *Engine) handle(data []byte) {
	if len(data) < headerSize {
		return
	}
	version := data[0]
	token := binary.BigEndian.Uint16(data[1:3])
	typ := data[3]
	tokenStr := fmt.Sprintf("%04X", token)

	if version != ProtocolVersion {
		log.Warn().Uint8("version", version).Msg("Unknown protocol version")
		return
	}

	switch typ {
	case PushAck:
		e.mu.Lock()
		e.stats.PushAckReceived++
		e.mu.Unlock()
		e.markAck()
		log.Debug().Str("token", tokenStr).Msg("PUSH_ACK received")
	case PullAck:
		e.mu.Lock()
		e.stats.PullAckReceived++
		e.mu.Unlock()
		e.markAck()
		log.Debug().Str("token", tokenStr).Msg("PULL_ACK received")
	case PullResp:
		e.mu.Lock()
		e.stats.PullRespReceived++
		e.mu.Unlock()
		e.markAck()
		log.Info().Str("token", tokenStr).Int("size", len(data)).Msg("PULL_RESP received")
		e.handlePullResp(token, data[headerSize:])
	default:
		log.Warn().Str("type", TypeName(typ)).Str("token", tokenStr).Msg("Unknown packet type")
	}
}

func (e *Engine) markAck() {
	e.lastAck.Store(e.now().UnixNano())
}

func (e *Engine) handlePullResp(token uint16, body []byte) {
	dl := Downlink{Token: token}

	err := e.processPullResp(body, &dl)
	var txErr *TxError
	if errors.As(err, &txErr) {
		dl.Code = txErr.Code
		log.Warn().Err(err).Str("token", fmt.Sprintf("%04X", token)).Msg("Downlink rejected")
	}

	if err := e.sendTxAck(token, dl.Code); err != nil {
		log.Error().Err(err).Msg("Failed to send TX_ACK")
	}
	if e.onDownlink != nil {
		e.onDownlink(dl)
	}
}

func (e *Engine) processPullResp(body []byte, dl *Downlink) error {
	var resp pullResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return &TxError{Code: CodeJSONError, Err: err}
	}
	if resp.TXPK == nil {
		return &TxError{Code: CodeTxParamError, Err: errors.New("missing txpk")}
	}

	e.mu.Lock()
	e.stats.DownlinksReceived++
	e.mu.Unlock()

	pk := resp.TXPK
	params, err := txParams(pk)
	if err != nil {
		return &TxError{Code: CodeTxParamError, Err: err}
	}

	payload := make([]byte, radio.MaxPayload)
	n, err := Base64Decode(payload, pk.Data)
	if err != nil {
		return &TxError{Code: CodeTxParamError, Err: fmt.Errorf("data: %w", err)}
	}
	if n == 0 {
		return &TxError{Code: CodeTxParamError, Err: errors.New("empty payload")}
	}
	payload = payload[:n]

	dl.Size = n
	dl.Frequency = params.Frequency
	dl.DataRate = lorawan.DataRate{SpreadingFactor: params.SpreadingFactor, Bandwidth: params.Bandwidth}.String()

	// transmitted immediately; tmst scheduling is not supported on one channel
	log.Info().
		Uint32("freq", params.Frequency).
		Str("datr", dl.DataRate).
		Int("size", n).
		Uint32("tmst", pk.Tmst).
		Msg("Transmitting downlink")

	if err := e.tx.Transmit(payload, params); err != nil {
		var rerr *radio.TxError
		if errors.As(err, &rerr) && rerr.Code != "" {
			return &TxError{Code: rerr.Code, Err: err}
		}
		return &TxError{Code: CodeTxFailed, Err: err}
	}

	e.mu.Lock()
	e.stats.DownlinksSent++
	e.mu.Unlock()
	return nil
}

func txParams(pk *TXPK) (radio.TxParams, error) {
	datr := pk.DatR
	if datr == "" {
		datr = "SF7BW125"
	}
	dr, err := lorawan.ParseDataRate(datr)
	if err != nil {
		return radio.TxParams{}, err
	}

	codr := pk.CodR
	if codr == "" {
		codr = "4/5"
	}
	cr, err := lorawan.ParseCodingRate(codr)
	if err != nil {
		return radio.TxParams{}, err
	}

	if pk.Modu != "" && pk.Modu != "LORA" {
		return radio.TxParams{}, fmt.Errorf("unsupported modulation %q", pk.Modu)
	}

	power := defaultTxPower
	if pk.Powe != nil {
		power = *pk.Powe
	}

	return radio.TxParams{
		Frequency:       uint32(pk.Freq*1e6 + 0.5),
		SpreadingFactor: dr.SpreadingFactor,
		Bandwidth:       dr.Bandwidth,
		CodingRate:      cr,
		Power:           power,
	}, nil
}

// LastAckTime returns when the last PUSH_ACK, PULL_ACK or PULL_RESP arrived,
// or the zero time if none has
func (e *Engine) LastAckTime() time.Time {
	ns := e.lastAck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// IsHealthy reports whether the server acknowledged within timeout
func (e *Engine) IsHealthy(timeout time.Duration) bool {
	ns := e.lastAck.Load()
	if ns == 0 {
		return false
	}
	return e.now().Sub(time.Unix(0, ns)) < timeout
}

// Stats returns a copy of the counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetStats zeroes the counters
func (e *Engine) ResetStats() {
	e.mu.Lock()
	e.stats = Stats{}
	e.mu.Unlock()
}

// Status is the forwarder document served by the API
type Status struct {
	Started     bool    `json:"started"`
	Healthy     bool    `json:"healthy"`
	GatewayEUI  string  `json:"gateway_eui"`
	Server      string  `json:"server"`
	PortUp      uint16  `json:"port_up"`
	PortDown    uint16  `json:"port_down"`
	Description string  `json:"description"`
	Region      string  `json:"region"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Altitude    int     `json:"altitude"`
	Stats       Stats   `json:"stats"`
	LastAckAgo  *int64  `json:"last_ack_ago,omitempty"` // seconds
}

func (e *Engine) Status() Status {
	st := Status{
		Started:     e.started,
		Healthy:     e.IsHealthy(e.cfg.HealthTimeout),
		GatewayEUI:  e.eui.String(),
		Server:      e.cfg.ServerHost,
		PortUp:      e.cfg.PortUp,
		PortDown:    e.cfg.PortDown,
		Description: e.cfg.Description,
		Region:      e.cfg.Region,
		Latitude:    e.cfg.Latitude,
		Longitude:   e.cfg.Longitude,
		Altitude:    e.cfg.Altitude,
		Stats:       e.Stats(),
	}
	if last := e.LastAckTime(); !last.IsZero() {
		ago := int64(e.now().Sub(last) / time.Second)
		st.LastAckAgo = &ago
	}
	return st
}
