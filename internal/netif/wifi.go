package netif

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

const (
	wifiBufferSize = 2048
	pollTimeout    = time.Millisecond
	resolveTimeout = 5 * time.Second
)

// StationMode is the radio mode of the local WiFi stack
type StationMode int

const (
	ModeOff StationMode = iota
	ModeStation
	ModeAP
	ModeAPStation
)

// StationState is the association state reported by the WiFi stack
type StationState int

const (
	StateIdle StationState = iota
	StateNoSSID
	StateScanCompleted
	StateConnected
	StateConnectFailed
	StateConnectionLost
	StateDisconnected
)

// PacketConn is the UDP socket the WiFi stack hands out. *net.UDPConn
// implements it.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Station is the local WiFi stack
type Station interface {
	Mode() StationMode
	State() StationState
	LocalIP() netip.Addr
	GatewayIP() netip.Addr
	Subnet() netip.Addr
	DNS() netip.Addr
	SoftAPIP() netip.Addr
	MAC() lorawan.MAC
	RSSI() int
	SSID() string
	ListenUDP(port uint16) (PacketConn, error)
	LookupHost(ctx context.Context, host string) (netip.Addr, error)
}

// WiFiAdapter exposes the local WiFi stack as an Interface. Connectivity is
// polled from the station on every Update.
type WiFiAdapter struct {
	station Station
	enabled bool
	now     func() time.Time

	status      Status
	connectedAt time.Time

	conn      PacketConn
	localPort uint16
	buf       packetBuffer
}

// NewWiFiAdapter wraps station
func NewWiFiAdapter(station Station, enabled bool) *WiFiAdapter {
	return &WiFiAdapter{
		station: station,
		enabled: enabled,
		now:     time.Now,
		status:  StatusDisconnected,
		buf:     newPacketBuffer(wifiBufferSize, wifiBufferSize),
	}
}

// SetClock replaces the time source
func (w *WiFiAdapter) SetClock(now func() time.Time) {
	w.now = now
}

// Station returns the underlying WiFi stack
func (w *WiFiAdapter) Station() Station {
	return w.station
}

func (w *WiFiAdapter) markConnected() {
	if w.status != StatusConnected || w.connectedAt.IsZero() {
		w.connectedAt = w.now()
	}
	w.status = StatusConnected
}

func (w *WiFiAdapter) Begin() error {
	if !w.enabled {
		w.status = StatusDisconnected
		return ErrDisabled
	}

	if w.station.Mode() == ModeAP && !isZeroAddr(w.station.SoftAPIP()) {
		w.markConnected()
		log.Info().Str("iface", w.Name()).Str("ip", w.station.SoftAPIP().String()).Msg("AP mode detected")
		return nil
	}
	if w.station.State() == StateConnected {
		w.markConnected()
		return nil
	}

	w.status = StatusDisconnected
	return ErrNotConnected
}

func (w *WiFiAdapter) End() {
	w.UDPStop()
	w.status = StatusDisconnected
	w.connectedAt = time.Time{}
}

func (w *WiFiAdapter) Reconnect() error {
	w.End()
	return w.Begin()
}

// Update maps the station state onto Status
func (w *WiFiAdapter) Update() {
	if !w.enabled {
		return
	}

	if w.station.Mode() == ModeAP {
		if !isZeroAddr(w.station.SoftAPIP()) {
			if w.status != StatusConnected {
				w.markConnected()
				log.Info().Str("iface", w.Name()).Str("ip", w.station.SoftAPIP().String()).Msg("AP mode active")
			}
		} else {
			w.status = StatusDisconnected
			w.connectedAt = time.Time{}
		}
		return
	}

	switch w.station.State() {
	case StateConnected:
		if w.status != StatusConnected {
			w.markConnected()
			log.Info().Str("iface", w.Name()).Str("ip", w.station.LocalIP().String()).Msg("WiFi connected")
		}
	case StateIdle, StateDisconnected, StateConnectionLost:
		if w.status == StatusConnected {
			log.Warn().Str("iface", w.Name()).Msg("WiFi disconnected")
		}
		w.status = StatusDisconnected
		w.connectedAt = time.Time{}
	case StateConnectFailed, StateNoSSID:
		w.status = StatusError
		w.connectedAt = time.Time{}
	default:
		w.status = StatusConnecting
	}
}

func (w *WiFiAdapter) IsConnected() bool {
	if !w.enabled {
		return false
	}
	switch w.station.Mode() {
	case ModeStation, ModeAPStation:
		return w.station.State() == StateConnected && !isZeroAddr(w.station.LocalIP())
	case ModeAP:
		return !isZeroAddr(w.station.SoftAPIP())
	}
	return false
}

func (w *WiFiAdapter) IsLinkUp() bool {
	st := w.station.State()
	return st == StateConnected || st == StateIdle
}

func (w *WiFiAdapter) Status() Status {
	w.Update()
	return w.status
}

func (w *WiFiAdapter) Type() Type       { return TypeWiFi }
func (w *WiFiAdapter) Name() string     { return "WiFi" }
func (w *WiFiAdapter) Enabled() bool    { return w.enabled }
func (w *WiFiAdapter) MAC() lorawan.MAC { return w.station.MAC() }

// RSSI returns the received signal strength in dBm
func (w *WiFiAdapter) RSSI() int { return w.station.RSSI() }

// SSID returns the associated network name
func (w *WiFiAdapter) SSID() string { return w.station.SSID() }

func (w *WiFiAdapter) LocalIP() netip.Addr {
	if w.station.Mode() == ModeAP {
		return w.station.SoftAPIP()
	}
	return w.station.LocalIP()
}

func (w *WiFiAdapter) GatewayIP() netip.Addr {
	return w.station.GatewayIP()
}

func (w *WiFiAdapter) Info() Info {
	info := Info{
		Type:    TypeWiFi,
		Status:  w.status,
		IP:      w.station.LocalIP(),
		Gateway: w.station.GatewayIP(),
		Subnet:  w.station.Subnet(),
		DNS:     w.station.DNS(),
		MAC:     w.station.MAC(),
		RSSI:    w.station.RSSI(),
		LinkUp:  w.IsLinkUp(),
	}
	if !w.connectedAt.IsZero() {
		info.ConnectedFor = w.now().Sub(w.connectedAt)
	}
	return info
}

func (w *WiFiAdapter) UDPBegin(port uint16) error {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}

	conn, err := w.station.ListenUDP(port)
	if err != nil {
		log.Error().Err(err).Str("iface", w.Name()).Msg("Failed to start UDP")
		return fmt.Errorf("udp begin on port %d: %w", port, err)
	}
	w.conn = conn
	w.localPort = port
	w.buf.reset()
	log.Info().Str("iface", w.Name()).Uint16("port", port).Msg("UDP started")
	return nil
}

func (w *WiFiAdapter) UDPStop() {
	if w.conn == nil {
		return
	}
	w.conn.Close()
	w.conn = nil
	w.localPort = 0
	w.buf.reset()
	log.Info().Str("iface", w.Name()).Msg("UDP stopped")
}

func (w *WiFiAdapter) UDPStarted() bool     { return w.conn != nil }
func (w *WiFiAdapter) UDPLocalPort() uint16 { return w.localPort }

func (w *WiFiAdapter) UDPBeginPacket(dst netip.AddrPort) error {
	if w.conn == nil {
		return ErrSocketClosed
	}
	w.buf.begin(dst)
	return nil
}

func (w *WiFiAdapter) UDPBeginPacketHost(host string, port uint16) error {
	if w.conn == nil {
		return ErrSocketClosed
	}
	addr, err := w.Resolve(host)
	if err != nil {
		return err
	}
	return w.UDPBeginPacket(netip.AddrPortFrom(addr, port))
}

func (w *WiFiAdapter) UDPWrite(b []byte) int {
	if w.conn == nil {
		return 0
	}
	return w.buf.write(b)
}

func (w *WiFiAdapter) UDPEndPacket() error {
	if w.conn == nil {
		return ErrSocketClosed
	}
	if len(w.buf.tx) == 0 {
		return ErrEmptyPacket
	}
	_, err := w.conn.WriteToUDPAddrPort(w.buf.tx, w.buf.dst)
	w.buf.resetTx()
	if err != nil {
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

// UDPParsePacket polls the socket without blocking the main loop
func (w *WiFiAdapter) UDPParsePacket() int {
	if w.conn == nil {
		return 0
	}
	if n := w.buf.remaining(); n > 0 {
		return n
	}

	w.conn.SetReadDeadline(time.Now().Add(pollTimeout))
	n, from, err := w.conn.ReadFromUDPAddrPort(w.buf.rx)
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			log.Debug().Err(err).Str("iface", w.Name()).Msg("UDP receive error")
		}
		w.buf.pending = false
		return 0
	}
	w.buf.fill(n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))
	return n
}

func (w *WiFiAdapter) UDPRead(buf []byte) int {
	if w.conn == nil {
		return 0
	}
	return w.buf.read(buf)
}

func (w *WiFiAdapter) UDPRemoteAddr() netip.AddrPort {
	return w.buf.remote
}

func (w *WiFiAdapter) Resolve(host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	addr, err := w.station.LookupHost(ctx, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}
	return addr, nil
}
