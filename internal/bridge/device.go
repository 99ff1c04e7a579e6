package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// DeviceSocket is the single UDP socket owned by the co-processor
type DeviceSocket interface {
	Send(dst netip.AddrPort, data []byte) (int, error)
	Available() int
	Receive(buf []byte) (int, netip.AddrPort, error)
	Close() error
}

// DeviceNetwork is the network the simulated Ethernet chip is attached to
type DeviceNetwork interface {
	Listen(port uint16) (DeviceSocket, error)
	Resolve(ctx context.Context, hostname string) (netip.Addr, error)
}

// DeviceConfig describes the simulated co-processor hardware
type DeviceConfig struct {
	ChipPresent bool
	LinkUp      bool
	MAC         lorawan.MAC
	// Lease is applied when ETH_INIT carries no address block and the chip
	// has no address yet. It stands in for an upstream DHCP server.
	Lease   IPConfig
	Version Version
	MaxData int
}

// Device answers bridge requests the way the Ethernet co-processor
// firmware does. It backs Loopback and cmd/bridge-sim.
type Device struct {
	mu      sync.Mutex
	cfg     DeviceConfig
	network DeviceNetwork

	chipPresent    bool
	ethInitialized bool
	linkUp         bool
	mac            lorawan.MAC
	ipcfg          IPConfig
	sock           DeviceSocket
	led            bool
	bootAt         time.Time
	resets         int
	requests       map[byte]int
}

// NewDevice powers up a simulated co-processor. The chip is initialized at
// boot when present.
func NewDevice(cfg DeviceConfig, network DeviceNetwork) *Device {
	if cfg.MaxData <= 0 {
		cfg.MaxData = DefaultMaxData
	}
	if cfg.Version == (Version{}) {
		cfg.Version = Version{Major: 1, Minor: 1, Patch: 0}
	}
	d := &Device{cfg: cfg, network: network, requests: make(map[byte]int)}
	d.chipPresent = cfg.ChipPresent
	d.linkUp = cfg.LinkUp
	d.boot()
	return d
}

func (d *Device) boot() {
	d.ethInitialized = d.chipPresent
	d.mac = d.cfg.MAC
	d.ipcfg = IPConfig{}
	if d.sock != nil {
		d.sock.Close()
		d.sock = nil
	}
	d.led = false
	d.bootAt = time.Now()
}

// SetLink plugs or unplugs the simulated cable
func (d *Device) SetLink(up bool) {
	d.mu.Lock()
	d.linkUp = up
	d.mu.Unlock()
}

// SetChipPresent simulates a missing or failed Ethernet chip
func (d *Device) SetChipPresent(present bool) {
	d.mu.Lock()
	d.chipPresent = present
	if !present {
		d.ethInitialized = false
	}
	d.mu.Unlock()
}

// MAC returns the address currently programmed into the chip
func (d *Device) MAC() lorawan.MAC {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mac
}

// IPConfig returns the current address block
func (d *Device) IPConfig() IPConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ipcfg
}

// LED reports the debug LED state
func (d *Device) LED() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.led
}

// Resets returns how many RESET commands were served
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Requests returns how many times cmd was received
func (d *Device) Requests(cmd byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[cmd]
}

// Handle processes one request and returns the status and reply payload
func (d *Device) Handle(cmd byte, data []byte) (Status, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests[cmd]++
	switch {
	case cmd < 0x10:
		return d.handleSystem(cmd, data)
	case cmd < 0x20:
		return d.handleEthernet(cmd, data)
	case cmd < 0x30:
		return d.handleUDP(cmd, data)
	default:
		// TCP, RTC and I2C peripherals are not simulated
		return StatusInvalidCmd, nil
	}
}

func (d *Device) handleSystem(cmd byte, data []byte) (Status, []byte) {
	switch cmd {
	case CmdPing:
		return StatusOK, []byte("PONG")

	case CmdGetVersion:
		v := d.cfg.Version
		return StatusOK, []byte{v.Major, v.Minor, v.Patch}

	case CmdReset:
		d.resets++
		d.boot()
		return StatusOK, nil

	case CmdGetStatus:
		up := int(time.Since(d.bootAt) / time.Second)
		resp := make([]byte, systemStatusLen)
		resp[0] = boolByte(d.ethInitialized)
		resp[1] = boolByte(d.ethInitialized && d.linkUp)
		resp[3] = byte(up / 3600)
		resp[4] = byte(up % 3600 / 60)
		resp[5] = byte(up % 60)
		binary.BigEndian.PutUint16(resp[6:8], 1024)
		return StatusOK, resp

	case CmdSetLED:
		if len(data) < 1 {
			return StatusInvalidParam, nil
		}
		d.led = data[0] != 0
		return StatusOK, nil
	}
	return StatusInvalidCmd, nil
}

func (d *Device) handleEthernet(cmd byte, data []byte) (Status, []byte) {
	switch cmd {
	case CmdEthInit:
		if !d.ethInitialized {
			if !d.chipPresent {
				return StatusError, nil
			}
			d.ethInitialized = true
		}
		if len(data) >= ipConfigSize {
			d.ipcfg.UnmarshalBinary(data)
		} else if !d.ipcfg.IP.IsValid() || d.ipcfg.IP.IsUnspecified() {
			d.ipcfg = d.cfg.Lease
		}
		return StatusOK, nil

	case CmdEthStatus:
		return StatusOK, []byte{boolByte(d.ethInitialized)}
	}

	if !d.ethInitialized {
		if cmd >= CmdEthGetMAC && cmd <= CmdEthSetIP || cmd == CmdEthLinkStatus {
			return StatusNotInit, nil
		}
		return StatusInvalidCmd, nil
	}

	switch cmd {
	case CmdEthGetMAC:
		return StatusOK, append([]byte(nil), d.mac[:]...)

	case CmdEthSetMAC:
		if len(data) < len(d.mac) {
			return StatusInvalidParam, nil
		}
		copy(d.mac[:], data)
		return StatusOK, nil

	case CmdEthGetIP:
		resp, _ := d.ipcfg.MarshalBinary()
		return StatusOK, resp

	case CmdEthSetIP:
		if len(data) < ipConfigSize {
			return StatusInvalidParam, nil
		}
		d.ipcfg.UnmarshalBinary(data)
		return StatusOK, nil

	case CmdEthLinkStatus:
		return StatusOK, []byte{boolByte(d.linkUp)}
	}
	// ETH_DHCP is reserved and not implemented by the firmware
	return StatusInvalidCmd, nil
}

func (d *Device) handleUDP(cmd byte, data []byte) (Status, []byte) {
	switch cmd {
	case CmdUDPBegin:
		if !d.ethInitialized {
			return StatusNotInit, nil
		}
		if len(data) < 2 {
			return StatusInvalidParam, nil
		}
		if d.sock != nil {
			d.sock.Close()
			d.sock = nil
		}
		port := binary.BigEndian.Uint16(data)
		sock, err := d.network.Listen(port)
		if err != nil {
			log.Error().Err(err).Uint16("port", port).Msg("Device UDP listen failed")
			return StatusError, nil
		}
		d.sock = sock
		return StatusOK, nil

	case CmdUDPClose:
		if d.sock != nil {
			d.sock.Close()
			d.sock = nil
		}
		return StatusOK, nil

	case CmdUDPSend:
		if !d.ethInitialized || d.sock == nil {
			return StatusNotInit, nil
		}
		if len(data) < netAddressSize {
			return StatusInvalidParam, nil
		}
		dst := decodeNetAddress(data)
		sent, err := d.sock.Send(dst, data[netAddressSize:])
		if err != nil || sent == 0 {
			return StatusError, nil
		}
		resp := make([]byte, 2)
		binary.BigEndian.PutUint16(resp, uint16(sent))
		return StatusOK, resp

	case CmdUDPRecv:
		if !d.ethInitialized || d.sock == nil {
			return StatusNotInit, nil
		}
		if d.sock.Available() == 0 {
			return StatusNoData, nil
		}
		// status byte + NetAddress + payload must fit one frame
		buf := make([]byte, d.cfg.MaxData-1-netAddressSize)
		n, from, err := d.sock.Receive(buf)
		if err != nil || n == 0 {
			return StatusNoData, nil
		}
		resp := make([]byte, netAddressSize+n)
		encodeNetAddress(resp, from)
		copy(resp[netAddressSize:], buf[:n])
		return StatusOK, resp

	case CmdUDPAvailable:
		resp := make([]byte, 2)
		if d.ethInitialized && d.sock != nil {
			binary.BigEndian.PutUint16(resp, uint16(d.sock.Available()))
		}
		return StatusOK, resp

	case CmdDNSResolve:
		if !d.ethInitialized {
			return StatusNotInit, nil
		}
		if !d.linkUp {
			return StatusNoLink, nil
		}
		if len(data) == 0 || len(data) > MaxHostnameLen+1 {
			return StatusInvalidParam, nil
		}
		host := data
		if len(host) > MaxHostnameLen {
			host = host[:MaxHostnameLen]
		}
		for i, c := range host {
			if c == 0 {
				host = host[:i]
				break
			}
		}
		if len(host) == 0 {
			return StatusInvalidParam, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), DNSTimeout)
		defer cancel()
		addr, err := d.network.Resolve(ctx, string(host))
		if err != nil || !addr.Unmap().Is4() {
			return StatusError, nil
		}
		ip := addr.Unmap().As4()
		return StatusOK, ip[:]
	}
	return StatusInvalidCmd, nil
}

// Serve answers request frames read from rw until ctx is done or rw fails.
// Ports with a read timeout are polled so cancellation is observed.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	if p, ok := rw.(interface{ SetReadTimeout(time.Duration) error }); ok {
		if err := p.SetReadTimeout(100 * time.Millisecond); err != nil {
			return err
		}
	}

	dec := NewDecoder(d.cfg.MaxData)
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := rw.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		for _, c := range buf[:n] {
			if !dec.Feed(c) {
				continue
			}
			reply := d.respond(dec)
			if _, err := rw.Write(reply); err != nil {
				return err
			}
		}
	}
}

// respond builds the reply frame for the request held by dec
func (d *Device) respond(dec *Decoder) []byte {
	frame, err := dec.Frame()
	if err != nil {
		be := &Error{}
		if errors.As(err, &be) {
			log.Warn().Str("cmd", CommandName(be.Command)).Str("status", be.Status.String()).Msg("Device rejected frame")
			status := be.Status
			if status == StatusMismatch {
				status = StatusInvalidParam
			}
			return EncodeFrame(be.Command|ResponseFlag, []byte{byte(status)})
		}
		return EncodeFrame(ResponseFlag, []byte{byte(StatusError)})
	}

	status, resp := d.Handle(frame.Command, frame.Data)
	log.Debug().
		Str("cmd", CommandName(frame.Command)).
		Int("len", len(frame.Data)).
		Str("status", status.String()).
		Msg("Device request")
	data := make([]byte, 1+len(resp))
	data[0] = byte(status)
	copy(data[1:], resp)
	return EncodeFrame(frame.Command|ResponseFlag, data)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
