package bridge

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// Version is the co-processor firmware version
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// SystemStatus is the GET_STATUS reply
type SystemStatus struct {
	EthInitialized bool
	LinkUp         bool
	Uptime         time.Duration
	FreeRAM        uint16
}

// IPConfig is the 16 byte ip/gateway/subnet/dns block used by ETH_INIT,
// ETH_GET_IP and ETH_SET_IP
type IPConfig struct {
	IP      netip.Addr
	Gateway netip.Addr
	Subnet  netip.Addr
	DNS     netip.Addr
}

// MarshalBinary encodes the block. Unset addresses encode as 0.0.0.0; an
// address that is not IPv4 is an error.
func (c IPConfig) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, ipConfigSize)
	for _, a := range []netip.Addr{c.IP, c.Gateway, c.Subnet, c.DNS} {
		if a.IsValid() && !a.Unmap().Is4() {
			return nil, fmt.Errorf("ip config: %s is not an IPv4 address", a)
		}
		b := addr4(a)
		buf = append(buf, b[:]...)
	}
	return buf, nil
}

// UnmarshalBinary decodes a 16 byte block
func (c *IPConfig) UnmarshalBinary(data []byte) error {
	if len(data) < ipConfigSize {
		return fmt.Errorf("ip config: short buffer (%d bytes)", len(data))
	}
	c.IP = netip.AddrFrom4([4]byte(data[0:4]))
	c.Gateway = netip.AddrFrom4([4]byte(data[4:8]))
	c.Subnet = netip.AddrFrom4([4]byte(data[8:12]))
	c.DNS = netip.AddrFrom4([4]byte(data[12:16]))
	return nil
}

func addr4(a netip.Addr) [4]byte {
	if !a.IsValid() || !a.Unmap().Is4() {
		return [4]byte{}
	}
	return a.Unmap().As4()
}

// The wire NetAddress is four address bytes followed by the port in the
// co-processor's native little-endian order.
func encodeNetAddress(dst []byte, ap netip.AddrPort) {
	ip := addr4(ap.Addr())
	copy(dst[0:4], ip[:])
	binary.LittleEndian.PutUint16(dst[4:6], ap.Port())
}

func decodeNetAddress(src []byte) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(src[0:4])), binary.LittleEndian.Uint16(src[4:6]))
}

// Ping checks that the co-processor answers with "PONG"
func (b *Bridge) Ping() error {
	resp, err := b.Exchange(CmdPing, nil, 8, 0)
	if err != nil {
		return err
	}
	if len(resp) < 4 || string(resp[:4]) != "PONG" {
		return newError(CmdPing, StatusMismatch)
	}
	return nil
}

// Version reads the firmware version
func (b *Bridge) Version() (Version, error) {
	resp, err := b.Exchange(CmdGetVersion, nil, 3, 0)
	if err != nil {
		return Version{}, err
	}
	if len(resp) < 3 {
		return Version{}, newError(CmdGetVersion, StatusMismatch)
	}
	return Version{Major: resp[0], Minor: resp[1], Patch: resp[2]}, nil
}

// Status reads the co-processor system status
func (b *Bridge) Status() (SystemStatus, error) {
	resp, err := b.Exchange(CmdGetStatus, nil, systemStatusLen, 0)
	if err != nil {
		return SystemStatus{}, err
	}
	if len(resp) < systemStatusLen {
		return SystemStatus{}, newError(CmdGetStatus, StatusMismatch)
	}
	uptime := time.Duration(resp[3])*time.Hour +
		time.Duration(resp[4])*time.Minute +
		time.Duration(resp[5])*time.Second
	return SystemStatus{
		EthInitialized: resp[0] != 0,
		LinkUp:         resp[1] != 0,
		Uptime:         uptime,
		FreeRAM:        binary.BigEndian.Uint16(resp[6:8]),
	}, nil
}

// Reset reboots the co-processor
func (b *Bridge) Reset() error {
	_, err := b.Exchange(CmdReset, nil, 0, 0)
	return err
}

// SetLED drives the debug LED
func (b *Bridge) SetLED(on bool) error {
	v := byte(0)
	if on {
		v = 1
	}
	_, err := b.Exchange(CmdSetLED, []byte{v}, 0, 0)
	return err
}

// EthInitDHCP initializes the Ethernet chip without an address block. The
// exchange waits dhcpTimeout plus one second.
func (b *Bridge) EthInitDHCP(dhcpTimeout time.Duration) error {
	_, err := b.Exchange(CmdEthInit, nil, 0, dhcpTimeout+time.Second)
	return err
}

// EthInitStatic initializes the Ethernet chip with a static address block
func (b *Bridge) EthInitStatic(cfg IPConfig) error {
	data, err := cfg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("eth init: %w", err)
	}
	_, err = b.Exchange(CmdEthInit, data, 0, 0)
	return err
}

// EthStatus reports whether the Ethernet chip is initialized
func (b *Bridge) EthStatus() (bool, error) {
	resp, err := b.Exchange(CmdEthStatus, nil, 1, 0)
	if err != nil {
		return false, err
	}
	return len(resp) > 0 && resp[0] != 0, nil
}

// LinkStatus reports cable presence
func (b *Bridge) LinkStatus() (bool, error) {
	resp, err := b.Exchange(CmdEthLinkStatus, nil, 1, 0)
	if err != nil {
		return false, err
	}
	return len(resp) > 0 && resp[0] != 0, nil
}

// GetMAC reads the chip hardware address
func (b *Bridge) GetMAC() (lorawan.MAC, error) {
	var mac lorawan.MAC
	resp, err := b.Exchange(CmdEthGetMAC, nil, len(mac), 0)
	if err != nil {
		return mac, err
	}
	if len(resp) < len(mac) {
		return mac, newError(CmdEthGetMAC, StatusMismatch)
	}
	copy(mac[:], resp)
	return mac, nil
}

// SetMAC writes the chip hardware address
func (b *Bridge) SetMAC(mac lorawan.MAC) error {
	_, err := b.Exchange(CmdEthSetMAC, mac[:], 0, 0)
	return err
}

// GetIP reads the current address block
func (b *Bridge) GetIP() (IPConfig, error) {
	var cfg IPConfig
	resp, err := b.Exchange(CmdEthGetIP, nil, ipConfigSize, 0)
	if err != nil {
		return cfg, err
	}
	if err := cfg.UnmarshalBinary(resp); err != nil {
		return cfg, newError(CmdEthGetIP, StatusMismatch)
	}
	return cfg, nil
}

// SetIP writes a new address block
func (b *Bridge) SetIP(cfg IPConfig) error {
	data, err := cfg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("set ip: %w", err)
	}
	_, err = b.Exchange(CmdEthSetIP, data, 0, 0)
	return err
}

// UDPBegin opens the co-processor UDP socket on the local port
func (b *Bridge) UDPBegin(port uint16) error {
	var data [2]byte
	binary.BigEndian.PutUint16(data[:], port)
	_, err := b.Exchange(CmdUDPBegin, data[:], 0, 0)
	return err
}

// UDPClose closes the UDP socket
func (b *Bridge) UDPClose() error {
	_, err := b.Exchange(CmdUDPClose, nil, 0, 0)
	return err
}

// UDPSend transmits one datagram and returns the byte count reported by the
// device. Payloads that do not fit one frame fail with BUFFER_FULL.
func (b *Bridge) UDPSend(dst netip.AddrPort, payload []byte) (int, error) {
	if len(payload) > b.maxData-netAddressSize {
		return 0, newError(CmdUDPSend, StatusBufferFull)
	}

	data := make([]byte, netAddressSize+len(payload))
	encodeNetAddress(data, dst)
	copy(data[netAddressSize:], payload)

	resp, err := b.Exchange(CmdUDPSend, data, 2, 0)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return len(payload), nil
	}
	return int(binary.BigEndian.Uint16(resp)), nil
}

// UDPReceive reads one pending datagram into buf. It returns ErrNoData
// (wrapped) when nothing is waiting.
func (b *Bridge) UDPReceive(buf []byte) (int, netip.AddrPort, error) {
	resp, err := b.Exchange(CmdUDPRecv, nil, netAddressSize+len(buf), 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if len(resp) < netAddressSize {
		return 0, netip.AddrPort{}, newError(CmdUDPRecv, StatusMismatch)
	}
	from := decodeNetAddress(resp)
	n := copy(buf, resp[netAddressSize:])
	return n, from, nil
}

// UDPAvailable returns the number of bytes waiting on the socket
func (b *Bridge) UDPAvailable() (int, error) {
	resp, err := b.Exchange(CmdUDPAvailable, nil, 2, 0)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint16(resp)), nil
}

// DNSResolve asks the co-processor to resolve hostname to an IPv4 address
func (b *Bridge) DNSResolve(hostname string) (netip.Addr, error) {
	if len(hostname) == 0 || len(hostname) > MaxHostnameLen {
		return netip.Addr{}, newError(CmdDNSResolve, StatusInvalidParam)
	}

	data := append([]byte(hostname), 0)
	resp, err := b.Exchange(CmdDNSResolve, data, 4, DNSTimeout+time.Second)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(resp) < 4 {
		return netip.Addr{}, newError(CmdDNSResolve, StatusMismatch)
	}
	return netip.AddrFrom4([4]byte(resp[:4])), nil
}
