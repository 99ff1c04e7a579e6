// Package netif provides the network transports used by the forwarder: the
// local WiFi stack and the bridge-mediated Ethernet chip, behind one
// Interface.
package netif

import (
	"errors"
	"net/netip"
	"time"

	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// Type identifies a transport
type Type int

const (
	TypeNone Type = iota
	TypeWiFi
	TypeEthernet
)

func (t Type) String() string {
	switch t {
	case TypeWiFi:
		return "WiFi"
	case TypeEthernet:
		return "Ethernet"
	default:
		return "None"
	}
}

// MarshalText implements encoding.TextMarshaler
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseType accepts "wifi" or "ethernet" in any case
func ParseType(s string) (Type, error) {
	switch s {
	case "wifi", "WiFi", "WIFI":
		return TypeWiFi, nil
	case "ethernet", "Ethernet", "ETHERNET", "eth":
		return TypeEthernet, nil
	}
	return TypeNone, errors.New("unknown interface type: " + s)
}

// Status is the connection state of a transport
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusLinkDown
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusLinkDown:
		return "LinkDown"
	case StatusError:
		return "Error"
	default:
		return "Disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrDisabled     = errors.New("netif: interface disabled")
	ErrNotConnected = errors.New("netif: not connected")
	ErrNoLink       = errors.New("netif: link down")
	ErrNoAddress    = errors.New("netif: no ip address")
	ErrSocketClosed = errors.New("netif: udp socket not open")
	ErrEmptyPacket  = errors.New("netif: empty packet")
	ErrResolve      = errors.New("netif: dns resolution failed")
	ErrNoInterface  = errors.New("netif: no active interface")
)

// Info is a snapshot of a transport's state
type Info struct {
	Type         Type          `json:"type"`
	Status       Status        `json:"status"`
	IP           netip.Addr    `json:"ip"`
	Gateway      netip.Addr    `json:"gateway"`
	Subnet       netip.Addr    `json:"subnet"`
	DNS          netip.Addr    `json:"dns"`
	MAC          lorawan.MAC   `json:"mac"`
	RSSI         int           `json:"rssi"`
	LinkUp       bool          `json:"linkUp"`
	ConnectedFor time.Duration `json:"connectedFor"`
}

// Interface is the capability set shared by the WiFi and Ethernet adapters.
// UDP follows a packet-at-a-time model: BeginPacket, Write, EndPacket to
// send; ParsePacket then Read to receive.
type Interface interface {
	Begin() error
	End()
	Update()
	Reconnect() error

	IsConnected() bool
	IsLinkUp() bool
	Status() Status
	Type() Type
	Name() string
	Enabled() bool
	Info() Info

	LocalIP() netip.Addr
	GatewayIP() netip.Addr
	MAC() lorawan.MAC

	UDPBegin(port uint16) error
	UDPStop()
	UDPStarted() bool
	UDPLocalPort() uint16
	UDPBeginPacket(dst netip.AddrPort) error
	UDPBeginPacketHost(host string, port uint16) error
	UDPWrite(b []byte) int
	UDPEndPacket() error
	UDPParsePacket() int
	UDPRead(buf []byte) int
	UDPRemoteAddr() netip.AddrPort

	Resolve(host string) (netip.Addr, error)
}

func isZeroAddr(a netip.Addr) bool {
	return !a.IsValid() || a.IsUnspecified()
}
