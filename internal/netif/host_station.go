package netif

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// HostStation implements Station on the operating system network stack.
// The named interface stands in for the WiFi station; an empty name picks
// the first up, non-loopback interface with an IPv4 address.
type HostStation struct {
	Interface string
	Network   string // configured SSID, reported as-is
	APMode    bool
	Resolver  *net.Resolver
}

type hostAddr struct {
	iface  *net.Interface
	ip     netip.Addr
	subnet netip.Addr
}

func (h *HostStation) lookup() (hostAddr, bool) {
	var ifaces []net.Interface
	if h.Interface != "" {
		iface, err := net.InterfaceByName(h.Interface)
		if err != nil {
			return hostAddr{}, false
		}
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return hostAddr{}, false
		}
		ifaces = all
	}

	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagLoopback != 0 && h.Interface == "" {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			if h.Interface != "" {
				return hostAddr{iface: iface}, true
			}
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			ip, _ := netip.AddrFromSlice(ip4)
			mask, _ := netip.AddrFromSlice(net.IP(ipnet.Mask).To4())
			return hostAddr{iface: iface, ip: ip, subnet: mask}, true
		}
		if h.Interface != "" {
			return hostAddr{iface: iface}, true
		}
	}
	return hostAddr{}, false
}

func (h *HostStation) Mode() StationMode {
	if h.APMode {
		return ModeAP
	}
	return ModeStation
}

func (h *HostStation) State() StationState {
	a, ok := h.lookup()
	switch {
	case !ok:
		return StateNoSSID
	case a.iface.Flags&net.FlagUp == 0:
		return StateDisconnected
	case !a.ip.IsValid():
		return StateIdle
	default:
		return StateConnected
	}
}

func (h *HostStation) LocalIP() netip.Addr {
	if a, ok := h.lookup(); ok && a.ip.IsValid() {
		return a.ip
	}
	return netip.IPv4Unspecified()
}

func (h *HostStation) SoftAPIP() netip.Addr {
	if !h.APMode {
		return netip.IPv4Unspecified()
	}
	return h.LocalIP()
}

func (h *HostStation) Subnet() netip.Addr {
	if a, ok := h.lookup(); ok && a.subnet.IsValid() {
		return a.subnet
	}
	return netip.IPv4Unspecified()
}

// GatewayIP is not exposed portably by the host stack
func (h *HostStation) GatewayIP() netip.Addr { return netip.IPv4Unspecified() }

// DNS is not exposed portably by the host stack
func (h *HostStation) DNS() netip.Addr { return netip.IPv4Unspecified() }

func (h *HostStation) MAC() lorawan.MAC {
	var mac lorawan.MAC
	if a, ok := h.lookup(); ok && len(a.iface.HardwareAddr) >= len(mac) {
		copy(mac[:], a.iface.HardwareAddr)
	}
	return mac
}

// RSSI is unavailable on the host stack
func (h *HostStation) RSSI() int { return 0 }

func (h *HostStation) SSID() string { return h.Network }

func (h *HostStation) ListenUDP(port uint16) (PacketConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (h *HostStation) LookupHost(ctx context.Context, host string) (netip.Addr, error) {
	r := h.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip4", strings.TrimSuffix(host, "."))
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no ipv4 address for %s", host)
	}
	return addrs[0].Unmap(), nil
}
