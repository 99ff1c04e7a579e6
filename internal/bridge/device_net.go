package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

var errSocketClosed = errors.New("socket closed")

// Datagram is one UDP payload with its peer address
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

// MemoryNetwork is an in-process DeviceNetwork. Sent datagrams are
// recorded and inbound ones are injected with Deliver.
type MemoryNetwork struct {
	mu      sync.Mutex
	hosts   map[string]netip.Addr
	port    uint16
	open    bool
	sent    []Datagram
	inbox   []Datagram
	lookups int
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{hosts: make(map[string]netip.Addr)}
}

// AddHost registers a name for Resolve
func (n *MemoryNetwork) AddHost(name string, addr netip.Addr) {
	n.mu.Lock()
	n.hosts[name] = addr
	n.mu.Unlock()
}

// Deliver queues an inbound datagram for the device socket
func (n *MemoryNetwork) Deliver(from netip.AddrPort, data []byte) {
	n.mu.Lock()
	n.inbox = append(n.inbox, Datagram{Addr: from, Data: append([]byte(nil), data...)})
	n.mu.Unlock()
}

// Sent returns every datagram transmitted so far
func (n *MemoryNetwork) Sent() []Datagram {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Datagram(nil), n.sent...)
}

// Lookups returns how many names were resolved
func (n *MemoryNetwork) Lookups() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lookups
}

// Port returns the bound local port, or 0 when no socket is open
func (n *MemoryNetwork) Port() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.open {
		return 0
	}
	return n.port
}

func (n *MemoryNetwork) Listen(port uint16) (DeviceSocket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.port = port
	n.open = true
	return &memorySocket{net: n}, nil
}

func (n *MemoryNetwork) Resolve(_ context.Context, hostname string) (netip.Addr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lookups++
	addr, ok := n.hosts[hostname]
	if !ok {
		return netip.Addr{}, fmt.Errorf("no such host %s", hostname)
	}
	return addr, nil
}

type memorySocket struct {
	net    *MemoryNetwork
	closed bool
}

func (s *memorySocket) Send(dst netip.AddrPort, data []byte) (int, error) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if s.closed {
		return 0, errSocketClosed
	}
	s.net.sent = append(s.net.sent, Datagram{Addr: dst, Data: append([]byte(nil), data...)})
	return len(data), nil
}

func (s *memorySocket) Available() int {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if s.closed || len(s.net.inbox) == 0 {
		return 0
	}
	return len(s.net.inbox[0].Data)
}

func (s *memorySocket) Receive(buf []byte) (int, netip.AddrPort, error) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if s.closed {
		return 0, netip.AddrPort{}, errSocketClosed
	}
	if len(s.net.inbox) == 0 {
		return 0, netip.AddrPort{}, nil
	}
	d := s.net.inbox[0]
	s.net.inbox = s.net.inbox[1:]
	return copy(buf, d.Data), d.Addr, nil
}

func (s *memorySocket) Close() error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.net.open = false
	}
	return nil
}

// HostNetwork attaches the simulated chip to the operating system's IPv4
// stack. It is used by cmd/bridge-sim for bench testing.
type HostNetwork struct {
	Resolver *net.Resolver
}

func (h *HostNetwork) Listen(port uint16) (DeviceSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	s := &hostSocket{conn: conn}
	go s.readLoop()
	return s, nil
}

func (h *HostNetwork) Resolve(ctx context.Context, hostname string) (netip.Addr, error) {
	r := h.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip4", hostname)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no address for %s", hostname)
	}
	return addrs[0].Unmap(), nil
}

// hostSocket buffers received datagrams so Available can be answered
// without blocking
type hostSocket struct {
	conn  *net.UDPConn
	mu    sync.Mutex
	queue []Datagram
}

func (s *hostSocket) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.queue = append(s.queue, Datagram{Addr: from, Data: append([]byte(nil), buf[:n]...)})
		s.mu.Unlock()
	}
}

func (s *hostSocket) Send(dst netip.AddrPort, data []byte) (int, error) {
	return s.conn.WriteToUDPAddrPort(data, dst)
}

func (s *hostSocket) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0
	}
	return len(s.queue[0].Data)
}

func (s *hostSocket) Receive(buf []byte) (int, netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, netip.AddrPort{}, nil
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return copy(buf, d.Data), netip.AddrPortFrom(d.Addr.Addr().Unmap(), d.Addr.Port()), nil
}

func (s *hostSocket) Close() error {
	return s.conn.Close()
}
