package netif

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-gateway/internal/bridge"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

const (
	ethernetBufferSize       = 512
	DefaultDHCPTimeout       = 10 * time.Second
	DefaultLinkCheckInterval = 2 * time.Second
)

// EthernetBridge is the subset of the co-processor RPC the adapter uses.
// *bridge.Bridge implements it.
type EthernetBridge interface {
	Ping() error
	LinkStatus() (bool, error)
	SetMAC(mac lorawan.MAC) error
	GetMAC() (lorawan.MAC, error)
	EthInitDHCP(dhcpTimeout time.Duration) error
	EthInitStatic(cfg bridge.IPConfig) error
	GetIP() (bridge.IPConfig, error)
	UDPBegin(port uint16) error
	UDPClose() error
	UDPSend(dst netip.AddrPort, payload []byte) (int, error)
	UDPReceive(buf []byte) (int, netip.AddrPort, error)
	UDPAvailable() (int, error)
	DNSResolve(hostname string) (netip.Addr, error)
}

// EthernetConfig configures the bridge-mediated Ethernet transport
type EthernetConfig struct {
	Enabled           bool
	DHCP              bool
	StaticIP          netip.Addr
	Gateway           netip.Addr
	Subnet            netip.Addr
	DNS               netip.Addr
	DHCPTimeout       time.Duration
	LinkCheckInterval time.Duration
}

// DefaultEthernetConfig returns DHCP mode with the firmware defaults
func DefaultEthernetConfig() EthernetConfig {
	return EthernetConfig{
		Enabled:           true,
		DHCP:              true,
		StaticIP:          netip.IPv4Unspecified(),
		Gateway:           netip.IPv4Unspecified(),
		Subnet:            netip.AddrFrom4([4]byte{255, 255, 255, 0}),
		DNS:               netip.AddrFrom4([4]byte{8, 8, 8, 8}),
		DHCPTimeout:       DefaultDHCPTimeout,
		LinkCheckInterval: DefaultLinkCheckInterval,
	}
}

// GenerateMAC derives the Ethernet address from the WiFi one: locally
// administered, unicast, last byte XOR 1.
func GenerateMAC(base lorawan.MAC) lorawan.MAC {
	mac := base
	mac[0] |= 0x02
	mac[0] &= 0xFE
	mac[5] ^= 0x01
	return mac
}

// EthernetAdapter drives the Ethernet chip through the bridge. It is not
// safe for concurrent use; the failover controller serializes access.
type EthernetAdapter struct {
	bridge  EthernetBridge
	cfg     EthernetConfig
	baseMAC lorawan.MAC
	now     func() time.Time

	status      Status
	mac         lorawan.MAC
	ip          bridge.IPConfig
	linkUp      bool
	lastCheck   time.Time
	connectedAt time.Time

	udpStarted bool
	localPort  uint16
	buf        packetBuffer
	dns        dnsCache
}

// NewEthernetAdapter creates the adapter. baseMAC is the WiFi station
// address the Ethernet MAC is derived from.
func NewEthernetAdapter(b EthernetBridge, cfg EthernetConfig, baseMAC lorawan.MAC) *EthernetAdapter {
	if cfg.DHCPTimeout <= 0 {
		cfg.DHCPTimeout = DefaultDHCPTimeout
	}
	if cfg.LinkCheckInterval <= 0 {
		cfg.LinkCheckInterval = DefaultLinkCheckInterval
	}
	return &EthernetAdapter{
		bridge:  b,
		cfg:     cfg,
		baseMAC: baseMAC,
		now:     time.Now,
		status:  StatusDisconnected,
		buf:     newPacketBuffer(ethernetBufferSize, ethernetBufferSize),
		dns:     dnsCache{ttl: DNSCacheTTL},
	}
}

// SetClock replaces the time source
func (e *EthernetAdapter) SetClock(now func() time.Time) {
	e.now = now
}

// Config returns the active configuration
func (e *EthernetAdapter) Config() EthernetConfig {
	return e.cfg
}

// SetDHCP switches to DHCP mode. It takes effect on the next Begin.
func (e *EthernetAdapter) SetDHCP(timeout time.Duration) {
	e.cfg.DHCP = true
	if timeout > 0 {
		e.cfg.DHCPTimeout = timeout
	}
}

// SetStaticIP switches to a static address. It takes effect on the next Begin.
func (e *EthernetAdapter) SetStaticIP(ip, gateway, subnet, dns netip.Addr) {
	e.cfg.DHCP = false
	e.cfg.StaticIP = ip
	e.cfg.Gateway = gateway
	e.cfg.Subnet = subnet
	e.cfg.DNS = dns
}

func (e *EthernetAdapter) Begin() error {
	if !e.cfg.Enabled {
		log.Info().Str("iface", e.Name()).Msg("Ethernet disabled")
		e.status = StatusDisconnected
		return ErrDisabled
	}

	log.Info().Str("iface", e.Name()).Msg("Initializing Ethernet via bridge")

	if err := e.bridge.Ping(); err != nil {
		log.Error().Err(err).Str("iface", e.Name()).Msg("Co-processor not responding")
		e.status = StatusError
		return fmt.Errorf("co-processor not responding: %w", err)
	}

	up, err := e.bridge.LinkStatus()
	if err != nil || !up {
		log.Warn().Str("iface", e.Name()).Msg("No Ethernet cable connected")
		e.status = StatusLinkDown
		e.linkUp = false
		return ErrNoLink
	}
	e.linkUp = true

	return e.initEthernet()
}

func (e *EthernetAdapter) staticConfig() bridge.IPConfig {
	return bridge.IPConfig{IP: e.cfg.StaticIP, Gateway: e.cfg.Gateway, Subnet: e.cfg.Subnet, DNS: e.cfg.DNS}
}

func (e *EthernetAdapter) initEthernet() error {
	e.status = StatusConnecting

	e.mac = GenerateMAC(e.baseMAC)
	if err := e.bridge.SetMAC(e.mac); err != nil {
		log.Warn().Err(err).Str("iface", e.Name()).Msg("Failed to set MAC address")
	} else {
		log.Info().Str("iface", e.Name()).Str("mac", e.mac.String()).Msg("MAC set")
	}

	var err error
	if e.cfg.DHCP {
		if !isZeroAddr(e.cfg.StaticIP) {
			log.Info().Str("iface", e.Name()).Str("ip", e.cfg.StaticIP.String()).Msg("Using configured static IP")
			err = e.bridge.EthInitStatic(e.staticConfig())
		} else {
			err = e.bridge.EthInitDHCP(e.cfg.DHCPTimeout)
		}
	} else {
		if isZeroAddr(e.cfg.StaticIP) {
			log.Error().Str("iface", e.Name()).Msg("Static IP mode but IP is 0.0.0.0")
			e.status = StatusError
			return ErrNoAddress
		}
		log.Info().
			Str("iface", e.Name()).
			Str("ip", e.cfg.StaticIP.String()).
			Str("gateway", e.cfg.Gateway.String()).
			Msg("Using static IP")
		err = e.bridge.EthInitStatic(e.staticConfig())
	}

	if err == nil {
		e.updateIPConfig()
		if !isZeroAddr(e.ip.IP) {
			e.status = StatusConnected
			e.connectedAt = e.now()
			log.Info().Str("iface", e.Name()).Str("ip", e.ip.IP.String()).Msg("Ethernet connected")
			return nil
		}
		log.Warn().Str("iface", e.Name()).Msg("Ethernet initialized but IP is 0.0.0.0")
		err = ErrNoAddress
	}

	log.Error().Err(err).Str("iface", e.Name()).Msg("Failed to initialize Ethernet")
	e.status = StatusError
	return err
}

func (e *EthernetAdapter) updateIPConfig() {
	if cfg, err := e.bridge.GetIP(); err == nil {
		e.ip = cfg
	}
	if mac, err := e.bridge.GetMAC(); err == nil {
		e.mac = mac
	}
}

func (e *EthernetAdapter) End() {
	if e.udpStarted {
		e.UDPStop()
	}
	e.status = StatusDisconnected
	e.connectedAt = time.Time{}
	e.ip.IP = netip.Addr{}
	log.Info().Str("iface", e.Name()).Msg("Ethernet stopped")
}

// Update polls the cable state every LinkCheckInterval
func (e *EthernetAdapter) Update() {
	if !e.cfg.Enabled {
		return
	}
	now := e.now()
	if now.Sub(e.lastCheck) >= e.cfg.LinkCheckInterval {
		e.checkLink()
		e.lastCheck = now
	}
}

func (e *EthernetAdapter) checkLink() {
	up, err := e.bridge.LinkStatus()
	if err != nil {
		up = false
	}
	if up == e.linkUp {
		return
	}
	e.linkUp = up

	if up {
		log.Info().Str("iface", e.Name()).Msg("Link up, cable connected")
		if e.status == StatusLinkDown || e.status == StatusDisconnected {
			e.initEthernet()
		}
		return
	}
	log.Warn().Str("iface", e.Name()).Msg("Link down, cable disconnected")
	e.status = StatusLinkDown
	e.connectedAt = time.Time{}
}

func (e *EthernetAdapter) Reconnect() error {
	log.Info().Str("iface", e.Name()).Msg("Reconnecting")
	e.End()
	return e.Begin()
}

func (e *EthernetAdapter) IsConnected() bool {
	return e.status == StatusConnected && !isZeroAddr(e.ip.IP)
}

func (e *EthernetAdapter) IsLinkUp() bool   { return e.linkUp }
func (e *EthernetAdapter) Status() Status   { return e.status }
func (e *EthernetAdapter) Type() Type       { return TypeEthernet }
func (e *EthernetAdapter) Name() string     { return "Ethernet" }
func (e *EthernetAdapter) Enabled() bool    { return e.cfg.Enabled }
func (e *EthernetAdapter) MAC() lorawan.MAC { return e.mac }

func (e *EthernetAdapter) LocalIP() netip.Addr   { return e.ip.IP }
func (e *EthernetAdapter) GatewayIP() netip.Addr { return e.ip.Gateway }

func (e *EthernetAdapter) Info() Info {
	info := Info{
		Type:    TypeEthernet,
		Status:  e.status,
		IP:      e.ip.IP,
		Gateway: e.ip.Gateway,
		Subnet:  e.ip.Subnet,
		DNS:     e.ip.DNS,
		MAC:     e.mac,
		LinkUp:  e.linkUp,
	}
	if !e.connectedAt.IsZero() {
		info.ConnectedFor = e.now().Sub(e.connectedAt)
	}
	return info
}

func (e *EthernetAdapter) UDPBegin(port uint16) error {
	if e.status != StatusConnected {
		log.Warn().Str("iface", e.Name()).Msg("Cannot start UDP, not connected")
		return ErrNotConnected
	}
	if e.udpStarted {
		e.bridge.UDPClose()
	}

	if err := e.bridge.UDPBegin(port); err != nil {
		e.udpStarted = false
		log.Error().Err(err).Str("iface", e.Name()).Msg("Failed to start UDP")
		return fmt.Errorf("udp begin on port %d: %w", port, err)
	}
	e.udpStarted = true
	e.localPort = port
	e.buf.reset()
	log.Info().Str("iface", e.Name()).Uint16("port", port).Msg("UDP started")
	return nil
}

func (e *EthernetAdapter) UDPStop() {
	if !e.udpStarted {
		return
	}
	e.bridge.UDPClose()
	e.udpStarted = false
	e.localPort = 0
	e.buf.reset()
	log.Info().Str("iface", e.Name()).Msg("UDP stopped")
}

func (e *EthernetAdapter) UDPStarted() bool     { return e.udpStarted }
func (e *EthernetAdapter) UDPLocalPort() uint16 { return e.localPort }

func (e *EthernetAdapter) UDPBeginPacket(dst netip.AddrPort) error {
	if !e.udpStarted {
		return ErrSocketClosed
	}
	e.buf.begin(dst)
	return nil
}

func (e *EthernetAdapter) UDPBeginPacketHost(host string, port uint16) error {
	addr, err := e.Resolve(host)
	if err != nil {
		return err
	}
	return e.UDPBeginPacket(netip.AddrPortFrom(addr, port))
}

func (e *EthernetAdapter) UDPWrite(b []byte) int {
	if !e.udpStarted {
		return 0
	}
	return e.buf.write(b)
}

func (e *EthernetAdapter) UDPEndPacket() error {
	if !e.udpStarted {
		return ErrSocketClosed
	}
	if len(e.buf.tx) == 0 {
		return ErrEmptyPacket
	}

	size := len(e.buf.tx)
	_, err := e.bridge.UDPSend(e.buf.dst, e.buf.tx)
	e.buf.resetTx()
	if err != nil {
		log.Warn().Err(err).Str("iface", e.Name()).Int("size", size).Msg("Failed to send UDP packet")
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

// UDPParsePacket returns the unread remainder of the current datagram, or
// fetches the next one from the chip
func (e *EthernetAdapter) UDPParsePacket() int {
	if !e.udpStarted {
		return 0
	}
	if n := e.buf.remaining(); n > 0 {
		return n
	}

	avail, err := e.bridge.UDPAvailable()
	if err != nil || avail == 0 {
		e.buf.pending = false
		return 0
	}

	n, from, err := e.bridge.UDPReceive(e.buf.rx)
	if err != nil {
		e.buf.pending = false
		return 0
	}
	e.buf.fill(n, from)
	return n
}

func (e *EthernetAdapter) UDPRead(buf []byte) int {
	return e.buf.read(buf)
}

func (e *EthernetAdapter) UDPRemoteAddr() netip.AddrPort {
	return e.buf.remote
}

// Resolve accepts IP literals, then consults the single-entry cache, then
// asks the co-processor
func (e *EthernetAdapter) Resolve(host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	now := e.now()
	if addr, ok := e.dns.get(host, now); ok {
		log.Debug().Str("iface", e.Name()).Str("host", host).Str("ip", addr.String()).Msg("DNS cache hit")
		return addr, nil
	}

	addr, err := e.bridge.DNSResolve(host)
	if err != nil {
		log.Warn().Err(err).Str("iface", e.Name()).Str("host", host).Msg("DNS resolution failed")
		return netip.Addr{}, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}
	e.dns.put(host, addr, now)
	log.Info().Str("iface", e.Name()).Str("host", host).Str("ip", addr.String()).Msg("DNS resolved")
	return addr, nil
}
