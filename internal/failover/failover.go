// Package failover selects the active network transport and switches between
// WiFi and Ethernet when the active one loses connectivity or the network
// server stops acknowledging.
package failover

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// TickInterval is how often Update evaluates the interfaces
const TickInterval = time.Second

const (
	DefaultFailoverTimeout   = 30 * time.Second
	DefaultReconnectInterval = 10 * time.Second
	DefaultStabilityPeriod   = 60 * time.Second
)

// ErrUnavailable is returned when forcing an interface that is disabled or
// not connected
var ErrUnavailable = errors.New("failover: interface not available")

// HealthChecker reports whether the network server is acknowledging traffic
type HealthChecker interface {
	IsHealthy(timeout time.Duration) bool
	LastAckTime() time.Time
}

// Config holds the failover policy
type Config struct {
	WiFiEnabled        bool
	EthernetEnabled    bool
	Primary            netif.Type
	FailoverEnabled    bool
	FailoverTimeout    time.Duration
	ReconnectInterval  time.Duration
	HealthCheckEnabled bool
	StabilityPeriod    time.Duration
}

// DefaultConfig prefers Ethernet with failover and health checks on
func DefaultConfig() Config {
	return Config{
		WiFiEnabled:        true,
		EthernetEnabled:    true,
		Primary:            netif.TypeEthernet,
		FailoverEnabled:    true,
		FailoverTimeout:    DefaultFailoverTimeout,
		ReconnectInterval:  DefaultReconnectInterval,
		HealthCheckEnabled: true,
		StabilityPeriod:    DefaultStabilityPeriod,
	}
}

// State is the failover state. FailoverActive implies Active is not the
// primary; PrimaryStableSince is set only while FailoverActive is true and
// the primary is connected.
type State struct {
	Active             netif.Interface
	FailoverActive     bool
	PrimaryStableSince time.Time
}

func (s *State) clearStability() {
	s.PrimaryStableSince = time.Time{}
}

// Stats counts connectivity transitions observed on each tick
type Stats struct {
	WiFiConnections        uint32        `json:"wifiConnections"`
	WiFiDisconnections     uint32        `json:"wifiDisconnections"`
	EthernetConnections    uint32        `json:"ethernetConnections"`
	EthernetDisconnections uint32        `json:"ethernetDisconnections"`
	FailoverCount          uint32        `json:"failoverCount"`
	LastFailoverTime       time.Time     `json:"lastFailoverTime"`
	TotalUptimeWiFi        time.Duration `json:"totalUptimeWifi"`
	TotalUptimeEthernet    time.Duration `json:"totalUptimeEthernet"`
}

// Switch describes one change of the active interface
type Switch struct {
	From string
	To   string
}

// Controller owns the WiFi and Ethernet adapters and the active-interface
// selection. All methods are safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	cfg    Config
	wifi   netif.Interface
	eth    netif.Interface
	health HealthChecker
	now    func() time.Time

	onFailover func(from, to string)

	state      State
	manual     bool
	manualType netif.Type

	wifiWasConnected bool
	ethWasConnected  bool
	lastCheck        time.Time
	lastReconnect    time.Time

	udpPort    uint16
	udpStarted bool

	stats Stats

	pending []Switch
}

// New creates a controller over the two adapters
func New(wifi, eth netif.Interface, cfg Config) *Controller {
	return &Controller{
		cfg:  cfg,
		wifi: wifi,
		eth:  eth,
		now:  time.Now,
	}
}

// SetClock replaces the time source
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// SetHealthChecker installs the application-layer health signal
func (c *Controller) SetHealthChecker(h HealthChecker) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

// OnFailover registers a callback run after every interface switch. It is
// called without the controller lock held.
func (c *Controller) OnFailover(fn func(from, to string)) {
	c.mu.Lock()
	c.onFailover = fn
	c.mu.Unlock()
}

func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) SetPrimary(t netif.Type) {
	c.mu.Lock()
	c.cfg.Primary = t
	c.mu.Unlock()
	log.Info().Str("primary", t.String()).Msg("Primary interface set")
}

func (c *Controller) SetFailoverEnabled(enabled bool) {
	c.mu.Lock()
	c.cfg.FailoverEnabled = enabled
	c.mu.Unlock()
	log.Info().Bool("enabled", enabled).Msg("Failover toggled")
}

func (c *Controller) SetFailoverTimeout(d time.Duration) {
	c.mu.Lock()
	c.cfg.FailoverTimeout = d
	c.mu.Unlock()
}

func (c *Controller) WiFi() netif.Interface     { return c.wifi }
func (c *Controller) Ethernet() netif.Interface { return c.eth }

func (c *Controller) primary() netif.Interface {
	if c.cfg.Primary == netif.TypeWiFi {
		if c.cfg.WiFiEnabled {
			return c.wifi
		}
		return nil
	}
	if c.cfg.EthernetEnabled {
		return c.eth
	}
	return nil
}

func (c *Controller) secondary() netif.Interface {
	if c.cfg.Primary == netif.TypeWiFi {
		if c.cfg.EthernetEnabled {
			return c.eth
		}
		return nil
	}
	if c.cfg.WiFiEnabled {
		return c.wifi
	}
	return nil
}

func connected(iface netif.Interface) bool {
	return iface != nil && iface.IsConnected()
}

func name(iface netif.Interface) string {
	if iface == nil {
		return "None"
	}
	return iface.Name()
}

// Begin brings up the enabled adapters and picks the initial active
// interface: the primary when connected, otherwise the secondary.
func (c *Controller) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Info().
		Str("primary", c.cfg.Primary.String()).
		Bool("failover", c.cfg.FailoverEnabled).
		Dur("failover_timeout", c.cfg.FailoverTimeout).
		Bool("health_check", c.cfg.HealthCheckEnabled).
		Dur("stability_period", c.cfg.StabilityPeriod).
		Msg("Initializing network failover")

	anyUp := false
	if c.cfg.WiFiEnabled && c.wifi != nil {
		if err := c.wifi.Begin(); err != nil {
			log.Warn().Err(err).Str("iface", c.wifi.Name()).Msg("Adapter not ready")
		} else {
			anyUp = true
		}
	}
	if c.cfg.EthernetEnabled && c.eth != nil {
		if err := c.eth.Begin(); err != nil {
			log.Warn().Err(err).Str("iface", c.eth.Name()).Msg("Adapter not ready")
		} else {
			anyUp = true
		}
	}

	if p := c.primary(); connected(p) {
		c.state.Active = p
	} else if s := c.secondary(); connected(s) {
		c.state.Active = s
		c.state.FailoverActive = true
		log.Warn().Str("iface", s.Name()).Msg("Primary unavailable, starting on secondary")
	}

	if c.state.Active == nil {
		log.Warn().Msg("No network connection available")
		if !anyUp {
			return netif.ErrNoInterface
		}
		return nil
	}
	log.Info().
		Str("iface", c.state.Active.Name()).
		Str("ip", c.state.Active.LocalIP().String()).
		Msg("Active interface selected")
	return nil
}

// Update runs a tick when TickInterval has elapsed since the last one
func (c *Controller) Update() {
	c.mu.Lock()
	now := c.now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < TickInterval {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Tick()
}

// Tick refreshes both adapters, updates the counters and evaluates the
// failover policy unless the selection is pinned.
func (c *Controller) Tick() {
	c.mu.Lock()
	c.lastCheck = c.now()
	c.updateInterfaces()
	c.updateStats()
	if !c.manual {
		c.checkFailover()
	}
	events := c.pending
	c.pending = nil
	fn := c.onFailover
	c.mu.Unlock()

	if fn == nil {
		return
	}
	for _, ev := range events {
		fn(ev.From, ev.To)
	}
}

func (c *Controller) updateInterfaces() {
	if c.cfg.WiFiEnabled && c.wifi != nil {
		c.wifi.Update()
		up := c.wifi.IsConnected()
		if up && !c.wifiWasConnected {
			c.stats.WiFiConnections++
			log.Info().Str("iface", c.wifi.Name()).Msg("Interface connected")
		} else if !up && c.wifiWasConnected {
			c.stats.WiFiDisconnections++
			log.Warn().Str("iface", c.wifi.Name()).Msg("Interface disconnected")
		}
		c.wifiWasConnected = up
	}

	if c.cfg.EthernetEnabled && c.eth != nil {
		c.eth.Update()
		up := c.eth.IsConnected()
		if up && !c.ethWasConnected {
			c.stats.EthernetConnections++
			log.Info().Str("iface", c.eth.Name()).Msg("Interface connected")
		} else if !up && c.ethWasConnected {
			c.stats.EthernetDisconnections++
			log.Warn().Str("iface", c.eth.Name()).Msg("Interface disconnected")
		}
		c.ethWasConnected = up
	}
}

func (c *Controller) updateStats() {
	if c.state.Active == nil {
		return
	}
	switch c.state.Active.Type() {
	case netif.TypeWiFi:
		c.stats.TotalUptimeWiFi += TickInterval
	case netif.TypeEthernet:
		c.stats.TotalUptimeEthernet += TickInterval
	}
}

func (c *Controller) applicationHealthy() bool {
	if !c.cfg.HealthCheckEnabled || c.health == nil {
		return true
	}
	return c.health.IsHealthy(c.cfg.FailoverTimeout)
}

func (c *Controller) failoverTo(iface netif.Interface, reason string) {
	from := name(c.state.Active)
	c.switchTo(iface)
	c.state.FailoverActive = true
	c.state.clearStability()
	c.stats.FailoverCount++
	c.stats.LastFailoverTime = c.now()
	log.Warn().Str("from", from).Str("to", iface.Name()).Str("reason", reason).Msg("Failover")
}

func (c *Controller) checkFailover() {
	if !c.cfg.FailoverEnabled {
		return
	}

	primary := c.primary()
	secondary := c.secondary()
	now := c.now()
	primaryUp := connected(primary)
	secondaryUp := connected(secondary)
	active := c.state.Active

	if active != nil && !active.IsConnected() {
		log.Warn().Str("iface", active.Name()).Msg("Active interface lost connection")
		switch {
		case active == primary && secondaryUp:
			c.failoverTo(secondary, "link down")
		case active == secondary && primaryUp:
			c.switchTo(primary)
			c.state.FailoverActive = false
			c.state.clearStability()
			log.Info().Str("iface", primary.Name()).Msg("Restored to primary")
		default:
			c.state.Active = nil
			c.state.clearStability()
			c.pending = append(c.pending, Switch{From: active.Name(), To: name(nil)})
			log.Error().Msg("No network available")
		}
		return
	}

	if c.cfg.HealthCheckEnabled && active != nil && active == primary && !c.applicationHealthy() {
		log.Warn().
			Str("iface", primary.Name()).
			Dur("timeout", c.cfg.FailoverTimeout).
			Msg("Health check failed, no ACK within timeout")
		if secondaryUp {
			c.failoverTo(secondary, "health check failed")
		}
		return
	}

	if c.state.FailoverActive && primaryUp {
		switch {
		case c.state.PrimaryStableSince.IsZero():
			c.state.PrimaryStableSince = now
			log.Info().
				Str("iface", primary.Name()).
				Dur("stability_period", c.cfg.StabilityPeriod).
				Msg("Primary connected, waiting for stability period")
		case now.Sub(c.state.PrimaryStableSince) >= c.cfg.StabilityPeriod:
			c.switchTo(primary)
			c.state.FailoverActive = false
			c.state.clearStability()
			log.Info().
				Str("iface", primary.Name()).
				Dur("stability_period", c.cfg.StabilityPeriod).
				Msg("Restored to primary after stability period")
		}
	} else {
		c.state.clearStability()
	}

	if c.state.Active == nil && (c.lastReconnect.IsZero() || now.Sub(c.lastReconnect) >= c.cfg.ReconnectInterval) {
		c.lastReconnect = now
		if primaryUp {
			c.switchTo(primary)
		} else if secondaryUp {
			c.switchTo(secondary)
			c.state.FailoverActive = true
		}
	}
}

// switchTo moves the UDP socket, when open, to iface on the same local port
func (c *Controller) switchTo(iface netif.Interface) {
	if iface == nil {
		return
	}
	prev := c.state.Active
	if prev != nil && c.udpStarted {
		prev.UDPStop()
	}
	c.state.Active = iface
	if c.udpStarted {
		if err := c.startUDP(); err != nil {
			log.Error().Err(err).Str("iface", iface.Name()).Msg("Failed to restart UDP")
		}
	}
	if prev != iface {
		c.pending = append(c.pending, Switch{From: name(prev), To: iface.Name()})
	}
	log.Info().
		Str("iface", iface.Name()).
		Str("ip", iface.LocalIP().String()).
		Msg("Switched interface")
}

func (c *Controller) startUDP() error {
	if c.state.Active == nil || c.udpPort == 0 {
		return netif.ErrNoInterface
	}
	return c.state.Active.UDPBegin(c.udpPort)
}

// ForceInterface pins the selection to t and suspends automatic switching
// until SetAutoMode. It fails without changing state if t is disabled or not
// connected.
func (c *Controller) ForceInterface(t netif.Type) error {
	c.mu.Lock()
	var target netif.Interface
	switch {
	case t == netif.TypeWiFi && c.cfg.WiFiEnabled:
		target = c.wifi
	case t == netif.TypeEthernet && c.cfg.EthernetEnabled:
		target = c.eth
	}
	if !connected(target) {
		c.mu.Unlock()
		log.Warn().Str("iface", t.String()).Msg("Cannot force interface, not available")
		return fmt.Errorf("%w: %s", ErrUnavailable, t)
	}

	c.manual = true
	c.manualType = t
	c.switchTo(target)
	c.state.FailoverActive = target != c.primary()
	c.state.clearStability()
	events := c.pending
	c.pending = nil
	fn := c.onFailover
	c.mu.Unlock()

	log.Info().Str("iface", target.Name()).Msg("Interface forced")
	if fn != nil {
		for _, ev := range events {
			fn(ev.From, ev.To)
		}
	}
	return nil
}

// SetAutoMode resumes automatic selection
func (c *Controller) SetAutoMode() {
	c.mu.Lock()
	c.manual = false
	c.manualType = netif.TypeNone
	c.state.clearStability()
	c.mu.Unlock()
	log.Info().Msg("Auto mode enabled")
}

// ManualMode reports whether the selection is pinned, and to which type
func (c *Controller) ManualMode() (bool, netif.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manual, c.manualType
}

// Reconnect restarts the Ethernet adapter and drops the active selection.
// The next ticks pick an interface again.
func (c *Controller) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Info().Msg("Reconnecting interfaces")
	if c.state.Active != nil && c.udpStarted {
		c.state.Active.UDPStop()
	}
	c.state.Active = nil
	c.state.FailoverActive = false
	c.state.clearStability()
	c.lastReconnect = time.Time{}

	if c.cfg.EthernetEnabled && c.eth != nil {
		if err := c.eth.Reconnect(); err != nil {
			return fmt.Errorf("reconnect %s: %w", c.eth.Name(), err)
		}
	}
	return nil
}

// State returns a copy of the failover state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a copy of the counters
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) ActiveInterface() netif.Interface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Active
}

func (c *Controller) ActiveType() netif.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active == nil {
		return netif.TypeNone
	}
	return c.state.Active.Type()
}

// IsConnected reports whether an active interface exists and is connected
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connected(c.state.Active)
}

// ActiveMAC returns the MAC of the active interface, or false without one
func (c *Controller) ActiveMAC() (lorawan.MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active == nil {
		return lorawan.MAC{}, false
	}
	return c.state.Active.MAC(), true
}

// UDPBegin records port and opens it on the active interface. The port is
// reopened on every later switch.
func (c *Controller) UDPBegin(port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.udpPort = port
	c.udpStarted = true
	return c.startUDP()
}

func (c *Controller) UDPStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active != nil {
		c.state.Active.UDPStop()
	}
	c.udpStarted = false
	c.udpPort = 0
}

func (c *Controller) UDPBeginPacketHost(host string, port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active == nil {
		return netif.ErrNoInterface
	}
	return c.state.Active.UDPBeginPacketHost(host, port)
}

func (c *Controller) UDPBeginPacket(dst netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active == nil {
		return netif.ErrNoInterface
	}
	return c.state.Active.UDPBeginPacket(dst)
}

func (c *Controller) UDPWrite(b []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active == nil {
		return 0
	}
	return c.state.Active.UDPWrite(b)
}

func (c *Controller) UDPEndPacket() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active == nil {
		return netif.ErrNoInterface
	}
	return c.state.Active.UDPEndPacket()
}

func (c *Controller) UDPParsePacket() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active == nil {
		return 0
	}
	return c.state.Active.UDPParsePacket()
}

func (c *Controller) UDPRead(buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active == nil {
		return 0
	}
	return c.state.Active.UDPRead(buf)
}

func (c *Controller) UDPRemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active == nil {
		return netip.AddrPort{}
	}
	return c.state.Active.UDPRemoteAddr()
}
