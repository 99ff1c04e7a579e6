package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-gateway/internal/bridge"
	"github.com/lorawan-server/lorawan-gateway/internal/failover"
	"github.com/lorawan-server/lorawan-gateway/internal/forwarder"
	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/internal/radio"
	"github.com/lorawan-server/lorawan-gateway/internal/validation"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// Config represents the gateway configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Network  NetworkConfig  `yaml:"network"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Radio    RadioConfig    `yaml:"radio"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// ServerConfig is the Semtech UDP network server the forwarder talks to
type ServerConfig struct {
	Host          string        `yaml:"host" validate:"required,max=63"`
	PortUp        int           `yaml:"port_up" validate:"min=1,max=65535"`
	PortDown      int           `yaml:"port_down" validate:"min=1,max=65535"`
	GatewayEUI    string        `yaml:"gateway_eui"`
	Description   string        `yaml:"description" validate:"max=63"`
	Region        string        `yaml:"region" validate:"required"`
	Latitude      float64       `yaml:"latitude" validate:"min=-90,max=90"`
	Longitude     float64       `yaml:"longitude" validate:"min=-180,max=180"`
	Altitude      int           `yaml:"altitude"`
	PullInterval  time.Duration `yaml:"pull_interval" validate:"min=0"`
	StatInterval  time.Duration `yaml:"stat_interval" validate:"min=0"`
	HealthTimeout time.Duration `yaml:"health_timeout" validate:"min=0"`
}

// NetworkConfig selects the transports and the failover policy
type NetworkConfig struct {
	WiFiEnabled        bool           `yaml:"wifi_enabled"`
	EthernetEnabled    bool           `yaml:"ethernet_enabled"`
	Primary            string         `yaml:"primary" validate:"oneof=wifi ethernet"`
	FailoverEnabled    bool           `yaml:"failover_enabled"`
	FailoverTimeout    time.Duration  `yaml:"failover_timeout" validate:"min=0"`
	ReconnectInterval  time.Duration  `yaml:"reconnect_interval" validate:"min=0"`
	HealthCheckEnabled bool           `yaml:"health_check_enabled"`
	StabilityPeriod    time.Duration  `yaml:"stability_period" validate:"min=0"`
	WiFi               WiFiConfig     `yaml:"wifi"`
	Ethernet           EthernetConfig `yaml:"ethernet"`
}

// WiFiConfig binds the WiFi adapter to a host interface
type WiFiConfig struct {
	Interface string `yaml:"interface"`
	APMode    bool   `yaml:"ap_mode"`
	SSID      string `yaml:"ssid" validate:"max=32"`
	DHCP      bool   `yaml:"dhcp"`
	StaticIP  string `yaml:"static_ip"`
	Gateway   string `yaml:"gateway"`
	Subnet    string `yaml:"subnet"`
	DNS       string `yaml:"dns"`
}

// EthernetConfig configures the bridge-mediated Ethernet link
type EthernetConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DHCP              bool          `yaml:"dhcp"`
	StaticIP          string        `yaml:"static_ip"`
	Gateway           string        `yaml:"gateway"`
	Subnet            string        `yaml:"subnet"`
	DNS               string        `yaml:"dns"`
	DHCPTimeout       time.Duration `yaml:"dhcp_timeout" validate:"min=0"`
	LinkCheckInterval time.Duration `yaml:"link_check_interval" validate:"min=0"`
}

// BridgeConfig is the serial link to the Ethernet co-processor
type BridgeConfig struct {
	Port     string        `yaml:"port"`
	BaudRate int           `yaml:"baud_rate" validate:"min=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"min=0"`
	MaxData  int           `yaml:"max_data" validate:"min=0,max=65535"`
}

// RadioConfig selects the radio driver and its modem settings
type RadioConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory nats"`
	NATSSubject     string        `yaml:"nats_subject"`
	Frequency       uint32        `yaml:"frequency" validate:"min=137000000,max=1020000000"`
	SpreadingFactor int           `yaml:"spreading_factor" validate:"min=6,max=12"`
	Bandwidth       float64       `yaml:"bandwidth" validate:"min=7.8,max=500"`
	CodingRate      int           `yaml:"coding_rate" validate:"min=5,max=8"`
	SyncWord        uint8         `yaml:"sync_word"`
	TxPower         int           `yaml:"tx_power" validate:"min=-4,max=22"`
	TxTimeout       time.Duration `yaml:"tx_timeout" validate:"min=0"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" validate:"min=0"`
}

// MQTTConfig is the optional status mirror
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
}

// DatabaseConfig represents the event journal database
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"min=0"`
}

// APIConfig represents the local operations API
type APIConfig struct {
	Host  string      `yaml:"host"`
	Port  int         `yaml:"port" validate:"min=1,max=65535"`
	JWT   JWTConfig   `yaml:"jwt"`
	Admin AdminConfig `yaml:"admin"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl" validate:"min=0"`
}

// AdminConfig is the single operator account
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the firmware defaults. Load decodes the file over it, so
// boolean switches default to on unless the file turns them off.
func Default() Config {
	eth := netif.DefaultEthernetConfig()
	rs := radio.DefaultSettings()

	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Server: ServerConfig{
			Host:          "localhost",
			PortUp:        forwarder.DefaultPortUp,
			PortDown:      forwarder.DefaultPortDown,
			Description:   forwarder.DefaultDescription,
			Region:        forwarder.DefaultRegion,
			PullInterval:  forwarder.DefaultPullInterval,
			StatInterval:  forwarder.DefaultStatInterval,
			HealthTimeout: forwarder.DefaultHealthTimeout,
		},
		Network: NetworkConfig{
			WiFiEnabled:        true,
			EthernetEnabled:    true,
			Primary:            "ethernet",
			FailoverEnabled:    true,
			FailoverTimeout:    failover.DefaultFailoverTimeout,
			ReconnectInterval:  failover.DefaultReconnectInterval,
			HealthCheckEnabled: true,
			StabilityPeriod:    failover.DefaultStabilityPeriod,
			WiFi:               WiFiConfig{DHCP: true},
			Ethernet: EthernetConfig{
				Enabled:           true,
				DHCP:              true,
				Subnet:            eth.Subnet.String(),
				DNS:               eth.DNS.String(),
				DHCPTimeout:       eth.DHCPTimeout,
				LinkCheckInterval: eth.LinkCheckInterval,
			},
		},
		Bridge: BridgeConfig{
			BaudRate: bridge.DefaultBaudRate,
			Timeout:  bridge.DefaultTimeout,
			MaxData:  bridge.DefaultMaxData,
		},
		Radio: RadioConfig{
			Driver:          "memory",
			NATSSubject:     "gateway.radio",
			Frequency:       rs.Frequency,
			SpreadingFactor: rs.SpreadingFactor,
			Bandwidth:       rs.Bandwidth,
			CodingRate:      rs.CodingRate,
			SyncWord:        rs.SyncWord,
			TxPower:         rs.TxPower,
			TxTimeout:       radio.DefaultTxTimeout,
		},
		NATS: NATSConfig{
			MaxReconnects:     -1,
			ReconnectInterval: 2 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID: "lorawan-gateway",
			Topic:    "gateway/status",
		},
		Database: DatabaseConfig{MaxOpenConns: 4},
		API: APIConfig{
			Host:  "0.0.0.0",
			Port:  8080,
			JWT:   JWTConfig{AccessTokenTTL: 24 * time.Hour},
			Admin: AdminConfig{Username: "admin"},
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load loads configuration from a YAML file. An empty filename yields the
// defaults with environment overrides applied.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.API.JWT.Secret = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		c.Bridge.Port = v
	}
}

// setDefaults fills values a file explicitly zeroed
func (c *Config) setDefaults() {
	def := Default()

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	s := &c.Server
	if s.PortUp == 0 {
		s.PortUp = def.Server.PortUp
	}
	if s.PortDown == 0 {
		s.PortDown = def.Server.PortDown
	}
	if s.Region == "" {
		s.Region = def.Server.Region
	}
	if s.PullInterval == 0 {
		s.PullInterval = def.Server.PullInterval
	}
	if s.StatInterval == 0 {
		s.StatInterval = def.Server.StatInterval
	}
	if s.HealthTimeout == 0 {
		s.HealthTimeout = def.Server.HealthTimeout
	}

	n := &c.Network
	if n.Primary == "" {
		n.Primary = def.Network.Primary
	}
	if n.FailoverTimeout == 0 {
		n.FailoverTimeout = def.Network.FailoverTimeout
	}
	if n.ReconnectInterval == 0 {
		n.ReconnectInterval = def.Network.ReconnectInterval
	}
	if n.StabilityPeriod == 0 {
		n.StabilityPeriod = def.Network.StabilityPeriod
	}
	if n.Ethernet.DHCPTimeout == 0 {
		n.Ethernet.DHCPTimeout = def.Network.Ethernet.DHCPTimeout
	}
	if n.Ethernet.LinkCheckInterval == 0 {
		n.Ethernet.LinkCheckInterval = def.Network.Ethernet.LinkCheckInterval
	}

	if c.Bridge.BaudRate == 0 {
		c.Bridge.BaudRate = def.Bridge.BaudRate
	}
	if c.Bridge.Timeout == 0 {
		c.Bridge.Timeout = def.Bridge.Timeout
	}
	if c.Bridge.MaxData == 0 {
		c.Bridge.MaxData = def.Bridge.MaxData
	}

	r := &c.Radio
	if r.Driver == "" {
		r.Driver = def.Radio.Driver
	}
	if r.NATSSubject == "" {
		r.NATSSubject = def.Radio.NATSSubject
	}
	if r.Frequency == 0 {
		r.Frequency = def.Radio.Frequency
	}
	if r.SpreadingFactor == 0 {
		r.SpreadingFactor = def.Radio.SpreadingFactor
	}
	if r.Bandwidth == 0 {
		r.Bandwidth = def.Radio.Bandwidth
	}
	if r.CodingRate == 0 {
		r.CodingRate = def.Radio.CodingRate
	}
	if r.SyncWord == 0 {
		r.SyncWord = def.Radio.SyncWord
	}
	if r.TxTimeout == 0 {
		r.TxTimeout = def.Radio.TxTimeout
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}
	if c.API.Port == 0 {
		c.API.Port = def.API.Port
	}
	if c.API.JWT.AccessTokenTTL == 0 {
		c.API.JWT.AccessTokenTTL = def.API.JWT.AccessTokenTTL
	}
	if c.API.Admin.Username == "" {
		c.API.Admin.Username = def.API.Admin.Username
	}
}

// Validate checks field constraints and the values that need parsing
func (c *Config) Validate() error {
	if err := validation.NewValidator().Validate(c); err != nil {
		return err
	}

	if c.Server.GatewayEUI != "" {
		if _, err := lorawan.ParseEUI64(c.Server.GatewayEUI); err != nil {
			return fmt.Errorf("Server.GatewayEUI: %w", err)
		}
	}

	eth := c.Network.Ethernet
	for name, s := range map[string]string{
		"Network.Ethernet.StaticIP": eth.StaticIP,
		"Network.Ethernet.Gateway":  eth.Gateway,
		"Network.Ethernet.Subnet":   eth.Subnet,
		"Network.Ethernet.DNS":      eth.DNS,
		"Network.WiFi.StaticIP":     c.Network.WiFi.StaticIP,
		"Network.WiFi.Gateway":      c.Network.WiFi.Gateway,
		"Network.WiFi.Subnet":       c.Network.WiFi.Subnet,
		"Network.WiFi.DNS":          c.Network.WiFi.DNS,
	} {
		if _, err := parseIPv4(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if !eth.DHCP && eth.StaticIP == "" && c.Network.EthernetEnabled && eth.Enabled {
		return fmt.Errorf("Network.Ethernet.StaticIP: required when dhcp is off")
	}

	if c.Radio.Driver == "nats" && c.NATS.URL == "" {
		return fmt.Errorf("NATS.URL: required by the nats radio driver")
	}
	if c.API.JWT.Secret != "" && len(c.API.JWT.Secret) < 16 {
		return fmt.Errorf("API.JWT.Secret: minimum length is 16")
	}
	return nil
}

// parseIPv4 parses a dotted quad; empty means unspecified
func parseIPv4(s string) (netip.Addr, error) {
	if s == "" {
		return netip.IPv4Unspecified(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("not an IPv4 address: %s", s)
	}
	return addr, nil
}

// PrimaryType returns the configured primary transport
func (c *Config) PrimaryType() netif.Type {
	t, err := netif.ParseType(c.Network.Primary)
	if err != nil {
		return netif.TypeEthernet
	}
	return t
}

// FailoverConfig converts the network section for the failover controller
func (c *Config) FailoverConfig() failover.Config {
	n := c.Network
	return failover.Config{
		WiFiEnabled:        n.WiFiEnabled,
		EthernetEnabled:    n.EthernetEnabled && n.Ethernet.Enabled,
		Primary:            c.PrimaryType(),
		FailoverEnabled:    n.FailoverEnabled,
		FailoverTimeout:    n.FailoverTimeout,
		ReconnectInterval:  n.ReconnectInterval,
		HealthCheckEnabled: n.HealthCheckEnabled,
		StabilityPeriod:    n.StabilityPeriod,
	}
}

// EthernetConfig converts the ethernet section for the adapter
func (c *Config) EthernetConfig() netif.EthernetConfig {
	e := c.Network.Ethernet
	out := netif.DefaultEthernetConfig()
	out.Enabled = c.Network.EthernetEnabled && e.Enabled
	out.DHCP = e.DHCP
	out.DHCPTimeout = e.DHCPTimeout
	out.LinkCheckInterval = e.LinkCheckInterval

	// Validate has already rejected malformed addresses
	if ip, err := parseIPv4(e.StaticIP); err == nil {
		out.StaticIP = ip
	}
	if ip, err := parseIPv4(e.Gateway); err == nil {
		out.Gateway = ip
	}
	if e.Subnet != "" {
		if ip, err := parseIPv4(e.Subnet); err == nil {
			out.Subnet = ip
		}
	}
	if e.DNS != "" {
		if ip, err := parseIPv4(e.DNS); err == nil {
			out.DNS = ip
		}
	}
	return out
}

// Station builds the host-backed WiFi station
func (c *Config) Station() *netif.HostStation {
	w := c.Network.WiFi
	return &netif.HostStation{
		Interface: w.Interface,
		Network:   w.SSID,
		APMode:    w.APMode,
	}
}

// ForwarderConfig converts the server section for the forwarder engine
func (c *Config) ForwarderConfig() forwarder.Config {
	s := c.Server
	out := forwarder.Config{
		ServerHost:    s.Host,
		PortUp:        uint16(s.PortUp),
		PortDown:      uint16(s.PortDown),
		Description:   s.Description,
		Region:        s.Region,
		Latitude:      s.Latitude,
		Longitude:     s.Longitude,
		Altitude:      s.Altitude,
		PullInterval:  s.PullInterval,
		StatInterval:  s.StatInterval,
		HealthTimeout: s.HealthTimeout,
	}
	if s.GatewayEUI != "" {
		if eui, err := lorawan.ParseEUI64(s.GatewayEUI); err == nil {
			out.GatewayEUI = eui
		}
	}
	return out
}

// RadioSettings converts the radio section to modem settings
func (c *Config) RadioSettings() radio.Settings {
	r := c.Radio
	return radio.Settings{
		Frequency:       r.Frequency,
		SpreadingFactor: r.SpreadingFactor,
		Bandwidth:       r.Bandwidth,
		CodingRate:      r.CodingRate,
		SyncWord:        r.SyncWord,
		TxPower:         r.TxPower,
	}
}

// PrintConfigSummary logs the effective configuration
func (c *Config) PrintConfigSummary() {
	log.Info().
		Str("level", c.Log.Level).
		Str("format", c.Log.Format).
		Msg("Logging")

	log.Info().
		Str("host", c.Server.Host).
		Int("port_up", c.Server.PortUp).
		Int("port_down", c.Server.PortDown).
		Str("gateway_eui", orAuto(c.Server.GatewayEUI)).
		Str("region", c.Server.Region).
		Dur("pull_interval", c.Server.PullInterval).
		Dur("stat_interval", c.Server.StatInterval).
		Msg("Network server")

	log.Info().
		Bool("wifi", c.Network.WiFiEnabled).
		Bool("ethernet", c.Network.EthernetEnabled && c.Network.Ethernet.Enabled).
		Str("primary", c.Network.Primary).
		Bool("failover", c.Network.FailoverEnabled).
		Bool("health_check", c.Network.HealthCheckEnabled).
		Dur("failover_timeout", c.Network.FailoverTimeout).
		Dur("stability_period", c.Network.StabilityPeriod).
		Msg("Network interfaces")

	log.Info().
		Str("port", orNone(c.Bridge.Port)).
		Int("baud_rate", c.Bridge.BaudRate).
		Dur("timeout", c.Bridge.Timeout).
		Bool("dhcp", c.Network.Ethernet.DHCP).
		Msg("Ethernet bridge")

	log.Info().
		Str("driver", c.Radio.Driver).
		Str("freq", strconv.FormatFloat(float64(c.Radio.Frequency)/1e6, 'f', 1, 64)+" MHz").
		Int("sf", c.Radio.SpreadingFactor).
		Float64("bw", c.Radio.Bandwidth).
		Int("cr", c.Radio.CodingRate).
		Int("tx_power", c.Radio.TxPower).
		Msg("Radio")

	log.Info().
		Str("nats", orNone(c.NATS.URL)).
		Str("mqtt", orNone(c.MQTT.Broker)).
		Bool("database", c.Database.DSN != "").
		Str("api", fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)).
		Bool("metrics", c.Metrics.Enabled).
		Msg("Integrations")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func orAuto(s string) string {
	if s == "" {
		return "auto"
	}
	return s
}
