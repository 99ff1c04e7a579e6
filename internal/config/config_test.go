package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 1700, cfg.Server.PortUp)
	assert.Equal(t, 1700, cfg.Server.PortDown)
	assert.Equal(t, "ESP32 1ch Gateway", cfg.Server.Description)
	assert.Equal(t, "US915", cfg.Server.Region)
	assert.Equal(t, 10*time.Second, cfg.Server.PullInterval)
	assert.Equal(t, 30*time.Second, cfg.Server.StatInterval)

	fc := cfg.FailoverConfig()
	assert.Equal(t, netif.TypeEthernet, fc.Primary)
	assert.True(t, fc.FailoverEnabled)
	assert.True(t, fc.HealthCheckEnabled)
	assert.Equal(t, 30*time.Second, fc.FailoverTimeout)
	assert.Equal(t, 10*time.Second, fc.ReconnectInterval)
	assert.Equal(t, 60*time.Second, fc.StabilityPeriod)

	assert.Equal(t, 115200, cfg.Bridge.BaudRate)
	assert.Equal(t, time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, 512, cfg.Bridge.MaxData)

	rs := cfg.RadioSettings()
	assert.Equal(t, uint32(915200000), rs.Frequency)
	assert.Equal(t, 7, rs.SpreadingFactor)
	assert.Equal(t, 125.0, rs.Bandwidth)
	assert.Equal(t, 5, rs.CodingRate)
	assert.Equal(t, uint8(0x34), rs.SyncWord)
	assert.Equal(t, 14, rs.TxPower)

	ec := cfg.EthernetConfig()
	assert.True(t, ec.Enabled)
	assert.True(t, ec.DHCP)
	assert.Equal(t, 10*time.Second, ec.DHCPTimeout)
	assert.Equal(t, 2*time.Second, ec.LinkCheckInterval)
	assert.Equal(t, netip.MustParseAddr("8.8.8.8"), ec.DNS)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
server:
  host: ns.example.com
  port_up: 1701
  gateway_eui: "AA:BB:CC:FF:FE:DD:EE:FF"
  latitude: 52.5
  pull_interval: 5s
network:
  primary: wifi
  health_check_enabled: false
  stability_period: 2m
  wifi:
    interface: wlan0
    ssid: field
  ethernet:
    dhcp: false
    static_ip: 10.0.0.20
    gateway: 10.0.0.1
radio:
  frequency: 868100000
  spreading_factor: 9
metrics:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 1701, cfg.Server.PortUp)
	assert.Equal(t, 1700, cfg.Server.PortDown)
	assert.False(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Network.FailoverEnabled, "unset switches keep their default")

	fwd := cfg.ForwarderConfig()
	assert.Equal(t, "ns.example.com", fwd.ServerHost)
	assert.Equal(t, uint16(1701), fwd.PortUp)
	assert.Equal(t, lorawan.EUI64{0xAA, 0xBB, 0xCC, 0xFF, 0xFE, 0xDD, 0xEE, 0xFF}, fwd.GatewayEUI)
	assert.Equal(t, 52.5, fwd.Latitude)
	assert.Equal(t, 5*time.Second, fwd.PullInterval)

	fc := cfg.FailoverConfig()
	assert.Equal(t, netif.TypeWiFi, fc.Primary)
	assert.False(t, fc.HealthCheckEnabled)
	assert.Equal(t, 2*time.Minute, fc.StabilityPeriod)

	ec := cfg.EthernetConfig()
	assert.False(t, ec.DHCP)
	assert.Equal(t, netip.MustParseAddr("10.0.0.20"), ec.StaticIP)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ec.Gateway)
	assert.Equal(t, netip.MustParseAddr("255.255.255.0"), ec.Subnet)

	st := cfg.Station()
	assert.Equal(t, "wlan0", st.Interface)
	assert.Equal(t, "field", st.Network)

	assert.Equal(t, uint32(868100000), cfg.RadioSettings().Frequency)
	assert.Equal(t, 9, cfg.RadioSettings().SpreadingFactor)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SERVER_HOST", "router.eu.thethings.network")
	t.Setenv("BRIDGE_PORT", "/dev/ttyUSB1")
	t.Setenv("NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("MQTT_BROKER", "tcp://127.0.0.1:1883")
	t.Setenv("DATABASE_URL", "postgres://gw@localhost/gw")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")

	path := writeConfig(t, "server:\n  host: ignored\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "router.eu.thethings.network", cfg.Server.Host)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Bridge.Port)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "tcp://127.0.0.1:1883", cfg.MQTT.Broker)
	assert.Equal(t, "postgres://gw@localhost/gw", cfg.Database.DSN)
	assert.Equal(t, "0123456789abcdef0123", cfg.API.JWT.Secret)
}

func TestLoadZeroedValuesGetDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port_up: 0
  pull_interval: 0s
bridge:
  baud_rate: 0
radio:
  coding_rate: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1700, cfg.Server.PortUp)
	assert.Equal(t, 10*time.Second, cfg.Server.PullInterval)
	assert.Equal(t, 115200, cfg.Bridge.BaudRate)
	assert.Equal(t, 5, cfg.Radio.CodingRate)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"primary":     "network:\n  primary: lte\n",
		"port":        "server:\n  port_up: 70000\n",
		"eui":         "server:\n  gateway_eui: nothex\n",
		"static ip":   "network:\n  ethernet:\n    static_ip: 10.0.0.300\n",
		"static mode": "network:\n  ethernet:\n    dhcp: false\n",
		"sf":          "radio:\n  spreading_factor: 13\n",
		"driver":      "radio:\n  driver: sx1276\n",
		"nats driver": "radio:\n  driver: nats\n",
		"log format":  "log:\n  format: xml\n",
		"short jwt":   "api:\n  jwt:\n    secret: short\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEthernetDisabledByEitherSwitch(t *testing.T) {
	cfg := Default()
	cfg.Network.Ethernet.Enabled = false
	assert.False(t, cfg.EthernetConfig().Enabled)
	assert.False(t, cfg.FailoverConfig().EthernetEnabled)

	cfg = Default()
	cfg.Network.EthernetEnabled = false
	assert.False(t, cfg.EthernetConfig().Enabled)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "gateway.example.yml"))
	require.NoError(t, err)
	assert.Equal(t, "router.eu.thethings.network", cfg.Server.Host)
	assert.Equal(t, uint8(0x34), cfg.Radio.SyncWord)
	assert.Equal(t, netif.TypeEthernet, cfg.PrimaryType())
}
