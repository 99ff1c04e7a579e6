package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-gateway/internal/failover"
	"github.com/lorawan-server/lorawan-gateway/internal/forwarder"
	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/internal/radio"
)

type fakeForwarder struct {
	stats   forwarder.Stats
	lastAck time.Time
	healthy bool
}

func (f *fakeForwarder) Stats() forwarder.Stats       { return f.stats }
func (f *fakeForwarder) LastAckTime() time.Time       { return f.lastAck }
func (f *fakeForwarder) IsHealthy(time.Duration) bool { return f.healthy }
func (f *fakeForwarder) Config() forwarder.Config     { return forwarder.DefaultConfig() }

// stubIface answers only what the collector asks
type stubIface struct {
	netif.Interface
	typ netif.Type
	up  bool
}

func (s stubIface) Type() netif.Type  { return s.typ }
func (s stubIface) IsConnected() bool { return s.up }

type fakeNetwork struct {
	stats  failover.Stats
	state  failover.State
	active netif.Type
	wifi   netif.Interface
	eth    netif.Interface
}

func (f *fakeNetwork) Stats() failover.Stats     { return f.stats }
func (f *fakeNetwork) State() failover.State     { return f.state }
func (f *fakeNetwork) ActiveType() netif.Type    { return f.active }
func (f *fakeNetwork) WiFi() netif.Interface     { return f.wifi }
func (f *fakeNetwork) Ethernet() netif.Interface { return f.eth }

func gather(t *testing.T, reg *prometheus.Registry) map[string][]*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string][]*dto.Metric)
	for _, mf := range families {
		out[mf.GetName()] = mf.GetMetric()
	}
	return out
}

func value(m *dto.Metric) float64 {
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func find(t *testing.T, metrics map[string][]*dto.Metric, name string, labels map[string]string) float64 {
	t.Helper()
	for _, m := range metrics[name] {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			return value(m)
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestCollectorRadio(t *testing.T) {
	drv := radio.NewMemoryDriver()
	rx := radio.NewReceiver(drv, radio.NewQueue(8), radio.DefaultSettings())
	require.NoError(t, rx.StartReceive())
	drv.Inject([]byte{0x40, 1, 2}, -61, 7.25)
	drv.InjectCRCError()
	rx.Poll()

	reg := prometheus.NewRegistry()
	_, err := Register(reg, Sources{Radio: rx})
	require.NoError(t, err)

	m := gather(t, reg)
	assert.Equal(t, 1.0, find(t, m, "gateway_radio_rx_packets_total", nil))
	assert.Equal(t, 1.0, find(t, m, "gateway_radio_rx_crc_errors_total", nil))
	assert.Equal(t, -61.0, find(t, m, "gateway_radio_last_rssi_dbm", nil))
	assert.Equal(t, 1.0, find(t, m, "gateway_radio_queue_depth", nil))
	assert.Equal(t, 8.0, find(t, m, "gateway_radio_queue_capacity", nil))
	assert.NotContains(t, m, "gateway_forwarder_healthy")
}

func TestCollectorForwarderAndNetwork(t *testing.T) {
	ack := time.Unix(1700000000, 0)
	fwd := &fakeForwarder{
		stats: forwarder.Stats{
			PushDataSent: 10, PushAckReceived: 9, PullDataSent: 4, PullAckReceived: 4,
			PullRespReceived: 3, TxAckSent: 3, DownlinksReceived: 3, DownlinksSent: 2,
		},
		lastAck: ack,
		healthy: true,
	}
	net := &fakeNetwork{
		stats: failover.Stats{
			WiFiConnections: 2, EthernetConnections: 1, EthernetDisconnections: 1,
			FailoverCount: 1, TotalUptimeWiFi: 90 * time.Second,
		},
		state:  failover.State{FailoverActive: true},
		active: netif.TypeWiFi,
		wifi:   stubIface{typ: netif.TypeWiFi, up: true},
		eth:    stubIface{typ: netif.TypeEthernet},
	}

	reg := prometheus.NewRegistry()
	_, err := Register(reg, Sources{Forwarder: fwd, Network: net})
	require.NoError(t, err)

	m := gather(t, reg)
	assert.Equal(t, 10.0, find(t, m, "gateway_forwarder_packets_total", map[string]string{"type": "PUSH_DATA"}))
	assert.Equal(t, 3.0, find(t, m, "gateway_forwarder_packets_total", map[string]string{"type": "PULL_RESP"}))
	assert.Equal(t, 2.0, find(t, m, "gateway_forwarder_downlinks_total", map[string]string{"outcome": "sent"}))
	assert.Equal(t, 1.0, find(t, m, "gateway_forwarder_downlinks_total", map[string]string{"outcome": "rejected"}))
	assert.Equal(t, 1.0, find(t, m, "gateway_forwarder_healthy", nil))
	assert.Equal(t, 1700000000.0, find(t, m, "gateway_forwarder_last_ack_timestamp_seconds", nil))

	assert.Equal(t, 1.0, find(t, m, "gateway_network_active_interface", map[string]string{"interface": "wifi"}))
	assert.Equal(t, 0.0, find(t, m, "gateway_network_active_interface", map[string]string{"interface": "ethernet"}))
	assert.Equal(t, 0.0, find(t, m, "gateway_network_interface_connected", map[string]string{"interface": "ethernet"}))
	assert.Equal(t, 2.0, find(t, m, "gateway_network_connections_total", map[string]string{"interface": "wifi"}))
	assert.Equal(t, 90.0, find(t, m, "gateway_network_uptime_seconds_total", map[string]string{"interface": "wifi"}))
	assert.Equal(t, 1.0, find(t, m, "gateway_network_failovers_total", nil))
	assert.Equal(t, 1.0, find(t, m, "gateway_network_failover_active", nil))
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := Register(reg, Sources{})
	require.NoError(t, err)
	_, err = Register(reg, Sources{})
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := Register(reg, Sources{Forwarder: &fakeForwarder{}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "gateway_forwarder_healthy 0")
	assert.NotContains(t, string(body), "gateway_forwarder_last_ack_timestamp_seconds")
}
