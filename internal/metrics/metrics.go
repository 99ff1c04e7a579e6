// Package metrics exports gateway counters in Prometheus format. Values are
// read from the components on every scrape, so nothing on the main loop
// path touches Prometheus.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorawan-server/lorawan-gateway/internal/failover"
	"github.com/lorawan-server/lorawan-gateway/internal/forwarder"
	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/internal/radio"
)

const namespace = "gateway"

// RadioSource is implemented by *radio.Receiver
type RadioSource interface {
	Stats() radio.Stats
	Queue() *radio.Queue
}

// ForwarderSource is implemented by *forwarder.Engine
type ForwarderSource interface {
	Stats() forwarder.Stats
	LastAckTime() time.Time
	IsHealthy(timeout time.Duration) bool
	Config() forwarder.Config
}

// NetworkSource is implemented by *failover.Controller
type NetworkSource interface {
	Stats() failover.Stats
	State() failover.State
	ActiveType() netif.Type
	WiFi() netif.Interface
	Ethernet() netif.Interface
}

// Sources are the components scraped. Nil entries are skipped.
type Sources struct {
	Radio     RadioSource
	Forwarder ForwarderSource
	Network   NetworkSource
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

var (
	radioRxTotal   = desc("radio", "rx_packets_total", "Packets captured by the radio.")
	radioCRCTotal  = desc("radio", "rx_crc_errors_total", "Frames discarded with a CRC error.")
	radioDropTotal = desc("radio", "rx_dropped_total", "Packets dropped because the queue was full.")
	radioTxTotal   = desc("radio", "tx_packets_total", "Downlinks transmitted.")
	radioTxFailed  = desc("radio", "tx_failed_total", "Downlinks the radio refused.")
	radioRSSI      = desc("radio", "last_rssi_dbm", "RSSI of the last captured packet.")
	radioSNR       = desc("radio", "last_snr_db", "SNR of the last captured packet.")
	queueDepth     = desc("radio", "queue_depth", "Packets waiting to be forwarded.")
	queueCapacity  = desc("radio", "queue_capacity", "Packet queue capacity.")

	fwdPackets = desc("forwarder", "packets_total", "Semtech UDP packets by type and direction.", "type", "direction")
	fwdDown    = desc("forwarder", "downlinks_total", "Downlink requests by outcome.", "outcome")
	fwdHealthy = desc("forwarder", "healthy", "1 when the network server acknowledged recently.")
	fwdLastAck = desc("forwarder", "last_ack_timestamp_seconds", "Unix time of the last acknowledgement.")

	netActive      = desc("network", "active_interface", "1 for the interface carrying traffic.", "interface")
	netConnected   = desc("network", "interface_connected", "1 when the interface has a usable link.", "interface")
	netConnections = desc("network", "connections_total", "Connection transitions per interface.", "interface")
	netDisconnects = desc("network", "disconnections_total", "Disconnection transitions per interface.", "interface")
	netUptime      = desc("network", "uptime_seconds_total", "Time each interface was active.", "interface")
	netFailovers   = desc("network", "failovers_total", "Switches from the primary to the secondary interface.")
	netFailover    = desc("network", "failover_active", "1 while running on the secondary interface.")
)

// Collector implements prometheus.Collector over the gateway components
type Collector struct {
	src Sources
}

// NewCollector creates a collector for src
func NewCollector(src Sources) *Collector {
	return &Collector{src: src}
}

// Register creates a collector and registers it with reg, the default
// registry when nil
func Register(reg prometheus.Registerer, src Sources) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := NewCollector(src)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler serves the registry in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		radioRxTotal, radioCRCTotal, radioDropTotal, radioTxTotal, radioTxFailed,
		radioRSSI, radioSNR, queueDepth, queueCapacity,
		fwdPackets, fwdDown, fwdHealthy, fwdLastAck,
		netActive, netConnected, netConnections, netDisconnects, netUptime,
		netFailovers, netFailover,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Radio != nil {
		c.collectRadio(ch)
	}
	if c.src.Forwarder != nil {
		c.collectForwarder(ch)
	}
	if c.src.Network != nil {
		c.collectNetwork(ch)
	}
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *Collector) collectRadio(ch chan<- prometheus.Metric) {
	s := c.src.Radio.Stats()
	counter(ch, radioRxTotal, float64(s.RxReceived))
	counter(ch, radioCRCTotal, float64(s.RxCRCError))
	counter(ch, radioDropTotal, float64(s.RxDropped))
	counter(ch, radioTxTotal, float64(s.TxSent))
	counter(ch, radioTxFailed, float64(s.TxFailed))
	gauge(ch, radioRSSI, s.LastRSSI)
	gauge(ch, radioSNR, s.LastSNR)

	if q := c.src.Radio.Queue(); q != nil {
		gauge(ch, queueDepth, float64(q.Len()))
		gauge(ch, queueCapacity, float64(q.Cap()))
	}
}

func (c *Collector) collectForwarder(ch chan<- prometheus.Metric) {
	f := c.src.Forwarder
	s := f.Stats()

	counter(ch, fwdPackets, float64(s.PushDataSent), "PUSH_DATA", "up")
	counter(ch, fwdPackets, float64(s.PushAckReceived), "PUSH_ACK", "down")
	counter(ch, fwdPackets, float64(s.PullDataSent), "PULL_DATA", "up")
	counter(ch, fwdPackets, float64(s.PullAckReceived), "PULL_ACK", "down")
	counter(ch, fwdPackets, float64(s.PullRespReceived), "PULL_RESP", "down")
	counter(ch, fwdPackets, float64(s.TxAckSent), "TX_ACK", "up")

	sent := float64(s.DownlinksSent)
	counter(ch, fwdDown, sent, "sent")
	counter(ch, fwdDown, float64(s.DownlinksReceived)-sent, "rejected")

	gauge(ch, fwdHealthy, boolValue(f.IsHealthy(f.Config().HealthTimeout)))
	if t := f.LastAckTime(); !t.IsZero() {
		gauge(ch, fwdLastAck, float64(t.UnixNano())/1e9)
	}
}

func (c *Collector) collectNetwork(ch chan<- prometheus.Metric) {
	n := c.src.Network
	s := n.Stats()
	active := n.ActiveType()

	for _, iface := range []netif.Interface{n.WiFi(), n.Ethernet()} {
		if iface == nil {
			continue
		}
		name := strings.ToLower(iface.Type().String())
		gauge(ch, netActive, boolValue(iface.Type() == active), name)
		gauge(ch, netConnected, boolValue(iface.IsConnected()), name)
	}

	counter(ch, netConnections, float64(s.WiFiConnections), "wifi")
	counter(ch, netConnections, float64(s.EthernetConnections), "ethernet")
	counter(ch, netDisconnects, float64(s.WiFiDisconnections), "wifi")
	counter(ch, netDisconnects, float64(s.EthernetDisconnections), "ethernet")
	counter(ch, netUptime, s.TotalUptimeWiFi.Seconds(), "wifi")
	counter(ch, netUptime, s.TotalUptimeEthernet.Seconds(), "ethernet")
	counter(ch, netFailovers, float64(s.FailoverCount))
	gauge(ch, netFailover, boolValue(n.State().FailoverActive))
}
