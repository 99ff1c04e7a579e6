package failover

import (
	"time"

	"github.com/lorawan-server/lorawan-gateway/internal/netif"
)

// StatusConfig is the policy section of Status
type StatusConfig struct {
	Primary            string `json:"primary"`
	FailoverEnabled    bool   `json:"failoverEnabled"`
	FailoverTimeout    int64  `json:"failoverTimeout"`
	HealthCheckEnabled bool   `json:"healthCheckEnabled"`
	StabilityPeriod    int64  `json:"stabilityPeriod"`
}

type WiFiStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	IP        string `json:"ip"`
	RSSI      int    `json:"rssi"`
	SSID      string `json:"ssid"`
	MAC       string `json:"mac"`
}

type EthernetStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	LinkUp    bool   `json:"linkUp"`
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
}

// StatusStats reports Stats with durations in milliseconds
type StatusStats struct {
	WiFiConnections        uint32 `json:"wifiConnections"`
	WiFiDisconnections     uint32 `json:"wifiDisconnections"`
	EthernetConnections    uint32 `json:"ethernetConnections"`
	EthernetDisconnections uint32 `json:"ethernetDisconnections"`
	FailoverCount          uint32 `json:"failoverCount"`
	TotalUptimeWiFi        int64  `json:"totalUptimeWifi"`
	TotalUptimeEthernet    int64  `json:"totalUptimeEthernet"`
}

// Status is the network status document served by the API. Durations are in
// milliseconds, times are unix milliseconds.
type Status struct {
	Connected          bool           `json:"connected"`
	ActiveInterface    string         `json:"activeInterface"`
	FailoverActive     bool           `json:"failoverActive"`
	ManualMode         bool           `json:"manualMode"`
	ApplicationHealthy bool           `json:"applicationHealthy"`
	LastAckTime        int64          `json:"lastAckTime,omitempty"`
	IP                 string         `json:"ip"`
	Gateway            string         `json:"gateway"`
	Config             StatusConfig   `json:"config"`
	WiFi               WiFiStatus     `json:"wifi"`
	Ethernet           EthernetStatus `json:"ethernet"`
	Stats              StatusStats    `json:"stats"`
}

// Health is the application-layer health document
type Health struct {
	Healthy          bool  `json:"healthy"`
	LastAckTime      int64 `json:"lastAckTime"`
	FailoverTimeout  int64 `json:"failoverTimeout"`
	FailoverActive   bool  `json:"failoverActive"`
	StabilityPeriod  int64 `json:"stabilityPeriod"`
	PrimaryStableFor int64 `json:"primaryStableFor"`
}

type ssidReporter interface {
	SSID() string
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func primaryName(t netif.Type) string {
	if t == netif.TypeWiFi {
		return "wifi"
	}
	return "ethernet"
}

// Status builds the status document
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Connected:          connected(c.state.Active),
		ActiveInterface:    name(c.state.Active),
		FailoverActive:     c.state.FailoverActive,
		ManualMode:         c.manual,
		ApplicationHealthy: c.applicationHealthy(),
		Config: StatusConfig{
			Primary:            primaryName(c.cfg.Primary),
			FailoverEnabled:    c.cfg.FailoverEnabled,
			FailoverTimeout:    c.cfg.FailoverTimeout.Milliseconds(),
			HealthCheckEnabled: c.cfg.HealthCheckEnabled,
			StabilityPeriod:    c.cfg.StabilityPeriod.Milliseconds(),
		},
		Stats: StatusStats{
			WiFiConnections:        c.stats.WiFiConnections,
			WiFiDisconnections:     c.stats.WiFiDisconnections,
			EthernetConnections:    c.stats.EthernetConnections,
			EthernetDisconnections: c.stats.EthernetDisconnections,
			FailoverCount:          c.stats.FailoverCount,
			TotalUptimeWiFi:        c.stats.TotalUptimeWiFi.Milliseconds(),
			TotalUptimeEthernet:    c.stats.TotalUptimeEthernet.Milliseconds(),
		},
	}
	if c.health != nil {
		st.LastAckTime = unixMilli(c.health.LastAckTime())
	}
	if c.state.Active != nil {
		st.IP = c.state.Active.LocalIP().String()
		st.Gateway = c.state.Active.GatewayIP().String()
	}

	if c.wifi != nil {
		info := c.wifi.Info()
		st.WiFi = WiFiStatus{
			Enabled:   c.cfg.WiFiEnabled,
			Connected: c.wifi.IsConnected(),
			IP:        c.wifi.LocalIP().String(),
			RSSI:      info.RSSI,
			MAC:       c.wifi.MAC().String(),
		}
		if r, ok := c.wifi.(ssidReporter); ok {
			st.WiFi.SSID = r.SSID()
		}
	}
	if c.eth != nil {
		st.Ethernet = EthernetStatus{
			Enabled:   c.cfg.EthernetEnabled,
			Connected: c.eth.IsConnected(),
			LinkUp:    c.eth.IsLinkUp(),
			IP:        c.eth.LocalIP().String(),
			MAC:       c.eth.MAC().String(),
		}
	}
	return st
}

// Health builds the health document
func (c *Controller) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := Health{
		Healthy:         c.applicationHealthy(),
		FailoverTimeout: c.cfg.FailoverTimeout.Milliseconds(),
		FailoverActive:  c.state.FailoverActive,
		StabilityPeriod: c.cfg.StabilityPeriod.Milliseconds(),
	}
	if c.health != nil {
		h.LastAckTime = unixMilli(c.health.LastAckTime())
	}
	if c.state.FailoverActive && !c.state.PrimaryStableSince.IsZero() {
		h.PrimaryStableFor = c.now().Sub(c.state.PrimaryStableSince).Milliseconds()
	}
	return h
}
