package netif

import (
	"net/netip"
	"time"
)

// DNSCacheTTL is how long a resolved name is reused
const DNSCacheTTL = 5 * time.Minute

// dnsCache remembers the last resolved name. Lookups match the hostname
// exactly.
type dnsCache struct {
	host string
	addr netip.Addr
	at   time.Time
	ttl  time.Duration
}

func (c *dnsCache) get(host string, now time.Time) (netip.Addr, bool) {
	if c.host == "" || c.host != host || now.Sub(c.at) >= c.ttl {
		return netip.Addr{}, false
	}
	return c.addr, true
}

func (c *dnsCache) put(host string, addr netip.Addr, now time.Time) {
	c.host = host
	c.addr = addr
	c.at = now
}
