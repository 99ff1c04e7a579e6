package netif

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

type fakeStation struct {
	mode  StationMode
	state StationState
	ip    netip.Addr
	apIP  netip.Addr
	hosts map[string]netip.Addr
	conn  *net.UDPConn
}

func newFakeStation() *fakeStation {
	return &fakeStation{
		mode:  ModeStation,
		state: StateConnected,
		ip:    netip.MustParseAddr("192.168.4.20"),
		apIP:  netip.IPv4Unspecified(),
		hosts: map[string]netip.Addr{},
	}
}

func (s *fakeStation) Mode() StationMode      { return s.mode }
func (s *fakeStation) State() StationState    { return s.state }
func (s *fakeStation) LocalIP() netip.Addr    { return s.ip }
func (s *fakeStation) GatewayIP() netip.Addr  { return netip.MustParseAddr("192.168.4.1") }
func (s *fakeStation) Subnet() netip.Addr     { return netip.MustParseAddr("255.255.255.0") }
func (s *fakeStation) DNS() netip.Addr        { return netip.MustParseAddr("192.168.4.1") }
func (s *fakeStation) SoftAPIP() netip.Addr   { return s.apIP }
func (s *fakeStation) MAC() lorawan.MAC       { return wifiMAC }
func (s *fakeStation) RSSI() int              { return -61 }
func (s *fakeStation) SSID() string           { return "gateway-net" }

// ListenUDP binds an ephemeral loopback port whatever port is requested
func (s *fakeStation) ListenUDP(uint16) (PacketConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *fakeStation) LookupHost(_ context.Context, host string) (netip.Addr, error) {
	if addr, ok := s.hosts[host]; ok {
		return addr, nil
	}
	return netip.Addr{}, errors.New("not found")
}

func TestWiFiStateMapping(t *testing.T) {
	cases := []struct {
		state StationState
		want  Status
	}{
		{StateConnected, StatusConnected},
		{StateIdle, StatusDisconnected},
		{StateDisconnected, StatusDisconnected},
		{StateConnectionLost, StatusDisconnected},
		{StateConnectFailed, StatusError},
		{StateNoSSID, StatusError},
		{StateScanCompleted, StatusConnecting},
	}
	for _, tc := range cases {
		st := newFakeStation()
		w := NewWiFiAdapter(st, true)
		st.state = tc.state
		w.Update()
		assert.Equal(t, tc.want, w.Status(), "state %d", tc.state)
	}
}

func TestWiFiConnectTransitionRecordsTime(t *testing.T) {
	st := newFakeStation()
	st.state = StateDisconnected
	w := NewWiFiAdapter(st, true)
	now := time.Unix(1700000000, 0)
	w.SetClock(func() time.Time { return now })

	assert.ErrorIs(t, w.Begin(), ErrNotConnected)
	assert.False(t, w.IsConnected())

	st.state = StateConnected
	w.Update()
	assert.True(t, w.IsConnected())

	now = now.Add(10 * time.Second)
	w.Update()
	info := w.Info()
	assert.Equal(t, 10*time.Second, info.ConnectedFor)
	assert.Equal(t, -61, info.RSSI)
	assert.Equal(t, wifiMAC, info.MAC)

	st.state = StateConnectionLost
	w.Update()
	assert.False(t, w.IsConnected())
	assert.Zero(t, w.Info().ConnectedFor)
}

func TestWiFiAPMode(t *testing.T) {
	st := newFakeStation()
	st.mode = ModeAP
	st.apIP = netip.MustParseAddr("192.168.4.1")
	w := NewWiFiAdapter(st, true)

	require.NoError(t, w.Begin())
	assert.True(t, w.IsConnected())
	assert.Equal(t, "192.168.4.1", w.LocalIP().String())

	st.apIP = netip.IPv4Unspecified()
	w.Update()
	assert.Equal(t, StatusDisconnected, w.Status())
	assert.False(t, w.IsConnected())
}

func TestWiFiDisabled(t *testing.T) {
	w := NewWiFiAdapter(newFakeStation(), false)
	assert.ErrorIs(t, w.Begin(), ErrDisabled)
	assert.False(t, w.IsConnected())
}

func TestWiFiUDPRoundTrip(t *testing.T) {
	st := newFakeStation()
	w := NewWiFiAdapter(st, true)
	require.NoError(t, w.Begin())

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	local := peer.LocalAddr().(*net.UDPAddr).AddrPort()
	peerAddr := netip.AddrPortFrom(local.Addr().Unmap(), local.Port())

	assert.ErrorIs(t, w.UDPBeginPacket(peerAddr), ErrSocketClosed)
	require.NoError(t, w.UDPBegin(1700))
	defer w.UDPStop()
	assert.True(t, w.UDPStarted())

	require.NoError(t, w.UDPBeginPacket(peerAddr))
	assert.Equal(t, 5, w.UDPWrite([]byte("hello")))
	require.NoError(t, w.UDPEndPacket())

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	n, from, err := peer.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = peer.WriteToUDPAddrPort([]byte("world!"), from)
	require.NoError(t, err)

	var size int
	require.Eventually(t, func() bool {
		size = w.UDPParsePacket()
		return size > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 6, size)
	assert.Equal(t, peerAddr, w.UDPRemoteAddr())

	got := make([]byte, 3)
	assert.Equal(t, 3, w.UDPRead(got))
	assert.Equal(t, "wor", string(got))
	assert.Equal(t, 3, w.UDPParsePacket())
	assert.Equal(t, 3, w.UDPRead(got))
	assert.Equal(t, "ld!", string(got))
}

func TestWiFiResolve(t *testing.T) {
	st := newFakeStation()
	st.hosts["lns.example.com"] = netip.MustParseAddr("203.0.113.7")
	w := NewWiFiAdapter(st, true)

	addr, err := w.Resolve("lns.example.com")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", addr.String())

	addr, err = w.Resolve("10.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", addr.String())

	_, err = w.Resolve("missing.example.com")
	assert.ErrorIs(t, err, ErrResolve)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("wifi")
	require.NoError(t, err)
	assert.Equal(t, TypeWiFi, typ)

	typ, err = ParseType("ethernet")
	require.NoError(t, err)
	assert.Equal(t, TypeEthernet, typ)
	assert.Equal(t, "Ethernet", typ.String())

	_, err = ParseType("lte")
	assert.Error(t, err)
}
