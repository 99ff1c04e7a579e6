package bridge

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

var testMAC = lorawan.MAC{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}

func newTestBridge(t *testing.T, cfg DeviceConfig) (*Bridge, *Loopback, *MemoryNetwork) {
	t.Helper()
	network := NewMemoryNetwork()
	dev := NewDevice(cfg, network)
	lb := NewLoopback(dev)
	return New(lb, 0, 0), lb, network
}

func defaultDevice() DeviceConfig {
	return DeviceConfig{
		ChipPresent: true,
		LinkUp:      true,
		MAC:         testMAC,
		Lease: IPConfig{
			IP:      netip.MustParseAddr("192.168.1.50"),
			Gateway: netip.MustParseAddr("192.168.1.1"),
			Subnet:  netip.MustParseAddr("255.255.255.0"),
			DNS:     netip.MustParseAddr("192.168.1.1"),
		},
	}
}

func TestSystemCommands(t *testing.T) {
	b, lb, _ := newTestBridge(t, defaultDevice())

	require.NoError(t, b.Ping())

	v, err := b.Version()
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", v.String())

	st, err := b.Status()
	require.NoError(t, err)
	assert.True(t, st.EthInitialized)
	assert.True(t, st.LinkUp)
	assert.Equal(t, uint16(1024), st.FreeRAM)

	require.NoError(t, b.SetLED(true))
	assert.True(t, lb.Device().LED())

	require.NoError(t, b.Reset())
	assert.Equal(t, 1, lb.Device().Resets())
	assert.False(t, lb.Device().LED())
}

func TestExchangeTruncatesResponse(t *testing.T) {
	b, _, _ := newTestBridge(t, defaultDevice())

	resp, err := b.Exchange(CmdPing, nil, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("PO"), resp)
}

func TestExchangeDeviceStatus(t *testing.T) {
	b, _, _ := newTestBridge(t, defaultDevice())

	_, err := b.Exchange(CmdSetLED, nil, 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidParam)
	assert.Equal(t, StatusInvalidParam, StatusOf(err))

	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, CmdSetLED, be.Command)

	_, err = b.Exchange(CmdTCPConnect, nil, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidCmd)

	_, err = b.Exchange(CmdEthDHCP, nil, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidCmd)
}

func TestExchangeFaults(t *testing.T) {
	cases := []struct {
		name   string
		filter ReplyFilter
		want   error
	}{
		{
			name: "crc",
			filter: func(r []byte) []byte {
				r[len(r)-2] ^= 0xFF
				return r
			},
			want: ErrCRC,
		},
		{
			name: "bad end",
			filter: func(r []byte) []byte {
				r[len(r)-1] = 0x00
				return r
			},
			want: ErrMismatch,
		},
		{
			name: "wrong command",
			filter: func(r []byte) []byte {
				return EncodeFrame(CmdGetVersion|ResponseFlag, []byte{0, 1, 1, 0})
			},
			want: ErrMismatch,
		},
		{
			name: "request echo",
			filter: func(r []byte) []byte {
				return EncodeFrame(CmdPing, []byte{0})
			},
			want: ErrMismatch,
		},
		{
			name: "empty data",
			filter: func(r []byte) []byte {
				return EncodeFrame(CmdPing|ResponseFlag, nil)
			},
			want: ErrMismatch,
		},
		{
			name:   "silent",
			filter: func(r []byte) []byte { return nil },
			want:   ErrTimeout,
		},
		{
			name:   "truncated",
			filter: func(r []byte) []byte { return r[:len(r)-1] },
			want:   ErrTimeout,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, lb, _ := newTestBridge(t, defaultDevice())
			lb.SetReplyFilter(tc.filter)

			_, err := b.Exchange(CmdPing, nil, 8, 30*time.Millisecond)
			assert.ErrorIs(t, err, tc.want)

			lb.SetReplyFilter(nil)
			assert.NoError(t, b.Ping(), "bridge must recover after a fault")
		})
	}
}

func TestExchangeTimeoutHonorsDeadline(t *testing.T) {
	b, lb, _ := newTestBridge(t, defaultDevice())
	lb.SetReplyFilter(func([]byte) []byte { return nil })

	start := time.Now()
	_, err := b.Exchange(CmdPing, nil, 8, 80*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestExchangeTruncationAtEveryOffset(t *testing.T) {
	b, lb, _ := newTestBridge(t, defaultDevice())

	reply := EncodeFrame(CmdPing|ResponseFlag, append([]byte{0}, "PONG"...))
	for cut := 0; cut < len(reply); cut++ {
		cut := cut
		lb.SetReplyFilter(func([]byte) []byte { return append([]byte(nil), reply[:cut]...) })

		_, err := b.Exchange(CmdPing, nil, 8, 15*time.Millisecond)
		require.Error(t, err, "cut at %d", cut)
		status := StatusOf(err)
		assert.True(t, status == StatusTimeout || status == StatusMismatch, "cut at %d gave %s", cut, status)
	}
}

func TestExchangeDiscardsStaleInput(t *testing.T) {
	b, lb, _ := newTestBridge(t, defaultDevice())

	lb.Inject(EncodeFrame(CmdPing|ResponseFlag, []byte{byte(StatusError)}))
	require.NoError(t, b.Ping())
}

func TestExchangeSkipsLeadingNoise(t *testing.T) {
	b, lb, _ := newTestBridge(t, defaultDevice())
	lb.SetReplyFilter(func(r []byte) []byte {
		return append([]byte{0x00, 0x55, StartByte}, r...)
	})

	require.NoError(t, b.Ping())
}

func TestExchangeRejectsOversizedRequest(t *testing.T) {
	b, lb, _ := newTestBridge(t, defaultDevice())

	_, err := b.Exchange(CmdUDPSend, make([]byte, DefaultMaxData+1), 0, 0)
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Empty(t, lb.Written())
}

func TestEthernetCommands(t *testing.T) {
	b, lb, _ := newTestBridge(t, defaultDevice())

	ok, err := b.EthStatus()
	require.NoError(t, err)
	assert.True(t, ok)

	up, err := b.LinkStatus()
	require.NoError(t, err)
	assert.True(t, up)

	mac, err := b.GetMAC()
	require.NoError(t, err)
	assert.Equal(t, testMAC, mac)

	newMAC := lorawan.MAC{0x06, 0, 0, 0, 0, 1}
	require.NoError(t, b.SetMAC(newMAC))
	assert.Equal(t, newMAC, lb.Device().MAC())

	require.NoError(t, b.EthInitDHCP(10*time.Second))
	cfg, err := b.GetIP()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", cfg.IP.String())
	assert.Equal(t, "255.255.255.0", cfg.Subnet.String())

	static := IPConfig{
		IP:      netip.MustParseAddr("10.0.0.5"),
		Gateway: netip.MustParseAddr("10.0.0.1"),
		Subnet:  netip.MustParseAddr("255.0.0.0"),
		DNS:     netip.MustParseAddr("8.8.8.8"),
	}
	require.NoError(t, b.EthInitStatic(static))
	cfg, err = b.GetIP()
	require.NoError(t, err)
	assert.Equal(t, static, cfg)

	static.IP = netip.MustParseAddr("10.0.0.6")
	require.NoError(t, b.SetIP(static))
	assert.Equal(t, "10.0.0.6", lb.Device().IPConfig().IP.String())

	lb.Device().SetLink(false)
	up, err = b.LinkStatus()
	require.NoError(t, err)
	assert.False(t, up)
}

func TestStaticInitRejectsNonIPv4(t *testing.T) {
	b, lb, _ := newTestBridge(t, defaultDevice())

	bad := IPConfig{
		IP:      netip.MustParseAddr("fd00::5"),
		Gateway: netip.MustParseAddr("10.0.0.1"),
	}
	require.Error(t, b.EthInitStatic(bad))
	require.Error(t, b.SetIP(bad))
	assert.Zero(t, lb.Device().Requests(CmdEthInit))
	assert.Zero(t, lb.Device().Requests(CmdEthSetIP))

	// unset addresses still encode as zeros
	data, err := IPConfig{IP: netip.MustParseAddr("10.0.0.5")}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 0, 5, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, data)
}

func TestEthernetWithoutChip(t *testing.T) {
	cfg := defaultDevice()
	cfg.ChipPresent = false
	b, _, _ := newTestBridge(t, cfg)

	ok, err := b.EthStatus()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.LinkStatus()
	assert.ErrorIs(t, err, ErrNotInit)
	_, err = b.GetMAC()
	assert.ErrorIs(t, err, ErrNotInit)
	assert.ErrorIs(t, b.UDPBegin(1700), ErrNotInit)
	assert.ErrorIs(t, b.EthInitDHCP(0), ErrGeneric)

	n, err := b.UDPAvailable()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUDPCommands(t *testing.T) {
	b, lb, network := newTestBridge(t, defaultDevice())
	dst := netip.MustParseAddrPort("10.1.2.3:1700")

	_, err := b.UDPSend(dst, []byte("x"))
	assert.ErrorIs(t, err, ErrNotInit)
	_, _, err = b.UDPReceive(make([]byte, 16))
	assert.ErrorIs(t, err, ErrNotInit)

	require.NoError(t, b.UDPBegin(1701))
	assert.Equal(t, uint16(1701), network.Port())

	sent, err := b.UDPSend(dst, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, sent)
	require.Len(t, network.Sent(), 1)
	assert.Equal(t, dst, network.Sent()[0].Addr)
	assert.Equal(t, []byte("hello"), network.Sent()[0].Data)

	// port travels little-endian inside the NetAddress
	written := lb.Written()
	req := written[len(written)-1]
	assert.Equal(t, []byte{10, 1, 2, 3, 0xA4, 0x06}, req[HeaderSize:HeaderSize+6])

	_, _, err = b.UDPReceive(make([]byte, 16))
	assert.ErrorIs(t, err, ErrNoData)

	from := netip.MustParseAddrPort("10.1.2.3:1700")
	network.Deliver(from, []byte{2, 0x12, 0x34, 1})

	avail, err := b.UDPAvailable()
	require.NoError(t, err)
	assert.Equal(t, 4, avail)

	buf := make([]byte, 16)
	n, src, err := b.UDPReceive(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, from, src)
	assert.Equal(t, []byte{2, 0x12, 0x34, 1}, buf[:n])

	require.NoError(t, b.UDPClose())
	assert.Zero(t, network.Port())
	require.NoError(t, b.UDPClose())
}

func TestUDPSendLimit(t *testing.T) {
	b, lb, _ := newTestBridge(t, defaultDevice())
	require.NoError(t, b.UDPBegin(1700))
	dst := netip.MustParseAddrPort("10.1.2.3:1700")

	before := len(lb.Written())
	_, err := b.UDPSend(dst, make([]byte, DefaultMaxData-5))
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, before, len(lb.Written()))

	sent, err := b.UDPSend(dst, make([]byte, DefaultMaxData-6))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxData-6, sent)
}

func TestDNSResolve(t *testing.T) {
	b, lb, network := newTestBridge(t, defaultDevice())
	network.AddHost("router.eu.thethings.network", netip.MustParseAddr("52.169.73.251"))

	addr, err := b.DNSResolve("router.eu.thethings.network")
	require.NoError(t, err)
	assert.Equal(t, "52.169.73.251", addr.String())

	_, err = b.DNSResolve("unknown.example")
	assert.ErrorIs(t, err, ErrGeneric)

	before := len(lb.Written())
	_, err = b.DNSResolve("")
	assert.ErrorIs(t, err, ErrInvalidParam)
	_, err = b.DNSResolve(strings.Repeat("a", MaxHostnameLen+1))
	assert.ErrorIs(t, err, ErrInvalidParam)
	assert.Equal(t, before, len(lb.Written()))

	lb.Device().SetLink(false)
	_, err = b.DNSResolve("router.eu.thethings.network")
	assert.ErrorIs(t, err, ErrNoLink)
}

func TestDeviceRejectsLongHostnameFrame(t *testing.T) {
	b, _, _ := newTestBridge(t, defaultDevice())

	_, err := b.Exchange(CmdDNSResolve, make([]byte, MaxHostnameLen+2), 4, 0)
	assert.ErrorIs(t, err, ErrInvalidParam)

	_, err = b.Exchange(CmdDNSResolve, []byte{0}, 4, 0)
	assert.ErrorIs(t, err, ErrInvalidParam)
}

// pipePort adapts one end of net.Pipe to the Port interface
type pipePort struct {
	net.Conn
	timeout time.Duration
}

func (p *pipePort) ResetInputBuffer() error { return nil }

func (p *pipePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *pipePort) Read(b []byte) (int, error) {
	p.Conn.SetReadDeadline(time.Now().Add(p.timeout))
	n, err := p.Conn.Read(b)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func TestDeviceServe(t *testing.T) {
	host, device := net.Pipe()
	dev := NewDevice(defaultDevice(), NewMemoryNetwork())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- dev.Serve(ctx, device) }()

	b := New(&pipePort{Conn: host, timeout: DefaultTimeout}, 0, 0)
	require.NoError(t, b.Ping())
	v, err := b.Version()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v.Major)
	assert.Equal(t, 1, dev.Requests(CmdPing))

	device.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after the port closed")
	}
}
