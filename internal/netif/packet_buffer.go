package netif

import "net/netip"

// packetBuffer holds one outgoing and one incoming datagram
type packetBuffer struct {
	tx  []byte
	dst netip.AddrPort

	rx      []byte
	rxLen   int
	rxPos   int
	remote  netip.AddrPort
	pending bool
}

func newPacketBuffer(txSize, rxSize int) packetBuffer {
	return packetBuffer{
		tx: make([]byte, 0, txSize),
		rx: make([]byte, rxSize),
	}
}

func (b *packetBuffer) begin(dst netip.AddrPort) {
	b.dst = dst
	b.tx = b.tx[:0]
}

// write appends as much of p as fits
func (b *packetBuffer) write(p []byte) int {
	n := cap(b.tx) - len(b.tx)
	if n > len(p) {
		n = len(p)
	}
	b.tx = append(b.tx, p[:n]...)
	return n
}

func (b *packetBuffer) resetTx() {
	b.tx = b.tx[:0]
}

// remaining returns the unread bytes of the current datagram
func (b *packetBuffer) remaining() int {
	if !b.pending || b.rxPos >= b.rxLen {
		return 0
	}
	return b.rxLen - b.rxPos
}

func (b *packetBuffer) fill(n int, from netip.AddrPort) {
	b.rxLen = n
	b.rxPos = 0
	b.remote = from
	b.pending = n > 0
}

func (b *packetBuffer) read(buf []byte) int {
	if b.remaining() == 0 {
		return 0
	}
	n := copy(buf, b.rx[b.rxPos:b.rxLen])
	b.rxPos += n
	if b.rxPos >= b.rxLen {
		b.pending = false
	}
	return n
}

func (b *packetBuffer) reset() {
	b.resetTx()
	b.rxLen, b.rxPos = 0, 0
	b.pending = false
}
