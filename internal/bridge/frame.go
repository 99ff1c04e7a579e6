package bridge

import "encoding/binary"

// CRC8 computes the frame checksum: polynomial 0x31, init 0xFF, MSB first.
func CRC8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Frame is one decoded bridge frame
type Frame struct {
	Command byte
	Data    []byte
}

// EncodeFrame serializes cmd and data into START CMD LEN DATA CRC END
func EncodeFrame(cmd byte, data []byte) []byte {
	buf := make([]byte, HeaderSize+len(data)+FooterSize)
	buf[0] = StartByte
	buf[1] = cmd
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(data)))
	copy(buf[HeaderSize:], data)
	buf[HeaderSize+len(data)] = CRC8(data)
	buf[len(buf)-1] = EndByte
	return buf
}

type decoderState int

const (
	awaitStart decoderState = iota
	accumulating
	complete
)

// Decoder is the byte-oriented receive state machine.
//
// A START byte seen at the CMD or LEN_HI position restarts the frame. Later
// positions carry arbitrary length and payload bytes, so 0xAA there is data.
type Decoder struct {
	buf      []byte
	expected int
	state    decoderState
}

// NewDecoder returns a decoder accepting frames of up to maxData data bytes
func NewDecoder(maxData int) *Decoder {
	if maxData <= 0 {
		maxData = DefaultMaxData
	}
	return &Decoder{buf: make([]byte, 0, HeaderSize+maxData+FooterSize)}
}

// Reset discards any partial frame
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.expected = 0
	d.state = awaitStart
}

// Feed consumes one byte and reports whether a full frame is available
func (d *Decoder) Feed(b byte) bool {
	switch d.state {
	case complete:
		d.Reset()
		fallthrough
	case awaitStart:
		if b == StartByte {
			d.buf = append(d.buf[:0], b)
			d.state = accumulating
		}
		return false
	}

	if b == StartByte && len(d.buf) < 3 {
		d.buf = append(d.buf[:0], b)
		return false
	}

	d.buf = append(d.buf, b)
	if len(d.buf) == HeaderSize {
		d.expected = HeaderSize + int(binary.BigEndian.Uint16(d.buf[2:4])) + FooterSize
		if d.expected > cap(d.buf) {
			d.Reset()
			return false
		}
	}
	if len(d.buf) >= HeaderSize && len(d.buf) == d.expected {
		d.state = complete
		return true
	}
	return false
}

// Frame validates the completed frame. It returns a MISMATCH error when the
// END marker is wrong and a CRC_ERROR when the checksum does not match.
func (d *Decoder) Frame() (Frame, error) {
	if d.state != complete {
		return Frame{}, newError(0, StatusTimeout)
	}
	cmd := d.buf[1]
	if d.buf[len(d.buf)-1] != EndByte {
		return Frame{}, newError(cmd&^ResponseFlag, StatusMismatch)
	}
	data := d.buf[HeaderSize : len(d.buf)-FooterSize]
	if CRC8(data) != d.buf[len(d.buf)-FooterSize] {
		return Frame{}, newError(cmd&^ResponseFlag, StatusCRCError)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return Frame{Command: cmd, Data: out}, nil
}
