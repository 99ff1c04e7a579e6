package forwarder

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-gateway/internal/radio"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// Semtech UDP protocol constants
const (
	ProtocolVersion = 2

	PushData = 0x00
	PushAck  = 0x01
	PullData = 0x02
	PullResp = 0x03
	PullAck  = 0x04
	TxAck    = 0x05
)

const (
	headerSize    = 4
	euiHeaderSize = headerSize + 8

	// BufferSize is the largest datagram sent or accepted
	BufferSize = 2048

	// TimeFormat is the rxpk and stat "time" layout
	TimeFormat = "2006-01-02T15:04:05.000000Z"
)

// TX_ACK error codes
const (
	CodeJSONError    = "JSON_ERROR"
	CodeTxParamError = "TX_PARAM_ERROR"
	CodeTxFailed     = "TX_FAILED"
)

// TxError is a rejected downlink; Code is reported in TX_ACK
type TxError struct {
	Code string
	Err  error
}

func (e *TxError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("downlink rejected: %s: %v", e.Code, e.Err)
	}
	return "downlink rejected: " + e.Code
}

func (e *TxError) Unwrap() error { return e.Err }

// TypeName returns the protocol name of a packet type
func TypeName(t byte) string {
	switch t {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", t)
	}
}

// putHeader writes version, token, type and the gateway EUI into buf and
// returns the header length
func putHeader(buf []byte, token uint16, typ byte, eui lorawan.EUI64) int {
	buf[0] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[1:3], token)
	buf[3] = typ
	copy(buf[headerSize:euiHeaderSize], eui[:])
	return euiHeaderSize
}

// RXPK is one received packet in a PUSH_DATA
type RXPK struct {
	Tmst uint32  `json:"tmst"`
	Time string  `json:"time"`
	Chan int     `json:"chan"`
	RFCh int     `json:"rfch"`
	Freq float64 `json:"freq"`
	Stat int     `json:"stat"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

type pushRXPK struct {
	RXPK []RXPK `json:"rxpk"`
}

// NewRXPK converts a captured packet. The single channel gateway always
// reports channel 0, RF chain 0 and CRC ok.
func NewRXPK(p radio.Packet, now time.Time) RXPK {
	return RXPK{
		Tmst: p.Timestamp,
		Time: now.UTC().Format(TimeFormat),
		Chan: 0,
		RFCh: 0,
		Freq: float64(p.Frequency) / 1e6,
		Stat: 1,
		Modu: "LORA",
		DatR: lorawan.DataRate{SpreadingFactor: p.SpreadingFactor, Bandwidth: p.Bandwidth}.String(),
		CodR: lorawan.FormatCodingRate(p.CodingRate),
		RSSI: int(p.RSSI),
		LSNR: p.SNR,
		Size: len(p.Payload),
		Data: Base64Encode(p.Payload),
	}
}

// Stat is the gateway status report
type Stat struct {
	Time string   `json:"time"`
	Lati *float64 `json:"lati,omitempty"`
	Long *float64 `json:"long,omitempty"`
	Alti *int     `json:"alti,omitempty"`
	RxNb uint32   `json:"rxnb"`
	RxOK uint32   `json:"rxok"`
	RxFW uint32   `json:"rxfw"`
	ACKR float64  `json:"ackr"`
	DwNb uint32   `json:"dwnb"`
	TxNb uint32   `json:"txnb"`
	Desc string   `json:"desc"`
}

type pushStat struct {
	Stat Stat `json:"stat"`
}

// TXPK is a downlink request carried by PULL_RESP
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst uint32  `json:"tmst"`
	Freq float64 `json:"freq"`
	RFCh int     `json:"rfch"`
	Powe *int    `json:"powe"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	IPol *bool   `json:"ipol"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

type pullResp struct {
	TXPK *TXPK `json:"txpk"`
}

type txAckError struct {
	Error string `json:"error"`
}

type txAck struct {
	TXPKAck txAckError `json:"txpk_ack"`
}
