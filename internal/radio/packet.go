package radio

import "time"

// MaxPayload is the largest LoRa frame the radio captures
const MaxPayload = 256

// Radio defaults for the US915 single channel gateway
const (
	DefaultFrequency       = 915200000
	DefaultSpreadingFactor = 7
	DefaultBandwidth       = 125.0
	DefaultCodingRate      = 5
	DefaultSyncWord        = 0x34
	DefaultTxPower         = 14
)

// Packet is one captured uplink. It is immutable once queued.
type Packet struct {
	Payload         []byte
	RSSI            float64 // dBm
	SNR             float64 // dB
	Frequency       uint32  // Hz
	SpreadingFactor int
	Bandwidth       float64 // kHz
	CodingRate      int     // denominator of 4/x
	Timestamp       uint32  // capture time, monotonic microseconds
	Valid           bool
}

// Size returns the payload length
func (p Packet) Size() int {
	return len(p.Payload)
}

// IsForwardable reports whether the packet may be sent upstream
func (p Packet) IsForwardable() bool {
	return p.Valid && len(p.Payload) > 0 && len(p.Payload) <= MaxPayload
}

// Settings is the receive channel configuration stamped onto every packet
type Settings struct {
	Frequency       uint32
	SpreadingFactor int
	Bandwidth       float64
	CodingRate      int
	SyncWord        uint8
	TxPower         int
}

// DefaultSettings returns the firmware defaults
func DefaultSettings() Settings {
	return Settings{
		Frequency:       DefaultFrequency,
		SpreadingFactor: DefaultSpreadingFactor,
		Bandwidth:       DefaultBandwidth,
		CodingRate:      DefaultCodingRate,
		SyncWord:        DefaultSyncWord,
		TxPower:         DefaultTxPower,
	}
}

// Stats are the radio counters
type Stats struct {
	RxReceived     uint32    `json:"rx_received"`
	RxCRCError     uint32    `json:"rx_crc_error"`
	RxDropped      uint32    `json:"rx_dropped"`
	TxSent         uint32    `json:"tx_sent"`
	TxFailed       uint32    `json:"tx_failed"`
	LastRSSI       float64   `json:"last_rssi"`
	LastSNR        float64   `json:"last_snr"`
	LastPacketTime time.Time `json:"last_packet_time"`
}
