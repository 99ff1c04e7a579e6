package bridge

import "time"

// Frame markers and sizes
const (
	StartByte = 0xAA
	EndByte   = 0x55

	HeaderSize = 4 // START + CMD + LEN_HI + LEN_LO
	FooterSize = 2 // CRC + END

	// ResponseFlag is OR-ed into the command byte of every response frame
	ResponseFlag = 0x80

	// DefaultMaxData is the data capacity of the ESP32-class host side.
	// AVR firmware builds use 128.
	DefaultMaxData = 512

	DefaultTimeout = 1000 * time.Millisecond

	// DNSTimeout is the device-side resolver timeout; exchanges add one second
	DNSTimeout      = 5000 * time.Millisecond
	MaxHostnameLen  = 63
	netAddressSize  = 6
	ipConfigSize    = 16
	systemStatusLen = 8
)

// System commands
const (
	CmdPing       byte = 0x00
	CmdGetVersion byte = 0x01
	CmdReset      byte = 0x02
	CmdGetStatus  byte = 0x03
	CmdSetLED     byte = 0x04
)

// Ethernet commands
const (
	CmdEthInit       byte = 0x10
	CmdEthStatus     byte = 0x11
	CmdEthGetMAC     byte = 0x12
	CmdEthSetMAC     byte = 0x13
	CmdEthGetIP      byte = 0x14
	CmdEthSetIP      byte = 0x15
	CmdEthDHCP       byte = 0x16
	CmdEthLinkStatus byte = 0x17
)

// UDP and DNS commands
const (
	CmdUDPBegin     byte = 0x20
	CmdUDPClose     byte = 0x21
	CmdUDPSend      byte = 0x22
	CmdUDPRecv      byte = 0x23
	CmdUDPAvailable byte = 0x24
	CmdDNSResolve   byte = 0x25
)

// TCP, RTC and I2C ranges are reserved by the firmware. The gateway core
// never issues them; the device responder answers INVALID_CMD.
const (
	CmdTCPConnect     byte = 0x30
	CmdTCPStatus      byte = 0x36
	CmdRTCGetTime     byte = 0x40
	CmdRTCGetTemp     byte = 0x46
	CmdI2CScan        byte = 0x50
	CmdI2CWriteRead   byte = 0x53
	maxRequestCommand byte = 0x7F
)

var commandNames = map[byte]string{
	CmdPing:          "PING",
	CmdGetVersion:    "GET_VERSION",
	CmdReset:         "RESET",
	CmdGetStatus:     "GET_STATUS",
	CmdSetLED:        "SET_LED",
	CmdEthInit:       "ETH_INIT",
	CmdEthStatus:     "ETH_STATUS",
	CmdEthGetMAC:     "ETH_GET_MAC",
	CmdEthSetMAC:     "ETH_SET_MAC",
	CmdEthGetIP:      "ETH_GET_IP",
	CmdEthSetIP:      "ETH_SET_IP",
	CmdEthDHCP:       "ETH_DHCP",
	CmdEthLinkStatus: "ETH_LINK_STATUS",
	CmdUDPBegin:      "UDP_BEGIN",
	CmdUDPClose:      "UDP_CLOSE",
	CmdUDPSend:       "UDP_SEND",
	CmdUDPRecv:       "UDP_RECV",
	CmdUDPAvailable:  "UDP_AVAILABLE",
	CmdDNSResolve:    "DNS_RESOLVE",
}

// CommandName returns the mnemonic used in logs
func CommandName(cmd byte) string {
	if name, ok := commandNames[cmd&^ResponseFlag]; ok {
		return name
	}
	return "UNKNOWN"
}
