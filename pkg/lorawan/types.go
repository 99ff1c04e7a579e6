package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return strings.ToUpper(hex.EncodeToString(e[:]))
}

// IsZero reports whether every byte is zero
func (e EUI64) IsZero() bool {
	return e == EUI64{}
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseEUI64(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// UnmarshalText lets EUI64 be used directly in YAML config
func (e *EUI64) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*e = EUI64{}
		return nil
	}
	parsed, err := ParseEUI64(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseEUI64 parses a 16 hex digit EUI, with or without ':' or '-' separators
func ParseEUI64(s string) (EUI64, error) {
	var eui EUI64
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(clean) != 16 {
		return eui, fmt.Errorf("invalid EUI64 length: %q", s)
	}

	b, err := hex.DecodeString(clean)
	if err != nil {
		return eui, fmt.Errorf("invalid EUI64 %q: %w", s, err)
	}
	copy(eui[:], b)
	return eui, nil
}

// MAC represents a 6-byte IEEE 802 hardware address
type MAC [6]byte

// String returns the colon separated upper-case form
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsZero reports whether the address is unset
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// MarshalJSON implements json.Marshaler
func (m MAC) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// EUIFromMAC builds the gateway EUI by inserting FF FE in the middle of the MAC.
// AA:BB:CC:DD:EE:FF becomes AA:BB:CC:FF:FE:DD:EE:FF.
func EUIFromMAC(mac MAC) EUI64 {
	return EUI64{mac[0], mac[1], mac[2], 0xFF, 0xFE, mac[3], mac[4], mac[5]}
}
