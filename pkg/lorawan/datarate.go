package lorawan

import (
	"fmt"
	"strconv"
	"strings"
)

// DataRate is a LoRa spreading factor and bandwidth pair as carried in the
// Semtech "datr" field, e.g. "SF7BW125".
type DataRate struct {
	SpreadingFactor int
	Bandwidth       float64 // kHz
}

// String formats the data rate with the bandwidth truncated to whole kHz
func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SpreadingFactor, int(d.Bandwidth))
}

// ParseDataRate parses "SF<n>BW<n>"
func ParseDataRate(s string) (DataRate, error) {
	var dr DataRate
	upper := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(upper, "SF") {
		return dr, fmt.Errorf("invalid data rate %q", s)
	}

	idx := strings.Index(upper, "BW")
	if idx < 3 {
		return dr, fmt.Errorf("invalid data rate %q", s)
	}

	sf, err := strconv.Atoi(upper[2:idx])
	if err != nil || sf < 5 || sf > 12 {
		return dr, fmt.Errorf("invalid spreading factor in %q", s)
	}
	bw, err := strconv.ParseFloat(upper[idx+2:], 64)
	if err != nil || bw <= 0 {
		return dr, fmt.Errorf("invalid bandwidth in %q", s)
	}

	dr.SpreadingFactor = sf
	dr.Bandwidth = bw
	return dr, nil
}

// FormatCodingRate returns "4/<cr>"
func FormatCodingRate(cr int) string {
	return fmt.Sprintf("4/%d", cr)
}

// ParseCodingRate parses "<n>/<n>" and returns the denominator
func ParseCodingRate(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid coding rate %q", s)
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return 0, fmt.Errorf("invalid coding rate %q", s)
	}
	cr, err := strconv.Atoi(parts[1])
	if err != nil || cr < 5 || cr > 8 {
		return 0, fmt.Errorf("invalid coding rate %q", s)
	}
	return cr, nil
}
