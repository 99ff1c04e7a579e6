package notify

import (
	"time"

	"github.com/rs/zerolog/log"
)

// NATSPublisher is the part of *nats.Conn the sink uses
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes status messages on a NATS subject
type NATSSink struct {
	conn    NATSPublisher
	subject string
	gateway string
	now     func() time.Time
}

// NewNATSSink creates a sink publishing to subject. gateway is stamped on
// every message and may be empty.
func NewNATSSink(conn NATSPublisher, subject, gateway string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, gateway: gateway, now: time.Now}
}

func (s *NATSSink) Notify(status string) {
	if err := s.conn.Publish(s.subject, encode(s.gateway, status, s.now())); err != nil {
		log.Warn().Err(err).Str("subject", s.subject).Msg("Failed to publish status")
	}
}
