// Package notify mirrors gateway status lines to logs and message brokers.
// Delivery is fire-and-forget: failures are logged, never returned.
package notify

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink accepts plain status strings
type Sink interface {
	Notify(status string)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(status string)

func (f SinkFunc) Notify(status string) { f(status) }

// Discard drops everything
var Discard Sink = SinkFunc(func(string) {})

// LogSink writes status lines to the global logger
type LogSink struct{}

func (LogSink) Notify(status string) {
	log.Info().Str("source", "status").Msg(status)
}

// Multi fans a status out to every sink in order
type Multi []Sink

func (m Multi) Notify(status string) {
	for _, s := range m {
		s.Notify(status)
	}
}

// Message is the JSON body published to brokers
type Message struct {
	Time    time.Time `json:"time"`
	Gateway string    `json:"gateway,omitempty"`
	Status  string    `json:"status"`
}

func encode(gateway, status string, now time.Time) []byte {
	b, _ := json.Marshal(Message{Time: now.UTC(), Gateway: gateway, Status: status})
	return b
}
