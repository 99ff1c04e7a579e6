package notify

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTPublisher is the part of mqtt.Client the sink uses
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures DialMQTT
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// DialMQTT connects a paho client with auto-reconnect enabled
func DialMQTT(o MQTTOptions) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", o.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", o.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", o.Broker, err)
	}
	return client, nil
}

// MQTTSink publishes status messages on an MQTT topic at QoS 0. The last
// status is retained so late subscribers see the current state.
type MQTTSink struct {
	client  MQTTPublisher
	topic   string
	gateway string
	now     func() time.Time
}

// NewMQTTSink creates a sink publishing to topic
func NewMQTTSink(client MQTTPublisher, topic, gateway string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, gateway: gateway, now: time.Now}
}

func (s *MQTTSink) Notify(status string) {
	token := s.client.Publish(s.topic, 0, true, encode(s.gateway, status, s.now()))
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", s.topic).Msg("Failed to publish status")
		}
	}()
}
