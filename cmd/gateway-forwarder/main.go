package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-gateway/internal/api"
	"github.com/lorawan-server/lorawan-gateway/internal/auth"
	"github.com/lorawan-server/lorawan-gateway/internal/bridge"
	"github.com/lorawan-server/lorawan-gateway/internal/config"
	"github.com/lorawan-server/lorawan-gateway/internal/failover"
	"github.com/lorawan-server/lorawan-gateway/internal/forwarder"
	"github.com/lorawan-server/lorawan-gateway/internal/gateway"
	"github.com/lorawan-server/lorawan-gateway/internal/metrics"
	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/internal/notify"
	"github.com/lorawan-server/lorawan-gateway/internal/radio"
	"github.com/lorawan-server/lorawan-gateway/internal/storage"
	"github.com/lorawan-server/lorawan-gateway/pkg/crypto"
)

const rxQueueSize = 8

func main() {
	var configFile, hashPassword string
	flag.StringVar(&configFile, "config", "", "config file path (built-in defaults when empty)")
	flag.StringVar(&hashPassword, "hash-password", "", "print the bcrypt hash for api.admin.password_hash and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if hashPassword != "" {
		hash, err := crypto.HashPassword(hashPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg.Log)

	log.Info().Msg("LoRaWAN single-channel gateway starting...")
	cfg.PrintConfigSummary()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// NATS carries the radio driver and the status mirror
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("lorawan-gateway"),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
	}

	// Network interfaces
	station := cfg.Station()
	wifi := netif.NewWiFiAdapter(station, cfg.Network.WiFiEnabled)

	port, closePort := openBridgePort(cfg)
	defer closePort()
	br := bridge.New(port, cfg.Bridge.MaxData, cfg.Bridge.Timeout)
	eth := netif.NewEthernetAdapter(br, cfg.EthernetConfig(), station.MAC())

	ctrl := failover.New(wifi, eth, cfg.FailoverConfig())

	// Radio
	var driver radio.Driver
	switch cfg.Radio.Driver {
	case "nats":
		d := radio.NewNATSDriver(nc, cfg.Radio.NATSSubject, cfg.Radio.TxTimeout)
		defer d.Close()
		driver = d
	default:
		log.Warn().Msg("Using in-memory radio driver, no packets will be received")
		driver = radio.NewMemoryDriver()
	}
	rx := radio.NewReceiver(driver, radio.NewQueue(rxQueueSize), cfg.RadioSettings())

	// Forwarder
	fwdCfg := cfg.ForwarderConfig()
	fwdCfg.FallbackMAC = wifi.MAC()
	fwd := forwarder.New(fwdCfg, ctrl, rx)

	// Event journal
	journal := storage.NewJournal(openEventStore(ctx, cfg.Database))
	defer func() {
		if err := journal.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close event store")
		}
	}()

	// Status sinks
	sinks := notify.Multi{notify.LogSink{}}
	if nc != nil {
		sinks = append(sinks, notify.NewNATSSink(nc, cfg.Radio.NATSSubject+".status", cfg.Server.GatewayEUI))
	}
	if cfg.MQTT.Broker != "" {
		client, err := notify.DialMQTT(notify.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			log.Error().Err(err).Msg("MQTT status mirror disabled")
		} else {
			defer client.Disconnect(250)
			sinks = append(sinks, notify.NewMQTTSink(client, cfg.MQTT.Topic, cfg.Server.GatewayEUI))
		}
	}

	gw := gateway.New(rx, ctrl, fwd, gateway.Options{Journal: journal, Sink: sinks})

	// Operations API
	deps := api.Deps{
		Network:   ctrl,
		Forwarder: fwd,
		Radio:     rx,
		Events:    journal.Store(),
		Recorder:  gw,
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if _, err := metrics.Register(reg, metrics.Sources{Radio: rx, Forwarder: fwd, Network: ctrl}); err != nil {
			log.Fatal().Err(err).Msg("Failed to register metrics")
		}
		deps.Metrics = metrics.Handler(reg)
	}

	jwtManager, err := newJWTManager(cfg.API)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create JWT manager")
	}
	restServer := api.NewRESTServer(jwtManager, deps)

	if err := gw.Begin(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start gateway")
	}

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := restServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("REST API server stopped")
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- gw.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Gateway loop stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("REST API shutdown failed")
	}

	log.Info().Msg("Gateway stopped")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// openBridgePort opens the co-processor serial link. Without a port the
// Ethernet adapter talks to an in-process chip with no hardware attached,
// so it reports NOT_INIT and failover stays on WiFi.
func openBridgePort(cfg *config.Config) (bridge.Port, func()) {
	if cfg.Bridge.Port == "" {
		log.Warn().Msg("No bridge port configured, Ethernet unavailable")
		dev := bridge.NewDevice(bridge.DeviceConfig{MaxData: cfg.Bridge.MaxData}, bridge.NewMemoryNetwork())
		return bridge.NewLoopback(dev), func() {}
	}

	port, err := bridge.OpenSerial(cfg.Bridge.Port, cfg.Bridge.BaudRate)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Bridge.Port).Msg("Failed to open bridge port")
	}
	log.Info().Str("port", cfg.Bridge.Port).Int("baud_rate", cfg.Bridge.BaudRate).Msg("Opened bridge port")
	return port, func() { _ = port.Close() }
}

// openEventStore connects the Postgres journal, falling back to memory
func openEventStore(ctx context.Context, cfg config.DatabaseConfig) storage.EventStore {
	if cfg.DSN == "" {
		return storage.NewMemoryStore(0)
	}
	store, err := storage.NewPostgresStore(ctx, cfg.DSN, cfg.MaxOpenConns)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database, journaling in memory")
		return storage.NewMemoryStore(0)
	}
	log.Info().Msg("Connected to database")
	return store
}

// newJWTManager returns nil, disabling API authentication, when no admin
// password is configured
func newJWTManager(cfg config.APIConfig) (*auth.JWTManager, error) {
	if cfg.Admin.PasswordHash == "" {
		log.Warn().Msg("No admin password configured, API authentication disabled")
		return nil, nil
	}
	return auth.NewJWTManager(cfg.JWT, cfg.Admin)
}
