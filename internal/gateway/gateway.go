// Package gateway runs the cooperative main loop that ties the radio, the
// packet forwarder and the failover controller together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lorawan-server/lorawan-gateway/internal/failover"
	"github.com/lorawan-server/lorawan-gateway/internal/forwarder"
	"github.com/lorawan-server/lorawan-gateway/internal/models"
	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/internal/notify"
	"github.com/lorawan-server/lorawan-gateway/internal/radio"
	"github.com/lorawan-server/lorawan-gateway/internal/storage"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// DefaultStep is the main loop period
const DefaultStep = 10 * time.Millisecond

// noInterface is the name the controller reports for "no active interface"
const noInterface = "None"

// Radio is the receive side of the radio. *radio.Receiver implements it.
type Radio interface {
	StartReceive() error
	Poll() int
	Queue() *radio.Queue
	Stats() radio.Stats
}

// Network is the failover controller as seen by the loop.
// *failover.Controller implements it.
type Network interface {
	Begin() error
	Update()
	IsConnected() bool
	ActiveType() netif.Type
	SetHealthChecker(h failover.HealthChecker)
	OnFailover(fn func(from, to string))
	UDPStop()
}

// Forwarder is the packet forwarder. *forwarder.Engine implements it.
type Forwarder interface {
	Begin() error
	Update()
	Forward(p radio.Packet) error
	OnDownlink(fn func(forwarder.Downlink))
	GatewayEUI() lorawan.EUI64
	IsHealthy(timeout time.Duration) bool
	LastAckTime() time.Time
}

// Options configures optional collaborators
type Options struct {
	Journal *storage.Journal // nil disables event journaling
	Sink    notify.Sink      // nil discards status lines
	Step    time.Duration
}

// Gateway owns the main loop. Step is not safe for concurrent use; Run
// calls it from a single goroutine.
type Gateway struct {
	radio   Radio
	network Network
	fwd     Forwarder
	journal *storage.Journal
	sink    notify.Sink
	step    time.Duration

	noIface rate.Sometimes
	eui     lorawan.EUI64
}

// New wires the components together. Callbacks are registered here, so
// the components must not be shared with another Gateway.
func New(rx Radio, network Network, fwd Forwarder, opts Options) *Gateway {
	if opts.Sink == nil {
		opts.Sink = notify.Discard
	}
	if opts.Step <= 0 {
		opts.Step = DefaultStep
	}
	g := &Gateway{
		radio:   rx,
		network: network,
		fwd:     fwd,
		journal: opts.Journal,
		sink:    opts.Sink,
		step:    opts.Step,
		noIface: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	network.SetHealthChecker(fwd)
	network.OnFailover(g.onSwitch)
	fwd.OnDownlink(g.onDownlink)
	return g
}

// Begin brings up the network, the radio and the forwarder. Having no
// connected interface is not fatal: the controller keeps retrying.
func (g *Gateway) Begin() error {
	if err := g.network.Begin(); err != nil {
		if !errors.Is(err, netif.ErrNoInterface) {
			return fmt.Errorf("network: %w", err)
		}
		log.Warn().Err(err).Msg("No network interface available, retrying in background")
		g.sink.Notify("No network")
	} else {
		g.sink.Notify("Network: " + g.network.ActiveType().String())
	}

	if err := g.radio.StartReceive(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}

	if err := g.fwd.Begin(); err != nil {
		return fmt.Errorf("forwarder: %w", err)
	}
	g.eui = g.fwd.GatewayEUI()

	g.record(models.NewEvent(models.EventTypeForwarderStart, models.EventLevelInfo, "START",
		"packet forwarder started").With("interface", g.network.ActiveType().String()))
	g.sink.Notify("Gateway EUI: " + g.eui.String())
	return nil
}

// Step runs one loop iteration: radio poll, forward one queued packet,
// forwarder update, failover update
func (g *Gateway) Step() {
	g.radio.Poll()

	if p, ok := g.radio.Queue().Pop(); ok {
		g.forward(p)
	}

	if g.network.IsConnected() {
		g.fwd.Update()
	}
	g.network.Update()
}

func (g *Gateway) forward(p radio.Packet) {
	if !p.IsForwardable() {
		return
	}
	log.Info().
		Int("size", p.Size()).
		Float64("rssi", p.RSSI).
		Float64("snr", p.SNR).
		Msg("Packet received")
	g.sink.Notify(fmt.Sprintf("Packet received: %d bytes, RSSI: %.1f dBm", p.Size(), p.RSSI))

	if !g.network.IsConnected() {
		g.noIface.Do(func() {
			log.Warn().Msg("No active interface, uplink dropped")
		})
		return
	}
	if err := g.fwd.Forward(p); err != nil {
		log.Warn().Err(err).Msg("Failed to forward packet")
	}
}

// Run steps the loop until ctx is cancelled
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.step)
	defer ticker.Stop()

	log.Info().Dur("step", g.step).Msg("Main loop running")
	for {
		select {
		case <-ctx.Done():
			g.network.UDPStop()
			log.Info().Msg("Main loop stopped")
			return nil
		case <-ticker.C:
			g.Step()
		}
	}
}

func (g *Gateway) onSwitch(from, to string) {
	code := "SWITCH"
	level := models.EventLevelWarning
	switch {
	case from == noInterface:
		code, level = "RECONNECTED", models.EventLevelInfo
	case to == noInterface:
		code, level = "LOST", models.EventLevelError
	}

	g.record(models.NewEvent(models.EventTypeInterfaceSwitch, level, code, from+" -> "+to).
		With("from", from).
		With("to", to))
	g.sink.Notify("Network: " + from + " -> " + to)
}

func (g *Gateway) onDownlink(dl forwarder.Downlink) {
	level := models.EventLevelInfo
	code := "OK"
	if dl.Code != "" {
		level, code = models.EventLevelWarning, dl.Code
	}

	g.record(models.NewEvent(models.EventTypeDownlink, level, code, "downlink "+code).
		With("token", fmt.Sprintf("%04X", dl.Token)).
		With("size", dl.Size).
		With("freq", dl.Frequency).
		With("datr", dl.DataRate))

	if dl.Code == "" {
		g.sink.Notify(fmt.Sprintf("Downlink sent: %d bytes", dl.Size))
	} else {
		g.sink.Notify("Downlink rejected: " + dl.Code)
	}
}

// Record journals an operator or component event. It is a no-op without a
// journal.
func (g *Gateway) Record(e *models.Event) {
	g.record(e)
}

func (g *Gateway) record(e *models.Event) {
	if g.journal == nil {
		return
	}
	if !g.eui.IsZero() {
		eui := g.eui
		e.GatewayEUI = &eui
	}
	g.journal.Record(e)
}

// Notify forwards a status line to the sink
func (g *Gateway) Notify(status string) {
	g.sink.Notify(status)
}
