package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-gateway/internal/bridge"
	"github.com/lorawan-server/lorawan-gateway/pkg/lorawan"
)

// bridge-sim answers bridge requests on a serial port the way the Ethernet
// co-processor does, using the host network stack for UDP and DNS. Pair it
// with gateway-forwarder over a null-modem cable or a pty pair.
func main() {
	var (
		portName = flag.String("port", "", "serial port to serve (required)")
		baudRate = flag.Int("baud", bridge.DefaultBaudRate, "serial baud rate")
		macAddr  = flag.String("mac", "", "initial chip MAC address")
		leaseIP  = flag.String("lease-ip", "", "address handed out on DHCP init")
		leaseGW  = flag.String("lease-gateway", "", "gateway handed out on DHCP init")
		leaseNet = flag.String("lease-subnet", "255.255.255.0", "subnet mask handed out on DHCP init")
		leaseDNS = flag.String("lease-dns", "8.8.8.8", "DNS server handed out on DHCP init")
		noLink   = flag.Bool("no-link", false, "start with the cable unplugged")
		debug    = flag.Bool("debug", false, "log every request")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *portName == "" {
		log.Fatal().Msg("-port is required")
	}

	cfg := bridge.DeviceConfig{
		ChipPresent: true,
		LinkUp:      !*noLink,
		Lease: bridge.IPConfig{
			IP:      parseAddr("lease-ip", *leaseIP),
			Gateway: parseAddr("lease-gateway", *leaseGW),
			Subnet:  parseAddr("lease-subnet", *leaseNet),
			DNS:     parseAddr("lease-dns", *leaseDNS),
		},
	}
	if *macAddr != "" {
		hw, err := net.ParseMAC(*macAddr)
		if err != nil || len(hw) != len(lorawan.MAC{}) {
			log.Fatal().Str("mac", *macAddr).Msg("Invalid MAC address")
		}
		copy(cfg.MAC[:], hw)
	}

	port, err := bridge.OpenSerial(*portName, *baudRate)
	if err != nil {
		log.Fatal().Err(err).Str("port", *portName).Msg("Failed to open serial port")
	}
	defer port.Close()

	dev := bridge.NewDevice(cfg, &bridge.HostNetwork{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
		cancel()
	}()

	log.Info().
		Str("port", *portName).
		Int("baud_rate", *baudRate).
		Bool("link", cfg.LinkUp).
		Msg("Bridge simulator serving")

	if err := dev.Serve(ctx, port); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Bridge simulator stopped")
	}
	log.Info().Msg("Bridge simulator stopped")
}

func parseAddr(flagName, s string) netip.Addr {
	if s == "" {
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		log.Fatal().Str(flagName, s).Msg("Invalid IPv4 address")
	}
	return addr
}
