// Package app assembles peer processes from configuration: the bus
// client, the peer itself, its HTTP server and their shared lifecycle.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/flame-avsim/internal/bus"
	"github.com/e7canasta/flame-avsim/internal/config"
	"github.com/e7canasta/flame-avsim/internal/health"
	"github.com/e7canasta/flame-avsim/internal/log"
)

// Flags are the command line overrides shared by every peer binary.
type Flags struct {
	Config     string
	Broker     string
	HealthAddr string
	Debug      bool
	Loopback   bool
}

// ParseFlags parses args into Flags.
func ParseFlags(name, defaultConfig string, args []string, output io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.Config, "config", defaultConfig, "Path to configuration file")
	fs.StringVar(&f.Broker, "broker", "", "MQTT broker host:port (overrides mqtt.broker)")
	fs.StringVar(&f.HealthAddr, "health-addr", "", "Health server listen address (overrides health_addr)")
	fs.BoolVar(&f.Debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&f.Loopback, "loopback", false, "Use an in-process bus instead of the MQTT broker")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// LoadConfig reads the configuration file and applies flag overrides.
func LoadConfig(f Flags) (*config.Config, error) {
	cfg, err := config.Load(f.Config)
	if err != nil {
		return nil, err
	}
	if f.Broker != "" {
		cfg.MQTT.Broker = f.Broker
	}
	if f.HealthAddr != "" {
		cfg.HealthAddr = f.HealthAddr
	}
	if f.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// NewBusClient returns a client on hub in loopback mode, otherwise an
// MQTT client for the configured broker.
func NewBusClient(cfg *config.Config, hub *bus.Hub) bus.Client {
	if hub != nil {
		return hub.Client()
	}
	return bus.NewMQTTClient(bus.MQTTOptions{
		Broker:    cfg.MQTT.Broker,
		ClientID:  cfg.App,
		Keepalive: cfg.Keepalive(),
	})
}

// Component is one long-running part of a process. It returns when ctx
// is cancelled.
type Component func(ctx context.Context) error

// Run starts every component and waits for all of them. The first
// failure cancels the rest.
func Run(ctx context.Context, components ...Component) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error { return c(ctx) })
	}
	return g.Wait()
}

// Peer is what a binary builds from its configuration.
type Peer struct {
	Components []Component
	Health     health.Options // served when Addr is set
}

// Builder creates the peer of one binary. hub is non-nil in loopback mode.
type Builder func(cfg *config.Config, hub *bus.Hub) (*Peer, error)

// Main is the body of every peer binary. It returns the process exit code.
func Main(name, defaultConfig string, args []string, build Builder) int {
	flags, err := ParseFlags(name, defaultConfig, args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := LoadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 1
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: cfg.App})
	logger := log.WithComponent("main")

	logger.Info().
		Str("config", flags.Config).
		Str(log.FieldBroker, cfg.MQTT.Broker).
		Bool("loopback", flags.Loopback).
		Msg("starting " + name)

	var hub *bus.Hub
	if flags.Loopback {
		hub = bus.NewHub()
	}

	p, err := build(cfg, hub)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create peer")
		return 1
	}

	components := p.Components
	if p.Health.Addr != "" {
		srv := health.New(p.Health)
		components = append(components, srv.Run)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, components...); err != nil {
		logger.Error().Err(err).Msg(name + " stopped with error")
		return 1
	}
	logger.Info().Msg(name + " stopped")
	return 0
}
