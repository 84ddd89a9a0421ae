// Package server assembles the gateway: it instantiates the configured driver
// modules, wires the coordinators to the event bus and keeps the broker
// connection alive until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/iogate/iogate/internal/config"
	"github.com/iogate/iogate/internal/eventbus"
	"github.com/iogate/iogate/internal/gpio"
	"github.com/iogate/iogate/internal/input"
	"github.com/iogate/iogate/internal/mqtt"
	"github.com/iogate/iogate/internal/output"
	"github.com/iogate/iogate/internal/poller"
	"github.com/iogate/iogate/internal/pump"
	"github.com/iogate/iogate/internal/sensor"
	"github.com/iogate/iogate/internal/stream"
	"github.com/iogate/iogate/internal/tasks"
	"github.com/iogate/iogate/internal/worker"
)

// Option customises a Gateway. Tests use the driver options to inject mocks
// they keep a handle on.
type Option func(*Gateway)

// WithClient replaces the paho broker client.
func WithClient(c mqtt.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithGPIODriver uses d for the gpio module named name instead of the
// registered factory.
func WithGPIODriver(name string, d gpio.Driver) Option {
	return func(g *Gateway) { g.gpioDrivers[name] = d }
}

func WithSensorDriver(name string, d sensor.Driver) Option {
	return func(g *Gateway) { g.sensorDrivers[name] = d }
}

func WithStreamDriver(name string, d stream.Driver) Option {
	return func(g *Gateway) { g.streamDrivers[name] = d }
}

// WithVersion sets the version reported in discovery announcements.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// WithReconnectDelay overrides mqtt.reconnect_delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(g *Gateway) { g.reconnectDelay = d }
}

// Extension is an optional service started by Run next to the core
// components, such as the status API or the event journal. Tasks it starts
// under sup are stopped with the gateway.
type Extension func(sup *tasks.Supervisor, bus *eventbus.Bus) error

// Gateway owns every component of a running instance.
type Gateway struct {
	cfg    *config.Config
	base   *slog.Logger
	logger *slog.Logger

	version        string
	reconnectDelay time.Duration
	gpioDrivers    map[string]gpio.Driver
	sensorDrivers  map[string]sensor.Driver
	streamDrivers  map[string]stream.Driver

	bus    *eventbus.Bus
	pool   *worker.Pool
	sup    *tasks.Supervisor
	client mqtt.Client
	gate   *mqtt.Gate
	topics mqtt.Topics

	gpioModules   map[string]*gpio.Module
	sensorModules map[string]*sensor.Module
	streamModules map[string]*stream.Module

	inputs    *input.Coordinator
	outputs   *output.Coordinator
	sensors   *poller.SensorPoller
	pump      *pump.Pump
	publisher *mqtt.Publisher
	router    *mqtt.Router

	extensions []Extension

	started atomic.Bool
	ready   atomic.Bool
}

// New builds a gateway for a validated configuration. Drivers are
// instantiated here; pins are configured by Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg:            cfg,
		base:           logger,
		logger:         logger.With("component", "gateway"),
		version:        "dev",
		reconnectDelay: cfg.MQTT.ReconnectDelay(),
		gpioDrivers:    make(map[string]gpio.Driver),
		sensorDrivers:  make(map[string]sensor.Driver),
		streamDrivers:  make(map[string]stream.Driver),
		bus:            eventbus.New(),
		pool:           worker.New(cfg.Options.WorkerPoolSize),
		gate:           mqtt.NewGate(),
		topics:         mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix},
		gpioModules:    make(map[string]*gpio.Module),
		sensorModules:  make(map[string]*sensor.Module),
		streamModules:  make(map[string]*stream.Module),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		client, err := mqtt.NewPahoClient(cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		g.client = client
	}
	g.sup = tasks.New(context.Background(), logger)

	if err := g.openModules(); err != nil {
		return nil, g.abort(err)
	}

	var err error
	if g.inputs, err = input.New(g.bus, g.sup, g.gpioModules, cfg.DigitalInputs, logger); err != nil {
		return nil, g.abort(err)
	}
	if g.outputs, err = output.New(g.bus, g.sup, g.gpioModules, cfg.DigitalOutputs, logger); err != nil {
		return nil, g.abort(err)
	}
	if g.sensors, err = poller.New(g.bus, g.sup, g.sensorModules, cfg.SensorInputs, logger); err != nil {
		return nil, g.abort(err)
	}
	g.pump = pump.New(g.bus, g.sup, g.streamModules, logger)
	g.publisher = mqtt.NewPublisher(g.client, g.gate, cfg, logger)
	g.router = mqtt.NewRouter(g.topics, g.outputs, g.pump, logger)
	return g, nil
}

// abort releases what New acquired before failing.
func (g *Gateway) abort(err error) error {
	g.cleanupModules()
	_ = g.sup.Shutdown(time.Second)
	_ = g.bus.Close()
	return err
}

func (g *Gateway) openModules() error {
	for _, mc := range g.cfg.GPIOModules {
		drv, ok := g.gpioDrivers[mc.Name]
		if !ok {
			var err error
			if drv, err = gpio.NewDriver(mc); err != nil {
				return err
			}
		}
		g.gpioModules[mc.Name] = gpio.NewModule(mc, drv, g.pool, g.base)
		g.logger.Info("gpio module loaded", "module", mc.Name, "driver", mc.Module)
	}
	for _, mc := range g.cfg.SensorModules {
		drv, ok := g.sensorDrivers[mc.Name]
		if !ok {
			var err error
			if drv, err = sensor.NewDriver(mc); err != nil {
				return err
			}
		}
		g.sensorModules[mc.Name] = sensor.NewModule(mc, drv, g.pool, g.base)
		g.logger.Info("sensor module loaded", "module", mc.Name, "driver", mc.Module)
	}
	for _, sc := range g.cfg.StreamModules {
		drv, ok := g.streamDrivers[sc.Name]
		if !ok {
			var err error
			if drv, err = stream.NewDriver(sc); err != nil {
				return err
			}
		}
		g.streamModules[sc.Name] = stream.NewModule(sc, drv, g.pool, g.base)
		g.logger.Info("stream module loaded", "module", sc.Name, "driver", sc.Module)
	}
	return nil
}

func (g *Gateway) Bus() *eventbus.Bus {
	return g.bus
}

// Supervisor is the root task scope. Services attached to it are stopped
// with the gateway.
func (g *Gateway) Supervisor() *tasks.Supervisor {
	return g.sup
}

func (g *Gateway) Outputs() *output.Coordinator {
	return g.outputs
}

func (g *Gateway) Pump() *pump.Pump {
	return g.pump
}

// Ready reports whether the engine is running and connected to the broker.
func (g *Gateway) Ready() bool {
	return g.started.Load() && g.ready.Load()
}

// Extend registers ext to be started by Run. It must be called before Run.
func (g *Gateway) Extend(ext Extension) {
	g.extensions = append(g.extensions, ext)
}

// Run configures every pin and sensor, starts the coordinators and keeps the
// broker connection up until ctx is cancelled. Everything is shut down and
// released before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.shutdown()

	// Subscribe before setup so initial output states are published.
	if err := g.publisher.Start(g.sup, g.bus); err != nil {
		return err
	}
	for _, ext := range g.extensions {
		if err := ext(g.sup, g.bus); err != nil {
			return fmt.Errorf("start extension: %w", err)
		}
	}
	if err := g.setup(ctx); err != nil {
		return err
	}
	if err := g.start(); err != nil {
		return err
	}
	g.started.Store(true)
	g.logger.Info("gateway started",
		"inputs", len(g.cfg.DigitalInputs),
		"outputs", len(g.cfg.DigitalOutputs),
		"sensors", len(g.cfg.SensorInputs),
		"streams", len(g.cfg.StreamModules),
	)
	return g.serve(ctx)
}

func (g *Gateway) setup(ctx context.Context) error {
	if err := g.inputs.Setup(ctx); err != nil {
		return fmt.Errorf("setup digital inputs: %w", err)
	}
	if err := g.outputs.Setup(ctx); err != nil {
		return fmt.Errorf("setup digital outputs: %w", err)
	}
	if err := g.sensors.Setup(ctx); err != nil {
		return fmt.Errorf("setup sensor inputs: %w", err)
	}
	return nil
}

func (g *Gateway) start() error {
	if err := g.outputs.Start(); err != nil {
		return err
	}
	if err := g.inputs.Start(); err != nil {
		return err
	}
	if err := g.sensors.Start(); err != nil {
		return err
	}
	if err := g.pump.Start(); err != nil {
		return err
	}
	return g.sup.Go("mqtt router", func(ctx context.Context) error {
		return g.router.Run(ctx, g.client.Messages())
	})
}

// serve connects, runs a session and reconnects after a connection loss.
func (g *Gateway) serve(ctx context.Context) error {
	for {
		if err := g.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect to broker: %w", err)
		}

		err := g.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		g.ready.Store(false)
		g.gate.Close()

		g.logger.Warn("lost connection to broker", "error", err)
		_ = g.client.Disconnect(ctx)
		if !sleep(ctx, g.delay()) {
			return nil
		}
	}
}

func (g *Gateway) delay() time.Duration {
	return max(g.reconnectDelay, time.Millisecond)
}

// connect retries with a constant delay. reconnect_count bounds the number of
// consecutive failed attempts; unset retries forever.
func (g *Gateway) connect(ctx context.Context) error {
	b := retry.NewConstant(g.delay())
	if n := g.cfg.MQTT.ReconnectCount; n != nil {
		b = retry.WithMaxRetries(uint64(*n), b)
	}
	return retry.Do(ctx, b, func(ctx context.Context) error {
		g.logger.Info("connecting to broker", "host", g.cfg.MQTT.Host, "port", g.cfg.MQTT.Port)
		if err := g.client.Connect(ctx); err != nil {
			g.logger.Error("failed to connect to broker", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (g *Gateway) status(payload string) mqtt.Message {
	return mqtt.Message{
		Topic:   g.topics.Status(g.cfg.MQTT.StatusTopic),
		Payload: []byte(payload),
		QoS:     1,
		Retain:  true,
	}
}

// session announces the gateway on a fresh connection and blocks until the
// connection is lost or ctx is done.
func (g *Gateway) session(ctx context.Context) error {
	running := g.status(g.cfg.MQTT.StatusPayloadRunning)
	if err := g.client.Publish(ctx, running); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}

	subs := g.topics.Subscriptions(g.outputs.Names(), g.streamNames())
	if len(subs) > 0 {
		if err := g.client.Subscribe(ctx, subs, g.cfg.MQTT.QoSLevel()); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	if g.cfg.MQTT.HADiscovery.Enabled {
		if err := g.announce(ctx); err != nil {
			return err
		}
	}

	g.gate.Open()
	g.ready.Store(true)
	g.logger.Info("connected to broker", "subscriptions", len(subs))

	ticker := time.NewTicker(g.cfg.MQTT.Keepalive())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-g.client.Lost():
			return err
		case <-ticker.C:
			if err := g.client.Publish(ctx, running); err != nil {
				g.logger.Warn("failed to refresh status", "error", err)
			}
		}
	}
}

func (g *Gateway) announce(ctx context.Context) error {
	msgs, err := mqtt.NewDiscovery(g.cfg.MQTT, "v"+g.version).Announcements(g.cfg)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := g.client.Publish(ctx, msg); err != nil {
			return fmt.Errorf("announce %s: %w", msg.Topic, err)
		}
	}
	g.logger.Info("sent home assistant discovery announcements", "count", len(msgs))
	return nil
}

func (g *Gateway) streamNames() []string {
	names := make([]string, 0, len(g.cfg.StreamModules))
	for _, s := range g.cfg.StreamModules {
		names = append(names, s.Name)
	}
	return names
}

func (g *Gateway) shutdown() {
	g.logger.Info("shutting down")
	g.started.Store(false)
	g.inputs.Stop()

	timeout := time.Duration(g.cfg.Options.ShutdownTimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if g.ready.Load() {
		if err := g.client.Publish(ctx, g.status(g.cfg.MQTT.StatusPayloadStopped)); err != nil {
			g.logger.Warn("failed to publish stopped status", "error", err)
		}
	}
	if err := g.client.Disconnect(ctx); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		g.logger.Warn("failed to disconnect from broker", "error", err)
	}
	g.ready.Store(false)
	g.gate.Close()

	if err := g.sup.Shutdown(timeout); err != nil {
		g.logger.Error("tasks did not stop", "error", err)
	}
	if !g.pool.Wait(timeout) {
		g.logger.Error("driver calls still running after shutdown timeout")
	}
	g.cleanupModules()
	_ = g.bus.Close()
	g.logger.Info("gateway stopped")
}

func (g *Gateway) cleanupModules() {
	for name, m := range g.gpioModules {
		if err := m.Cleanup(); err != nil {
			g.logger.Error("gpio module cleanup failed", "module", name, "error", err)
		}
	}
	for name, m := range g.sensorModules {
		if err := m.Cleanup(); err != nil {
			g.logger.Error("sensor module cleanup failed", "module", name, "error", err)
		}
	}
	for name, m := range g.streamModules {
		if err := m.Cleanup(); err != nil {
			g.logger.Error("stream module cleanup failed", "module", name, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
