package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/klipper-mqtt-status/internal/config"
	"github.com/nugget/klipper-mqtt-status/internal/connwatch"
	"github.com/nugget/klipper-mqtt-status/internal/events"
	"github.com/nugget/klipper-mqtt-status/internal/reactor"
)

// StatusTopic is the topic, relative to the configured base, that
// lifecycle status is published to.
const StatusTopic = "klippy/status"

// Status payloads published to StatusTopic.
const (
	StatusConnecting   = "connecting"
	StatusReady        = "ready"
	StatusShutdown     = "shutdown"
	StatusDisconnected = "disconnected"
)

// Scheduler is the subset of the host reactor the publisher needs.
// [reactor.Reactor] satisfies it.
type Scheduler interface {
	RegisterTimer(cb reactor.TimerCallback, waketime time.Time) *reactor.Timer
	UpdateTimer(t *reactor.Timer, waketime time.Time)
	UnregisterTimer(t *reactor.Timer)
}

// Message is a status message. Topic is relative to the publisher's
// topic base.
type Message struct {
	Topic   string
	Payload string
}

// ClientFactory builds the BrokerClient for a publisher.
type ClientFactory func(ClientOptions) (BrokerClient, error)

// Option customizes a Publisher.
type Option func(*Publisher)

// WithClientFactory replaces [NewClient] as the way the publisher
// builds its broker client.
func WithClientFactory(f ClientFactory) Option {
	return func(p *Publisher) {
		p.newClient = f
	}
}

// Publisher publishes lifecycle status to the broker and keeps the
// broker client serviced from the host reactor. All methods must be
// called from the reactor goroutine.
type Publisher struct {
	cfg               config.MQTTConfig
	protocol          ProtocolVersion
	clientID          string
	interval          time.Duration
	disconnectTimeout time.Duration
	newClient         ClientFactory

	// connCtx bounds the lifetime of background connection attempts.
	connCtx context.Context

	sched     Scheduler
	logger    *slog.Logger
	client    BrokerClient
	timer     *reactor.Timer
	connected bool
}

// New validates the protocol setting, builds the broker client and
// starts a background connection attempt. It does not wait for the
// broker: an unreachable broker is retried and logged by the client.
// The only errors are configuration errors (see [ErrInvalidProtocol])
// and failures to set the client up.
func New(ctx context.Context, cfg config.MQTTConfig, sched Scheduler, logger *slog.Logger, opts ...Option) (*Publisher, error) {
	protocol, err := ParseProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{
		cfg:               cfg,
		protocol:          protocol,
		clientID:          cfg.ClientID,
		interval:          cfg.ServiceInterval,
		disconnectTimeout: cfg.DisconnectTimeout,
		newClient:         NewClient,
		connCtx:           ctx,
		sched:             sched,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.clientID == "" {
		p.clientID = newClientID(p.protocol)
	}
	if p.interval <= 0 {
		p.interval = config.DefaultServiceInterval
	}
	if p.disconnectTimeout <= 0 {
		p.disconnectTimeout = config.DefaultDisconnectTimeout
	}

	client, err := p.newClient(p.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("create mqtt client: %w", err)
	}
	p.client = client

	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) clientOptions() ClientOptions {
	opts := ClientOptions{
		Host:           p.cfg.BrokerURL,
		Port:           p.cfg.BrokerPort,
		KeepAlive:      time.Duration(p.cfg.Keepalive()) * time.Second,
		ClientID:       p.clientID,
		Protocol:       p.protocol,
		Username:       p.cfg.Username,
		Password:       p.cfg.Password,
		QoS:            byte(p.cfg.QoS),
		Retain:         p.cfg.Retain,
		ConnectTimeout: p.cfg.ConnectTimeout,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: p.cfg.Reconnect.InitialDelay,
			MaxDelay:     p.cfg.Reconnect.MaxDelay,
			Multiplier:   p.cfg.Reconnect.Multiplier,
		},
		Logger: p.logger,
	}
	if p.cfg.LastWill {
		opts.WillTopic = p.Topic(StatusTopic)
		opts.WillPayload = []byte(StatusDisconnected)
	}
	return opts
}

func (p *Publisher) connect() error {
	if err := p.client.Connect(p.connCtx); err != nil {
		return fmt.Errorf("start mqtt connection to %s: %w", p.cfg.Address(), err)
	}
	p.connected = true
	return nil
}

// ClientID returns the MQTT client identifier in use.
func (p *Publisher) ClientID() string { return p.clientID }

// Protocol returns the negotiated protocol family.
func (p *Publisher) Protocol() ProtocolVersion { return p.protocol }

// Topic returns the absolute topic for a relative one.
func (p *Publisher) Topic(rel string) string {
	return p.cfg.Topic + "/" + rel
}

// Register installs the lifecycle handlers on reg.
func (p *Publisher) Register(reg *events.Registry) {
	reg.Register(events.Connect, p.HandleConnect)
	reg.Register(events.Disconnect, p.HandleDisconnect)
	reg.Register(events.Shutdown, p.HandleShutdown)
	reg.Register(events.Ready, p.HandleReady)
}

// HandleConnect starts servicing the broker client from the reactor and
// announces that the host is connecting. A service timer left over from
// an earlier connect is removed first, so at most one is ever active.
func (p *Publisher) HandleConnect() {
	if !p.connected {
		if err := p.connect(); err != nil {
			p.logger.Error("mqtt reconnect failed", "error", err)
		}
	}

	if p.timer != nil {
		p.sched.UnregisterTimer(p.timer)
	}
	p.timer = p.sched.RegisterTimer(p.service, reactor.Now)

	p.Publish([]Message{{Topic: StatusTopic, Payload: StatusConnecting}}, false)
	p.logger.Info("mqtt status publishing started",
		"topic", p.Topic(StatusTopic),
		"protocol", p.protocol.String(),
		"interval", p.interval,
	)
}

// HandleReady announces that the host is ready.
func (p *Publisher) HandleReady() {
	p.Publish([]Message{{Topic: StatusTopic, Payload: StatusReady}}, false)
}

// HandleShutdown announces the host's shutdown state. It is flushed
// immediately; the reactor may stall after a shutdown.
func (p *Publisher) HandleShutdown() {
	p.Publish([]Message{{Topic: StatusTopic, Payload: StatusShutdown}}, true)
}

// HandleDisconnect flushes a final status, stops the service timer and
// tears the broker connection down. The flush must precede disabling
// the timer: no further ticks will run.
func (p *Publisher) HandleDisconnect() {
	p.Publish([]Message{{Topic: StatusTopic, Payload: StatusDisconnected}}, true)

	if p.timer != nil {
		p.sched.UpdateTimer(p.timer, reactor.Never)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.disconnectTimeout)
	defer cancel()
	if err := p.client.Disconnect(ctx); err != nil {
		p.logger.Warn("mqtt disconnect incomplete", "error", err)
	}
	p.connected = false
	p.logger.Info("mqtt disconnected", "broker", p.cfg.Address())
}

// Publish hands each message to the broker client under the topic
// base. With flush set it then drives one round of network servicing
// so the messages leave without waiting for the next tick.
func (p *Publisher) Publish(messages []Message, flush bool) {
	for _, m := range messages {
		topic := p.Topic(m.Topic)
		p.client.Publish(topic, []byte(m.Payload))
		p.logger.Debug("mqtt status published", "topic", topic, "payload", m.Payload, "flush", flush)
	}
	if flush {
		p.client.Service()
	}
}

// service is the reactor timer callback.
func (p *Publisher) service(eventtime time.Time) time.Time {
	p.client.Service()
	p.logger.Log(context.Background(), config.LevelTrace, "mqtt service tick")
	return eventtime.Add(p.interval)
}
