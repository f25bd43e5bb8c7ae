package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// maxQuiesce caps how long the v3 client lets paho finish
	// outstanding work when disconnecting.
	maxQuiesce = 250 * time.Millisecond

	// flushPoll is how often Disconnect rechecks the connection while
	// the outbox is waiting for it.
	flushPoll = 10 * time.Millisecond

	// maxOutbox bounds the messages held while the broker is
	// unreachable. The oldest are dropped first.
	maxOutbox = 64
)

// SetLibraryLogger routes paho.mqtt.golang's package-level warning and
// error loggers into logger. It affects every v3 client in the process.
func SetLibraryLogger(logger *slog.Logger) {
	pahomqtt.WARN = slogPrinter{logger: logger, level: slog.LevelWarn, source: "paho.mqtt.golang"}
	pahomqtt.ERROR = slogPrinter{logger: logger, level: slog.LevelError, source: "paho.mqtt.golang"}
	pahomqtt.CRITICAL = slogPrinter{logger: logger, level: slog.LevelError, source: "paho.mqtt.golang"}
}

type inflightPublish struct {
	topic string
	token pahomqtt.Token
}

// v3Client speaks MQTT v3.1 or v3.1.1 through paho.mqtt.golang.
type v3Client struct {
	opts   ClientOptions
	logger *slog.Logger

	client       pahomqtt.Client
	connectToken pahomqtt.Token
	outbox       []outMessage
	inflight     []inflightPublish
	wasOpen      bool
}

func newV3Client(opts ClientOptions) *v3Client {
	return &v3Client{
		opts:   opts,
		logger: opts.Logger.With("protocol", opts.Protocol.String()),
	}
}

func (c *v3Client) brokerURL() string {
	return "tcp://" + c.opts.address()
}

func (c *v3Client) clientOptions() *pahomqtt.ClientOptions {
	o := pahomqtt.NewClientOptions().
		AddBroker(c.brokerURL()).
		SetClientID(c.opts.ClientID).
		SetProtocolVersion(c.opts.Protocol.Level()).
		SetKeepAlive(c.opts.KeepAlive).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(c.opts.Backoff.InitialDelay).
		SetMaxReconnectInterval(c.opts.Backoff.MaxDelay).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("mqtt connection lost", "broker", c.opts.address(), "error", err)
		})

	if c.opts.Username != "" {
		o.SetUsername(c.opts.Username)
		o.SetPassword(c.opts.Password)
	}
	if c.opts.WillTopic != "" {
		o.SetBinaryWill(c.opts.WillTopic, c.opts.WillPayload, c.opts.QoS, c.opts.Retain)
	}
	return o
}

// Connect starts paho's connect loop. With ConnectRetry set, paho keeps
// trying in the background. paho does not deliver QoS 0 publishes made
// before the connection is open, so Service holds them in the outbox
// until it is.
func (c *v3Client) Connect(_ context.Context) error {
	if c.client != nil {
		return nil
	}
	c.client = pahomqtt.NewClient(c.clientOptions())
	c.connectToken = c.client.Connect()
	c.logger.Info("mqtt connecting",
		"broker", c.opts.address(),
		"client_id", c.opts.ClientID,
		"backoff", c.opts.Backoff,
	)
	return nil
}

func (c *v3Client) Publish(topic string, payload []byte) {
	if c.client == nil {
		c.logger.Debug("mqtt publish dropped, client not started", "topic", topic)
		return
	}
	if len(c.outbox) >= maxOutbox {
		c.logger.Debug("mqtt outbox full, dropping oldest", "topic", c.outbox[0].topic)
		c.outbox = c.outbox[1:]
	}
	c.outbox = append(c.outbox, outMessage{topic: topic, payload: payload})
}

func (c *v3Client) Service() {
	if c.client == nil {
		return
	}

	if c.client.IsConnectionOpen() {
		for _, m := range c.outbox {
			tok := c.client.Publish(m.topic, c.opts.QoS, c.opts.Retain, m.payload)
			c.inflight = append(c.inflight, inflightPublish{topic: m.topic, token: tok})
		}
		c.outbox = c.outbox[:0]
	}

	c.reap()
	c.checkConnection()
}

// reap drops inflight publishes whose tokens have completed, logging
// failures. It never waits.
func (c *v3Client) reap() {
	pending := c.inflight[:0]
	for _, f := range c.inflight {
		select {
		case <-f.token.Done():
			if err := f.token.Error(); err != nil {
				c.logger.Warn("mqtt publish failed", "topic", f.topic, "error", err)
			} else {
				c.logger.Debug("mqtt published", "topic", f.topic)
			}
		default:
			pending = append(pending, f)
		}
	}
	c.inflight = pending
}

func (c *v3Client) checkConnection() {
	if c.connectToken != nil {
		select {
		case <-c.connectToken.Done():
			if err := c.connectToken.Error(); err != nil {
				c.logger.Warn("mqtt connect failed", "broker", c.opts.address(), "error", err)
			}
			c.connectToken = nil
		default:
		}
	}

	open := c.client.IsConnectionOpen()
	if open == c.wasOpen {
		return
	}
	c.wasOpen = open
	if open {
		c.logger.Info("mqtt broker connection up", "broker", c.opts.address())
	} else {
		c.logger.Warn("mqtt broker connection down", "broker", c.opts.address())
	}
}

func (c *v3Client) Disconnect(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	c.Service()

	var err error
	if len(c.outbox) > 0 {
		err = c.awaitConnection(ctx)
	}

	unconfirmed := 0
wait:
	for i, f := range c.inflight {
		select {
		case <-f.token.Done():
		case <-ctx.Done():
			unconfirmed = len(c.inflight) - i
			break wait
		}
	}
	if unconfirmed > 0 && err == nil {
		err = fmt.Errorf("mqtt disconnect: %d publishes unconfirmed: %w", unconfirmed, ctx.Err())
	}

	quiesce := maxQuiesce
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < quiesce {
			quiesce = max(remaining, 0)
		}
	}
	c.client.Disconnect(uint(quiesce / time.Millisecond))

	c.client = nil
	c.connectToken = nil
	c.outbox = nil
	c.inflight = nil
	c.wasOpen = false
	return err
}

// awaitConnection services the client until the outbox has been handed
// to paho or ctx expires.
func (c *v3Client) awaitConnection(ctx context.Context) error {
	tick := time.NewTicker(flushPoll)
	defer tick.Stop()

	for len(c.outbox) > 0 {
		select {
		case <-tick.C:
			c.Service()
		case <-ctx.Done():
			return fmt.Errorf("mqtt flush: %d publishes not sent, broker not connected: %w", len(c.outbox), ctx.Err())
		}
	}
	return nil
}
