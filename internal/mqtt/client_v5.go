package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/autopaho/queue/memory"
	"github.com/eclipse/paho.golang/paho"
)

// v5Client speaks MQTT v5 through autopaho. Publishes go through the
// connection manager's memory queue, which autopaho drains on its own
// goroutine while the connection is up.
type v5Client struct {
	opts   ClientOptions
	logger *slog.Logger

	cm     *autopaho.ConnectionManager
	queue  *memory.Queue
	outbox []outMessage

	// up is written by autopaho callbacks and read by Service.
	up    atomic.Bool
	wasUp bool
}

func newV5Client(opts ClientOptions) *v5Client {
	return &v5Client{
		opts:   opts,
		logger: opts.Logger.With("protocol", opts.Protocol.String()),
	}
}

func (c *v5Client) brokerURL() *url.URL {
	return &url.URL{Scheme: "mqtt", Host: c.opts.address()}
}

func (c *v5Client) connectionConfig() autopaho.ClientConfig {
	brokerURL := c.brokerURL()

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(c.opts.KeepAlive / time.Second),
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              c.opts.Backoff.Delay,
		ConnectTimeout:                c.opts.ConnectTimeout,
		ConnectUsername:               c.opts.Username,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			c.up.Store(true)
		},
		OnConnectionDown: func() bool {
			c.up.Store(false)
			return true
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection attempt failed", "broker", brokerURL.Host, "error", err)
		},
		Errors:     slogPrinter{logger: c.logger, level: slog.LevelError, source: "autopaho"},
		PahoErrors: slogPrinter{logger: c.logger, level: slog.LevelError, source: "paho"},
		ClientConfig: paho.ClientConfig{
			ClientID: c.opts.ClientID,
		},
	}
	if c.queue != nil {
		cfg.Queue = c.queue
	}
	if c.opts.Password != "" {
		cfg.ConnectPassword = []byte(c.opts.Password)
	}
	if c.opts.WillTopic != "" {
		cfg.WillMessage = &paho.WillMessage{
			Topic:   c.opts.WillTopic,
			Payload: c.opts.WillPayload,
			QoS:     c.opts.QoS,
			Retain:  c.opts.Retain,
		}
	}
	return cfg
}

// Connect creates the connection manager, which dials in the background
// for as long as ctx lives.
func (c *v5Client) Connect(ctx context.Context) error {
	if c.cm != nil {
		return nil
	}

	c.queue = memory.New()
	cm, err := autopaho.NewConnection(ctx, c.connectionConfig())
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	c.logger.Info("mqtt connecting",
		"broker", c.opts.address(),
		"client_id", c.opts.ClientID,
		"backoff", c.opts.Backoff,
	)
	return nil
}

func (c *v5Client) Publish(topic string, payload []byte) {
	if c.cm == nil {
		c.logger.Debug("mqtt publish dropped, client not started", "topic", topic)
		return
	}
	c.outbox = append(c.outbox, outMessage{topic: topic, payload: payload})
}

func (c *v5Client) Service() {
	if c.cm == nil {
		return
	}

	for _, m := range c.outbox {
		err := c.cm.PublishViaQueue(context.Background(), &autopaho.QueuePublish{
			Publish: &paho.Publish{
				Topic:   m.topic,
				Payload: m.payload,
				QoS:     c.opts.QoS,
				Retain:  c.opts.Retain,
			},
		})
		if err != nil {
			c.logger.Warn("mqtt publish not queued", "topic", m.topic, "error", err)
			continue
		}
		c.logger.Debug("mqtt publish queued", "topic", m.topic)
	}
	c.outbox = c.outbox[:0]

	up := c.up.Load()
	if up == c.wasUp {
		return
	}
	c.wasUp = up
	if up {
		c.logger.Info("mqtt broker connection up", "broker", c.opts.address())
	} else {
		c.logger.Warn("mqtt broker connection down", "broker", c.opts.address())
	}
}

func (c *v5Client) Disconnect(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.Service()

	var err error
	select {
	case <-c.queue.WaitForEmpty():
	case <-ctx.Done():
		err = fmt.Errorf("mqtt flush: %w", ctx.Err())
	}

	if derr := c.cm.Disconnect(ctx); derr != nil && err == nil {
		err = fmt.Errorf("mqtt disconnect: %w", derr)
	}

	c.cm = nil
	c.queue = nil
	c.outbox = nil
	c.up.Store(false)
	c.wasUp = false
	return err
}
