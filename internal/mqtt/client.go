package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/klipper-mqtt-status/internal/connwatch"
)

// BrokerClient is the narrow capability the publisher needs from an
// MQTT client. Every method is called from the reactor goroutine and
// none may block for longer than the context it is given.
type BrokerClient interface {
	// Connect starts a background connection attempt and returns
	// without waiting for the broker. Failures to reach the broker are
	// retried and logged by the client, not returned.
	Connect(ctx context.Context) error
	// Publish buffers a message for the next Service call. Publishing
	// while disconnected buffers or drops silently.
	Publish(topic string, payload []byte)
	// Service runs one non-blocking round of network servicing.
	Service()
	// Disconnect flushes what it can before ctx expires and tears the
	// connection down.
	Disconnect(ctx context.Context) error
}

// ClientOptions configures a BrokerClient.
type ClientOptions struct {
	Host           string
	Port           int
	KeepAlive      time.Duration
	ClientID       string
	Protocol       ProtocolVersion
	Username       string
	Password       string
	QoS            byte
	Retain         bool
	ConnectTimeout time.Duration
	Backoff        connwatch.BackoffConfig
	Logger         *slog.Logger

	// WillTopic, when set, registers a last will the broker publishes
	// if the connection drops without a clean disconnect. It uses the
	// same QoS and retain flag as regular publishes.
	WillTopic   string
	WillPayload []byte
}

func (o ClientOptions) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// NewClient returns the BrokerClient implementation for opts.Protocol.
func NewClient(opts ClientOptions) (BrokerClient, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Backoff = opts.Backoff.WithDefaults()

	switch opts.Protocol {
	case MQTTv31, MQTTv311:
		return newV3Client(opts), nil
	case MQTTv5:
		return newV5Client(opts), nil
	default:
		return nil, fmt.Errorf("%w (got %v)", ErrInvalidProtocol, opts.Protocol)
	}
}

// outMessage is a publish waiting in a client outbox.
type outMessage struct {
	topic   string
	payload []byte
}

// slogPrinter adapts a slog.Logger to the Println/Printf logger
// interface the paho libraries accept.
type slogPrinter struct {
	logger *slog.Logger
	level  slog.Level
	source string
}

func (p slogPrinter) Println(v ...interface{}) {
	p.log(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (p slogPrinter) Printf(format string, v ...interface{}) {
	p.log(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (p slogPrinter) log(msg string) {
	p.logger.Log(context.Background(), p.level, msg, "source", p.source)
}
