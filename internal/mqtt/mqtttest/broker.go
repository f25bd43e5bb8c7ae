// Package mqtttest runs an in-process MQTT broker for tests. It speaks
// MQTT v3.1, v3.1.1 and v5 and records every message clients publish.
package mqtttest

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Message is a publish the broker received.
type Message struct {
	Topic   string
	Payload string
}

// Broker is a running test broker.
type Broker struct {
	Host string
	Port int

	server *mochi.Server

	mu       sync.Mutex
	messages []Message
	arrived  chan struct{}
}

// New starts a broker on a loopback port and stops it when t ends.
// Anonymous clients are accepted.
func New(t testing.TB) *Broker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)

	b := &Broker{
		Host:    addr.IP.String(),
		Port:    addr.Port,
		arrived: make(chan struct{}, 1),
	}

	b.server = mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add auth hook: %v", err)
	}
	if err := b.server.AddListener(listeners.NewNet("test", ln)); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := b.server.Subscribe("#", 1, b.record); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.server.Serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(func() { b.server.Close() })

	return b
}

func (b *Broker) record(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
	if strings.HasPrefix(pk.TopicName, "$") {
		return
	}
	b.mu.Lock()
	b.messages = append(b.messages, Message{Topic: pk.TopicName, Payload: string(pk.Payload)})
	b.mu.Unlock()

	select {
	case b.arrived <- struct{}{}:
	default:
	}
}

// Messages returns the messages received so far, in arrival order.
func (b *Broker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages...)
}

// Payloads returns the payloads received on topic, in arrival order.
func (b *Broker) Payloads(topic string) []string {
	var out []string
	for _, m := range b.Messages() {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

// WaitForPayloads waits until at least n payloads have arrived on topic
// and returns them. It fails t after timeout.
func (b *Broker) WaitForPayloads(t testing.TB, topic string, n int, timeout time.Duration) []string {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if got := b.Payloads(topic); len(got) >= n {
			return got
		}
		select {
		case <-b.arrived:
		case <-deadline.C:
			got := b.Payloads(topic)
			t.Fatalf("waited %v for %d payloads on %s, got %q", timeout, n, topic, got)
			return got
		}
	}
}

// ClosedPort returns a loopback port with nothing listening on it.
func ClosedPort(t testing.TB) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return port
}
