package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/klipper-mqtt-status/internal/config"
	"github.com/nugget/klipper-mqtt-status/internal/events"
	"github.com/nugget/klipper-mqtt-status/internal/reactor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callLog records broker and scheduler calls in the order they happen.
type callLog struct {
	calls []string
}

func (l *callLog) add(s string) { l.calls = append(l.calls, s) }

type fakeClient struct {
	log        *callLog
	opts       ClientOptions
	connectErr error
	disconnErr error

	connects  int
	services  int
	published []string
}

func (c *fakeClient) Connect(context.Context) error {
	c.connects++
	c.log.add("connect")
	return c.connectErr
}

func (c *fakeClient) Publish(topic string, payload []byte) {
	c.published = append(c.published, topic+" "+string(payload))
	c.log.add("publish " + topic + " " + string(payload))
}

func (c *fakeClient) Service() {
	c.services++
	c.log.add("service")
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.log.add("disconnect")
	return c.disconnErr
}

// fakeScheduler records calls and keeps real timer handles by wrapping a
// reactor that is never run.
type fakeScheduler struct {
	log *callLog
	r   *reactor.Reactor
	cbs []reactor.TimerCallback
}

func newFakeScheduler(log *callLog) *fakeScheduler {
	return &fakeScheduler{log: log, r: reactor.New(discardLogger())}
}

func waketimeName(t time.Time) string {
	switch {
	case t.Equal(reactor.Now):
		return "now"
	case t.Equal(reactor.Never):
		return "never"
	default:
		return t.Format(time.RFC3339)
	}
}

func (s *fakeScheduler) RegisterTimer(cb reactor.TimerCallback, waketime time.Time) *reactor.Timer {
	s.log.add("register_timer " + waketimeName(waketime))
	s.cbs = append(s.cbs, cb)
	return s.r.RegisterTimer(cb, waketime)
}

func (s *fakeScheduler) UpdateTimer(t *reactor.Timer, waketime time.Time) {
	s.log.add("update_timer " + waketimeName(waketime))
	s.r.UpdateTimer(t, waketime)
}

func (s *fakeScheduler) UnregisterTimer(t *reactor.Timer) {
	s.log.add("unregister_timer")
	s.r.UnregisterTimer(t)
}

type harness struct {
	log    *callLog
	client *fakeClient
	sched  *fakeScheduler
	pub    *Publisher
}

func newHarness(t *testing.T, cfg config.MQTTConfig) *harness {
	t.Helper()
	h := &harness{log: &callLog{}}
	h.sched = newFakeScheduler(h.log)

	pub, err := New(context.Background(), cfg, h.sched, discardLogger(),
		WithClientFactory(func(opts ClientOptions) (BrokerClient, error) {
			h.client = &fakeClient{log: h.log, opts: opts}
			return h.client, nil
		}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.pub = pub
	h.log.calls = nil
	return h
}

func testMQTTConfig() config.MQTTConfig {
	return config.Default().MQTT
}

func TestNew_Protocols(t *testing.T) {
	tests := []struct {
		name string
		want ProtocolVersion
	}{
		{"mqttv31", MQTTv31},
		{"mqttv311", MQTTv311},
		{"mqttv5", MQTTv5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testMQTTConfig()
			cfg.Protocol = tt.name
			h := newHarness(t, cfg)

			if got := h.pub.Protocol(); got != tt.want {
				t.Errorf("Protocol() = %v, want %v", got, tt.want)
			}
			if got := h.client.opts.Protocol; got != tt.want {
				t.Errorf("client protocol = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_InvalidProtocol(t *testing.T) {
	for _, name := range []string{"", "mqttv4", "MQTTv5", "v311"} {
		t.Run(name, func(t *testing.T) {
			cfg := testMQTTConfig()
			cfg.Protocol = name

			called := false
			_, err := New(context.Background(), cfg, newFakeScheduler(&callLog{}), discardLogger(),
				WithClientFactory(func(ClientOptions) (BrokerClient, error) {
					called = true
					return &fakeClient{log: &callLog{}}, nil
				}))
			if !errors.Is(err, ErrInvalidProtocol) {
				t.Fatalf("New error = %v, want ErrInvalidProtocol", err)
			}
			if called {
				t.Error("client built for invalid protocol")
			}
		})
	}
}

func TestNew_ClientOptions(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.BrokerURL = "broker.lan"
	cfg.BrokerPort = 8883
	keepalive := 30
	cfg.BrokerKeepalive = &keepalive
	cfg.ClientID = "printer-1"
	cfg.Username = "klipper"
	cfg.Password = "secret"
	cfg.QoS = 1
	cfg.Retain = true
	cfg.Reconnect.InitialDelay = 2 * time.Second

	h := newHarness(t, cfg)
	got := h.client.opts

	if got.Host != "broker.lan" || got.Port != 8883 {
		t.Errorf("address = %s:%d, want broker.lan:8883", got.Host, got.Port)
	}
	if got.KeepAlive != 30*time.Second {
		t.Errorf("KeepAlive = %v, want 30s", got.KeepAlive)
	}
	if got.ClientID != "printer-1" {
		t.Errorf("ClientID = %q, want printer-1", got.ClientID)
	}
	if got.Username != "klipper" || got.Password != "secret" {
		t.Errorf("credentials = %q/%q", got.Username, got.Password)
	}
	if got.QoS != 1 || !got.Retain {
		t.Errorf("QoS/Retain = %d/%v, want 1/true", got.QoS, got.Retain)
	}
	if got.Backoff.InitialDelay != 2*time.Second {
		t.Errorf("Backoff.InitialDelay = %v, want 2s", got.Backoff.InitialDelay)
	}
	if h.pub.ClientID() != "printer-1" {
		t.Errorf("ClientID() = %q, want printer-1", h.pub.ClientID())
	}
}

func TestNew_LastWill(t *testing.T) {
	tests := []struct {
		name        string
		lastWill    bool
		wantTopic   string
		wantPayload string
	}{
		{"disabled", false, "", ""},
		{"enabled", true, "klipper/klippy/status", "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testMQTTConfig()
			cfg.LastWill = tt.lastWill
			h := newHarness(t, cfg)

			if got := h.client.opts.WillTopic; got != tt.wantTopic {
				t.Errorf("WillTopic = %q, want %q", got, tt.wantTopic)
			}
			if got := string(h.client.opts.WillPayload); got != tt.wantPayload {
				t.Errorf("WillPayload = %q, want %q", got, tt.wantPayload)
			}
		})
	}
}

func TestNew_KeepaliveZero(t *testing.T) {
	cfg := testMQTTConfig()
	zero := 0
	cfg.BrokerKeepalive = &zero
	h := newHarness(t, cfg)

	if h.client.opts.KeepAlive != 0 {
		t.Errorf("KeepAlive = %v, want 0", h.client.opts.KeepAlive)
	}
}

func TestNew_DefaultClientID(t *testing.T) {
	a := newHarness(t, testMQTTConfig())
	b := newHarness(t, testMQTTConfig())

	if a.pub.ClientID() == "" {
		t.Fatal("default client id is empty")
	}
	if a.pub.ClientID() == b.pub.ClientID() {
		t.Errorf("two publishers share client id %q", a.pub.ClientID())
	}
	if a.client.opts.ClientID != a.pub.ClientID() {
		t.Errorf("client got id %q, publisher reports %q", a.client.opts.ClientID, a.pub.ClientID())
	}
}

func TestNew_StartsConnection(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	if h.client.connects != 1 {
		t.Errorf("connects = %d, want 1", h.client.connects)
	}
}

func TestNew_ConnectError(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(context.Background(), testMQTTConfig(), newFakeScheduler(&callLog{}), discardLogger(),
		WithClientFactory(func(ClientOptions) (BrokerClient, error) {
			return &fakeClient{log: &callLog{}, connectErr: boom}, nil
		}))
	if !errors.Is(err, boom) {
		t.Fatalf("New error = %v, want wrapped boom", err)
	}
}

func TestNew_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(context.Background(), testMQTTConfig(), newFakeScheduler(&callLog{}), discardLogger(),
		WithClientFactory(func(ClientOptions) (BrokerClient, error) {
			return nil, boom
		}))
	if !errors.Is(err, boom) {
		t.Fatalf("New error = %v, want wrapped boom", err)
	}
}

func TestHandleConnect(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	h.pub.HandleConnect()

	want := []string{
		"register_timer now",
		"publish klipper/klippy/status connecting",
	}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if n := h.sched.r.ActiveTimers(); n != 1 {
		t.Errorf("active timers = %d, want 1", n)
	}
}

func TestHandleDisconnect_FlushBeforeTimerDisabled(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	h.pub.HandleConnect()
	h.log.calls = nil

	h.pub.HandleDisconnect()

	want := []string{
		"publish klipper/klippy/status disconnected",
		"service",
		"update_timer never",
		"disconnect",
	}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if n := h.sched.r.ActiveTimers(); n != 0 {
		t.Errorf("active timers = %d, want 0", n)
	}
}

func TestHandleDisconnect_WithoutConnect(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	h.pub.HandleDisconnect()

	want := []string{
		"publish klipper/klippy/status disconnected",
		"service",
		"disconnect",
	}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleDisconnect_ErrorNotFatal(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	h.client.disconnErr = errors.New("flush timed out")
	h.pub.HandleConnect()
	h.pub.HandleDisconnect()

	// A later connect still works.
	h.log.calls = nil
	h.pub.HandleConnect()
	if h.log.calls[0] != "connect" {
		t.Errorf("first call after reconnect = %q, want connect", h.log.calls[0])
	}
}

func TestHandleReadyAndShutdown(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	h.pub.HandleReady()
	h.pub.HandleShutdown()

	want := []string{
		"publish klipper/klippy/status ready",
		"publish klipper/klippy/status shutdown",
		"service",
	}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestPublish_Flush(t *testing.T) {
	tests := []struct {
		name         string
		flush        bool
		wantServices int
	}{
		{"no flush", false, 0},
		{"flush", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testMQTTConfig())
			h.pub.Publish([]Message{
				{Topic: "a", Payload: "1"},
				{Topic: "b", Payload: "2"},
			}, tt.flush)

			if h.client.services != tt.wantServices {
				t.Errorf("services = %d, want %d", h.client.services, tt.wantServices)
			}
			want := []string{"klipper/a 1", "klipper/b 2"}
			if diff := cmp.Diff(want, h.client.published); diff != "" {
				t.Errorf("published mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPublish_FlushAfterEnqueue(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	h.pub.Publish([]Message{{Topic: StatusTopic, Payload: StatusShutdown}}, true)

	want := []string{"publish klipper/klippy/status shutdown", "service"}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestTopic(t *testing.T) {
	tests := []struct {
		base string
		rel  string
		want string
	}{
		{"klipper", "klippy/status", "klipper/klippy/status"},
		{"home/printers/voron", "klippy/status", "home/printers/voron/klippy/status"},
		{"", "klippy/status", "/klippy/status"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			cfg := testMQTTConfig()
			cfg.Topic = tt.base
			h := newHarness(t, cfg)
			if got := h.pub.Topic(tt.rel); got != tt.want {
				t.Errorf("Topic(%q) = %q, want %q", tt.rel, got, tt.want)
			}
		})
	}
}

func TestReconnectReplacesTimer(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	h.pub.HandleConnect()
	h.pub.HandleDisconnect()
	h.log.calls = nil

	h.pub.HandleConnect()

	want := []string{
		"connect",
		"unregister_timer",
		"register_timer now",
		"publish klipper/klippy/status connecting",
	}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if n := h.sched.r.ActiveTimers(); n != 1 {
		t.Errorf("active timers = %d, want 1", n)
	}
}

func TestRepeatedConnectKeepsOneTimer(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	for range 3 {
		h.pub.HandleConnect()
	}
	if n := h.sched.r.ActiveTimers(); n != 1 {
		t.Errorf("active timers = %d, want 1", n)
	}
	if h.client.connects != 1 {
		t.Errorf("connects = %d, want 1 while still connected", h.client.connects)
	}
}

func TestServiceTick(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.ServiceInterval = 500 * time.Millisecond
	h := newHarness(t, cfg)
	h.pub.HandleConnect()

	if len(h.sched.cbs) != 1 {
		t.Fatalf("registered callbacks = %d, want 1", len(h.sched.cbs))
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	next := h.sched.cbs[0](now)

	if want := now.Add(500 * time.Millisecond); !next.Equal(want) {
		t.Errorf("next waketime = %v, want %v", next, want)
	}
	if h.client.services != 1 {
		t.Errorf("services = %d, want 1", h.client.services)
	}
}

func TestRegister(t *testing.T) {
	h := newHarness(t, testMQTTConfig())
	reg := events.NewRegistry(discardLogger())
	h.pub.Register(reg)

	if diff := cmp.Diff([]string{events.Connect, events.Disconnect, events.Shutdown, events.Ready}, reg.Events()); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}

	reg.Send(events.Connect)
	reg.Send(events.Ready)
	reg.Send(events.Shutdown)
	reg.Send(events.Disconnect)

	want := []string{
		"klipper/klippy/status connecting",
		"klipper/klippy/status ready",
		"klipper/klippy/status shutdown",
		"klipper/klippy/status disconnected",
	}
	if diff := cmp.Diff(want, h.client.published); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}
}

func TestPublisherWithReactor(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.ServiceInterval = time.Millisecond

	log := &callLog{}
	var client *fakeClient
	r := reactor.New(discardLogger())
	pub, err := New(context.Background(), cfg, r, discardLogger(),
		WithClientFactory(func(opts ClientOptions) (BrokerClient, error) {
			client = &fakeClient{log: log, opts: opts}
			return client, nil
		}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reg := events.NewRegistry(discardLogger())
	pub.Register(reg)

	r.RegisterAsyncCallback(func(time.Time) {
		reg.Send(events.Connect)
		reg.Send(events.Ready)
	})

	// Stop once the service timer has ticked a few times.
	r.RegisterTimer(func(eventtime time.Time) time.Time {
		if client.services < 3 {
			return eventtime.Add(time.Millisecond)
		}
		reg.Send(events.Disconnect)
		r.End()
		return reactor.Never
	}, reactor.Now)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"klipper/klippy/status connecting",
		"klipper/klippy/status ready",
		"klipper/klippy/status disconnected",
	}
	if diff := cmp.Diff(want, client.published); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}
	if n := r.ActiveTimers(); n != 0 {
		t.Errorf("active timers = %d, want 0", n)
	}
}
