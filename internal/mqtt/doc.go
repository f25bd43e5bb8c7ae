// Package mqtt publishes the host's lifecycle status to an MQTT broker.
//
// A [Publisher] registers handlers for the host lifecycle events and
// publishes a short payload (connecting, ready, shutdown, disconnected)
// to <topic>/klippy/status on each transition. The host owns a
// cooperative reactor; the publisher keeps one recurring timer on it
// that drives a single round of broker network servicing per tick.
//
// Network I/O itself belongs to the client libraries. MQTT v3.1 and
// v3.1.1 use Eclipse Paho's [paho.mqtt.golang] client; MQTT v5 uses
// Eclipse Paho v2's [autopaho] connection manager. Both connect in the
// background and reconnect on their own. A [BrokerClient] buffers
// publishes in an outbox that only the reactor goroutine touches, and
// each Service call hands the outbox to the library without waiting on
// the network, so neither a tick nor a publish can stall the reactor.
//
// [paho.mqtt.golang]: https://github.com/eclipse/paho.mqtt.golang
// [autopaho]: https://pkg.go.dev/github.com/eclipse/paho.golang/autopaho
package mqtt
