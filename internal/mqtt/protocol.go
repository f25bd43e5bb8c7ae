package mqtt

import (
	"errors"
	"fmt"
)

// ErrInvalidProtocol is returned for a protocol setting outside
// mqttv31, mqttv311 and mqttv5.
var ErrInvalidProtocol = errors.New("protocol version has to be one of 'mqttv31', 'mqttv311' or 'mqttv5'")

// ProtocolVersion selects the MQTT protocol spoken to the broker.
type ProtocolVersion int

const (
	MQTTv31 ProtocolVersion = iota
	MQTTv311
	MQTTv5
)

var protocolNames = map[string]ProtocolVersion{
	"mqttv31":  MQTTv31,
	"mqttv311": MQTTv311,
	"mqttv5":   MQTTv5,
}

// ParseProtocol maps a configuration value to a ProtocolVersion. The
// match is exact.
func ParseProtocol(name string) (ProtocolVersion, error) {
	v, ok := protocolNames[name]
	if !ok {
		return 0, fmt.Errorf("%w (got %q)", ErrInvalidProtocol, name)
	}
	return v, nil
}

// String returns the configuration name of the version.
func (v ProtocolVersion) String() string {
	switch v {
	case MQTTv31:
		return "mqttv31"
	case MQTTv311:
		return "mqttv311"
	case MQTTv5:
		return "mqttv5"
	default:
		return fmt.Sprintf("ProtocolVersion(%d)", int(v))
	}
}

// Level returns the protocol level sent in the CONNECT packet.
func (v ProtocolVersion) Level() uint {
	switch v {
	case MQTTv31:
		return 3
	case MQTTv311:
		return 4
	case MQTTv5:
		return 5
	default:
		return 0
	}
}
