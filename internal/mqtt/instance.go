package mqtt

import (
	"strings"

	"github.com/google/uuid"
)

// maxV31ClientID is the longest client identifier MQTT 3.1 brokers are
// required to accept.
const maxV31ClientID = 23

// NewClientID returns a random UUID for use as the MQTT client
// identifier when none is configured. It is regenerated on every start;
// nothing is persisted.
func NewClientID() string {
	return uuid.NewString()
}

// newClientID returns a random client identifier that v's brokers will
// accept.
func newClientID(v ProtocolVersion) string {
	id := NewClientID()
	if v == MQTTv31 {
		id = strings.ReplaceAll(id, "-", "")[:maxV31ClientID]
	}
	return id
}
