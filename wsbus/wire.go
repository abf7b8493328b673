// Package wsbus is a websocket signaling bus for conference control
// payloads. A Hub relays addressed envelopes between connected
// participants without looking inside them, so it can carry the end to end
// encrypted key exchange without being trusted with any key material.
// Client maintains a resilient connection to a hub and hands inbound
// envelopes to a handler.
package wsbus

import "time"

// Envelope is one addressed bus message. The hub stamps From with the
// sender's authenticated connection id, so a client cannot impersonate
// another participant towards the hub.
type Envelope struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Payload []byte `json:"payload"`
}

// BusPath is the websocket endpoint a hub serves and a client connects to.
const BusPath = "/bus/v1/ws"

// idHeader carries the participant id during the websocket handshake.
const idHeader = "X-Mediacrypt-Id"

const (
	// maxEnvelopeSize bounds a single bus message on the wire.
	maxEnvelopeSize = 1024 * 1024

	// readDeadline is how long the hub waits for traffic before it
	// declares a connection dead. Client pings arrive well within it.
	readDeadline = time.Minute
)
