// Package middleman implements the MiddleMan relay: a long-lived router
// between many short-lived Concent front-end connections and the single
// persistent connection to the external Signing Service.
package middleman

import (
	"time"

	protocol "github.com/golemfactory/concent/go/protocols/middleman"
)

// RequestQueueItem hands one inbound Golem message from a request producer
// to the shared request consumer.
type RequestQueueItem struct {
	ConnectionID     uint64
	ConcentRequestID uint64
	Payload          []byte
	EnqueuedAt       time.Time
}

// ResponseQueueItem hands one outbound frame to a connection's response
// consumer. For matched Signing Service responses the frame is a
// GolemMessageFrame carrying the originating Concent request id; for
// protocol failures it is an ErrorFrame.
type ResponseQueueItem struct {
	Frame      protocol.Frame
	EnqueuedAt time.Time
}

// MessageTrackerItem records one request that is in flight to the Signing
// Service, keyed in the tracker by its signing-service request id.
type MessageTrackerItem struct {
	ConcentRequestID uint64
	ConnectionID     uint64
	Payload          []byte
	EnqueuedAt       time.Time
}
