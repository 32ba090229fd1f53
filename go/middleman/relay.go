package middleman

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"github.com/golemfactory/concent/go/messages"
	protocol "github.com/golemfactory/concent/go/protocols/middleman"
)

// Config parameterizes a Relay. Connection ids and signing-service request
// ids both wrap at ConnectionCounterLimit.
type Config struct {
	ConcentPrivateKey       *ecdsa.PrivateKey
	ConcentPublicKey        []byte
	SigningServicePublicKey []byte

	ConnectionCounterLimit uint64
	RequestQueueSize       int
	ResponseQueueSize      int
}

// Validate returns an error if the configuration is unusable.
func (cfg Config) Validate() error {
	if cfg.ConcentPrivateKey == nil {
		return fmt.Errorf("missing Concent private key")
	}
	if err := messages.ValidateRawPublicKey(cfg.ConcentPublicKey); err != nil {
		return fmt.Errorf("concent public key: %w", err)
	}
	if err := messages.ValidateRawPublicKey(cfg.SigningServicePublicKey); err != nil {
		return fmt.Errorf("signing service public key: %w", err)
	}
	if cfg.ConnectionCounterLimit < 2 {
		return fmt.Errorf("connection counter limit %d is too small", cfg.ConnectionCounterLimit)
	}
	return nil
}

// Relay multiplexes request frames of many front-end connections onto the
// single Signing Service connection, and routes response frames back to the
// connection each request originated from.
//
// Four roles cooperate: a request producer and a response consumer per
// front-end connection, plus a single request consumer and a single response
// producer bound to the upstream connection. The roles communicate through
// the shared request queue, the per-connection response queues of the
// QueuePool, and the MessageTracker of in-flight requests.
type Relay struct {
	cfg  Config
	pool *QueuePool

	tracker      *MessageTracker
	requestQueue chan RequestQueueItem

	upstream       net.Conn
	upstreamReader *bufio.Reader
	upstreamDown   atomic.Bool

	nextConnectionID atomic.Uint64
}

// NewRelay builds a Relay over an established Signing Service connection.
func NewRelay(cfg Config, upstream net.Conn) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	if cfg.RequestQueueSize <= 0 {
		cfg.RequestQueueSize = 64
	}
	if cfg.ResponseQueueSize <= 0 {
		cfg.ResponseQueueSize = 16
	}
	return &Relay{
		cfg:            cfg,
		pool:           NewQueuePool(cfg.ResponseQueueSize),
		tracker:        NewMessageTracker(),
		requestQueue:   make(chan RequestQueueItem, cfg.RequestQueueSize),
		upstream:       upstream,
		upstreamReader: bufio.NewReader(upstream),
	}, nil
}

// Pool exposes the relay's queue pool.
func (r *Relay) Pool() *QueuePool { return r.pool }

// Tracker exposes the relay's message tracker.
func (r *Relay) Tracker() *MessageTracker { return r.tracker }

// AuthenticateUpstream challenges the Signing Service to prove possession of
// its private key before any traffic is relayed: the service must return a
// valid signature of Keccak-256 over the random challenge bytes.
func (r *Relay) AuthenticateUpstream() error {
	var challenge = make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("generating challenge: %w", err)
	}

	var err = protocol.SendFrame(r.upstream, &protocol.AuthenticationChallengeFrame{
		ID:        protocol.RequestIDForInvalidFrameResponse,
		Challenge: challenge,
	}, r.cfg.ConcentPrivateKey)
	if err != nil {
		return fmt.Errorf("sending authentication challenge: %w", err)
	}

	frame, err := protocol.ReceiveFrame(r.upstreamReader, r.cfg.SigningServicePublicKey)
	if err != nil {
		return fmt.Errorf("receiving authentication response: %w", err)
	}
	var response, ok = frame.(*protocol.AuthenticationResponseFrame)
	if !ok {
		return fmt.Errorf("expected an authentication response, got payload type %d", frame.Type())
	}
	if !messages.VerifyDigest(r.cfg.SigningServicePublicKey, crypto.Keccak256(challenge), response.Signature) {
		return fmt.Errorf("signing service failed the authentication challenge")
	}

	log.Info("signing service authenticated")
	return nil
}

// ServeConnection runs the request producer for one front-end connection in
// the calling goroutine, with its paired response consumer alongside, until
// the connection closes or the context is cancelled.
func (r *Relay) ServeConnection(ctx context.Context, conn net.Conn) {
	var connectionID, queue = r.allocateConnection()

	connectionsGauge.Inc()
	log.WithFields(log.Fields{
		"connectionID": connectionID,
		"remoteAddr":   conn.RemoteAddr(),
	}).Info("serving front-end connection")

	// Unblock a pending read when the relay shuts down.
	var watchDone = make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	var consumerDone = make(chan struct{})
	go func() {
		defer close(consumerDone)
		r.responseConsumer(ctx, conn, queue, connectionID)
	}()

	r.requestProducer(ctx, conn, queue, connectionID)

	// Producer is done: remove the pool entry, let the consumer drain what
	// is already queued, then release the connection.
	r.pool.Unregister(connectionID)
	<-consumerDone
	close(watchDone)
	_ = conn.Close()

	connectionsGauge.Dec()
	log.WithField("connectionID", connectionID).Info("front-end connection finished")
}

// allocateConnection assigns the next connection id and registers its
// response queue atomically. After the counter wraps, ids still held by
// live connections are skipped; the caller serves far fewer concurrent
// connections than ConnectionCounterLimit admits.
func (r *Relay) allocateConnection() (uint64, *ResponseQueue) {
	for {
		var id = r.nextConnectionID.Add(1) % r.cfg.ConnectionCounterLimit
		if queue, ok := r.pool.RegisterNew(id); ok {
			return id, queue
		}
	}
}

// requestProducer reads frames from one front-end connection. Decode
// failures of a single frame are answered with an ErrorFrame on the
// connection's own response queue; a closed connection ends the producer.
func (r *Relay) requestProducer(ctx context.Context, conn net.Conn, queue *ResponseQueue, connectionID uint64) {
	var reader = bufio.NewReader(conn)
	for {
		var frame, err = protocol.ReceiveFrame(reader, r.cfg.ConcentPublicKey)
		if err != nil {
			if protocol.IsIterationEndingError(err) {
				invalidFramesCounter.WithLabelValues("frontend").Inc()
				log.WithFields(log.Fields{
					"connectionID": connectionID,
					"err":          err,
				}).Info("received invalid frame")
				queue.Push(ResponseQueueItem{
					Frame: &protocol.ErrorFrame{
						ID:      protocol.RequestIDForInvalidFrameResponse,
						Code:    protocol.ErrorCodeFor(err),
						Message: err.Error(),
					},
					EnqueuedAt: time.Now(),
				})
				continue
			}
			log.WithFields(log.Fields{
				"connectionID": connectionID,
				"err":          err,
			}).Info("front-end connection closed, ending request producer")
			return
		}

		var golem, ok = frame.(*protocol.GolemMessageFrame)
		if !ok {
			queue.Push(ResponseQueueItem{
				Frame: &protocol.ErrorFrame{
					ID:      frame.RequestID(),
					Code:    protocol.CodeInvalidPayload,
					Message: fmt.Sprintf("front-end connections may only relay Golem messages, got payload type %d", frame.Type()),
				},
				EnqueuedAt: time.Now(),
			})
			continue
		}

		framesRelayedCounter.WithLabelValues("request").Inc()
		select {
		case r.requestQueue <- RequestQueueItem{
			ConnectionID:     connectionID,
			ConcentRequestID: golem.ID,
			Payload:          golem.Payload,
			EnqueuedAt:       time.Now(),
		}:
		case <-ctx.Done():
			return
		}
	}
}

// responseConsumer writes queued response frames back to one front-end
// connection, using the recorded Concent request id as the frame's id.
func (r *Relay) responseConsumer(ctx context.Context, conn net.Conn, queue *ResponseQueue, connectionID uint64) {
	for {
		var item, ok = queue.Pop(ctx)
		if !ok {
			return
		}
		if err := protocol.SendFrame(conn, item.Frame, r.cfg.ConcentPrivateKey); err != nil {
			log.WithFields(log.Fields{
				"connectionID": connectionID,
				"err":          err,
			}).Info("writing response to front-end connection failed, ending response consumer")
			return
		}
		framesRelayedCounter.WithLabelValues("response").Inc()
		log.WithFields(log.Fields{
			"connectionID": connectionID,
			"requestID":    item.Frame.RequestID(),
		}).Debug("response delivered")
	}
}

// ConsumeRequests is the single request consumer: it drains the shared
// request queue, assigns fresh signing-service request ids, records each
// message in the tracker, and forwards it upstream.
func (r *Relay) ConsumeRequests(ctx context.Context) error {
	var signingServiceRequestID uint64
	for {
		var item RequestQueueItem
		select {
		case item = <-r.requestQueue:
		case <-ctx.Done():
			return nil
		}

		if !r.pool.Contains(item.ConnectionID) {
			log.WithField("connectionID", item.ConnectionID).Info("no matching queue for connection, dropping request")
			continue
		}

		if r.upstreamDown.Load() {
			// Upstream is gone: refuse new work, surfacing an error payload
			// to the originating connection.
			r.pushError(item.ConnectionID, item.ConcentRequestID, "signing service is unavailable")
			continue
		}

		signingServiceRequestID = (signingServiceRequestID + 1) % r.cfg.ConnectionCounterLimit
		r.tracker.Add(signingServiceRequestID, MessageTrackerItem{
			ConcentRequestID: item.ConcentRequestID,
			ConnectionID:     item.ConnectionID,
			Payload:          item.Payload,
			EnqueuedAt:       time.Now(),
		})

		var err = protocol.SendFrame(r.upstream, &protocol.GolemMessageFrame{
			ID:      signingServiceRequestID,
			Payload: item.Payload,
		}, r.cfg.ConcentPrivateKey)
		if err != nil {
			r.tracker.Remove(signingServiceRequestID)
			r.upstreamDown.Store(true)
			log.WithField("err", err).Warn("sending to signing service failed")
			r.pushError(item.ConnectionID, item.ConcentRequestID, "signing service is unavailable")
			continue
		}

		log.WithFields(log.Fields{
			"connectionID":            item.ConnectionID,
			"concentRequestID":        item.ConcentRequestID,
			"signingServiceRequestID": signingServiceRequestID,
		}).Debug("request forwarded to signing service")
	}
}

// ProduceResponses is the single response producer: it reads frames from the
// Signing Service, matches them to tracker entries, discards entries the
// service has abandoned, and hands matched responses to the originating
// connection's queue. Loss of the upstream connection fails every in-flight
// request and terminates the relay.
func (r *Relay) ProduceResponses(ctx context.Context) error {
	for {
		var frame, err = protocol.ReceiveFrame(r.upstreamReader, r.cfg.SigningServicePublicKey)
		if err != nil {
			if protocol.IsIterationEndingError(err) {
				invalidFramesCounter.WithLabelValues("signing-service").Inc()
				log.WithFields(log.Fields{
					"err":  err,
					"code": protocol.ErrorCodeFor(err),
				}).Info("received invalid frame from signing service")
				continue
			}

			r.upstreamDown.Store(true)
			r.failInFlight()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("signing service connection lost: %w", err)
		}

		var requestID = frame.RequestID()
		var item, tracked = r.tracker.Get(requestID)
		if !tracked {
			log.WithField("signingServiceRequestID", requestID).Info("no tracker entry for response, skipping")
			continue
		}

		var queue, alive = r.pool.Get(item.ConnectionID)
		if !alive {
			log.WithFields(log.Fields{
				"connectionID":            item.ConnectionID,
				"signingServiceRequestID": requestID,
			}).Info("response queue no longer exists, discarding response")
			r.tracker.Remove(requestID)
			continue
		}

		for _, dropped := range r.tracker.DiscardOlderThan(requestID) {
			droppedTrackerEntriesCounter.Inc()
			log.WithFields(log.Fields{
				"signingServiceRequestID": dropped.SigningServiceRequestID,
				"connectionID":            dropped.Item.ConnectionID,
				"concentRequestID":        dropped.Item.ConcentRequestID,
				"enqueuedAt":              dropped.Item.EnqueuedAt,
			}).Info("dropped message abandoned by signing service")
		}

		queue.Push(ResponseQueueItem{
			Frame:      responseFrame(frame, item.ConcentRequestID),
			EnqueuedAt: time.Now(),
		})
		r.tracker.Remove(requestID)
	}
}

// responseFrame rewrites an upstream frame to carry the originating Concent
// request id.
func responseFrame(frame protocol.Frame, concentRequestID uint64) protocol.Frame {
	switch f := frame.(type) {
	case *protocol.GolemMessageFrame:
		return &protocol.GolemMessageFrame{ID: concentRequestID, Payload: f.Payload}
	case *protocol.ErrorFrame:
		return &protocol.ErrorFrame{ID: concentRequestID, Code: f.Code, Message: f.Message}
	default:
		return &protocol.ErrorFrame{
			ID:      concentRequestID,
			Code:    protocol.CodeInvalidPayload,
			Message: fmt.Sprintf("unexpected payload type %d from signing service", frame.Type()),
		}
	}
}

// failInFlight fails every tracked request back to its originating
// connection after the upstream connection is lost.
func (r *Relay) failInFlight() {
	for _, tracked := range r.tracker.RemoveAll() {
		failedInFlightCounter.Inc()
		if queue, ok := r.pool.Get(tracked.Item.ConnectionID); ok {
			queue.Push(ResponseQueueItem{
				Frame: &protocol.ErrorFrame{
					ID:      tracked.Item.ConcentRequestID,
					Code:    protocol.CodeUnknown,
					Message: "signing service disconnected",
				},
				EnqueuedAt: time.Now(),
			})
		}
		log.WithFields(log.Fields{
			"signingServiceRequestID": tracked.SigningServiceRequestID,
			"connectionID":            tracked.Item.ConnectionID,
			"concentRequestID":        tracked.Item.ConcentRequestID,
		}).Warn("in-flight request failed: signing service disconnected")
	}
}

func (r *Relay) pushError(connectionID, concentRequestID uint64, message string) {
	if queue, ok := r.pool.Get(connectionID); ok {
		queue.Push(ResponseQueueItem{
			Frame: &protocol.ErrorFrame{
				ID:      concentRequestID,
				Code:    protocol.CodeUnknown,
				Message: message,
			},
			EnqueuedAt: time.Now(),
		})
	}
}
