package middleman

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/task"

	"github.com/golemfactory/concent/go/messages"
	protocol "github.com/golemfactory/concent/go/protocols/middleman"
)

type relayFixture struct {
	relay      *Relay
	concentKey *ecdsa.PrivateKey
	serviceKey *ecdsa.PrivateKey
	// Signing Service side of the upstream pipe.
	service       net.Conn
	serviceReader *bufio.Reader
}

func newRelayFixture(t *testing.T) *relayFixture {
	var concentKey, err = crypto.GenerateKey()
	require.NoError(t, err)
	serviceKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	var relaySide, serviceSide = net.Pipe()
	relay, err := NewRelay(Config{
		ConcentPrivateKey:       concentKey,
		ConcentPublicKey:        messages.RawPublicKey(&concentKey.PublicKey),
		SigningServicePublicKey: messages.RawPublicKey(&serviceKey.PublicKey),
		ConnectionCounterLimit:  1 << 16,
		RequestQueueSize:        8,
		ResponseQueueSize:       8,
	}, relaySide)
	require.NoError(t, err)

	return &relayFixture{
		relay:         relay,
		concentKey:    concentKey,
		serviceKey:    serviceKey,
		service:       serviceSide,
		serviceReader: bufio.NewReader(serviceSide),
	}
}

func (f *relayFixture) golemPayload(t *testing.T) []byte {
	var raw, err = messages.Encode(&messages.Ping{}, uint64(time.Now().Unix()), f.concentKey)
	require.NoError(t, err)
	return raw
}

// serviceReceive reads one frame on the Signing Service side.
func (f *relayFixture) serviceReceive(t *testing.T) protocol.Frame {
	var frame, err = protocol.ReceiveFrame(f.serviceReader, messages.RawPublicKey(&f.concentKey.PublicKey))
	require.NoError(t, err)
	return frame
}

func (f *relayFixture) serviceSend(t *testing.T, frame protocol.Frame) {
	require.NoError(t, protocol.SendFrame(f.service, frame, f.serviceKey))
}

func TestAllocateConnectionSkipsLiveIDsAfterWrap(t *testing.T) {
	var r = &Relay{
		cfg:  Config{ConnectionCounterLimit: 4},
		pool: NewQueuePool(1),
	}

	var id, _ = r.allocateConnection()
	require.Equal(t, uint64(1), id)
	id, _ = r.allocateConnection()
	require.Equal(t, uint64(2), id)

	// Connection 2 finishes, connection 1 lives on. After the counter
	// wraps, id 1 is skipped rather than paired with a second connection.
	r.pool.Unregister(2)
	id, _ = r.allocateConnection()
	require.Equal(t, uint64(3), id)
	id, _ = r.allocateConnection()
	require.Equal(t, uint64(0), id)
	id, queue := r.allocateConnection()
	require.Equal(t, uint64(2), id)
	require.NotNil(t, queue)
	require.Equal(t, 4, r.pool.Len())
}

func TestRelayOutOfOrderResponses(t *testing.T) {
	var f = newRelayFixture(t)

	var listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var tasks = task.NewGroup(context.Background())
	f.relay.QueueTasks(tasks, listener)
	tasks.GoRun()

	// A front-end connection submits two requests.
	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	var connReader = bufio.NewReader(conn)

	var payload = f.golemPayload(t)
	require.NoError(t, protocol.SendFrame(conn, &protocol.GolemMessageFrame{ID: 101, Payload: payload}, f.concentKey))
	require.NoError(t, protocol.SendFrame(conn, &protocol.GolemMessageFrame{ID: 102, Payload: payload}, f.concentKey))

	// The relay forwards them with fresh, increasing signing-service ids.
	var first = f.serviceReceive(t).(*protocol.GolemMessageFrame)
	var second = f.serviceReceive(t).(*protocol.GolemMessageFrame)
	require.Equal(t, uint64(1), first.ID)
	require.Equal(t, uint64(2), second.ID)
	require.Equal(t, payload, first.Payload)

	// The service answers the second request first; the first is abandoned.
	f.serviceSend(t, &protocol.GolemMessageFrame{ID: second.ID, Payload: second.Payload})

	response, err := protocol.ReceiveFrame(connReader, messages.RawPublicKey(&f.concentKey.PublicKey))
	require.NoError(t, err)
	require.Equal(t, uint64(102), response.RequestID())
	require.IsType(t, &protocol.GolemMessageFrame{}, response)

	// Both tracker entries are gone: id 1 discarded as lost, id 2 matched.
	require.Eventually(t, func() bool { return f.relay.Tracker().Len() == 0 },
		5*time.Second, 10*time.Millisecond)

	tasks.Cancel()
	require.NoError(t, tasks.Wait())
}

func TestRelayAnswersInvalidFrameWithErrorFrame(t *testing.T) {
	var f = newRelayFixture(t)

	var listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var tasks = task.NewGroup(context.Background())
	f.relay.QueueTasks(tasks, listener)
	tasks.GoRun()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Broken escaping: dangling escape byte before the separator.
	_, err = conn.Write([]byte{0x01, protocol.EscapeByte, protocol.FrameSeparator})
	require.NoError(t, err)

	response, err := protocol.ReceiveFrame(bufio.NewReader(conn), messages.RawPublicKey(&f.concentKey.PublicKey))
	require.NoError(t, err)

	var errorFrame = response.(*protocol.ErrorFrame)
	require.Equal(t, protocol.RequestIDForInvalidFrameResponse, errorFrame.ID)
	require.Equal(t, protocol.CodeBrokenEscaping, errorFrame.Code)

	tasks.Cancel()
	require.NoError(t, tasks.Wait())
}

func TestRelayDropsRequestOfVanishedConnection(t *testing.T) {
	var f = newRelayFixture(t)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.relay.ConsumeRequests(ctx) }()

	// Connection 42 was never registered in the pool.
	f.relay.requestQueue <- RequestQueueItem{
		ConnectionID:     42,
		ConcentRequestID: 7,
		Payload:          f.golemPayload(t),
		EnqueuedAt:       time.Now(),
	}

	// Nothing reaches the signing service, and nothing is tracked.
	var got = make(chan struct{}, 1)
	go func() {
		if _, err := f.serviceReader.ReadByte(); err == nil {
			got <- struct{}{}
		}
	}()
	select {
	case <-got:
		t.Fatal("request for vanished connection was forwarded upstream")
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, 0, f.relay.Tracker().Len())
}

func TestRelayUpstreamDisconnectFailsInFlightRequests(t *testing.T) {
	var f = newRelayFixture(t)

	var queue = f.relay.Pool().Register(5)
	f.relay.Tracker().Add(1, MessageTrackerItem{
		ConcentRequestID: 77,
		ConnectionID:     5,
		Payload:          []byte{0x01},
		EnqueuedAt:       time.Now(),
	})

	var result = make(chan error, 1)
	go func() { result <- f.relay.ProduceResponses(context.Background()) }()

	require.NoError(t, f.service.Close())

	select {
	case err := <-result:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("response producer did not exit on upstream close")
	}

	// The in-flight request was failed back to its originator.
	var item, ok = queue.Pop(context.Background())
	require.True(t, ok)
	var errorFrame = item.Frame.(*protocol.ErrorFrame)
	require.Equal(t, uint64(77), errorFrame.ID)
	require.Equal(t, protocol.CodeUnknown, errorFrame.Code)
	require.Equal(t, 0, f.relay.Tracker().Len())

	// New work is refused with an error payload to the originator.
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.relay.ConsumeRequests(ctx) }()

	f.relay.requestQueue <- RequestQueueItem{
		ConnectionID:     5,
		ConcentRequestID: 78,
		Payload:          []byte{0x01},
		EnqueuedAt:       time.Now(),
	}
	item, ok = queue.Pop(context.Background())
	require.True(t, ok)
	errorFrame = item.Frame.(*protocol.ErrorFrame)
	require.Equal(t, uint64(78), errorFrame.ID)
	require.Equal(t, protocol.CodeUnknown, errorFrame.Code)
}

func TestRelayAuthenticateUpstream(t *testing.T) {
	var f = newRelayFixture(t)

	var done = make(chan error, 1)
	go func() { done <- f.relay.AuthenticateUpstream() }()

	var frame = f.serviceReceive(t)
	var challenge = frame.(*protocol.AuthenticationChallengeFrame)
	require.Len(t, challenge.Challenge, 32)

	var signature, err = messages.SignDigest(crypto.Keccak256(challenge.Challenge), f.serviceKey)
	require.NoError(t, err)
	f.serviceSend(t, &protocol.AuthenticationResponseFrame{ID: challenge.ID, Signature: signature})

	require.NoError(t, <-done)
}

func TestRelayAuthenticateUpstreamRejectsWrongKey(t *testing.T) {
	var f = newRelayFixture(t)

	var done = make(chan error, 1)
	go func() { done <- f.relay.AuthenticateUpstream() }()

	var frame = f.serviceReceive(t)
	var challenge = frame.(*protocol.AuthenticationChallengeFrame)

	// Signed by the wrong key: the frame still verifies as the service's,
	// but the challenge signature is the impostor's.
	var impostor, err = crypto.GenerateKey()
	require.NoError(t, err)
	signature, err := messages.SignDigest(crypto.Keccak256(challenge.Challenge), impostor)
	require.NoError(t, err)
	f.serviceSend(t, &protocol.AuthenticationResponseFrame{ID: challenge.ID, Signature: signature})

	require.Error(t, <-done)
}
