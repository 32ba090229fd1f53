// Package messages defines the Golem business messages that Concent
// arbitrates over, together with their canonical RLP encoding and the ECDSA
// envelope in which they travel.
package messages

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Kind identifies a message type on the wire.
type Kind uint16

const (
	KindPing                   Kind = 1
	KindTaskToCompute          Kind = 2
	KindReportComputedTask     Kind = 3
	KindSubtaskResultsAccepted Kind = 4
	KindSubtaskResultsRejected Kind = 5
)

// Message is one typed Golem message body.
type Message interface {
	Kind() Kind
}

// Ping is an empty liveness message.
type Ping struct{}

func (*Ping) Kind() Kind { return KindPing }

// TaskToCompute is the canonical description of one subtask: who computes
// it, for whom, and at what price. Every other message of a use case embeds
// it, and all embedded copies must be identical.
type TaskToCompute struct {
	TaskID    string
	SubtaskID string
	Deadline  uint64

	// Price in wei for computing the subtask.
	Price *big.Int

	RequestorPublicKey []byte
	ProviderPublicKey  []byte

	RequestorEthereumAddress common.Address
	ProviderEthereumAddress  common.Address
}

func (*TaskToCompute) Kind() Kind { return KindTaskToCompute }

// ReportComputedTask is the provider's claim that a subtask was computed.
type ReportComputedTask struct {
	TaskToCompute *TaskToCompute
	ResultSize    uint64
}

func (*ReportComputedTask) Kind() Kind { return KindReportComputedTask }

// SubtaskResultsAccepted is the requestor's acceptance of computed results,
// obliging payment no later than PaymentTS.
type SubtaskResultsAccepted struct {
	PaymentTS     uint64
	TaskToCompute *TaskToCompute
}

func (*SubtaskResultsAccepted) Kind() Kind { return KindSubtaskResultsAccepted }

// SubtaskResultsRejected is the requestor's rejection of computed results.
type SubtaskResultsRejected struct {
	ReportComputedTask *ReportComputedTask
	Reason             uint64
}

func (*SubtaskResultsRejected) Kind() Kind { return KindSubtaskResultsRejected }

// newBody returns a zero value of the body type for a wire kind.
func newBody(kind Kind) (Message, bool) {
	switch kind {
	case KindPing:
		return &Ping{}, true
	case KindTaskToCompute:
		return &TaskToCompute{}, true
	case KindReportComputedTask:
		return &ReportComputedTask{}, true
	case KindSubtaskResultsAccepted:
		return &SubtaskResultsAccepted{}, true
	case KindSubtaskResultsRejected:
		return &SubtaskResultsRejected{}, true
	default:
		return nil, false
	}
}

// Equal reports whether two messages have identical canonical encodings.
func Equal(a, b Message) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	var rawA, errA = rlp.EncodeToBytes(a)
	var rawB, errB = rlp.EncodeToBytes(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}
