// Package scitest provides a scriptable in-memory oracle backend for tests.
package scitest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/golemfactory/concent/go/sci"
)

// Call records one mutating oracle call.
type Call struct {
	Method      string
	From, To    common.Address
	Value       *big.Int
	SubtaskID   string
	ClosureTime uint64
}

// Backend is a fake sci.Backend. Script deposits and past payments, then
// inspect Calls. Transactions get hashes "0x1", "0x2", ... in submission
// order; fire registered confirmation callbacks with Confirm.
type Backend struct {
	mu sync.Mutex

	Deposits       map[common.Address]*big.Int
	BatchTransfers []sci.Payment
	ForcedPayments []sci.Payment
	BlockNumber    uint64

	// OnGetForcedPayments, when set, runs before each GetForcedPayments
	// call. Tests use it to interleave work with an in-progress read of the
	// payment history.
	OnGetForcedPayments func()

	Calls         []Call
	nextTxHash    int
	confirmations map[string][]func()
}

// NewBackend returns an empty fake backend.
func NewBackend() *Backend {
	return &Backend{
		Deposits:      make(map[common.Address]*big.Int),
		confirmations: make(map[string][]func()),
	}
}

func (b *Backend) GetDepositValue(_ context.Context, client common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if deposit, ok := b.Deposits[client]; ok {
		return new(big.Int).Set(deposit), nil
	}
	return new(big.Int), nil
}

func (b *Backend) GetBlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.BlockNumber, nil
}

func (b *Backend) GetBatchTransfers(_ context.Context, _, _ common.Address, _, _ uint64) ([]sci.Payment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sci.Payment(nil), b.BatchTransfers...), nil
}

func (b *Backend) GetForcedPayments(_ context.Context, _, _ common.Address, _, _ uint64) ([]sci.Payment, error) {
	if b.OnGetForcedPayments != nil {
		b.OnGetForcedPayments()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sci.Payment(nil), b.ForcedPayments...), nil
}

func (b *Backend) ForceSubtaskPayment(_ context.Context, requestor, provider common.Address, value *big.Int, subtaskID string) (string, error) {
	return b.record(Call{
		Method: "ForceSubtaskPayment", From: requestor, To: provider,
		Value: new(big.Int).Set(value), SubtaskID: subtaskID,
	})
}

func (b *Backend) CoverAdditionalVerificationCost(_ context.Context, provider common.Address, value *big.Int, subtaskID string) (string, error) {
	return b.record(Call{
		Method: "CoverAdditionalVerificationCost", From: provider,
		Value: new(big.Int).Set(value), SubtaskID: subtaskID,
	})
}

func (b *Backend) ForcePayment(_ context.Context, requestor, provider common.Address, value *big.Int, closureTime uint64) (string, error) {
	return b.record(Call{
		Method: "ForcePayment", From: requestor, To: provider,
		Value: new(big.Int).Set(value), ClosureTime: closureTime,
	})
}

func (b *Backend) record(call Call) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, call)
	b.nextTxHash++
	return fmt.Sprintf("0x%x", b.nextTxHash), nil
}

func (b *Backend) CallOnConfirmedTransaction(txHash string, callback func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmations[txHash] = append(b.confirmations[txHash], callback)
}

// Confirm fires all callbacks registered for a transaction, synchronously.
func (b *Backend) Confirm(txHash string) {
	b.mu.Lock()
	var callbacks = b.confirmations[txHash]
	delete(b.confirmations, txHash)
	b.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
}

// PendingConfirmations returns the hashes with unfired callbacks.
func (b *Backend) PendingConfirmations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var hashes []string
	for hash := range b.confirmations {
		hashes = append(hashes, hash)
	}
	return hashes
}
