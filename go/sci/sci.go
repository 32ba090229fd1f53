// Package sci talks to the Smart Contract Interface: the on-chain oracle
// holding client deposits, out of which Concent forces payments.
package sci

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionType selects which class of past payments to query.
type TransactionType int

const (
	// TransactionBatch selects regular batch transfers from requestor to
	// provider.
	TransactionBatch TransactionType = iota + 1
	// TransactionForce selects payments forced out of a deposit by Concent.
	TransactionForce
)

// Payment is one past payment reported by the oracle.
type Payment struct {
	Amount          *big.Int
	ClosureTime     uint64
	TransactionHash string
}

// Backend is the raw oracle surface. All amounts are in wei.
type Backend interface {
	GetDepositValue(ctx context.Context, client common.Address) (*big.Int, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetBatchTransfers(ctx context.Context, payer, payee common.Address, fromBlock, toBlock uint64) ([]Payment, error)
	GetForcedPayments(ctx context.Context, requestor, provider common.Address, fromBlock, toBlock uint64) ([]Payment, error)
	ForceSubtaskPayment(ctx context.Context, requestor, provider common.Address, value *big.Int, subtaskID string) (string, error)
	CoverAdditionalVerificationCost(ctx context.Context, provider common.Address, value *big.Int, subtaskID string) (string, error)
	ForcePayment(ctx context.Context, requestor, provider common.Address, value *big.Int, closureTime uint64) (string, error)
	// CallOnConfirmedTransaction invokes callback once the transaction is
	// confirmed on chain. The callback runs on a backend-owned goroutine.
	CallOnConfirmedTransaction(txHash string, callback func())
}

// NewBackend constructs a backend by configured name.
func NewBackend(ctx context.Context, name string, cfg EthereumConfig) (Backend, error) {
	switch name {
	case "ethereum":
		return NewEthereumBackend(ctx, cfg)
	case "disabled":
		return disabledBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown payments backend %q", name)
	}
}

// AdjustTransactionHash normalizes an oracle-returned hash to the canonical
// 0x-prefixed, 64-nibble, left-zero-padded form.
func AdjustTransactionHash(hash string) string {
	hash = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(hash, "0x"), "0X"))
	if len(hash) < 64 {
		hash = strings.Repeat("0", 64-len(hash)) + hash
	}
	return "0x" + hash
}

// disabledBackend refuses every operation. It lets a deployment run the
// relay without a chain connection.
type disabledBackend struct{}

var errPaymentsDisabled = fmt.Errorf("sci: payments backend is disabled")

func (disabledBackend) GetDepositValue(context.Context, common.Address) (*big.Int, error) {
	return nil, errPaymentsDisabled
}
func (disabledBackend) GetBlockNumber(context.Context) (uint64, error) {
	return 0, errPaymentsDisabled
}
func (disabledBackend) GetBatchTransfers(context.Context, common.Address, common.Address, uint64, uint64) ([]Payment, error) {
	return nil, errPaymentsDisabled
}
func (disabledBackend) GetForcedPayments(context.Context, common.Address, common.Address, uint64, uint64) ([]Payment, error) {
	return nil, errPaymentsDisabled
}
func (disabledBackend) ForceSubtaskPayment(context.Context, common.Address, common.Address, *big.Int, string) (string, error) {
	return "", errPaymentsDisabled
}
func (disabledBackend) CoverAdditionalVerificationCost(context.Context, common.Address, *big.Int, string) (string, error) {
	return "", errPaymentsDisabled
}
func (disabledBackend) ForcePayment(context.Context, common.Address, common.Address, *big.Int, uint64) (string, error) {
	return "", errPaymentsDisabled
}
func (disabledBackend) CallOnConfirmedTransaction(string, func()) {}
