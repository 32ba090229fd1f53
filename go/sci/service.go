package sci

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// Service wraps a Backend with the conversions Concent needs: timestamp
// windows become block windows, and forced payments are clamped to the
// payer's actual balance.
type Service struct {
	backend Backend
	// averageBlockTime in seconds, used to estimate how many blocks ago a
	// timestamp falls.
	averageBlockTime uint64
}

// NewService wraps a backend. averageBlockTime is in seconds and must be
// positive.
func NewService(backend Backend, averageBlockTime uint64) (*Service, error) {
	if averageBlockTime == 0 {
		return nil, fmt.Errorf("average block time must be positive")
	}
	return &Service{backend: backend, averageBlockTime: averageBlockTime}, nil
}

// GetDepositValue returns a client's current deposit in wei.
func (s *Service) GetDepositValue(ctx context.Context, client common.Address) (*big.Int, error) {
	return s.backend.GetDepositValue(ctx, client)
}

// GetListOfPayments reports past payments of the given type between a
// requestor and a provider since paymentTS. The window [paymentTS, now] is
// converted to blocks by assuming the average block time: the window starts
// ceil((now − paymentTS) / averageBlockTime) blocks before the current head.
func (s *Service) GetListOfPayments(
	ctx context.Context,
	requestor, provider common.Address,
	paymentTS, currentTime uint64,
	txType TransactionType,
) ([]Payment, error) {
	if currentTime < paymentTS {
		return nil, fmt.Errorf("current time %d precedes payment timestamp %d", currentTime, paymentTS)
	}
	var head, err = s.backend.GetBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching block number: %w", err)
	}

	var blockDistance = (currentTime - paymentTS + s.averageBlockTime - 1) / s.averageBlockTime
	var fromBlock uint64
	if blockDistance < head {
		fromBlock = head - blockDistance
	}

	switch txType {
	case TransactionBatch:
		return s.backend.GetBatchTransfers(ctx, requestor, provider, fromBlock, head)
	case TransactionForce:
		return s.backend.GetForcedPayments(ctx, requestor, provider, fromBlock, head)
	default:
		return nil, fmt.Errorf("unknown transaction type %d", txType)
	}
}

// MakeForcePaymentToProvider forces a payment of |value| from the
// requestor's deposit to the provider, clamping to the requestor's current
// balance, and returns the transaction hash.
func (s *Service) MakeForcePaymentToProvider(
	ctx context.Context,
	requestor, provider common.Address,
	value *big.Int,
	paymentTS uint64,
) (string, error) {
	var balance, err = s.backend.GetDepositValue(ctx, requestor)
	if err != nil {
		return "", fmt.Errorf("fetching requestor balance: %w", err)
	}
	if balance.Cmp(value) < 0 {
		log.WithFields(log.Fields{
			"requestor": requestor.Hex(),
			"value":     value,
			"balance":   balance,
		}).Info("clamping forced payment to requestor balance")
		value = balance
	}
	return s.backend.ForcePayment(ctx, requestor, provider, value, paymentTS)
}

// ForceSubtaskPayment pays a provider for one subtask out of the
// requestor's deposit.
func (s *Service) ForceSubtaskPayment(ctx context.Context, requestor, provider common.Address, value *big.Int, subtaskID string) (string, error) {
	return s.backend.ForceSubtaskPayment(ctx, requestor, provider, value, subtaskID)
}

// CoverAdditionalVerificationCost pays Concent's verification cost out of
// the provider's deposit.
func (s *Service) CoverAdditionalVerificationCost(ctx context.Context, provider common.Address, value *big.Int, subtaskID string) (string, error) {
	return s.backend.CoverAdditionalVerificationCost(ctx, provider, value, subtaskID)
}

// CallOnConfirmedTransaction delegates to the backend.
func (s *Service) CallOnConfirmedTransaction(txHash string, callback func()) {
	s.backend.CallOnConfirmedTransaction(txHash, callback)
}

// ConfirmationMonitor dispatches a registered command when the backend
// reports a transaction confirmed. The command carries only identifiers;
// the handler is expected to look current state up fresh.
type ConfirmationMonitor struct {
	service *Service
	handler func(txHash string, claimID int64)
}

// NewConfirmationMonitor builds a monitor dispatching to handler.
func NewConfirmationMonitor(service *Service, handler func(txHash string, claimID int64)) *ConfirmationMonitor {
	return &ConfirmationMonitor{service: service, handler: handler}
}

// Register arranges for the handler to run with (txHash, claimID) once the
// transaction confirms.
func (m *ConfirmationMonitor) Register(txHash string, claimID int64) {
	m.service.CallOnConfirmedTransaction(txHash, func() {
		m.handler(txHash, claimID)
	})
}
