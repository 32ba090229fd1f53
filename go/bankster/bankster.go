// Package bankster manages deposit claims: admission of new claims against
// client deposits, payout of admitted claims through the chain oracle, and
// settlement of overdue acceptances.
package bankster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/golemfactory/concent/go/messages"
	"github.com/golemfactory/concent/go/sci"
	"github.com/golemfactory/concent/go/store"
)

// ErrTooSmallProviderDeposit reports that the provider's deposit cannot
// cover the additional verification cost. Any claim created in the same
// operation is rolled back.
var ErrTooSmallProviderDeposit = errors.New("bankster: provider deposit too small for additional verification")

// ErrAcceptanceTimestampMismatch reports an acceptance whose payment
// timestamp is inconsistent with the payments the oracle reports for its
// window: the accepted amount was already paid by a batch transfer.
var ErrAcceptanceTimestampMismatch = errors.New("bankster: acceptance timestamp inconsistent with reported payments")

// Config holds Bankster's payment parameters.
type Config struct {
	// AdditionalVerificationCost in wei charged to the provider's deposit
	// when it requests additional verification. Zero disables the provider
	// claim.
	AdditionalVerificationCost *big.Int
	// ConcentEthereumAddress receives the additional verification cost.
	ConcentEthereumAddress common.Address
}

// Bankster runs claim admission and payout over the control store and the
// chain oracle. It assumes a single writer per subtask id (the arbitration
// layer's responsibility) but tolerates concurrent writers across subtasks.
type Bankster struct {
	cfg     Config
	control *store.ControlStore
	service *sci.Service
	monitor *sci.ConfirmationMonitor
}

// New builds a Bankster. A confirmation monitor is wired so that a claim is
// discarded once its paying transaction confirms on chain.
func New(cfg Config, control *store.ControlStore, service *sci.Service) *Bankster {
	if cfg.AdditionalVerificationCost == nil {
		cfg.AdditionalVerificationCost = new(big.Int)
	}
	var b = &Bankster{cfg: cfg, control: control, service: service}
	b.monitor = sci.NewConfirmationMonitor(service, b.onTransactionConfirmed)
	return b
}

// ClaimDepositParams identifies the parties and cost of a use case.
type ClaimDepositParams struct {
	SubtaskID                string
	UseCase                  store.UseCase
	RequestorEthereumAddress common.Address
	ProviderEthereumAddress  common.Address
	SubtaskCost              *big.Int
	RequestorPublicKey       []byte
	ProviderPublicKey        []byte
}

func (p *ClaimDepositParams) validate() error {
	if p.UseCase != store.UseCaseForcedAcceptance && p.UseCase != store.UseCaseAdditionalVerification {
		return fmt.Errorf("claim_deposit does not admit use case %s", p.UseCase)
	}
	if _, err := uuid.Parse(p.SubtaskID); err != nil {
		return fmt.Errorf("subtask id %q is not a valid UUID: %w", p.SubtaskID, err)
	}
	if p.RequestorEthereumAddress == p.ProviderEthereumAddress {
		return fmt.Errorf("requestor and provider addresses must differ")
	}
	if p.SubtaskCost == nil || p.SubtaskCost.Sign() <= 0 {
		return fmt.Errorf("subtask cost must be positive, got %v", p.SubtaskCost)
	}
	if err := messages.ValidateRawPublicKey(p.RequestorPublicKey); err != nil {
		return fmt.Errorf("requestor public key: %w", err)
	}
	if err := messages.ValidateRawPublicKey(p.ProviderPublicKey); err != nil {
		return fmt.Errorf("provider public key: %w", err)
	}
	return nil
}

// ClaimDeposit checks that the parties of a use case have enough deposit to
// cover its costs in the pessimistic scenario, and records claims against
// those deposits. It returns (nil, nil, nil) when the requestor's deposit
// cannot admit a new claim; that is a service refusal, not an error. It
// fails with ErrTooSmallProviderDeposit, inserting nothing, when a provider
// claim is needed but not covered.
func (b *Bankster) ClaimDeposit(ctx context.Context, params ClaimDepositParams) (requestorClaim, providerClaim *store.DepositClaim, err error) {
	if err = params.validate(); err != nil {
		return nil, nil, err
	}

	// The provider pays for additional verification only when a cost is
	// configured.
	var claimAgainstProvider = params.UseCase == store.UseCaseAdditionalVerification &&
		b.cfg.AdditionalVerificationCost.Sign() > 0

	// First transaction: make sure Clients and DepositAccounts exist for
	// every party that may become a payer.
	var requestorAccount, providerAccount *store.DepositAccount
	err = b.control.WithTx(ctx, func(tx *sql.Tx) error {
		var client, err = store.GetOrCreateClient(ctx, tx, params.RequestorPublicKey)
		if err != nil {
			return err
		}
		if requestorAccount, err = store.GetOrCreateDepositAccount(ctx, tx, client.ID, params.RequestorEthereumAddress); err != nil {
			return err
		}
		if !claimAgainstProvider {
			return nil
		}
		if client, err = store.GetOrCreateClient(ctx, tx, params.ProviderPublicKey); err != nil {
			return err
		}
		providerAccount, err = store.GetOrCreateDepositAccount(ctx, tx, client.ID, params.ProviderEthereumAddress)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	// Oracle reads happen outside any store transaction.
	var requestorDeposit, providerDeposit *big.Int
	if requestorDeposit, err = b.service.GetDepositValue(ctx, params.RequestorEthereumAddress); err != nil {
		return nil, nil, fmt.Errorf("fetching requestor deposit: %w", err)
	}
	if claimAgainstProvider {
		if providerDeposit, err = b.service.GetDepositValue(ctx, params.ProviderEthereumAddress); err != nil {
			return nil, nil, fmt.Errorf("fetching provider deposit: %w", err)
		}
	}

	// Second transaction: admission decision and claim rows. Admission is
	// pessimistic: the full current deposit must strictly exceed the sum of
	// all prior claims.
	var refused bool
	err = b.control.WithTx(ctx, func(tx *sql.Tx) error {
		var requestorClaimSum, err = store.SumClaimsAgainst(ctx, tx, requestorAccount.ID, 0)
		if err != nil {
			return err
		}
		if requestorDeposit.Cmp(requestorClaimSum) <= 0 {
			refused = true
			return nil
		}

		requestorClaim = &store.DepositClaim{
			PayerDepositAccountID: requestorAccount.ID,
			PayeeEthereumAddress:  params.ProviderEthereumAddress,
			SubtaskID:             params.SubtaskID,
			UseCase:               params.UseCase,
			Amount:                new(big.Int).Set(params.SubtaskCost),
		}
		if err = store.CreateDepositClaim(ctx, tx, requestorClaim); err != nil {
			return err
		}
		if !claimAgainstProvider {
			return nil
		}

		providerClaimSum, err := store.SumClaimsAgainst(ctx, tx, providerAccount.ID, 0)
		if err != nil {
			return err
		}
		var needed = new(big.Int).Add(providerClaimSum, b.cfg.AdditionalVerificationCost)
		if providerDeposit.Cmp(needed) <= 0 {
			// Rolls back the requestor claim created above.
			return ErrTooSmallProviderDeposit
		}

		providerClaim = &store.DepositClaim{
			PayerDepositAccountID: providerAccount.ID,
			PayeeEthereumAddress:  b.cfg.ConcentEthereumAddress,
			SubtaskID:             params.SubtaskID,
			UseCase:               params.UseCase,
			Amount:                new(big.Int).Set(b.cfg.AdditionalVerificationCost),
		}
		return store.CreateDepositClaim(ctx, tx, providerClaim)
	})
	if err != nil {
		return nil, nil, err
	}
	if refused {
		log.WithFields(log.Fields{
			"subtaskID": params.SubtaskID,
			"useCase":   params.UseCase.String(),
			"requestor": params.RequestorEthereumAddress.Hex(),
		}).Info("claim refused: requestor deposit does not exceed existing claims")
		return nil, nil, nil
	}
	return requestorClaim, providerClaim, nil
}

// FinalizePayment pays out an admitted claim: it clamps the claim to the
// funds actually available, submits the paying transaction through the
// oracle, records its hash, and registers a confirmation command that
// discards the claim once the transaction confirms. It returns the empty
// string, deleting the claim, when no funds remain.
func (b *Bankster) FinalizePayment(ctx context.Context, claimID int64) (string, error) {
	var claim, err = store.GetDepositClaim(ctx, b.control.DB(), claimID)
	if err != nil {
		return "", err
	}
	if claim.TxHash != "" {
		return "", fmt.Errorf("claim %d already has transaction hash %s", claimID, claim.TxHash)
	}
	payerAccount, err := store.GetDepositAccount(ctx, b.control.DB(), claim.PayerDepositAccountID)
	if err != nil {
		return "", err
	}

	var availableFunds *big.Int
	if availableFunds, err = b.service.GetDepositValue(ctx, payerAccount.EthereumAddress); err != nil {
		return "", fmt.Errorf("fetching payer deposit: %w", err)
	}

	// Decide deletion or clamping under the store lock; the oracle call
	// happens after the lock is released.
	var deleted bool
	err = b.control.WithTx(ctx, func(tx *sql.Tx) error {
		var otherClaimSum, err = store.SumClaimsAgainst(ctx, tx, payerAccount.ID, claim.ID)
		if err != nil {
			return err
		}
		var available = new(big.Int).Sub(availableFunds, otherClaimSum)

		if available.Sign() <= 0 {
			deleted = true
			return store.DeleteDepositClaim(ctx, tx, claim.ID)
		}
		if available.Cmp(claim.Amount) < 0 {
			claim.Amount = available
			return store.UpdateDepositClaimAmount(ctx, tx, claim.ID, available)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if deleted {
		log.WithFields(log.Fields{
			"claimID": claim.ID,
			"payer":   payerAccount.EthereumAddress.Hex(),
		}).Info("claim deleted: no funds remain in payer deposit")
		return "", nil
	}

	txHash, err := b.submitClaimPayment(ctx, claim, payerAccount)
	if err != nil {
		return "", err
	}
	txHash = sci.AdjustTransactionHash(txHash)

	err = b.control.WithTx(ctx, func(tx *sql.Tx) error {
		return store.SetDepositClaimTransactionHash(ctx, tx, claim.ID, txHash)
	})
	if err != nil {
		return "", err
	}

	b.monitor.Register(txHash, claim.ID)
	return txHash, nil
}

// submitClaimPayment dispatches an admitted claim to the oracle call that
// pays it, returning the raw transaction hash.
func (b *Bankster) submitClaimPayment(ctx context.Context, claim *store.DepositClaim, payer *store.DepositAccount) (string, error) {
	switch claim.UseCase {
	case store.UseCaseForcedAcceptance:
		return b.service.ForceSubtaskPayment(ctx,
			payer.EthereumAddress, claim.PayeeEthereumAddress, claim.Amount, claim.SubtaskID)

	case store.UseCaseAdditionalVerification:
		var subtask, err = store.GetSubtask(ctx, b.control.DB(), claim.SubtaskID)
		if err != nil {
			return "", err
		}
		signed, err := messages.Decode(subtask.TaskToCompute)
		if err != nil {
			return "", fmt.Errorf("decoding subtask %q TaskToCompute: %w", claim.SubtaskID, err)
		}
		ttc, ok := signed.Payload.(*messages.TaskToCompute)
		if !ok {
			return "", fmt.Errorf("subtask %q TaskToCompute column holds a %T", claim.SubtaskID, signed.Payload)
		}

		switch payer.EthereumAddress {
		case ttc.RequestorEthereumAddress:
			return b.service.ForceSubtaskPayment(ctx,
				payer.EthereumAddress, claim.PayeeEthereumAddress, claim.Amount, claim.SubtaskID)
		case ttc.ProviderEthereumAddress:
			return b.service.CoverAdditionalVerificationCost(ctx,
				payer.EthereumAddress, claim.Amount, claim.SubtaskID)
		default:
			panic(fmt.Sprintf("claim %d payer %s is neither requestor nor provider of subtask %q",
				claim.ID, payer.EthereumAddress.Hex(), claim.SubtaskID))
		}

	default:
		panic(fmt.Sprintf("claim %d has unexpected use case %s", claim.ID, claim.UseCase))
	}
}

// DiscardClaim removes a paid claim, freeing the funds it locked. A claim
// without a transaction hash is left in place and reported as not removed.
func (b *Bankster) DiscardClaim(ctx context.Context, claimID int64) (removed bool, err error) {
	err = b.control.WithTx(ctx, func(tx *sql.Tx) error {
		var claim, err = store.GetDepositClaim(ctx, tx, claimID)
		if err != nil {
			return err
		}
		// The payer account must still exist; a vanished account means the
		// ledger is corrupt and this worker must not continue.
		if _, err = store.GetDepositAccount(ctx, tx, claim.PayerDepositAccountID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				panic(fmt.Sprintf("claim %d references vanished payer account %d",
					claimID, claim.PayerDepositAccountID))
			}
			return fmt.Errorf("payer account of claim %d: %w", claimID, err)
		}
		if claim.TxHash == "" {
			return nil
		}
		removed = true
		return store.DeleteDepositClaim(ctx, tx, claimID)
	})
	return removed, err
}

// onTransactionConfirmed is the confirmation command handler: it looks the
// claim up fresh and discards it.
func (b *Bankster) onTransactionConfirmed(txHash string, claimID int64) {
	var removed, err = b.DiscardClaim(context.Background(), claimID)
	if err != nil {
		log.WithFields(log.Fields{
			"txHash":  txHash,
			"claimID": claimID,
			"err":     err,
		}).Error("failed to discard claim of confirmed transaction")
		return
	}
	log.WithFields(log.Fields{
		"txHash":  txHash,
		"claimID": claimID,
		"removed": removed,
	}).Info("transaction confirmed")
}
