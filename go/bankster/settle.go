package bankster

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/golemfactory/concent/go/messages"
	"github.com/golemfactory/concent/go/sci"
	"github.com/golemfactory/concent/go/store"
)

// SettleOverdueParams carries one settlement request: acceptances the
// requestor signed but never paid. The caller has already established that
// the settlement is legitimate; Bankster only computes and executes it.
type SettleOverdueParams struct {
	RequestorEthereumAddress common.Address
	ProviderEthereumAddress  common.Address
	Acceptances              []*messages.SubtaskResultsAccepted
	RequestorPublicKey       []byte
	// CurrentTime is passed explicitly rather than read from a clock, so
	// the payment window is the caller's decision.
	CurrentTime uint64
}

func (p *SettleOverdueParams) validate() error {
	if p.RequestorEthereumAddress == p.ProviderEthereumAddress {
		return fmt.Errorf("requestor and provider addresses must differ")
	}
	if len(p.Acceptances) == 0 {
		return fmt.Errorf("settlement requires at least one acceptance")
	}
	if err := messages.ValidateRawPublicKey(p.RequestorPublicKey); err != nil {
		return fmt.Errorf("requestor public key: %w", err)
	}
	for i, acceptance := range p.Acceptances {
		if acceptance.TaskToCompute == nil {
			return fmt.Errorf("acceptance %d embeds no TaskToCompute", i)
		}
		if acceptance.TaskToCompute.Price == nil || acceptance.TaskToCompute.Price.Sign() < 0 {
			return fmt.Errorf("acceptance %d has invalid price", i)
		}
	}
	return nil
}

// SettleOverdueAcceptances computes what the requestor still owes the
// provider for the accepted subtasks, forces that amount out of the
// requestor's deposit, and records the payment as a FORCED_PAYMENT claim
// with its transaction hash already set. It returns nil without error when
// nothing can or need be paid.
func (b *Bankster) SettleOverdueAcceptances(ctx context.Context, params SettleOverdueParams) (*store.DepositClaim, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	var requestorAccount *store.DepositAccount
	var err = b.control.WithTx(ctx, func(tx *sql.Tx) error {
		var client, err = store.GetOrCreateClient(ctx, tx, params.RequestorPublicKey)
		if err != nil {
			return err
		}
		requestorAccount, err = store.GetOrCreateDepositAccount(ctx, tx, client.ID, params.RequestorEthereumAddress)
		return err
	})
	if err != nil {
		return nil, err
	}

	var deposit *big.Int
	if deposit, err = b.service.GetDepositValue(ctx, params.RequestorEthereumAddress); err != nil {
		return nil, fmt.Errorf("fetching requestor deposit: %w", err)
	}

	var existingClaimSum *big.Int
	err = b.control.WithTx(ctx, func(tx *sql.Tx) error {
		existingClaimSum, err = store.SumClaimsAgainst(ctx, tx, requestorAccount.ID, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	if deposit.Cmp(existingClaimSum) <= 0 {
		return nil, nil
	}

	// T0 is the oldest payment_ts across the acceptances: payments made
	// after it may cover them.
	var oldestPaymentTS, youngestPaymentTS = paymentTimestampBounds(params.Acceptances)

	batches, err := b.service.GetListOfPayments(ctx,
		params.RequestorEthereumAddress, params.ProviderEthereumAddress,
		oldestPaymentTS, params.CurrentTime, sci.TransactionBatch)
	if err != nil {
		return nil, fmt.Errorf("listing batch transfers: %w", err)
	}
	if err = validateAcceptanceTimestamps(batches, params.Acceptances); err != nil {
		return nil, err
	}
	forced, err := b.service.GetListOfPayments(ctx,
		params.RequestorEthereumAddress, params.ProviderEthereumAddress,
		oldestPaymentTS, params.CurrentTime, sci.TransactionForce)
	if err != nil {
		return nil, fmt.Errorf("listing forced payments: %w", err)
	}

	var amountPaid = new(big.Int).Add(sumPayments(batches), sumPayments(forced))
	var amountPending = new(big.Int).Sub(sumSubtaskPrices(params.Acceptances), amountPaid)
	if amountPending.Sign() <= 0 {
		return nil, nil
	}

	// Admit the settlement claim under the store lock, recomputing the claim
	// sum: claims admitted while the oracle was consulted shrink what is
	// still payable here. The payment itself happens after the lock is
	// released, against the amount the claim row reserves.
	var claim = &store.DepositClaim{
		PayerDepositAccountID: requestorAccount.ID,
		PayeeEthereumAddress:  params.ProviderEthereumAddress,
		UseCase:               store.UseCaseForcedPayment,
		ClosureTime:           int64(youngestPaymentTS),
	}
	var refused bool
	err = b.control.WithTx(ctx, func(tx *sql.Tx) error {
		var claimSum, err = store.SumClaimsAgainst(ctx, tx, requestorAccount.ID, 0)
		if err != nil {
			return err
		}
		var payable = new(big.Int).Sub(deposit, claimSum)
		if amountPending.Cmp(payable) < 0 {
			payable = amountPending
		}
		if payable.Sign() <= 0 {
			refused = true
			return nil
		}
		claim.Amount = payable
		return store.CreateDepositClaim(ctx, tx, claim)
	})
	if err != nil {
		return nil, err
	}
	if refused {
		return nil, nil
	}
	log.WithFields(log.Fields{
		"requestor": params.RequestorEthereumAddress.Hex(),
		"provider":  params.ProviderEthereumAddress.Hex(),
		"pending":   amountPending,
		"payable":   claim.Amount,
	}).Info("computed settlement amount")

	// T2, the youngest payment_ts, closes the settled period.
	txHash, err := b.service.MakeForcePaymentToProvider(ctx,
		params.RequestorEthereumAddress, params.ProviderEthereumAddress, claim.Amount, youngestPaymentTS)
	if err != nil {
		// The claim reserves funds for a payment that never went out.
		if deleteErr := b.control.WithTx(ctx, func(tx *sql.Tx) error {
			return store.DeleteDepositClaim(ctx, tx, claim.ID)
		}); deleteErr != nil {
			log.WithFields(log.Fields{
				"claimID": claim.ID,
				"err":     deleteErr,
			}).Error("failed to delete claim of failed settlement payment")
		}
		return nil, fmt.Errorf("forcing payment to provider: %w", err)
	}
	txHash = sci.AdjustTransactionHash(txHash)

	err = b.control.WithTx(ctx, func(tx *sql.Tx) error {
		return store.SetDepositClaimTransactionHash(ctx, tx, claim.ID, txHash)
	})
	if err != nil {
		return nil, err
	}
	claim.TxHash = txHash
	return claim, nil
}

func paymentTimestampBounds(acceptances []*messages.SubtaskResultsAccepted) (oldest, youngest uint64) {
	oldest, youngest = acceptances[0].PaymentTS, acceptances[0].PaymentTS
	for _, acceptance := range acceptances[1:] {
		if acceptance.PaymentTS < oldest {
			oldest = acceptance.PaymentTS
		}
		if acceptance.PaymentTS > youngest {
			youngest = acceptance.PaymentTS
		}
	}
	return oldest, youngest
}

func sumPayments(payments []sci.Payment) *big.Int {
	var sum = new(big.Int)
	for _, payment := range payments {
		sum.Add(sum, payment.Amount)
	}
	return sum
}

func sumSubtaskPrices(acceptances []*messages.SubtaskResultsAccepted) *big.Int {
	var sum = new(big.Int)
	for _, acceptance := range acceptances {
		sum.Add(sum, acceptance.TaskToCompute.Price)
	}
	return sum
}

// validateAcceptanceTimestamps rejects a settlement when an acceptance was
// already covered: a reported batch transfer closed at or after the
// acceptance's payment_ts and carries at least its price.
func validateAcceptanceTimestamps(batches []sci.Payment, acceptances []*messages.SubtaskResultsAccepted) error {
	for _, acceptance := range acceptances {
		for _, batch := range batches {
			if batch.ClosureTime >= acceptance.PaymentTS &&
				batch.Amount.Cmp(acceptance.TaskToCompute.Price) >= 0 {
				return fmt.Errorf("%w: acceptance with payment_ts %d overlaps batch transfer %s",
					ErrAcceptanceTimestampMismatch, acceptance.PaymentTS, batch.TransactionHash)
			}
		}
	}
	return nil
}
