package arbitration

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/golemfactory/concent/go/messages"
	"github.com/golemfactory/concent/go/store"
)

// HandleTimeouts sweeps active subtasks whose deadline passed and resolves
// each one in the direction a missed deadline implies: an unanswered report
// counts as reported, an unanswered acceptance resolves toward the
// provider, an unfinished file transfer fails. It returns how many
// subtasks were resolved.
func (a *Arbitrator) HandleTimeouts(ctx context.Context, now int64) (int, error) {
	var overdue, err = store.ActiveSubtasksPastDeadline(ctx, a.control.DB(), now)
	if err != nil {
		return 0, err
	}

	var resolved int
	for _, subtask := range overdue {
		if err := a.handleTimeout(ctx, subtask.SubtaskID); err != nil {
			// One stuck subtask must not block the sweep.
			log.WithFields(log.Fields{
				"subtaskID": subtask.SubtaskID,
				"state":     subtask.State,
				"err":       err,
			}).Error("failed to resolve subtask timeout")
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (a *Arbitrator) handleTimeout(ctx context.Context, subtaskID string) error {
	var unlock = a.locks.Lock(subtaskID)
	defer unlock()

	// Re-read under the lock: a concurrent handler may have resolved it.
	var subtask, err = store.GetSubtask(ctx, a.control.DB(), subtaskID)
	if err != nil {
		return err
	}

	switch subtask.State {
	case store.StateForcingReport:
		// The requestor never acknowledged the computation report; the
		// report stands.
		return a.transition(ctx, subtask, store.StateReported, 0)

	case store.StateForcingResultTransfer, store.StateVerificationFileTransfer:
		// The files never arrived.
		return a.transition(ctx, subtask, store.StateFailed, 0)

	case store.StateForcingAcceptance:
		// The requestor never responded: the results count as accepted and
		// the locked claim is paid to the provider.
		var claimID, _, err = a.subtaskClaims(ctx, subtaskID)
		if err != nil {
			return err
		}
		if err = a.transition(ctx, subtask, store.StateAccepted, 0); err != nil {
			return err
		}
		if claimID == 0 {
			return nil
		}
		_, err = a.bankster.FinalizePayment(ctx, claimID)
		return err

	case store.StateAdditionalVerification:
		// Verification never concluded: resolve toward the provider,
		// paying out both claims.
		var requestorClaimID, providerClaimID, err = a.subtaskClaims(ctx, subtaskID)
		if err != nil {
			return err
		}
		if err = a.transition(ctx, subtask, store.StateAccepted, 0); err != nil {
			return err
		}
		if requestorClaimID != 0 {
			if _, err = a.bankster.FinalizePayment(ctx, requestorClaimID); err != nil {
				return err
			}
		}
		if providerClaimID != 0 {
			_, err = a.bankster.FinalizePayment(ctx, providerClaimID)
		}
		return err

	default:
		return fmt.Errorf("subtask %q in state %s has no timeout handling", subtaskID, subtask.State)
	}
}

// subtaskClaims splits a subtask's unpaid claims into the requestor-side
// claim (paid to the provider) and the provider-side claim (paid to
// Concent), telling them apart by which party's deposit they are held
// against.
func (a *Arbitrator) subtaskClaims(ctx context.Context, subtaskID string) (requestorClaimID, providerClaimID int64, err error) {
	var claims []*store.DepositClaim
	if claims, err = store.ClaimsForSubtask(ctx, a.control.DB(), subtaskID); err != nil {
		return 0, 0, err
	}

	var requestorAddr, loaded = common.Address{}, false
	for _, claim := range claims {
		if claim.TxHash != "" {
			continue
		}
		switch claim.UseCase {
		case store.UseCaseForcedAcceptance:
			requestorClaimID = claim.ID

		case store.UseCaseAdditionalVerification:
			if !loaded {
				if requestorAddr, err = a.subtaskRequestorAddress(ctx, subtaskID); err != nil {
					return 0, 0, err
				}
				loaded = true
			}
			var account *store.DepositAccount
			if account, err = store.GetDepositAccount(ctx, a.control.DB(), claim.PayerDepositAccountID); err != nil {
				return 0, 0, err
			}
			if account.EthereumAddress == requestorAddr {
				requestorClaimID = claim.ID
			} else {
				providerClaimID = claim.ID
			}
		}
	}
	return requestorClaimID, providerClaimID, nil
}

func (a *Arbitrator) subtaskRequestorAddress(ctx context.Context, subtaskID string) (common.Address, error) {
	var subtask, err = store.GetSubtask(ctx, a.control.DB(), subtaskID)
	if err != nil {
		return common.Address{}, err
	}
	signed, err := messages.Decode(subtask.TaskToCompute)
	if err != nil {
		return common.Address{}, fmt.Errorf("decoding subtask %q TaskToCompute: %w", subtaskID, err)
	}
	var ttc, ok = signed.Payload.(*messages.TaskToCompute)
	if !ok {
		return common.Address{}, fmt.Errorf("subtask %q TaskToCompute column holds a %T", subtaskID, signed.Payload)
	}
	return ttc.RequestorEthereumAddress, nil
}
