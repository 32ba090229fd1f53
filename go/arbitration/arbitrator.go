package arbitration

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/golemfactory/concent/go/bankster"
	"github.com/golemfactory/concent/go/store"
)

// Arbitrator applies subtask state transitions and calls Bankster at the
// transitions that lock or move deposit funds.
type Arbitrator struct {
	control  *store.ControlStore
	bankster *bankster.Bankster
	locks    *keyedMutex
}

// New builds an Arbitrator over the control store and a Bankster.
func New(control *store.ControlStore, b *bankster.Bankster) *Arbitrator {
	return &Arbitrator{
		control:  control,
		bankster: b,
		locks:    newKeyedMutex(),
	}
}

// transition moves a subtask to a new state, enforcing the diagram.
// Deadline zero clears the deadline; passive states require that.
func (a *Arbitrator) transition(ctx context.Context, subtask *store.Subtask, to store.SubtaskState, deadline int64) error {
	if !CanTransition(subtask.State, to) {
		return &InvalidTransitionError{SubtaskID: subtask.SubtaskID, From: subtask.State, To: to}
	}
	var from = subtask.State
	subtask.State = to
	subtask.NextDeadline = deadline

	var err = a.control.WithTx(ctx, func(tx *sql.Tx) error {
		return store.UpdateSubtask(ctx, tx, subtask)
	})
	if err != nil {
		subtask.State = from
		return err
	}
	log.WithFields(log.Fields{
		"subtaskID": subtask.SubtaskID,
		"from":      from,
		"to":        to,
	}).Info("subtask transitioned")
	return nil
}

// HandleForceAcceptance processes a provider's force-acceptance request:
// it locks the subtask cost in the requestor's deposit and moves the
// subtask to FORCING_ACCEPTANCE. A duplicate request and an insufficient
// deposit both leave Bankster untouched or unchanged: the former returns
// ErrDuplicateRequest before any claim is made, the latter surfaces as
// ErrServiceRefused.
func (a *Arbitrator) HandleForceAcceptance(ctx context.Context, params bankster.ClaimDepositParams, deadline int64) (*store.DepositClaim, error) {
	var unlock = a.locks.Lock(params.SubtaskID)
	defer unlock()

	var subtask, err = store.GetSubtask(ctx, a.control.DB(), params.SubtaskID)
	if err != nil {
		return nil, err
	}
	if subtask.State == store.StateForcingAcceptance {
		return nil, fmt.Errorf("%w: subtask %q is already forcing acceptance", ErrDuplicateRequest, params.SubtaskID)
	}
	if !CanTransition(subtask.State, store.StateForcingAcceptance) {
		return nil, &InvalidTransitionError{SubtaskID: params.SubtaskID, From: subtask.State, To: store.StateForcingAcceptance}
	}

	params.UseCase = store.UseCaseForcedAcceptance
	claim, _, err := a.bankster.ClaimDeposit(ctx, params)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, fmt.Errorf("%w: requestor deposit cannot cover subtask %q", ErrServiceRefused, params.SubtaskID)
	}

	if err = a.transition(ctx, subtask, store.StateForcingAcceptance, deadline); err != nil {
		return nil, err
	}
	return claim, nil
}

// HandleAdditionalVerification processes a provider's request to have a
// rejected result re-verified: both parties' costs are locked and the
// subtask awaits the verification file transfer.
func (a *Arbitrator) HandleAdditionalVerification(ctx context.Context, params bankster.ClaimDepositParams, deadline int64) (requestorClaim, providerClaim *store.DepositClaim, err error) {
	var unlock = a.locks.Lock(params.SubtaskID)
	defer unlock()

	var subtask *store.Subtask
	if subtask, err = store.GetSubtask(ctx, a.control.DB(), params.SubtaskID); err != nil {
		return nil, nil, err
	}
	if subtask.State == store.StateVerificationFileTransfer || subtask.State == store.StateAdditionalVerification {
		return nil, nil, fmt.Errorf("%w: subtask %q already under additional verification", ErrDuplicateRequest, params.SubtaskID)
	}
	if !CanTransition(subtask.State, store.StateVerificationFileTransfer) {
		return nil, nil, &InvalidTransitionError{SubtaskID: params.SubtaskID, From: subtask.State, To: store.StateVerificationFileTransfer}
	}

	params.UseCase = store.UseCaseAdditionalVerification
	if requestorClaim, providerClaim, err = a.bankster.ClaimDeposit(ctx, params); err != nil {
		return nil, nil, err
	}
	if requestorClaim == nil {
		return nil, nil, fmt.Errorf("%w: requestor deposit cannot cover subtask %q", ErrServiceRefused, params.SubtaskID)
	}

	if err = a.transition(ctx, subtask, store.StateVerificationFileTransfer, deadline); err != nil {
		return nil, nil, err
	}
	return requestorClaim, providerClaim, nil
}

// HandleVerificationFilesUploaded moves a subtask into additional
// verification proper once its files arrived.
func (a *Arbitrator) HandleVerificationFilesUploaded(ctx context.Context, subtaskID string, deadline int64) error {
	var unlock = a.locks.Lock(subtaskID)
	defer unlock()

	var subtask, err = store.GetSubtask(ctx, a.control.DB(), subtaskID)
	if err != nil {
		return err
	}
	return a.transition(ctx, subtask, store.StateAdditionalVerification, deadline)
}

// HandleSettleOverdue settles a requestor's overdue acceptances through
// Bankster. A settlement where nothing is payable is a service refusal.
func (a *Arbitrator) HandleSettleOverdue(ctx context.Context, params bankster.SettleOverdueParams) (*store.DepositClaim, error) {
	var claim, err = a.bankster.SettleOverdueAcceptances(ctx, params)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, fmt.Errorf("%w: nothing payable for requestor %s", ErrServiceRefused, params.RequestorEthereumAddress.Hex())
	}
	return claim, nil
}

// HandleAcceptanceResolved ends a FORCING_ACCEPTANCE case. When it resolves
// toward the provider (explicit acceptance or requestor timeout), the
// requestor's claim is finalized and paid; otherwise the claim is left for
// the caller to discard and the subtask is rejected.
func (a *Arbitrator) HandleAcceptanceResolved(ctx context.Context, subtaskID string, claimID int64, towardProvider bool) (string, error) {
	var unlock = a.locks.Lock(subtaskID)
	defer unlock()

	var subtask, err = store.GetSubtask(ctx, a.control.DB(), subtaskID)
	if err != nil {
		return "", err
	}

	if !towardProvider {
		return "", a.transition(ctx, subtask, store.StateRejected, 0)
	}

	if err = a.transition(ctx, subtask, store.StateAccepted, 0); err != nil {
		return "", err
	}
	txHash, err := a.bankster.FinalizePayment(ctx, claimID)
	if err != nil {
		return "", fmt.Errorf("finalizing claim %d of subtask %q: %w", claimID, subtaskID, err)
	}
	return txHash, nil
}

// HandleVerificationResolved ends an ADDITIONAL_VERIFICATION case,
// finalizing the given claims. A verdict for the provider pays the
// requestor's claim; either way Concent's verification cost claim against
// the provider is finalized.
func (a *Arbitrator) HandleVerificationResolved(ctx context.Context, subtaskID string, requestorClaimID, providerClaimID int64, towardProvider bool) error {
	var unlock = a.locks.Lock(subtaskID)
	defer unlock()

	var subtask, err = store.GetSubtask(ctx, a.control.DB(), subtaskID)
	if err != nil {
		return err
	}
	var target = store.StateFailed
	if towardProvider {
		target = store.StateAccepted
	}
	if err = a.transition(ctx, subtask, target, 0); err != nil {
		return err
	}

	if towardProvider && requestorClaimID != 0 {
		if _, err = a.bankster.FinalizePayment(ctx, requestorClaimID); err != nil {
			return fmt.Errorf("finalizing requestor claim %d: %w", requestorClaimID, err)
		}
	}
	if providerClaimID != 0 {
		if _, err = a.bankster.FinalizePayment(ctx, providerClaimID); err != nil {
			return fmt.Errorf("finalizing provider claim %d: %w", providerClaimID, err)
		}
	}
	return nil
}
