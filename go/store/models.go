package store

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// UseCase identifies which Concent use case a deposit claim belongs to.
type UseCase int

const (
	UseCaseForcedAcceptance       UseCase = 1
	UseCaseAdditionalVerification UseCase = 2
	UseCaseForcedPayment          UseCase = 3
)

func (u UseCase) String() string {
	switch u {
	case UseCaseForcedAcceptance:
		return "FORCED_ACCEPTANCE"
	case UseCaseAdditionalVerification:
		return "ADDITIONAL_VERIFICATION"
	case UseCaseForcedPayment:
		return "FORCED_PAYMENT"
	default:
		return fmt.Sprintf("UseCase(%d)", int(u))
	}
}

// SubtaskState is the arbitration state of a subtask. Active states carry a
// deadline; passive states are settled and final with respect to deadlines.
type SubtaskState string

const (
	StateForcingReport            SubtaskState = "FORCING_REPORT"
	StateReported                 SubtaskState = "REPORTED"
	StateForcingResultTransfer    SubtaskState = "FORCING_RESULT_TRANSFER"
	StateResultUploaded           SubtaskState = "RESULT_UPLOADED"
	StateForcingAcceptance        SubtaskState = "FORCING_ACCEPTANCE"
	StateRejected                 SubtaskState = "REJECTED"
	StateVerificationFileTransfer SubtaskState = "VERIFICATION_FILE_TRANSFER"
	StateAdditionalVerification   SubtaskState = "ADDITIONAL_VERIFICATION"
	StateAccepted                 SubtaskState = "ACCEPTED"
	StateFailed                   SubtaskState = "FAILED"
)

// Active reports whether the state awaits a deadline-bounded event.
func (s SubtaskState) Active() bool {
	switch s {
	case StateForcingReport, StateForcingResultTransfer, StateForcingAcceptance,
		StateVerificationFileTransfer, StateAdditionalVerification:
		return true
	default:
		return false
	}
}

// Client is one Golem node known to Concent, keyed by its raw public key.
type Client struct {
	ID        int64
	PublicKey []byte
	CreatedAt time.Time
}

// DepositAccount binds a client to one of its on-chain deposit addresses.
type DepositAccount struct {
	ID              int64
	ClientID        int64
	EthereumAddress common.Address
	CreatedAt       time.Time
}

// DepositClaim is a pending obligation against a payer's deposit. Amount is
// in wei. TxHash is empty until the paying transaction is sent, and is
// written exactly once. ClosureTime is set only on forced-payment claims.
type DepositClaim struct {
	ID                    int64
	PayerDepositAccountID int64
	PayeeEthereumAddress  common.Address
	SubtaskID             string
	UseCase               UseCase
	Amount                *big.Int
	TxHash                string
	ClosureTime           int64
	CreatedAt             time.Time
}

// Validate checks the claim's internal consistency.
func (c *DepositClaim) Validate() error {
	if c.PayerDepositAccountID == 0 {
		return fmt.Errorf("deposit claim has no payer account")
	}
	if c.Amount == nil || c.Amount.Sign() <= 0 {
		return fmt.Errorf("deposit claim amount must be positive, got %v", c.Amount)
	}
	switch c.UseCase {
	case UseCaseForcedAcceptance, UseCaseAdditionalVerification:
		if c.SubtaskID == "" {
			return fmt.Errorf("%s claim requires a subtask id", c.UseCase)
		}
		if c.ClosureTime != 0 {
			return fmt.Errorf("%s claim must not carry a closure time", c.UseCase)
		}
	case UseCaseForcedPayment:
		if c.SubtaskID != "" {
			return fmt.Errorf("forced payment claim must not reference a subtask")
		}
		if c.ClosureTime == 0 {
			return fmt.Errorf("forced payment claim requires a closure time")
		}
	default:
		return fmt.Errorf("unknown use case %d", int(c.UseCase))
	}
	return nil
}

// Subtask is the persisted arbitration record of one subtask, holding the
// signed messages that document its history. TaskToCompute is always set;
// the remaining message columns fill in as the case progresses.
type Subtask struct {
	ID           int64
	TaskID       string
	SubtaskID    string
	State        SubtaskState
	NextDeadline int64

	TaskToCompute          []byte
	ReportComputedTask     []byte
	SubtaskResultsAccepted []byte
	SubtaskResultsRejected []byte

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// UploadReport records one file upload observed by the conductor, possibly
// not yet linked to a subtask.
type UploadReport struct {
	ID        int64
	Path      string
	SubtaskID string
	CreatedAt time.Time
}

// addressColumn is the canonical column form of an address.
func addressColumn(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// amountColumn is the canonical column form of a wei amount.
func amountColumn(amount *big.Int) string {
	return amount.Text(10)
}

func parseAmountColumn(s string) (*big.Int, error) {
	var amount, ok = new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed stored amount %q", s)
	}
	return amount, nil
}
