package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransactionHashAlreadySet reports an attempt to overwrite a claim's
// transaction hash. The hash is write-once: a claim is paid by exactly one
// transaction.
var ErrTransactionHashAlreadySet = errors.New("store: deposit claim transaction hash already set")

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// CreateDepositClaim validates and inserts a claim, filling in its id. The
// payee must differ from the payer account's own address.
func CreateDepositClaim(ctx context.Context, q Queryer, claim *DepositClaim) error {
	if err := claim.Validate(); err != nil {
		return err
	}
	var payer, err = GetDepositAccount(ctx, q, claim.PayerDepositAccountID)
	if err != nil {
		return err
	}
	if payer.EthereumAddress == claim.PayeeEthereumAddress {
		return fmt.Errorf("deposit claim payee equals payer address %s", payer.EthereumAddress.Hex())
	}

	var subtaskID, closureTime interface{}
	if claim.SubtaskID != "" {
		subtaskID = claim.SubtaskID
	}
	if claim.ClosureTime != 0 {
		closureTime = claim.ClosureTime
	}

	result, err := q.ExecContext(ctx,
		`INSERT INTO deposit_claims
			(payer_deposit_account_id, payee_ethereum_address, subtask_id, use_case, amount, closure_time)
			VALUES (?, ?, ?, ?, ?, ?)`,
		claim.PayerDepositAccountID, addressColumn(claim.PayeeEthereumAddress),
		subtaskID, int(claim.UseCase), amountColumn(claim.Amount), closureTime)
	if err != nil {
		return fmt.Errorf("inserting deposit claim: %w", err)
	}
	claim.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading deposit claim id: %w", err)
	}
	return nil
}

// GetDepositClaim fetches a claim by id.
func GetDepositClaim(ctx context.Context, q Queryer, id int64) (*DepositClaim, error) {
	var row = q.QueryRowContext(ctx,
		`SELECT id, payer_deposit_account_id, payee_ethereum_address, subtask_id,
			use_case, amount, tx_hash, closure_time, created_at
			FROM deposit_claims WHERE id = ?`, id)
	var claim, err = scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: deposit claim %d", ErrNotFound, id)
	}
	return claim, err
}

// ClaimsAgainst returns all claims against a payer account, oldest first.
func ClaimsAgainst(ctx context.Context, q Queryer, payerAccountID int64) ([]*DepositClaim, error) {
	var rows, err = q.QueryContext(ctx,
		`SELECT id, payer_deposit_account_id, payee_ethereum_address, subtask_id,
			use_case, amount, tx_hash, closure_time, created_at
			FROM deposit_claims WHERE payer_deposit_account_id = ?
			ORDER BY created_at, id`, payerAccountID)
	if err != nil {
		return nil, fmt.Errorf("selecting deposit claims: %w", err)
	}
	defer rows.Close()

	var claims []*DepositClaim
	for rows.Next() {
		var claim, err = scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// ClaimsForSubtask returns all claims recorded for a subtask, oldest first.
func ClaimsForSubtask(ctx context.Context, q Queryer, subtaskID string) ([]*DepositClaim, error) {
	var rows, err = q.QueryContext(ctx,
		`SELECT id, payer_deposit_account_id, payee_ethereum_address, subtask_id,
			use_case, amount, tx_hash, closure_time, created_at
			FROM deposit_claims WHERE subtask_id = ?
			ORDER BY created_at, id`, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("selecting subtask claims: %w", err)
	}
	defer rows.Close()

	var claims []*DepositClaim
	for rows.Next() {
		var claim, err = scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// SumClaimsAgainst sums the amounts of all claims against a payer account,
// excluding the claim with excludeClaimID (pass zero to exclude nothing).
// The sum is computed in Go because amounts exceed SQLite's integer range.
func SumClaimsAgainst(ctx context.Context, q Queryer, payerAccountID, excludeClaimID int64) (*big.Int, error) {
	var rows, err = q.QueryContext(ctx,
		`SELECT amount FROM deposit_claims
			WHERE payer_deposit_account_id = ? AND id != ?`,
		payerAccountID, excludeClaimID)
	if err != nil {
		return nil, fmt.Errorf("selecting claim amounts: %w", err)
	}
	defer rows.Close()

	var sum = new(big.Int)
	for rows.Next() {
		var raw string
		if err = rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning claim amount: %w", err)
		}
		amount, err := parseAmountColumn(raw)
		if err != nil {
			return nil, err
		}
		sum.Add(sum, amount)
	}
	return sum, rows.Err()
}

// UpdateDepositClaimAmount replaces a claim's amount, used when the payable
// sum is clamped to the available deposit at payment time.
func UpdateDepositClaimAmount(ctx context.Context, q Queryer, id int64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit claim amount must be positive, got %v", amount)
	}
	var result, err = q.ExecContext(ctx,
		`UPDATE deposit_claims SET amount = ? WHERE id = ?`, amountColumn(amount), id)
	if err != nil {
		return fmt.Errorf("updating deposit claim amount: %w", err)
	}
	return requireOneRow(result, "deposit claim", id)
}

// SetDepositClaimTransactionHash records the hash of the transaction paying
// a claim. It fails with ErrTransactionHashAlreadySet if a hash was already
// recorded.
func SetDepositClaimTransactionHash(ctx context.Context, q Queryer, id int64, txHash string) error {
	if !txHashPattern.MatchString(txHash) {
		return fmt.Errorf("malformed transaction hash %q", txHash)
	}
	var result, err = q.ExecContext(ctx,
		`UPDATE deposit_claims SET tx_hash = ? WHERE id = ? AND tx_hash IS NULL`, txHash, id)
	if err != nil {
		return fmt.Errorf("updating deposit claim transaction hash: %w", err)
	}
	var n int64
	if n, err = result.RowsAffected(); err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	} else if n == 1 {
		return nil
	}

	// Distinguish a missing claim from one whose hash is already set.
	if _, err = GetDepositClaim(ctx, q, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: claim %d", ErrTransactionHashAlreadySet, id)
}

// DeleteDepositClaim removes a claim.
func DeleteDepositClaim(ctx context.Context, q Queryer, id int64) error {
	var result, err = q.ExecContext(ctx, `DELETE FROM deposit_claims WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting deposit claim: %w", err)
	}
	return requireOneRow(result, "deposit claim", id)
}

func requireOneRow(result sql.Result, kind string, id int64) error {
	var n, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, kind, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClaim(row rowScanner) (*DepositClaim, error) {
	var (
		claim       DepositClaim
		payee       string
		subtaskID   sql.NullString
		useCase     int
		amount      string
		txHash      sql.NullString
		closureTime sql.NullInt64
	)
	var err = row.Scan(&claim.ID, &claim.PayerDepositAccountID, &payee, &subtaskID,
		&useCase, &amount, &txHash, &closureTime, &claim.CreatedAt)
	if err != nil {
		return nil, err
	}

	claim.PayeeEthereumAddress = common.HexToAddress(payee)
	claim.SubtaskID = subtaskID.String
	claim.UseCase = UseCase(useCase)
	claim.TxHash = txHash.String
	claim.ClosureTime = closureTime.Int64
	if claim.Amount, err = parseAmountColumn(amount); err != nil {
		return nil, err
	}
	return &claim, nil
}
