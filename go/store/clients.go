package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound reports a row that does not exist.
var ErrNotFound = errors.New("store: not found")

// GetOrCreateClient returns the client with the given raw public key,
// creating it if needed. The INSERT OR IGNORE + SELECT pair is race-safe
// under concurrent callers.
func GetOrCreateClient(ctx context.Context, q Queryer, publicKey []byte) (*Client, error) {
	if len(publicKey) != 64 {
		return nil, fmt.Errorf("client public key must be 64 bytes, got %d", len(publicKey))
	}
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO clients (public_key) VALUES (?)`, publicKey); err != nil {
		return nil, fmt.Errorf("inserting client: %w", err)
	}

	var client Client
	var err = q.QueryRowContext(ctx,
		`SELECT id, public_key, created_at FROM clients WHERE public_key = ?`, publicKey).
		Scan(&client.ID, &client.PublicKey, &client.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("selecting client: %w", err)
	}
	return &client, nil
}

// GetOrCreateDepositAccount returns the deposit account binding a client to
// an on-chain address, creating it if needed.
func GetOrCreateDepositAccount(ctx context.Context, q Queryer, clientID int64, address common.Address) (*DepositAccount, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO deposit_accounts (client_id, ethereum_address) VALUES (?, ?)`,
		clientID, addressColumn(address)); err != nil {
		return nil, fmt.Errorf("inserting deposit account: %w", err)
	}

	var (
		account DepositAccount
		addr    string
	)
	var err = q.QueryRowContext(ctx,
		`SELECT id, client_id, ethereum_address, created_at
			FROM deposit_accounts WHERE client_id = ? AND ethereum_address = ?`,
		clientID, addressColumn(address)).
		Scan(&account.ID, &account.ClientID, &addr, &account.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("selecting deposit account: %w", err)
	}
	account.EthereumAddress = common.HexToAddress(addr)
	return &account, nil
}

// GetDepositAccount fetches a deposit account by id.
func GetDepositAccount(ctx context.Context, q Queryer, id int64) (*DepositAccount, error) {
	var (
		account DepositAccount
		addr    string
	)
	var err = q.QueryRowContext(ctx,
		`SELECT id, client_id, ethereum_address, created_at FROM deposit_accounts WHERE id = ?`, id).
		Scan(&account.ID, &account.ClientID, &addr, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: deposit account %d", ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("selecting deposit account: %w", err)
	}
	account.EthereumAddress = common.HexToAddress(addr)
	return &account, nil
}
