package store

import (
	"context"
	"fmt"
)

// The control schema. Amounts are decimal strings because deposit values are
// 256-bit wei quantities, and transaction hashes are written once: a claim
// either has no hash yet or has exactly the hash of the transaction that
// pays it.
var controlSchema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id         INTEGER PRIMARY KEY,
		public_key BLOB NOT NULL UNIQUE CHECK (length(public_key) = 64),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS deposit_accounts (
		id               INTEGER PRIMARY KEY,
		client_id        INTEGER NOT NULL REFERENCES clients(id),
		ethereum_address TEXT NOT NULL CHECK (length(ethereum_address) = 42),
		created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (client_id, ethereum_address)
	);`,
	`CREATE TABLE IF NOT EXISTS deposit_claims (
		id                       INTEGER PRIMARY KEY,
		payer_deposit_account_id INTEGER NOT NULL REFERENCES deposit_accounts(id),
		payee_ethereum_address   TEXT NOT NULL CHECK (length(payee_ethereum_address) = 42),
		subtask_id               TEXT,
		use_case                 INTEGER NOT NULL,
		amount                   TEXT NOT NULL CHECK (amount != ''),
		tx_hash                  TEXT CHECK (tx_hash IS NULL OR length(tx_hash) = 66),
		closure_time             INTEGER,
		created_at               TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS deposit_claims_payer_idx
		ON deposit_claims (payer_deposit_account_id);`,
	`CREATE TABLE IF NOT EXISTS subtasks (
		id                       INTEGER PRIMARY KEY,
		task_id                  TEXT NOT NULL,
		subtask_id               TEXT NOT NULL UNIQUE,
		state                    TEXT NOT NULL,
		next_deadline            INTEGER,
		task_to_compute          BLOB NOT NULL,
		report_computed_task     BLOB,
		subtask_results_accepted BLOB,
		subtask_results_rejected BLOB,
		created_at               TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		modified_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// The storage schema. Upload reports reference subtasks by id value only;
// there is no foreign key into the control store and there must never be one.
var storageSchema = []string{
	`CREATE TABLE IF NOT EXISTS upload_reports (
		id         INTEGER PRIMARY KEY,
		path       TEXT NOT NULL,
		subtask_id TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS upload_reports_subtask_idx
		ON upload_reports (subtask_id);`,
	`CREATE INDEX IF NOT EXISTS upload_reports_path_idx
		ON upload_reports (path);`,
}

// Migrate creates the control schema.
func (s *ControlStore) Migrate(ctx context.Context) error {
	return applySchema(ctx, s.db, controlSchema)
}

// Migrate creates the storage schema.
func (s *StorageStore) Migrate(ctx context.Context) error {
	return applySchema(ctx, s.db, storageSchema)
}

func applySchema(ctx context.Context, q Queryer, statements []string) error {
	for _, stmt := range statements {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement: %w", err)
		}
	}
	return nil
}
