package store

import (
	"context"
	"database/sql"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/concent/go/messages"
)

func testStores(t *testing.T) *Stores {
	var dir = t.TempDir()
	var stores, err = Open(filepath.Join(dir, "control.db"), filepath.Join(dir, "storage.db"))
	require.NoError(t, err)
	require.NoError(t, stores.Migrate(context.Background()))
	t.Cleanup(func() { _ = stores.Close() })
	return stores
}

func testAddress(b byte) common.Address {
	var addr common.Address
	addr[19] = b
	return addr
}

func TestGetOrCreateClientIsIdempotent(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()
	var key = make([]byte, 64)
	key[0] = 0xab

	var first, err = GetOrCreateClient(ctx, stores.Control.DB(), key)
	require.NoError(t, err)
	second, err := GetOrCreateClient(ctx, stores.Control.DB(), key)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, key, second.PublicKey)

	_, err = GetOrCreateClient(ctx, stores.Control.DB(), []byte{0x01})
	require.Error(t, err)
}

func TestGetOrCreateDepositAccount(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()

	var client, err = GetOrCreateClient(ctx, stores.Control.DB(), make([]byte, 64))
	require.NoError(t, err)

	first, err := GetOrCreateDepositAccount(ctx, stores.Control.DB(), client.ID, testAddress(1))
	require.NoError(t, err)
	second, err := GetOrCreateDepositAccount(ctx, stores.Control.DB(), client.ID, testAddress(1))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, testAddress(1), second.EthereumAddress)

	// A different address is a different account of the same client.
	other, err := GetOrCreateDepositAccount(ctx, stores.Control.DB(), client.ID, testAddress(2))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func testClaim(accountID int64, amount int64) *DepositClaim {
	return &DepositClaim{
		PayerDepositAccountID: accountID,
		PayeeEthereumAddress:  testAddress(9),
		SubtaskID:             "subtask-1",
		UseCase:               UseCaseForcedAcceptance,
		Amount:                big.NewInt(amount),
	}
}

func TestDepositClaimLifecycle(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()

	var client, err = GetOrCreateClient(ctx, stores.Control.DB(), make([]byte, 64))
	require.NoError(t, err)
	account, err := GetOrCreateDepositAccount(ctx, stores.Control.DB(), client.ID, testAddress(1))
	require.NoError(t, err)

	var claim = testClaim(account.ID, 1000)
	require.NoError(t, CreateDepositClaim(ctx, stores.Control.DB(), claim))
	require.NotZero(t, claim.ID)

	fetched, err := GetDepositClaim(ctx, stores.Control.DB(), claim.ID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), fetched.Amount)
	require.Equal(t, UseCaseForcedAcceptance, fetched.UseCase)
	require.Empty(t, fetched.TxHash)

	require.NoError(t, DeleteDepositClaim(ctx, stores.Control.DB(), claim.ID))
	_, err = GetDepositClaim(ctx, stores.Control.DB(), claim.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDepositClaimRejectsPayeeEqualPayer(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()

	var client, err = GetOrCreateClient(ctx, stores.Control.DB(), make([]byte, 64))
	require.NoError(t, err)
	account, err := GetOrCreateDepositAccount(ctx, stores.Control.DB(), client.ID, testAddress(1))
	require.NoError(t, err)

	var claim = testClaim(account.ID, 1000)
	claim.PayeeEthereumAddress = testAddress(1)
	require.Error(t, CreateDepositClaim(ctx, stores.Control.DB(), claim))
}

func TestDepositClaimValidation(t *testing.T) {
	var claim = testClaim(1, 1000)
	require.NoError(t, claim.Validate())

	claim.Amount = big.NewInt(0)
	require.Error(t, claim.Validate())

	claim = testClaim(1, 1000)
	claim.SubtaskID = ""
	require.Error(t, claim.Validate())

	// Forced payment claims carry a closure time instead of a subtask.
	claim = testClaim(1, 1000)
	claim.UseCase = UseCaseForcedPayment
	claim.SubtaskID = ""
	require.Error(t, claim.Validate())
	claim.ClosureTime = time.Now().Unix()
	require.NoError(t, claim.Validate())
}

func TestSumClaimsAgainst(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()

	var client, err = GetOrCreateClient(ctx, stores.Control.DB(), make([]byte, 64))
	require.NoError(t, err)
	account, err := GetOrCreateDepositAccount(ctx, stores.Control.DB(), client.ID, testAddress(1))
	require.NoError(t, err)

	// Amounts beyond int64, as wei values are.
	var huge, _ = new(big.Int).SetString("10000000000000000000000", 10)
	var claimA = testClaim(account.ID, 0)
	claimA.Amount = huge
	require.NoError(t, CreateDepositClaim(ctx, stores.Control.DB(), claimA))

	var claimB = testClaim(account.ID, 500)
	claimB.SubtaskID = "subtask-2"
	require.NoError(t, CreateDepositClaim(ctx, stores.Control.DB(), claimB))

	sum, err := SumClaimsAgainst(ctx, stores.Control.DB(), account.ID, 0)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Add(huge, big.NewInt(500)), sum)

	// Excluding a claim subtracts exactly its amount.
	sum, err = SumClaimsAgainst(ctx, stores.Control.DB(), account.ID, claimA.ID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(500), sum)

	// An account with no claims sums to zero.
	sum, err = SumClaimsAgainst(ctx, stores.Control.DB(), account.ID+100, 0)
	require.NoError(t, err)
	require.Zero(t, sum.Sign())
}

func TestTransactionHashIsWriteOnce(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()

	var client, err = GetOrCreateClient(ctx, stores.Control.DB(), make([]byte, 64))
	require.NoError(t, err)
	account, err := GetOrCreateDepositAccount(ctx, stores.Control.DB(), client.ID, testAddress(1))
	require.NoError(t, err)

	var claim = testClaim(account.ID, 1000)
	require.NoError(t, CreateDepositClaim(ctx, stores.Control.DB(), claim))

	var hash = "0xab" + strings.Repeat("0", 62)
	require.NoError(t, SetDepositClaimTransactionHash(ctx, stores.Control.DB(), claim.ID, hash))

	fetched, err := GetDepositClaim(ctx, stores.Control.DB(), claim.ID)
	require.NoError(t, err)
	require.Equal(t, hash, fetched.TxHash)

	// A second write, even of the same hash, is refused.
	err = SetDepositClaimTransactionHash(ctx, stores.Control.DB(), claim.ID, hash)
	require.ErrorIs(t, err, ErrTransactionHashAlreadySet)

	// Malformed hashes and unknown claims are refused.
	require.Error(t, SetDepositClaimTransactionHash(ctx, stores.Control.DB(), claim.ID, "abc"))
	err = SetDepositClaimTransactionHash(ctx, stores.Control.DB(), claim.ID+100, hash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()

	var client, err = GetOrCreateClient(ctx, stores.Control.DB(), make([]byte, 64))
	require.NoError(t, err)
	account, err := GetOrCreateDepositAccount(ctx, stores.Control.DB(), client.ID, testAddress(1))
	require.NoError(t, err)

	var errBoom = context.DeadlineExceeded
	err = stores.Control.WithTx(ctx, func(tx *sql.Tx) error {
		var claim = testClaim(account.ID, 1000)
		if err := CreateDepositClaim(ctx, tx, claim); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	sum, err := SumClaimsAgainst(ctx, stores.Control.DB(), account.ID, 0)
	require.NoError(t, err)
	require.Zero(t, sum.Sign())
}

func signedTaskToCompute(t *testing.T, taskID, subtaskID string) ([]byte, *messages.TaskToCompute) {
	var key, err = crypto.GenerateKey()
	require.NoError(t, err)

	var ttc = &messages.TaskToCompute{
		TaskID:             taskID,
		SubtaskID:          subtaskID,
		Deadline:           uint64(time.Now().Unix()) + 3600,
		Price:              big.NewInt(1000),
		RequestorPublicKey: make([]byte, 64),
		ProviderPublicKey:  make([]byte, 64),
	}
	raw, err := messages.Encode(ttc, uint64(time.Now().Unix()), key)
	require.NoError(t, err)
	return raw, ttc
}

func TestSubtaskLifecycle(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()

	var rawTTC, ttc = signedTaskToCompute(t, "task-1", "subtask-1")
	var subtask = &Subtask{
		TaskID:        "task-1",
		SubtaskID:     "subtask-1",
		State:         StateForcingReport,
		NextDeadline:  time.Now().Unix() + 3600,
		TaskToCompute: rawTTC,
	}
	require.NoError(t, CreateSubtask(ctx, stores.Control.DB(), subtask))
	require.NotZero(t, subtask.ID)

	fetched, err := GetSubtask(ctx, stores.Control.DB(), "subtask-1")
	require.NoError(t, err)
	require.Equal(t, StateForcingReport, fetched.State)
	require.Equal(t, rawTTC, fetched.TaskToCompute)

	// Attach a consistent ReportComputedTask and settle the state.
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	rawRCT, err := messages.Encode(&messages.ReportComputedTask{TaskToCompute: ttc, ResultSize: 42},
		uint64(time.Now().Unix()), key)
	require.NoError(t, err)

	fetched.ReportComputedTask = rawRCT
	fetched.State = StateReported
	fetched.NextDeadline = 0
	require.NoError(t, UpdateSubtask(ctx, stores.Control.DB(), fetched))

	fetched, err = GetSubtask(ctx, stores.Control.DB(), "subtask-1")
	require.NoError(t, err)
	require.Equal(t, StateReported, fetched.State)
	require.Zero(t, fetched.NextDeadline)
	require.Equal(t, rawRCT, fetched.ReportComputedTask)

	_, err = GetSubtask(ctx, stores.Control.DB(), "no-such-subtask")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubtaskRejectsInconsistentMessages(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()

	var rawTTC, _ = signedTaskToCompute(t, "task-1", "subtask-1")
	var _, otherTTC = signedTaskToCompute(t, "task-1", "subtask-1")
	otherTTC.Price = big.NewInt(9999)

	var key, err = crypto.GenerateKey()
	require.NoError(t, err)
	rawRCT, err := messages.Encode(&messages.ReportComputedTask{TaskToCompute: otherTTC, ResultSize: 1},
		uint64(time.Now().Unix()), key)
	require.NoError(t, err)

	var subtask = &Subtask{
		TaskID:             "task-1",
		SubtaskID:          "subtask-1",
		State:              StateReported,
		TaskToCompute:      rawTTC,
		ReportComputedTask: rawRCT,
	}
	var errCreate = CreateSubtask(ctx, stores.Control.DB(), subtask)
	require.ErrorIs(t, errCreate, ErrInconsistentSubtaskMessages)
}

func TestSubtaskRequiresDeadlineInActiveState(t *testing.T) {
	var rawTTC, _ = signedTaskToCompute(t, "task-1", "subtask-1")
	var subtask = &Subtask{
		TaskID:        "task-1",
		SubtaskID:     "subtask-1",
		State:         StateForcingAcceptance,
		TaskToCompute: rawTTC,
	}
	require.Error(t, CreateSubtask(context.Background(), testStores(t).Control.DB(), subtask))
}

func TestActiveSubtasksPastDeadline(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()
	var now = time.Now().Unix()

	var mk = func(subtaskID string, state SubtaskState, deadline int64) {
		var rawTTC, _ = signedTaskToCompute(t, "task-1", subtaskID)
		require.NoError(t, CreateSubtask(ctx, stores.Control.DB(), &Subtask{
			TaskID:        "task-1",
			SubtaskID:     subtaskID,
			State:         state,
			NextDeadline:  deadline,
			TaskToCompute: rawTTC,
		}))
	}
	mk("overdue-late", StateForcingAcceptance, now-10)
	mk("overdue-early", StateForcingReport, now-100)
	mk("pending", StateForcingAcceptance, now+3600)
	mk("settled", StateReported, 0)

	var overdue, err = ActiveSubtasksPastDeadline(ctx, stores.Control.DB(), now)
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	require.Equal(t, "overdue-early", overdue[0].SubtaskID)
	require.Equal(t, "overdue-late", overdue[1].SubtaskID)
}

func TestUploadReports(t *testing.T) {
	var stores = testStores(t)
	var ctx = context.Background()

	var report = &UploadReport{Path: "blender/result/subtask-1.zip"}
	require.NoError(t, stores.Storage.CreateUploadReport(ctx, report))
	require.NotZero(t, report.ID)
	require.NoError(t, stores.Storage.CreateUploadReport(ctx,
		&UploadReport{Path: "blender/result/subtask-1.zip"}))
	require.NoError(t, stores.Storage.CreateUploadReport(ctx,
		&UploadReport{Path: "blender/result/other.zip"}))

	linked, err := stores.Storage.LinkUploadReports(ctx, "blender/result/subtask-1.zip", "subtask-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), linked)

	reports, err := stores.Storage.UploadReportsFor(ctx, "subtask-1")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "blender/result/subtask-1.zip", reports[0].Path)

	// Already-linked reports are not relinked.
	linked, err = stores.Storage.LinkUploadReports(ctx, "blender/result/subtask-1.zip", "subtask-9")
	require.NoError(t, err)
	require.Zero(t, linked)
}
