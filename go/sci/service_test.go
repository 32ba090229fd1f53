package sci_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/concent/go/sci"
	"github.com/golemfactory/concent/go/sci/scitest"
)

func TestAdjustTransactionHash(t *testing.T) {
	var cases = []struct {
		in, out string
	}{
		{"0x1", "0x" + zeros(63) + "1"},
		{"1", "0x" + zeros(63) + "1"},
		{"0xAB", "0x" + zeros(62) + "ab"},
		{"0x" + zeros(63) + "f", "0x" + zeros(63) + "f"},
	}
	for _, tc := range cases {
		var got = sci.AdjustTransactionHash(tc.in)
		require.Equal(t, tc.out, got)
		require.Len(t, got, 66)
	}
}

func zeros(n int) string {
	var s = make([]byte, n)
	for i := range s {
		s[i] = '0'
	}
	return string(s)
}

func TestGetListOfPaymentsBlockWindow(t *testing.T) {
	var backend = scitest.NewBackend()
	backend.BlockNumber = 1000
	backend.BatchTransfers = []sci.Payment{
		{Amount: big.NewInt(30), ClosureTime: 1100, TransactionHash: "0xaa"},
	}

	var service, err = sci.NewService(backend, 15)
	require.NoError(t, err)

	// 90 seconds at 15s per block is 6 blocks; 91 seconds rounds up to 7.
	payments, err := service.GetListOfPayments(context.Background(),
		common.Address{1}, common.Address{2}, 1000, 1091, sci.TransactionBatch)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, big.NewInt(30), payments[0].Amount)

	// A window reaching past the genesis block is clipped at zero.
	backend.BlockNumber = 2
	_, err = service.GetListOfPayments(context.Background(),
		common.Address{1}, common.Address{2}, 0, 1_000_000, sci.TransactionForce)
	require.NoError(t, err)

	// A current time before the payment timestamp is refused.
	_, err = service.GetListOfPayments(context.Background(),
		common.Address{1}, common.Address{2}, 200, 100, sci.TransactionBatch)
	require.Error(t, err)
}

func TestMakeForcePaymentClampsToBalance(t *testing.T) {
	var backend = scitest.NewBackend()
	var requestor, provider = common.Address{1}, common.Address{2}
	backend.Deposits[requestor] = big.NewInt(40)

	var service, err = sci.NewService(backend, 15)
	require.NoError(t, err)

	hash, err := service.MakeForcePaymentToProvider(context.Background(),
		requestor, provider, big.NewInt(100), 1234)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	require.Len(t, backend.Calls, 1)
	var call = backend.Calls[0]
	require.Equal(t, "ForcePayment", call.Method)
	require.Equal(t, big.NewInt(40), call.Value)
	require.Equal(t, uint64(1234), call.ClosureTime)

	// A sufficient balance is not clamped.
	backend.Deposits[requestor] = big.NewInt(1000)
	_, err = service.MakeForcePaymentToProvider(context.Background(),
		requestor, provider, big.NewInt(100), 1234)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), backend.Calls[1].Value)
}

func TestConfirmationMonitorDispatchesCommand(t *testing.T) {
	var backend = scitest.NewBackend()
	var service, err = sci.NewService(backend, 15)
	require.NoError(t, err)

	var gotHash string
	var gotClaim int64
	var monitor = sci.NewConfirmationMonitor(service, func(txHash string, claimID int64) {
		gotHash, gotClaim = txHash, claimID
	})

	monitor.Register("0xabc", 42)
	require.Len(t, backend.PendingConfirmations(), 1)

	backend.Confirm("0xabc")
	require.Equal(t, "0xabc", gotHash)
	require.Equal(t, int64(42), gotClaim)
	require.Empty(t, backend.PendingConfirmations())
}
