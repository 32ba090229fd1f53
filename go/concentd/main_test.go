package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/concent/go/messages"
)

func TestConcentEthereumAddress(t *testing.T) {
	var operatorKey, err = crypto.GenerateKey()
	require.NoError(t, err)
	concentKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	// Without a configured public key, the operator account is the payee.
	addr, err := concentEthereumAddress("", operatorKey)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(operatorKey.PublicKey), addr)

	// Neither configured: payments are disabled and no payee exists.
	addr, err = concentEthereumAddress("", nil)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, addr)

	// A configured public key wins over the operator key, with or without
	// the 0x prefix.
	var raw = hexutil.Encode(messages.RawPublicKey(&concentKey.PublicKey))
	addr, err = concentEthereumAddress(raw, operatorKey)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(concentKey.PublicKey), addr)

	addr, err = concentEthereumAddress(raw[2:], operatorKey)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(concentKey.PublicKey), addr)

	_, err = concentEthereumAddress("not-a-key", operatorKey)
	require.Error(t, err)
}
