package sci

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"
)

// EthereumConfig configures the ethereum backend.
type EthereumConfig struct {
	// NodeURL of the JSON-RPC endpoint.
	NodeURL string
	// DepositContract holding client deposits.
	DepositContract common.Address
	// OperatorKey signs the transactions Concent submits.
	OperatorKey *ecdsa.PrivateKey
	ChainID     *big.Int
	// RequiredConfirmations before a transaction counts as confirmed.
	RequiredConfirmations uint64
	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval time.Duration
}

// Contract surface of the deposit contract, as raw selectors and event
// topics. The contract's ABI is small enough that hand-rolled packing beats
// carrying generated bindings.
var (
	selectorBalanceOf           = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	selectorForceSubtaskPayment = crypto.Keccak256([]byte("forceSubtaskPayment(address,address,uint256,bytes32)"))[:4]
	selectorCoverVerification   = crypto.Keccak256([]byte("coverAdditionalVerificationCost(address,uint256,bytes32)"))[:4]
	selectorForcePayment        = crypto.Keccak256([]byte("forcePayment(address,address,uint256,uint256)"))[:4]

	topicBatchTransfer = common.BytesToHash(crypto.Keccak256([]byte("BatchTransfer(address,address,uint256,uint64)")))
	topicForcedPayment = common.BytesToHash(crypto.Keccak256([]byte("ForcedPayment(address,address,uint256,uint64)")))
)

const transactionGasLimit = 200_000

// EthereumBackend implements Backend over a JSON-RPC ethereum node.
type EthereumBackend struct {
	cfg      EthereumConfig
	client   *ethclient.Client
	operator common.Address
	// watchCtx bounds confirmation polling goroutines.
	watchCtx context.Context
}

// NewEthereumBackend dials the node and verifies the configuration. The
// context bounds both the dial and all confirmation polling started later.
func NewEthereumBackend(ctx context.Context, cfg EthereumConfig) (*EthereumBackend, error) {
	if cfg.OperatorKey == nil {
		return nil, fmt.Errorf("ethereum backend requires an operator key")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ethereum backend requires a positive chain id")
	}
	if cfg.ConfirmationPollInterval <= 0 {
		cfg.ConfirmationPollInterval = 15 * time.Second
	}

	var client, err = ethclient.DialContext(ctx, cfg.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("dialing ethereum node %s: %w", cfg.NodeURL, err)
	}
	return &EthereumBackend{
		cfg:      cfg,
		client:   client,
		operator: crypto.PubkeyToAddress(cfg.OperatorKey.PublicKey),
		watchCtx: ctx,
	}, nil
}

// GetDepositValue calls balanceOf on the deposit contract.
func (b *EthereumBackend) GetDepositValue(ctx context.Context, client common.Address) (*big.Int, error) {
	var data = append(append([]byte(nil), selectorBalanceOf...), leftPadAddress(client)...)
	var out, err = b.client.CallContract(ctx, ethereum.CallMsg{
		To:   &b.cfg.DepositContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling balanceOf: %w", err)
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("balanceOf returned %d bytes", len(out))
	}
	return new(big.Int).SetBytes(out), nil
}

// GetBlockNumber returns the current head block number.
func (b *EthereumBackend) GetBlockNumber(ctx context.Context) (uint64, error) {
	return b.client.BlockNumber(ctx)
}

// GetBatchTransfers returns BatchTransfer events from payer to payee in the
// block range.
func (b *EthereumBackend) GetBatchTransfers(ctx context.Context, payer, payee common.Address, fromBlock, toBlock uint64) ([]Payment, error) {
	return b.filterPayments(ctx, topicBatchTransfer, payer, payee, fromBlock, toBlock)
}

// GetForcedPayments returns ForcedPayment events from requestor to provider
// in the block range.
func (b *EthereumBackend) GetForcedPayments(ctx context.Context, requestor, provider common.Address, fromBlock, toBlock uint64) ([]Payment, error) {
	return b.filterPayments(ctx, topicForcedPayment, requestor, provider, fromBlock, toBlock)
}

func (b *EthereumBackend) filterPayments(ctx context.Context, topic common.Hash, from, to common.Address, fromBlock, toBlock uint64) ([]Payment, error) {
	var logs, err = b.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{b.cfg.DepositContract},
		Topics: [][]common.Hash{
			{topic},
			{common.BytesToHash(leftPadAddress(from))},
			{common.BytesToHash(leftPadAddress(to))},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("filtering payment events: %w", err)
	}

	var payments = make([]Payment, 0, len(logs))
	for _, entry := range logs {
		// Event data is amount(32) || closureTime(32).
		if len(entry.Data) != 64 {
			return nil, fmt.Errorf("payment event in tx %s has %d data bytes", entry.TxHash.Hex(), len(entry.Data))
		}
		payments = append(payments, Payment{
			Amount:          new(big.Int).SetBytes(entry.Data[:32]),
			ClosureTime:     new(big.Int).SetBytes(entry.Data[32:]).Uint64(),
			TransactionHash: entry.TxHash.Hex(),
		})
	}
	return payments, nil
}

// ForceSubtaskPayment submits a forceSubtaskPayment transaction.
func (b *EthereumBackend) ForceSubtaskPayment(ctx context.Context, requestor, provider common.Address, value *big.Int, subtaskID string) (string, error) {
	var data = packCall(selectorForceSubtaskPayment,
		leftPadAddress(requestor), leftPadAddress(provider), leftPadAmount(value), subtaskIDWord(subtaskID))
	return b.submit(ctx, data)
}

// CoverAdditionalVerificationCost submits a coverAdditionalVerificationCost
// transaction.
func (b *EthereumBackend) CoverAdditionalVerificationCost(ctx context.Context, provider common.Address, value *big.Int, subtaskID string) (string, error) {
	var data = packCall(selectorCoverVerification,
		leftPadAddress(provider), leftPadAmount(value), subtaskIDWord(subtaskID))
	return b.submit(ctx, data)
}

// ForcePayment submits a forcePayment transaction.
func (b *EthereumBackend) ForcePayment(ctx context.Context, requestor, provider common.Address, value *big.Int, closureTime uint64) (string, error) {
	var data = packCall(selectorForcePayment,
		leftPadAddress(requestor), leftPadAddress(provider), leftPadAmount(value),
		leftPadAmount(new(big.Int).SetUint64(closureTime)))
	return b.submit(ctx, data)
}

func (b *EthereumBackend) submit(ctx context.Context, data []byte) (string, error) {
	var nonce, err = b.client.PendingNonceAt(ctx, b.operator)
	if err != nil {
		return "", fmt.Errorf("fetching operator nonce: %w", err)
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching gas price: %w", err)
	}

	var tx = types.NewTransaction(nonce, b.cfg.DepositContract, new(big.Int), transactionGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.cfg.ChainID), b.cfg.OperatorKey)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}
	if err = b.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("sending transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// CallOnConfirmedTransaction polls for the transaction's receipt and runs
// callback once it has the required number of confirmations.
func (b *EthereumBackend) CallOnConfirmedTransaction(txHash string, callback func()) {
	var hash = common.HexToHash(txHash)

	go func() {
		var ticker = time.NewTicker(b.cfg.ConfirmationPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-b.watchCtx.Done():
				return
			case <-ticker.C:
			}

			var receipt, err = b.client.TransactionReceipt(b.watchCtx, hash)
			if err != nil || receipt == nil {
				continue
			}
			head, err := b.client.BlockNumber(b.watchCtx)
			if err != nil {
				continue
			}
			var mined = receipt.BlockNumber.Uint64()
			if head < mined || head-mined < b.cfg.RequiredConfirmations {
				continue
			}
			log.WithFields(log.Fields{
				"txHash": txHash,
				"block":  mined,
			}).Info("transaction confirmed")
			callback()
			return
		}
	}()
}

func packCall(selector []byte, words ...[]byte) []byte {
	var data = append([]byte(nil), selector...)
	for _, word := range words {
		data = append(data, word...)
	}
	return data
}

func leftPadAddress(addr common.Address) []byte {
	var word [32]byte
	copy(word[12:], addr[:])
	return word[:]
}

func leftPadAmount(value *big.Int) []byte {
	var word [32]byte
	value.FillBytes(word[:])
	return word[:]
}

// subtaskIDWord maps a subtask id to a bytes32 argument: short ids are
// right-padded, longer ids are hashed.
func subtaskIDWord(subtaskID string) []byte {
	var word [32]byte
	if len(subtaskID) <= 32 {
		copy(word[:], subtaskID)
	} else {
		copy(word[:], crypto.Keccak256([]byte(subtaskID)))
	}
	return word[:]
}
