// concentd is the Concent daemon. It serves the MiddleMan relay between
// front-end connections and the Signing Service, and manages the database
// schemas of the claim ledger.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/golemfactory/concent/go/arbitration"
	"github.com/golemfactory/concent/go/bankster"
	"github.com/golemfactory/concent/go/messages"
	"github.com/golemfactory/concent/go/middleman"
	"github.com/golemfactory/concent/go/sci"
	"github.com/golemfactory/concent/go/store"
)

const iniFilename = "concent.ini"

// Config is the top-level configuration object of concentd.
var Config = new(struct {
	MiddleMan struct {
		Listen                 string `long:"listen" env:"LISTEN" default:"0.0.0.0:9055" description:"Address to listen on for front-end connections"`
		SigningService         string `long:"signing-service" env:"SIGNING_SERVICE" default:"127.0.0.1:9056" description:"Address of the Signing Service"`
		ConnectionCounterLimit uint64 `long:"connection-counter-limit" env:"CONNECTION_COUNTER_LIMIT" default:"65536" description:"Wrap point for connection and request ids"`
		RequestQueueSize       int    `long:"request-queue-size" env:"REQUEST_QUEUE_SIZE" default:"64" description:"Capacity of the shared request queue"`
		ResponseQueueSize      int    `long:"response-queue-size" env:"RESPONSE_QUEUE_SIZE" default:"16" description:"Capacity of each per-connection response queue"`
	} `group:"MiddleMan" namespace:"middleman" env-namespace:"MIDDLEMAN"`

	Keys struct {
		ConcentPrivateKey       string `long:"concent-private-key" env:"CONCENT_PRIVATE_KEY" description:"Hex-encoded secp256k1 private key used to sign frames"`
		SigningServicePublicKey string `long:"signing-service-public-key" env:"SIGNING_SERVICE_PUBLIC_KEY" description:"Hex-encoded raw 64-byte public key of the Signing Service"`
	} `group:"Keys" namespace:"keys" env-namespace:"KEYS"`

	Database struct {
		Control string `long:"control" env:"CONTROL" default:"concent-control.db" description:"Path of the control database"`
		Storage string `long:"storage" env:"STORAGE" default:"concent-storage.db" description:"Path of the storage database"`
	} `group:"Database" namespace:"db" env-namespace:"DB"`

	Payments struct {
		Backend                    string `long:"backend" env:"BACKEND" default:"disabled" choice:"disabled" choice:"ethereum" description:"Payments backend"`
		NodeURL                    string `long:"node-url" env:"NODE_URL" description:"Ethereum JSON-RPC endpoint"`
		DepositContract            string `long:"deposit-contract" env:"DEPOSIT_CONTRACT" description:"Address of the deposit contract"`
		ChainID                    int64  `long:"chain-id" env:"CHAIN_ID" default:"1" description:"Ethereum chain id"`
		OperatorKey                string `long:"operator-key" env:"OPERATOR_KEY" description:"Hex-encoded private key of Concent's operator account"`
		ConcentPublicKey           string `long:"concent-public-key" env:"CONCENT_PUBLIC_KEY" description:"Hex-encoded raw 64-byte public key whose address receives verification costs (defaults to the operator account)"`
		AverageBlockTime           uint64 `long:"average-block-time" env:"AVERAGE_BLOCK_TIME" default:"15" description:"Average block time in seconds"`
		AdditionalVerificationCost string `long:"additional-verification-cost" env:"ADDITIONAL_VERIFICATION_COST" default:"0" description:"Cost in wei charged to providers for additional verification"`
	} `group:"Payments" namespace:"payments" env-namespace:"PAYMENTS"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

func concentKey() *ecdsa.PrivateKey {
	var raw, err = hexutil.Decode(Config.Keys.ConcentPrivateKey)
	if err != nil {
		// Accept the un-prefixed form too.
		raw, err = hexutil.Decode("0x" + Config.Keys.ConcentPrivateKey)
	}
	mbp.Must(err, "decoding concent private key")
	key, err := crypto.ToECDSA(raw)
	mbp.Must(err, "parsing concent private key")
	return key
}

func signingServicePublicKey() []byte {
	var raw, err = hexutil.Decode(Config.Keys.SigningServicePublicKey)
	if err != nil {
		raw, err = hexutil.Decode("0x" + Config.Keys.SigningServicePublicKey)
	}
	mbp.Must(err, "decoding signing service public key")
	mbp.Must(messages.ValidateRawPublicKey(raw), "validating signing service public key")
	return raw
}

// concentEthereumAddress derives the payee of provider-side verification
// claims: the address of the configured Concent public key, or of the
// operator key when no public key is set.
func concentEthereumAddress(publicKey string, operatorKey *ecdsa.PrivateKey) (common.Address, error) {
	if publicKey == "" {
		if operatorKey == nil {
			return common.Address{}, nil
		}
		return crypto.PubkeyToAddress(operatorKey.PublicKey), nil
	}
	var raw, err = hexutil.Decode(publicKey)
	if err != nil {
		raw, err = hexutil.Decode("0x" + publicKey)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("decoding concent public key: %w", err)
	}
	return messages.PublicKeyToAddress(raw)
}

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"listen":         Config.MiddleMan.Listen,
		"signingService": Config.MiddleMan.SigningService,
		"version":        mbp.Version,
		"buildDate":      mbp.BuildDate,
	}).Info("concentd configuration")

	var key = concentKey()

	upstream, err := net.Dial("tcp", Config.MiddleMan.SigningService)
	mbp.Must(err, "dialing signing service")

	relay, err := middleman.NewRelay(middleman.Config{
		ConcentPrivateKey:       key,
		ConcentPublicKey:        messages.RawPublicKey(&key.PublicKey),
		SigningServicePublicKey: signingServicePublicKey(),
		ConnectionCounterLimit:  Config.MiddleMan.ConnectionCounterLimit,
		RequestQueueSize:        Config.MiddleMan.RequestQueueSize,
		ResponseQueueSize:       Config.MiddleMan.ResponseQueueSize,
	}, upstream)
	mbp.Must(err, "building relay")
	mbp.Must(relay.AuthenticateUpstream(), "authenticating signing service")

	listener, err := net.Listen("tcp", Config.MiddleMan.Listen)
	mbp.Must(err, "binding listener")

	var (
		tasks    = task.NewGroup(context.Background())
		signalCh = make(chan os.Signal, 1)
	)
	relay.QueueTasks(tasks, listener)
	queueArbitration(tasks)

	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "relay task failed")
	log.Info("goodbye")

	return nil
}

// queueArbitration wires the payments stack and queues the subtask timeout
// sweeper: overdue arbitration cases are resolved and their claims paid
// through the configured backend.
func queueArbitration(tasks *task.Group) {
	var ethCfg sci.EthereumConfig
	if Config.Payments.Backend == "ethereum" {
		var raw, err = hexutil.Decode(Config.Payments.OperatorKey)
		if err != nil {
			raw, err = hexutil.Decode("0x" + Config.Payments.OperatorKey)
		}
		mbp.Must(err, "decoding operator key")
		operatorKey, err := crypto.ToECDSA(raw)
		mbp.Must(err, "parsing operator key")

		ethCfg = sci.EthereumConfig{
			NodeURL:         Config.Payments.NodeURL,
			DepositContract: common.HexToAddress(Config.Payments.DepositContract),
			OperatorKey:     operatorKey,
			ChainID:         big.NewInt(Config.Payments.ChainID),
		}
	}
	backend, err := sci.NewBackend(tasks.Context(), Config.Payments.Backend, ethCfg)
	mbp.Must(err, "building payments backend")
	service, err := sci.NewService(backend, Config.Payments.AverageBlockTime)
	mbp.Must(err, "building payments service")

	verificationCost, ok := new(big.Int).SetString(Config.Payments.AdditionalVerificationCost, 10)
	if !ok {
		log.WithField("value", Config.Payments.AdditionalVerificationCost).
			Fatal("malformed additional verification cost")
	}

	stores, err := store.Open(Config.Database.Control, Config.Database.Storage)
	mbp.Must(err, "opening stores")

	concentAddr, err := concentEthereumAddress(Config.Payments.ConcentPublicKey, ethCfg.OperatorKey)
	mbp.Must(err, "deriving concent ethereum address")
	var arbitrator = arbitration.New(stores.Control, bankster.New(bankster.Config{
		AdditionalVerificationCost: verificationCost,
		ConcentEthereumAddress:     concentAddr,
	}, stores.Control, service))

	tasks.Queue("arbitration.timeoutSweeper", func() error {
		defer stores.Close()

		var ticker = time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tasks.Context().Done():
				return nil
			case <-ticker.C:
			}
			var resolved, err = arbitrator.HandleTimeouts(tasks.Context(), time.Now().Unix())
			if err != nil {
				log.WithField("err", err).Error("subtask timeout sweep failed")
			} else if resolved > 0 {
				log.WithField("resolved", resolved).Info("resolved overdue subtasks")
			}
		}
	})
}

type cmdMigrate struct{}

func (cmdMigrate) Execute(_ []string) error {
	mbp.InitLog(Config.Log)

	var stores, err = store.Open(Config.Database.Control, Config.Database.Storage)
	mbp.Must(err, "opening stores")
	defer stores.Close()

	mbp.Must(stores.Migrate(context.Background()), "migrating schemas")
	log.WithFields(log.Fields{
		"control": Config.Database.Control,
		"storage": Config.Database.Storage,
	}).Info("database schemas are up to date")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as MiddleMan relay", `
Serve the MiddleMan relay between front-end connections and the Signing
Service, until signaled to exit (via SIGTERM).
`, &cmdServe{})

	_, _ = parser.AddCommand("migrate", "Create database schemas", `
Create or update the control and storage database schemas.
`, &cmdMigrate{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
