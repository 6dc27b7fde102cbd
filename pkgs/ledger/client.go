// Package ledger binds the gateway to the score ledger contract: signed
// writes, per-address read accessors, event log queries, and receipt audit.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"

	abiloader "github.com/feltledger/submission-gateway/pkgs/abi"
	"github.com/feltledger/submission-gateway/pkgs/submissions"
)

// Backend is the subset of ethclient.Client the ledger client uses
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config describes how to reach and sign for the ledger
type Config struct {
	RPCURL     string
	ChainID    int64
	Contract   common.Address
	Game       common.Address
	PrivateKey string
	ABIPath    string
	TxTimeout  time.Duration
}

// Receipt is the confirmed outcome of a ledger write
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// Client binds to the ledger contract
type Client struct {
	backend   Backend
	closer    func()
	contract  common.Address
	game      common.Address
	abi       abi.ABI
	key       *ecdsa.PrivateKey
	signer    common.Address
	chainID   *big.Int
	txTimeout time.Duration

	playerUpdatedSig common.Hash
	handRecordedSig  common.Hash
}

// Dial connects to the configured RPC endpoint
func Dial(cfg Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger RPC: %w", err)
	}

	c, err := New(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.closer = eth.Close
	return c, nil
}

// New creates a client over an existing backend
func New(backend Backend, cfg Config) (*Client, error) {
	key, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer private key: %w", err)
	}

	parsed, err := abiloader.Load(cfg.ABIPath, LedgerABI)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger ABI: %w", err)
	}
	if err := abiloader.Require(parsed, RequiredMethods, RequiredEvents); err != nil {
		return nil, err
	}

	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	c := &Client{
		backend:          backend,
		contract:         cfg.Contract,
		game:             cfg.Game,
		abi:              parsed,
		key:              key,
		signer:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:          big.NewInt(cfg.ChainID),
		txTimeout:        timeout,
		playerUpdatedSig: parsed.Events[EventPlayerDataUpdated].ID,
		handRecordedSig:  parsed.Events[EventHandRecorded].ID,
	}

	log.WithFields(log.Fields{
		"contract": c.contract.Hex(),
		"game":     c.game.Hex(),
		"signer":   c.signer.Hex(),
		"chain_id": cfg.ChainID,
	}).Info("Ledger client initialized")

	return c, nil
}

// Signer returns the account that signs ledger writes
func (c *Client) Signer() common.Address {
	return c.signer
}

// Game returns the competition identity used for scoped reads and log filters
func (c *Client) Game() common.Address {
	return c.game
}

// RecordHand writes a batch of per-hand outcomes and waits for confirmation
func (c *Client) RecordHand(ctx context.Context, sub *submissions.HandSubmission) (*Receipt, error) {
	data, err := c.abi.Pack(MethodRecordHand,
		sub.Players,
		sub.Outcomes,
		new(big.Int).SetUint64(sub.HandID),
		new(big.Int).SetUint64(sub.TableID),
		DeckCommitment(sub.DeckID),
		RequestHash(sub.RequestID))
	if err != nil {
		return nil, &WriteError{Class: ClassGeneric, Method: MethodRecordHand, Err: fmt.Errorf("failed to pack call: %w", err)}
	}
	return c.transact(ctx, MethodRecordHand, data, log.Fields{
		"request_id": sub.RequestID,
		"hand_id":    sub.HandID,
		"table_id":   sub.TableID,
		"players":    len(sub.Players),
	})
}

// UpdatePlayerData writes a single participant's score and transaction delta
func (c *Client) UpdatePlayerData(ctx context.Context, sub *submissions.ScoreSubmission) (*Receipt, error) {
	data, err := c.abi.Pack(MethodUpdatePlayerData,
		sub.Player,
		new(big.Int).SetUint64(sub.ScoreDelta),
		new(big.Int).SetUint64(sub.TransactionDelta))
	if err != nil {
		return nil, &WriteError{Class: ClassGeneric, Method: MethodUpdatePlayerData, Err: fmt.Errorf("failed to pack call: %w", err)}
	}
	return c.transact(ctx, MethodUpdatePlayerData, data, log.Fields{
		"request_id": sub.RequestID,
		"player":     sub.Player.Hex(),
	})
}

// transact signs, sends and waits for one transaction. Callers must serialize
// calls since the nonce is read from the pending state.
func (c *Client) transact(ctx context.Context, method string, data []byte, fields log.Fields) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()

	msg := ethereum.CallMsg{
		From: c.signer,
		To:   &c.contract,
		Data: data,
	}
	gasLimit, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, writeFailure(method, "", fmt.Errorf("failed to estimate gas: %w", err))
	}
	// Add 20% buffer
	gasLimit = gasLimit * 12 / 10

	nonce, err := c.backend.PendingNonceAt(ctx, c.signer)
	if err != nil {
		return nil, writeFailure(method, "", fmt.Errorf("failed to get nonce: %w", err))
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, writeFailure(method, "", fmt.Errorf("failed to get gas price: %w", err))
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, writeFailure(method, "", fmt.Errorf("failed to sign transaction: %w", err))
	}
	txHash := signedTx.Hash().Hex()

	log.WithFields(fields).WithFields(log.Fields{
		"method":    method,
		"tx_hash":   txHash,
		"gas_limit": gasLimit,
		"gas_price": gasPrice.String(),
		"nonce":     nonce,
	}).Info("Submitting ledger write")

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, writeFailure(method, "", fmt.Errorf("failed to send transaction: %w", err))
	}

	receipt, err := bind.WaitMined(ctx, c.backend, signedTx)
	if err != nil {
		return nil, writeFailure(method, txHash, fmt.Errorf("failed waiting for receipt: %w", err))
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		log.WithFields(fields).WithField("tx_hash", txHash).Error("Ledger write reverted")
		return nil, writeFailure(method, txHash, ErrReverted)
	}

	result := &Receipt{
		TxHash:  txHash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}

	log.WithFields(fields).WithFields(log.Fields{
		"tx_hash":      result.TxHash,
		"block_number": result.BlockNumber,
		"gas_used":     result.GasUsed,
	}).Info("Ledger write confirmed")

	return result, nil
}

// Close closes the RPC connection, if this client owns it
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}
