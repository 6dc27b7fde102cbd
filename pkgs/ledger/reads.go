package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"
)

// PlayerEvent is a decoded PlayerDataUpdated log
type PlayerEvent struct {
	Game              common.Address `json:"game"`
	Player            common.Address `json:"player"`
	ScoreAmount       string         `json:"scoreAmount"`
	TransactionAmount string         `json:"transactionAmount"`
	BlockNumber       uint64         `json:"blockNumber"`
	TxHash            string         `json:"txHash"`
}

// ReadMetric reads one per-address total in the given scope
func (c *Client) ReadMetric(ctx context.Context, scope Scope, metric Metric, player common.Address) (uint64, error) {
	method, args := c.metricCall(scope, metric, player)

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	msg := ethereum.CallMsg{
		To:   &c.contract,
		From: c.signer,
		Data: data,
	}
	result, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to call %s: %w", method, err)
	}

	var value *big.Int
	if err := c.abi.UnpackIntoInterface(&value, method, result); err != nil {
		return 0, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if value == nil {
		return 0, nil
	}
	if !value.IsUint64() {
		return 0, fmt.Errorf("%s for %s overflows uint64: %s", method, player.Hex(), value.String())
	}
	return value.Uint64(), nil
}

func (c *Client) metricCall(scope Scope, metric Metric, player common.Address) (string, []interface{}) {
	if scope == ScopeGlobal {
		if metric == MetricTransactions {
			return MethodTotalTransactions, []interface{}{player}
		}
		return MethodTotalScore, []interface{}{player}
	}
	if metric == MetricTransactions {
		return MethodGameTransactions, []interface{}{c.game, player}
	}
	return MethodGameScore, []interface{}{c.game, player}
}

// HeadBlock returns the current ledger height
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get ledger head: %w", err)
	}
	return head, nil
}

// PlayerEvents returns the competition's PlayerDataUpdated logs in [from, to]
func (c *Client) PlayerEvents(ctx context.Context, from, to uint64) ([]PlayerEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{
			{c.playerUpdatedSig},
			{common.BytesToHash(c.game.Bytes())},
		},
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s logs in [%d, %d]: %w", EventPlayerDataUpdated, from, to, err)
	}

	events := make([]PlayerEvent, 0, len(logs))
	for _, vLog := range logs {
		if event := c.parsePlayerEvent(vLog); event != nil {
			events = append(events, *event)
		}
	}
	return events, nil
}

// parsePlayerEvent decodes PlayerDataUpdated(address indexed game, address indexed player, uint256, uint256)
func (c *Client) parsePlayerEvent(vLog types.Log) *PlayerEvent {
	if len(vLog.Topics) < 3 || vLog.Topics[0] != c.playerUpdatedSig {
		log.Debugf("Skipping log with %d topics at block %d", len(vLog.Topics), vLog.BlockNumber)
		return nil
	}
	if len(vLog.Data) < 64 {
		log.Warnf("Invalid %s data: expected at least 64 bytes, got %d", EventPlayerDataUpdated, len(vLog.Data))
		return nil
	}

	return &PlayerEvent{
		Game:              common.BytesToAddress(vLog.Topics[1].Bytes()),
		Player:            common.BytesToAddress(vLog.Topics[2].Bytes()),
		ScoreAmount:       new(big.Int).SetBytes(vLog.Data[0:32]).String(),
		TransactionAmount: new(big.Int).SetBytes(vLog.Data[32:64]).String(),
		BlockNumber:       vLog.BlockNumber,
		TxHash:            vLog.TxHash.Hex(),
	}
}
