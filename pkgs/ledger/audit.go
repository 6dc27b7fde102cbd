package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrReceiptNotFound is returned when the ledger has no receipt for a hash
var ErrReceiptNotFound = errors.New("receipt not found")

// HandEvent is a decoded HandRecorded log
type HandEvent struct {
	HandID    string           `json:"handId"`
	TableID   string           `json:"tableId"`
	DeckID    string           `json:"deckId"`
	RequestID string           `json:"requestId"`
	Players   []common.Address `json:"players"`
	Outcomes  []bool           `json:"outcomes"`
}

// Audit is the decoded view of one write receipt
type Audit struct {
	TxHash        string        `json:"txHash"`
	BlockNumber   uint64        `json:"blockNumber"`
	Status        uint64        `json:"status"`
	GasUsed       uint64        `json:"gasUsed"`
	Hands         []HandEvent   `json:"hands"`
	PlayerUpdates []PlayerEvent `json:"playerUpdates"`
	Unrecognized  int           `json:"unrecognizedLogs"`
}

// AuditReceipt fetches a receipt and decodes the ledger events it carries
func (c *Client) AuditReceipt(ctx context.Context, txHash common.Hash) (*Audit, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to get receipt %s: %w", txHash.Hex(), err)
	}

	audit := &Audit{
		TxHash:        txHash.Hex(),
		Status:        receipt.Status,
		GasUsed:       receipt.GasUsed,
		Hands:         []HandEvent{},
		PlayerUpdates: []PlayerEvent{},
	}
	if receipt.BlockNumber != nil {
		audit.BlockNumber = receipt.BlockNumber.Uint64()
	}

	for _, vLog := range receipt.Logs {
		if vLog == nil || vLog.Address != c.contract || len(vLog.Topics) == 0 {
			audit.Unrecognized++
			continue
		}
		switch vLog.Topics[0] {
		case c.handRecordedSig:
			hand, err := c.parseHandEvent(*vLog)
			if err != nil {
				return nil, err
			}
			audit.Hands = append(audit.Hands, *hand)
		case c.playerUpdatedSig:
			if event := c.parsePlayerEvent(*vLog); event != nil {
				audit.PlayerUpdates = append(audit.PlayerUpdates, *event)
			}
		default:
			audit.Unrecognized++
		}
	}
	return audit, nil
}

// parseHandEvent decodes HandRecorded; handId and tableId are indexed
func (c *Client) parseHandEvent(vLog types.Log) (*HandEvent, error) {
	if len(vLog.Topics) < 3 {
		return nil, fmt.Errorf("invalid %s log: expected 3 topics, got %d", EventHandRecorded, len(vLog.Topics))
	}

	values, err := c.abi.Unpack(EventHandRecorded, vLog.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", EventHandRecorded, err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("invalid %s data: expected 4 values, got %d", EventHandRecorded, len(values))
	}

	deckID, ok1 := values[0].([32]byte)
	requestID, ok2 := values[1].([32]byte)
	players, ok3 := values[2].([]common.Address)
	outcomes, ok4 := values[3].([]bool)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("unexpected %s field types", EventHandRecorded)
	}

	return &HandEvent{
		HandID:    new(big.Int).SetBytes(vLog.Topics[1].Bytes()).String(),
		TableID:   new(big.Int).SetBytes(vLog.Topics[2].Bytes()).String(),
		DeckID:    hexutil.Encode(deckID[:]),
		RequestID: hexutil.Encode(requestID[:]),
		Players:   players,
		Outcomes:  outcomes,
	}, nil
}
