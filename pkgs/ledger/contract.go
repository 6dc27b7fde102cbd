package ledger

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Contract entry points and events the gateway depends on
const (
	MethodRecordHand        = "recordHand"
	MethodUpdatePlayerData  = "updatePlayerData"
	MethodGameScore         = "scoreOfPlayerInGame"
	MethodGameTransactions  = "transactionsOfPlayerInGame"
	MethodTotalScore        = "totalScoreOfPlayer"
	MethodTotalTransactions = "totalTransactionsOfPlayer"

	EventPlayerDataUpdated = "PlayerDataUpdated"
	EventHandRecorded      = "HandRecorded"
)

// RequiredMethods lists every method an ABI override must provide
var RequiredMethods = []string{
	MethodRecordHand, MethodUpdatePlayerData,
	MethodGameScore, MethodGameTransactions,
	MethodTotalScore, MethodTotalTransactions,
}

// RequiredEvents lists every event an ABI override must provide
var RequiredEvents = []string{EventPlayerDataUpdated, EventHandRecorded}

// Scope selects which ledger accounting a read targets
type Scope string

const (
	ScopeCompetition Scope = "competition"
	ScopeGlobal      Scope = "global"
)

// ParseScope maps a query value onto a Scope; empty means competition
func ParseScope(raw string) (Scope, bool) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeCompetition, "game":
		return ScopeCompetition, true
	case ScopeGlobal, "total":
		return ScopeGlobal, true
	}
	return "", false
}

// Metric is a per-address total tracked by the ledger
type Metric int

const (
	MetricScore Metric = iota
	MetricTransactions
)

func (m Metric) String() string {
	if m == MetricTransactions {
		return "transactions"
	}
	return "score"
}

// DeckCommitment converts a deck identifier into the bytes32 the ledger stores.
// A 0x-prefixed 32-byte hex value is used as-is; anything else is hashed.
func DeckCommitment(deckID string) common.Hash {
	if len(deckID) == 66 && (strings.HasPrefix(deckID, "0x") || strings.HasPrefix(deckID, "0X")) {
		if b, err := hex.DecodeString(deckID[2:]); err == nil {
			return common.BytesToHash(b)
		}
	}
	return crypto.Keccak256Hash([]byte(deckID))
}

// RequestHash is the on-ledger form of an idempotency key
func RequestHash(requestID string) common.Hash {
	return crypto.Keccak256Hash([]byte(requestID))
}

// LedgerABI is the embedded contract interface. recordHand emits HandRecorded
// plus one PlayerDataUpdated per player, keyed by the calling game.
const LedgerABI = `[
	{
		"inputs": [
			{"internalType": "address[]", "name": "players", "type": "address[]"},
			{"internalType": "bool[]", "name": "outcomes", "type": "bool[]"},
			{"internalType": "uint256", "name": "handId", "type": "uint256"},
			{"internalType": "uint256", "name": "tableId", "type": "uint256"},
			{"internalType": "bytes32", "name": "deckId", "type": "bytes32"},
			{"internalType": "bytes32", "name": "requestId", "type": "bytes32"}
		],
		"name": "recordHand",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "player", "type": "address"},
			{"internalType": "uint256", "name": "scoreAmount", "type": "uint256"},
			{"internalType": "uint256", "name": "transactionAmount", "type": "uint256"}
		],
		"name": "updatePlayerData",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "game", "type": "address"},
			{"internalType": "address", "name": "player", "type": "address"}
		],
		"name": "scoreOfPlayerInGame",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "game", "type": "address"},
			{"internalType": "address", "name": "player", "type": "address"}
		],
		"name": "transactionsOfPlayerInGame",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "player", "type": "address"}],
		"name": "totalScoreOfPlayer",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "player", "type": "address"}],
		"name": "totalTransactionsOfPlayer",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "game", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "player", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "scoreAmount", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "transactionAmount", "type": "uint256"}
		],
		"name": "PlayerDataUpdated",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "uint256", "name": "handId", "type": "uint256"},
			{"indexed": true, "internalType": "uint256", "name": "tableId", "type": "uint256"},
			{"indexed": false, "internalType": "bytes32", "name": "deckId", "type": "bytes32"},
			{"indexed": false, "internalType": "bytes32", "name": "requestId", "type": "bytes32"},
			{"indexed": false, "internalType": "address[]", "name": "players", "type": "address[]"},
			{"indexed": false, "internalType": "bool[]", "name": "outcomes", "type": "bool[]"}
		],
		"name": "HandRecorded",
		"type": "event"
	}
]`
