package submissions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// MaxPlayersPerHand bounds a single batch
	MaxPlayersPerHand = 10
	maxRequestIDLen   = 128
	maxDeckIDLen      = 256
)

// ValidationError describes input the client must fix before retrying
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Accepted aliases per logical field. The first name is canonical.
var (
	handAliases = map[string][]string{
		"players":   {"players", "playerAddresses", "addresses"},
		"outcomes":  {"outcomes", "results", "wins"},
		"handId":    {"handId", "hand_id", "sessionId"},
		"tableId":   {"tableId", "table_id"},
		"deckId":    {"deckId", "deck_id", "deckCommitment"},
		"requestId": {"requestId", "request_id", "idempotencyKey"},
	}
	scoreAliases = map[string][]string{
		"player":            {"player", "playerAddress", "address"},
		"scoreAmount":       {"scoreAmount", "score", "scoreDelta"},
		"transactionAmount": {"transactionAmount", "transactions", "transactionDelta"},
		"requestId":         {"requestId", "request_id", "idempotencyKey"},
	}
)

// DecodeHand normalizes a raw JSON body (with any accepted field aliases) into a
// validated HandSubmission. headerKey is the Idempotency-Key header value, if any.
func DecodeHand(body []byte, headerKey string) (*HandSubmission, error) {
	fields, err := resolveFields(body, handAliases)
	if err != nil {
		return nil, err
	}

	sub := &HandSubmission{}

	var rawPlayers []string
	if err := decodeRequired(fields, "players", &rawPlayers); err != nil {
		return nil, err
	}
	if err := decodeRequired(fields, "outcomes", &sub.Outcomes); err != nil {
		return nil, err
	}
	if len(rawPlayers) == 0 {
		return nil, invalid("players", "at least one player is required")
	}
	if len(rawPlayers) > MaxPlayersPerHand {
		return nil, invalid("players", "at most %d players per hand", MaxPlayersPerHand)
	}
	if len(rawPlayers) != len(sub.Outcomes) {
		return nil, invalid("outcomes", "length %d does not match players length %d", len(sub.Outcomes), len(rawPlayers))
	}

	seen := make(map[common.Address]struct{}, len(rawPlayers))
	sub.Players = make([]common.Address, len(rawPlayers))
	for i, raw := range rawPlayers {
		addr, err := ParseAddress(raw)
		if err != nil {
			return nil, invalid(fmt.Sprintf("players[%d]", i), "%v", err)
		}
		if _, dup := seen[addr]; dup {
			return nil, invalid(fmt.Sprintf("players[%d]", i), "duplicate player %s", addr.Hex())
		}
		seen[addr] = struct{}{}
		sub.Players[i] = addr
	}

	if sub.HandID, err = decodeUint(fields, "handId"); err != nil {
		return nil, err
	}
	if sub.TableID, err = decodeUint(fields, "tableId"); err != nil {
		return nil, err
	}
	if err := decodeRequired(fields, "deckId", &sub.DeckID); err != nil {
		return nil, err
	}
	sub.DeckID = strings.TrimSpace(sub.DeckID)
	if sub.DeckID == "" || len(sub.DeckID) > maxDeckIDLen {
		return nil, invalid("deckId", "must be 1-%d characters", maxDeckIDLen)
	}

	if sub.RequestID, err = resolveRequestID(fields, headerKey); err != nil {
		return nil, err
	}
	return sub, nil
}

// DecodeScore normalizes a raw JSON body into a validated ScoreSubmission
func DecodeScore(body []byte, headerKey string) (*ScoreSubmission, error) {
	fields, err := resolveFields(body, scoreAliases)
	if err != nil {
		return nil, err
	}

	sub := &ScoreSubmission{}

	var rawPlayer string
	if err := decodeRequired(fields, "player", &rawPlayer); err != nil {
		return nil, err
	}
	if sub.Player, err = ParseAddress(rawPlayer); err != nil {
		return nil, invalid("player", "%v", err)
	}
	if sub.ScoreDelta, err = decodeUint(fields, "scoreAmount"); err != nil {
		return nil, err
	}
	if _, ok := fields["transactionAmount"]; ok {
		if sub.TransactionDelta, err = decodeUint(fields, "transactionAmount"); err != nil {
			return nil, err
		}
	} else {
		sub.TransactionDelta = 1
	}
	if sub.ScoreDelta == 0 && sub.TransactionDelta == 0 {
		return nil, invalid("scoreAmount", "score and transaction deltas cannot both be zero")
	}

	if sub.RequestID, err = resolveRequestID(fields, headerKey); err != nil {
		return nil, err
	}
	return sub, nil
}

// ParseAddress accepts a 0x-prefixed 20-byte hex address. Mixed-case input must
// carry a valid EIP-55 checksum.
func ParseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return common.Address{}, fmt.Errorf("address %q must be 0x-prefixed", raw)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("malformed address %q", raw)
	}
	addr := common.HexToAddress(raw)
	body := raw[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex() != raw {
		return common.Address{}, fmt.Errorf("bad checksum for address %q", raw)
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address is not a valid participant")
	}
	return addr, nil
}

// resolveFields maps every body key onto its canonical name. Unknown keys and a
// logical field supplied under two aliases are both rejected.
func resolveFields(body []byte, aliases map[string][]string) (map[string]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, invalid("", "request body is required")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, invalid("", "body must be a JSON object: %v", err)
	}

	lookup := make(map[string]string)
	for canonical, names := range aliases {
		for _, name := range names {
			lookup[name] = canonical
		}
	}

	out := make(map[string]json.RawMessage, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		canonical, ok := lookup[key]
		if !ok {
			return nil, invalid(key, "unrecognized field")
		}
		if _, dup := out[canonical]; dup {
			return nil, invalid(key, "field %q supplied more than once", canonical)
		}
		out[canonical] = raw[key]
	}
	return out, nil
}

func decodeRequired(fields map[string]json.RawMessage, name string, dst interface{}) error {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return invalid(name, "is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalid(name, "has the wrong type")
	}
	return nil
}

// decodeUint accepts a non-negative JSON integer or a decimal string
func decodeUint(fields map[string]json.RawMessage, name string) (uint64, error) {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return 0, invalid(name, "is required")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, invalid(name, "must be a non-negative integer")
	}
	return v, nil
}

func resolveRequestID(fields map[string]json.RawMessage, headerKey string) (string, error) {
	headerKey = strings.TrimSpace(headerKey)

	var bodyKey string
	if raw, ok := fields["requestId"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &bodyKey); err != nil {
			return "", invalid("requestId", "must be a string")
		}
		bodyKey = strings.TrimSpace(bodyKey)
	}

	switch {
	case headerKey != "" && bodyKey != "" && headerKey != bodyKey:
		return "", invalid("requestId", "body requestId does not match Idempotency-Key header")
	case headerKey != "":
		bodyKey = headerKey
	case bodyKey == "":
		return "", invalid("requestId", "an idempotency key is required (Idempotency-Key header or requestId)")
	}

	if len(bodyKey) > maxRequestIDLen {
		return "", invalid("requestId", "must be at most %d characters", maxRequestIDLen)
	}
	return bodyKey, nil
}
