package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// WriteClass buckets ledger write failures for the caller
type WriteClass string

const (
	ClassInsufficientFunds WriteClass = "insufficient_funds"
	ClassAccessDenied      WriteClass = "access_denied"
	ClassReverted          WriteClass = "reverted"
	ClassGeneric           WriteClass = "generic"
)

// WriteError is returned by every failed ledger mutation
type WriteError struct {
	Class  WriteClass
	Method string
	TxHash string // empty when the transaction never reached the ledger
	Err    error
}

func (e *WriteError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s %s (tx %s): %v", e.Method, e.Class, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.Class, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ErrReverted marks a mined transaction whose receipt reports failure
var ErrReverted = errors.New("transaction reverted")

var accessDeniedMarkers = []string{
	"ownable",
	"not owner",
	"unauthorized",
	"not authorized",
	"accesscontrol",
	"access denied",
	"caller is not",
	"only game",
}

// Classify inspects an RPC or receipt error and returns its class
func Classify(err error) WriteClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrReverted) {
		return ClassReverted
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") {
		return ClassInsufficientFunds
	}
	for _, marker := range accessDeniedMarkers {
		if strings.Contains(msg, marker) {
			return ClassAccessDenied
		}
	}
	if strings.Contains(msg, "revert") {
		return ClassReverted
	}
	return ClassGeneric
}

func writeFailure(method, txHash string, err error) *WriteError {
	return &WriteError{Class: Classify(err), Method: method, TxHash: txHash, Err: err}
}
