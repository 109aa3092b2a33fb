package chain

import (
	"fmt"
)

// ErrorCode identifies a kind of rule violation.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrMalformed indicates structural or cryptographic invariants of a
	// header or body failed. The supplying peer is reported insane.
	ErrMalformed ErrorCode = iota

	// ErrPowInvalid indicates the header's proof of work does not verify.
	ErrPowInvalid

	// ErrBadChainWork indicates a header's cumulative work disagrees
	// with its parent plus its own difficulty.
	ErrBadChainWork

	// ErrUtxoMissing indicates an input references an output absent from
	// the UTXO tree at the stated maturity.
	ErrUtxoMissing

	// ErrKernelDuplicate indicates a kernel is already present in the
	// kernel tree.
	ErrKernelDuplicate

	// ErrKernelWindow indicates the block height is outside a kernel's
	// validity window.
	ErrKernelWindow

	// ErrBadMaturity indicates an output's maturity does not follow from
	// the block height and the coinbase incubation rule.
	ErrBadMaturity

	// ErrBadCoinbaseSum indicates the coinbase outputs do not sum to the
	// block subsidy plus total fees.
	ErrBadCoinbaseSum

	// ErrRootMismatch indicates the commitment-tree roots after applying
	// a candidate block do not equal the roots its header commits to.
	ErrRootMismatch
)

// errorCodeStrings maps error codes back to their constant names.
var errorCodeStrings = map[ErrorCode]string{
	ErrMalformed:       "ErrMalformed",
	ErrPowInvalid:      "ErrPowInvalid",
	ErrBadChainWork:    "ErrBadChainWork",
	ErrUtxoMissing:     "ErrUtxoMissing",
	ErrKernelDuplicate: "ErrKernelDuplicate",
	ErrKernelWindow:    "ErrKernelWindow",
	ErrBadMaturity:     "ErrBadMaturity",
	ErrBadCoinbaseSum:  "ErrBadCoinbaseSum",
	ErrRootMismatch:    "ErrRootMismatch",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a rule violation. It is used to indicate that
// processing of a block or transaction failed due to one of the many
// validation rules. The caller can use errors.As to determine if a failure
// was specifically due to a rule violation and access the ErrorCode field to
// ascertain the specific reason.
type RuleError struct {
	ErrorCode   ErrorCode
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}

// reportsPeerInsane returns whether a violation implicates the supplying
// peer rather than mere bad luck of context. Root mismatches do: the body
// was crafted against its own header's commitments.
func (e RuleError) reportsPeerInsane() bool {
	switch e.ErrorCode {
	case ErrMalformed, ErrPowInvalid, ErrBadChainWork, ErrRootMismatch,
		ErrBadCoinbaseSum:
		return true
	}
	return false
}
