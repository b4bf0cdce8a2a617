package validator

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Set of consensus rule violations. A block failing any of these is invalid
// and is never retried.
var (
	ErrInvalidProofOfWork     = errors.New("proof of work does not meet target")
	ErrBadDifficulty          = errors.New("target easier than the pow limit")
	ErrInvalidMerkleRoot      = errors.New("merkle root does not match transactions")
	ErrTimestampOutOfRange    = errors.New("timestamp out of range")
	ErrNoTransactions         = errors.New("block has no transactions")
	ErrTooManyTransactions    = errors.New("block has too many transactions")
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrDuplicateInput         = errors.New("transaction spends an output twice")
	ErrBadCoinbase            = errors.New("bad coinbase")
	ErrBadOutput              = errors.New("bad transaction output")
	ErrMissingOrSpentInput    = errors.New("input missing or spent")
	ErrImmatureSpend          = errors.New("coinbase output spent before maturity")
	ErrValueOverflow          = errors.New("value overflow")
	ErrNegativeFee            = errors.New("outputs exceed inputs")
	ErrScriptValidationFailed = errors.New("spend authorization failed")
	ErrCheckpointMismatch     = errors.New("block does not match checkpoint")
	ErrForkBeforeCheckpoint   = errors.New("fork point below last checkpoint")
	ErrInvalidAncestor        = errors.New("block builds on an invalid block")
)

// ErrUndoDataMismatch means the ledger no longer agrees with the undo record
// of a block. The ledger can not be trusted after this.
var ErrUndoDataMismatch = errors.New("undo data does not match ledger")

// =============================================================================

// RejectCode classifies a rejection for the peer that sent the block.
type RejectCode uint8

// Set of reject codes.
const (
	RejectMalformed  RejectCode = 0x01
	RejectInvalid    RejectCode = 0x10
	RejectObsolete   RejectCode = 0x11
	RejectDuplicate  RejectCode = 0x12
	RejectCheckpoint RejectCode = 0x43
)

// String implements the fmt.Stringer interface.
func (rc RejectCode) String() string {
	switch rc {
	case RejectMalformed:
		return "malformed"
	case RejectInvalid:
		return "invalid"
	case RejectObsolete:
		return "obsolete"
	case RejectDuplicate:
		return "duplicate"
	case RejectCheckpoint:
		return "checkpoint"
	}
	return fmt.Sprintf("reject(%#x)", uint8(rc))
}

// ValidationError is used to pass a consensus rule violation through the
// chain store with the information a peer relay needs to react.
type ValidationError struct {
	Err    error
	Hash   chainhash.Hash
	Code   RejectCode
	DoS    int
	Detail string
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	if ve.Detail == "" {
		return fmt.Sprintf("block %s rejected: %s", ve.Hash, ve.Err)
	}
	return fmt.Sprintf("block %s rejected: %s: %s", ve.Hash, ve.Err, ve.Detail)
}

// Unwrap allows errors.Is to match the rule that was violated.
func (ve *ValidationError) Unwrap() error {
	return ve.Err
}

// IsValidationError checks if an error of type ValidationError exists.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// GetValidationError returns a copy of the ValidationError pointer.
func GetValidationError(err error) *ValidationError {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return nil
	}
	return ve
}

// NewValidationError constructs a validation error for a rule checked
// outside of this package.
func NewValidationError(hash chainhash.Hash, err error, detail string) error {
	return reject(hash, err, "%s", detail)
}

// reject constructs a validation error with the code and score that
// belongs to the rule.
func reject(hash chainhash.Hash, err error, format string, args ...any) error {
	code, dos := RejectInvalid, 100

	switch {
	case errors.Is(err, ErrInvalidMerkleRoot), errors.Is(err, ErrNoTransactions),
		errors.Is(err, ErrTooManyTransactions), errors.Is(err, ErrBadOutput):
		code = RejectMalformed
	case errors.Is(err, ErrDuplicateTransaction):
		code = RejectDuplicate
	case errors.Is(err, ErrCheckpointMismatch), errors.Is(err, ErrForkBeforeCheckpoint):
		code = RejectCheckpoint
	case errors.Is(err, ErrTimestampOutOfRange):
		dos = 0
	}

	return &ValidationError{
		Err:    err,
		Hash:   hash,
		Code:   code,
		DoS:    dos,
		Detail: fmt.Sprintf(format, args...),
	}
}
