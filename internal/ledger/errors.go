package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/internal/compliance"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
)

var (
	ErrLedgerSealed     = errors.New("ledger is sealed")
	ErrChainConflict    = errors.New("chain head moved during append")
	ErrIntegrityFailure = errors.New("ledger integrity check failed")
	ErrRecordNotFound   = errors.New("record not found")
	ErrInvalidChainID   = errors.New("invalid chain id")
)

// ComplianceError rejects an event whose violations met the blocking threshold.
type ComplianceError struct {
	Decision compliance.Decision
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("compliance violation: %d blocking of %d reported", len(e.Decision.Blocking), len(e.Decision.Violations))
}

// Violations returns every violation found, blocking or not.
func (e *ComplianceError) Violations() []compliance.Violation {
	return e.Decision.Violations
}

// StorageError is returned by stores. Transient failures may succeed on retry.
type StorageError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	kind := "durable"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("storage %s (%s): %v", e.Op, kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable storage failure.
func Transient(op string, err error) error {
	return &StorageError{Op: op, Transient: true, Err: err}
}

// Durable wraps err as a non-retryable storage failure.
func Durable(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IntegrityError converts a failed report into an INTEGRITY_FAILURE error
// carrying the tamper location. It returns nil for a valid report.
func IntegrityError(report chain.Report) error {
	if report.Valid {
		return nil
	}
	return pkgerrors.Wrap(pkgerrors.CodeIntegrityFailure, ErrIntegrityFailure,
		fmt.Sprintf("chain %s broken at index %d: %s", report.ChainID, report.TamperIndex, report.Reason)).
		WithDetails(report)
}

// translate maps ledger, store and context failures onto typed API errors.
// A StorageError wins over any code carried by the error it wraps; other
// errors that already carry a code pass through.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeTimeout, err, op+" timed out")
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		if storageErr.Transient {
			return pkgerrors.Wrap(pkgerrors.CodeStorageTransient, err, "storage temporarily unavailable")
		}
		return pkgerrors.Wrap(pkgerrors.CodeStorageDurable, err, "storage failure")
	}
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	var complianceErr *ComplianceError
	if errors.As(err, &complianceErr) {
		return pkgerrors.Wrap(pkgerrors.CodeComplianceViolation, err, "event rejected by compliance rules").
			WithDetails(complianceErr.Decision)
	}
	switch {
	case errors.Is(err, ErrLedgerSealed):
		return pkgerrors.Wrap(pkgerrors.CodeLedgerSealed, err, "ledger is sealed")
	case errors.Is(err, ErrChainConflict):
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "concurrent append detected")
	case errors.Is(err, ErrRecordNotFound):
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "record not found")
	case errors.Is(err, ErrInvalidChainID):
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid chain id")
	case errors.Is(err, compliance.ErrRuleSetNotFound):
		return pkgerrors.Wrap(pkgerrors.CodeRuleSetNotFound, err, "rule set not found")
	case errors.Is(err, context.Canceled):
		return pkgerrors.Wrap(pkgerrors.CodeTimeout, err, op+" canceled")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, op+" failed")
}
