package acid

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// LockAcquisitionFailure means commit-time locking could not complete
	// within the transaction's time budget.
	LockAcquisitionFailure
	// StateFailure means an operation was attempted on a non-open atomic
	// operation.
	StateFailure
	// TransactionStateFailure is StateFailure reported by a Transaction, so
	// callers can tell "this whole transaction is dead" from "one
	// sub-operation failed".
	TransactionStateFailure
	// PreemptionFailure means a watched token fired a version change before
	// commit. Recoverable by retrying with fresh reads.
	PreemptionFailure
	// DurabilityFailure means the backup file could not be written, forced
	// or deleted. Fatal to the commit attempt, never downgraded.
	DurabilityFailure
	// BackupCorruption is recovery-only: backup bytes failed to deserialize.
	BackupCorruption
)

func (c ErrorCode) String() string {
	switch c {
	case LockAcquisitionFailure:
		return "lock acquisition failure"
	case StateFailure:
		return "state failure"
	case TransactionStateFailure:
		return "transaction state failure"
	case PreemptionFailure:
		return "preemption failure"
	case DurabilityFailure:
		return "durability failure"
	case BackupCorruption:
		return "backup corruption"
	}
	return "unknown"
}

// Error is the module's coded error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d(%s), user data: %v, details: %w", e.Code, e.Code, e.UserData, e.Err).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// HasCode reports whether err or anything it wraps is an Error carrying code.
func HasCode(err error, code ErrorCode) bool {
	var e Error
	for {
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
}
