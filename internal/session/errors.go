package session

import (
	"errors"
	"fmt"
)

// ErrBadVersion is returned by the read-lock manager when a caller asks to
// pin a specific version that is no longer available in the ring.
var ErrBadVersion = errors.New("session: requested version is no longer available")

// ErrSessionRestartRequired is the unrecoverable runtime error raised when a
// writer's crash inside the commit critical phase is detected by a later
// participant. The only way forward is to tear down and reinitialize the
// session file.
var ErrSessionRestartRequired = errors.New("session: crash of other process detected, session restart required")

// ErrFutexTimeout is returned by the condvar layer when a bounded wait
// expires before the watched word changed.
var ErrFutexTimeout = errors.New("session: wait timed out")

// ErrSegmentTooSmall is returned when a mapped session file is shorter than
// headerSize, which can only mean a previous initializer crashed between
// creating the file and truncating it to size.
var ErrSegmentTooSmall = errors.New("session: lock file is smaller than the session header")

// IncompatibleLockFileError is raised when a joining participant's
// understanding of the session header layout does not match what is
// already on disk: layout version, embedded mutex/condvar size, or a dead
// liveness probe on a process-shared primitive.
type IncompatibleLockFileError struct {
	Reason string
}

func (e *IncompatibleLockFileError) Error() string {
	return fmt.Sprintf("session: incompatible lock file: %s", e.Reason)
}

// InvalidDatabaseError wraps a failure to validate the database file
// attached by the Allocator collaborator.
type InvalidDatabaseError struct {
	Path string
	Err  error
}

func (e *InvalidDatabaseError) Error() string {
	return fmt.Sprintf("session: invalid database %q: %v", e.Path, e.Err)
}

func (e *InvalidDatabaseError) Unwrap() error { return e.Err }

// FileFormatUpgradeRequiredError is raised when the stored file-format
// version is below the target version and no upgrade callback was
// configured to bring it forward under a write transaction.
type FileFormatUpgradeRequiredError struct {
	Stored, Target uint8
}

func (e *FileFormatUpgradeRequiredError) Error() string {
	return fmt.Sprintf("session: file format upgrade required: stored=%d target=%d", e.Stored, e.Target)
}

// LogicErrorKind enumerates the protocol-misuse cases that LogicError can
// represent.
type LogicErrorKind int

const (
	// WrongTransactState means the transaction state machine observed an
	// illegal transition (e.g. commit from Ready).
	WrongTransactState LogicErrorKind = iota
	// MixedDurability means a joiner requested a durability level that
	// disagrees with the durability recorded by the session initiator.
	MixedDurability
	// MixedHistoryType means a joiner's history type is incompatible with
	// the one stored by the session initiator, per the compatibility
	// matrix in the coordinator.
	MixedHistoryType
	// MixedEncryption means a process other than the session initiator
	// tried to join an encrypted session.
	MixedEncryption
)

func (k LogicErrorKind) String() string {
	switch k {
	case WrongTransactState:
		return "wrong_transact_state"
	case MixedDurability:
		return "mixed_durability"
	case MixedHistoryType:
		return "mixed_history_type"
	case MixedEncryption:
		return "mixed_encryption"
	default:
		return "unknown"
	}
}

// LogicError reports caller protocol misuse. No shared state is mutated
// before a LogicError is raised.
type LogicError struct {
	Kind    LogicErrorKind
	Message string
}

func (e *LogicError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session: logic error: %s", e.Kind)
	}
	return fmt.Sprintf("session: logic error: %s: %s", e.Kind, e.Message)
}

func newLogicError(kind LogicErrorKind, format string, args ...any) *LogicError {
	return &LogicError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
