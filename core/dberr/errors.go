// Package dberr defines the typed error kinds shared by every layer of the
// murodb storage core: cipher, page, freelist, pager, WAL, recovery,
// transaction, and B+tree. Callers are expected to use errors.Is / errors.As
// against these sentinels rather than string-matching messages.
package dberr

import "errors"

// Sentinel error kinds. Concrete errors returned by the core wrap one of
// these with fmt.Errorf("...: %w", ...) so context travels with the kind.
var (
	// ErrIO wraps an underlying read/write/fsync/rename failure.
	ErrIO = errors.New("io error")

	// ErrIntegrity is returned when an AEAD tag fails to authenticate a
	// page or WAL frame.
	ErrIntegrity = errors.New("integrity error: authentication failed")

	// ErrCorruption is returned for structural violations: bad magic,
	// freelist cycles, header CRC mismatch, out-of-range page ids, or a
	// B+tree node invariant violation.
	ErrCorruption = errors.New("corruption error")

	// ErrUnsupportedVersion is returned when the on-disk format version
	// does not match what this build understands.
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ErrWrongSuite is returned when the header's encryption suite does
	// not match what the caller expected to open.
	ErrWrongSuite = errors.New("wrong encryption suite")

	// ErrRecoveryRejection is returned (strict mode) or accumulated
	// (permissive mode) when a WAL transaction fails state-machine
	// validation during recovery.
	ErrRecoveryRejection = errors.New("recovery rejection")

	// ErrCommitAborted is returned for a pre-WAL-sync commit failure; the
	// transaction never touched the database file.
	ErrCommitAborted = errors.New("commit aborted")

	// ErrCommitInDoubt is returned for a post-WAL-sync commit failure;
	// the transaction is durable in the WAL but the session is poisoned.
	ErrCommitInDoubt = errors.New("commit in doubt")

	// ErrSessionPoisoned is returned by every operation on a session that
	// previously produced ErrCommitInDoubt.
	ErrSessionPoisoned = errors.New("session poisoned")

	// ErrDoubleFree is returned when freeing a page id already present
	// in the freelist.
	ErrDoubleFree = errors.New("double free")

	// ErrOutOfRange is returned for a page id outside [0, page_count).
	ErrOutOfRange = errors.New("page id out of range")

	// ErrKeyNotFound reports an absent key. The B+tree does not return it:
	// BTree.Search and BTree.Delete report absence through their boolean
	// results.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKdf is returned when key derivation fails (e.g. malformed salt).
	ErrKdf = errors.New("kdf error")
)

// RejectionCode is a machine-readable skip code attached to a
// RecoveryRejectionError, matching the wire-visible codes in the WAL
// recovery state machine.
type RejectionCode string

const (
	RecordBeforeBegin       RejectionCode = "RecordBeforeBegin"
	DuplicateBegin          RejectionCode = "DuplicateBegin"
	RecordAfterTerminal     RejectionCode = "RecordAfterTerminal"
	DuplicateTerminal       RejectionCode = "DuplicateTerminal"
	CommitLsnMismatch       RejectionCode = "CommitLsnMismatch"
	CommitWithoutMetaUpdate RejectionCode = "CommitWithoutMetaUpdate"
	PagePutIDMismatch       RejectionCode = "PagePutIdMismatch"
	FrameIntegrity          RejectionCode = "FrameIntegrity"
)

// RecoveryRejectionError is the concrete error type behind
// ErrRecoveryRejection; it carries the rejected transaction id and the
// reason code so strict-mode callers and permissive-mode reports can both
// consume it.
type RecoveryRejectionError struct {
	TxID uint64
	Code RejectionCode
}

func (e *RecoveryRejectionError) Error() string {
	return "recovery rejection: txid=" + itoa(e.TxID) + " code=" + string(e.Code)
}

func (e *RecoveryRejectionError) Unwrap() error { return ErrRecoveryRejection }

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
