package concurrency

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokuhirom/murodb/core/cipher"
	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/pager"
	"github.com/tokuhirom/murodb/core/recovery"
	"github.com/tokuhirom/murodb/core/transaction"
	"github.com/tokuhirom/murodb/core/wal"
	"github.com/tokuhirom/murodb/internal/logging"
)

// Session is the client-facing handle a collaborator (SQL executor, FTS,
// murowalinspect) opens once per process-database pairing: it wraps
// (Pager, WAL, Transaction?, PoisonFlag, CheckpointPolicy) (spec.md §4.9).
// A reader/writer lock guards every API call intra-process; an OS advisory
// lock on the `.lock` sidecar guards inter-process access. Poisoning is
// sticky: once a commit returns CommitInDoubt, every later call returns
// dberr.ErrSessionPoisoned until the session is closed and reopened (which
// triggers recovery).
type Session struct {
	ID uuid.UUID

	dbPath   string
	walPath  string
	lockPath string

	pg   *pager.Pager
	w    *wal.Writer
	lock *FileLock
	log  *zap.Logger

	mu        sync.RWMutex // intra-process reader/writer discipline (spec.md §4.9)
	policy    CheckpointPolicy
	cp        checkpointState
	poisoned  atomic.Bool
	activeTxn *transaction.Transaction
}

func sidecarPaths(dbPath string) (walPath, lockPath string) {
	return dbPath + ".wal", dbPath + ".lock"
}

// Create initializes a brand-new database file plus its WAL and lock
// sidecars, and returns a ready-to-use Session.
func Create(dbPath string, passphrase []byte, suite cipher.Suite, logger *zap.Logger) (*Session, error) {
	log := logging.OrDefault(logger)
	walPath, lockPath := sidecarPaths(dbPath)

	lock, err := OpenFileLock(lockPath)
	if err != nil {
		return nil, err
	}
	if err := lock.LockExclusive(); err != nil {
		lock.Close()
		return nil, err
	}

	pg, err := pager.Create(pager.Options{Path: dbPath, Passphrase: passphrase, Logger: logger}, suite)
	if err != nil {
		lock.Close()
		return nil, err
	}
	w, err := wal.NewWriter(walPath, pg.Cipher(), logger)
	if err != nil {
		pg.Close()
		lock.Close()
		return nil, err
	}

	return newSession(dbPath, walPath, lockPath, pg, w, lock, log), nil
}

// Open opens an existing database, running recovery against its WAL in the
// given mode before the session becomes usable (spec.md "Pager::open /
// open_with_recovery_mode / open_with_recovery_mode_and_report"). The
// returned report describes what recovery committed and skipped.
func Open(dbPath string, passphrase []byte, expectedSuite *cipher.Suite, mode recovery.Mode, logger *zap.Logger) (*Session, *recovery.Report, error) {
	log := logging.OrDefault(logger)
	walPath, lockPath := sidecarPaths(dbPath)

	lock, err := OpenFileLock(lockPath)
	if err != nil {
		return nil, nil, err
	}
	if err := lock.LockExclusive(); err != nil {
		lock.Close()
		return nil, nil, err
	}

	pg, err := pager.Open(pager.Options{Path: dbPath, Passphrase: passphrase, Logger: logger}, expectedSuite)
	if err != nil {
		lock.Close()
		return nil, nil, err
	}

	report, err := recovery.Run(pg, walPath, mode, logger)
	if err != nil {
		pg.Close()
		lock.Close()
		return nil, nil, err
	}

	w, err := wal.NewWriter(walPath, pg.Cipher(), logger)
	if err != nil {
		pg.Close()
		lock.Close()
		return nil, nil, err
	}

	return newSession(dbPath, walPath, lockPath, pg, w, lock, log), report, nil
}

func newSession(dbPath, walPath, lockPath string, pg *pager.Pager, w *wal.Writer, lock *FileLock, log *zap.Logger) *Session {
	return &Session{
		ID:       uuid.New(),
		dbPath:   dbPath,
		walPath:  walPath,
		lockPath: lockPath,
		pg:       pg,
		w:        w,
		lock:     lock,
		log:      log,
		policy:   LoadCheckpointPolicyFromEnv(),
		cp:       checkpointState{lastCheckpoint: time.Now()},
	}
}

func (s *Session) requireNotPoisoned() error {
	if s.poisoned.Load() {
		return fmt.Errorf("%w: session %s", dberr.ErrSessionPoisoned, s.ID)
	}
	return nil
}

// RefreshIfNeeded invokes refresh_from_disk_if_changed under a shared lock,
// for use between statements when no explicit transaction is active
// (spec.md §4.9), so commits from another process become visible.
func (s *Session) RefreshIfNeeded() error {
	if err := s.requireNotPoisoned(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.lock.LockShared(); err != nil {
		return err
	}
	defer s.lock.Unlock()
	return s.pg.RefreshFromDiskIfChanged()
}

// Begin acquires the exclusive intra-process and inter-process locks and
// starts a new transaction. Every statement of an explicit transaction is
// expected to call Begin/Commit (or Rollback) around itself, per spec.md
// §4.9's "locks are held per call, not per transaction".
func (s *Session) Begin() (*transaction.Transaction, error) {
	if err := s.requireNotPoisoned(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.lock.LockExclusive(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	txn := transaction.Begin(s.pg, s.w, s.pg.NextTxID(), s.log)
	s.activeTxn = txn
	return txn, nil
}

// endCall releases the locks acquired by Begin, regardless of outcome.
func (s *Session) endCall() {
	s.activeTxn = nil
	_ = s.lock.Unlock()
	s.mu.Unlock()
}

// Commit commits txn (which must be the transaction returned by the most
// recent Begin), releases the locks, and triggers a checkpoint if the
// configured policy's thresholds are met. A CommitInDoubt result poisons
// the session: every subsequent call returns dberr.ErrSessionPoisoned until
// the session is closed and reopened, which runs recovery.
func (s *Session) Commit(txn *transaction.Transaction) error {
	defer s.endCall()

	err := txn.Commit()
	if err != nil {
		if errors.Is(err, dberr.ErrCommitInDoubt) {
			s.poisoned.Store(true)
			s.log.Error("transaction commit in doubt; session poisoned",
				zap.Uint64("txid", txn.TxID()), zap.Error(err))
		}
		return err
	}

	s.cp.txSinceCheckpoint++
	s.maybeCheckpoint()
	return nil
}

// Rollback discards txn and releases the locks acquired by Begin. Rollback
// never poisons the session: it never touches the WAL or the Pager.
func (s *Session) Rollback(txn *transaction.Transaction) {
	defer s.endCall()
	txn.Rollback()
}

// maybeCheckpoint runs the checkpoint-trigger policy (spec.md §6); a
// checkpoint here discards the WAL tail now that every committed
// transaction's pages and header are durable in the data file. Failures
// are logged at Error and otherwise dropped: no failure counter is kept,
// and nothing is propagated to the commit path.
func (s *Session) maybeCheckpoint() {
	walBytes := int64(s.w.CurrentLSN())
	if !s.policy.shouldCheckpoint(s.cp, walBytes, time.Now()) {
		return
	}
	if err := s.w.CheckpointTruncate(); err != nil {
		s.log.Error("checkpoint failed", zap.Error(err))
		return
	}
	s.cp.txSinceCheckpoint = 0
	s.cp.lastCheckpoint = time.Now()
}

// Close closes the WAL writer, the Pager, and releases the advisory lock.
// It does not remove the `.lock` sidecar file itself (spec.md §6: its
// contents and lifetime are not interpreted beyond the lock call).
func (s *Session) Close() error {
	var firstErr error
	if err := s.w.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.pg.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Pager exposes the underlying Pager for read-only collaborators (e.g. the
// B+tree via btree.FromPager) that don't need to go through a transaction.
func (s *Session) Pager() *pager.Pager { return s.pg }

// DBPath, WALPath, and LockPath report the session's three on-disk file
// paths, for diagnostics (e.g. murowalinspect).
func (s *Session) DBPath() string   { return s.dbPath }
func (s *Session) WALPath() string  { return s.walPath }
func (s *Session) LockPath() string { return s.lockPath }

// Exists reports whether a database file already exists at path, to let a
// caller decide between Create and Open.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
