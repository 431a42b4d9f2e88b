package concurrency

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/murodb/core/btree"
	"github.com/tokuhirom/murodb/core/cipher"
	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/recovery"
)

func TestCreateOpenCommitRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "session.murodb")

	s, err := Create(dbPath, nil, cipher.SuitePlaintext, nil)
	require.NoError(t, err)

	txn, err := s.Begin()
	require.NoError(t, err)
	bt := btree.New(0)
	require.NoError(t, bt.Insert(txn, btree.EncodeInt64(1), []byte("hello")))
	require.NoError(t, txn.SetMeta(bt.Root, s.Pager().Epoch()))
	require.NoError(t, s.Commit(txn))
	require.NoError(t, s.Close())

	suite := cipher.SuitePlaintext
	s2, report, err := Open(dbPath, nil, &suite, recovery.ModeStrict, nil)
	require.NoError(t, err)
	defer s2.Close()
	require.NotNil(t, report)

	reader := btree.FromPager(s2.Pager())
	bt2 := btree.New(s2.Pager().CatalogRoot())
	value, found, err := bt2.Search(reader, btree.EncodeInt64(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", string(value))
}

func TestBeginAfterPoisonedSessionRejected(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "poison.murodb")

	s, err := Create(dbPath, nil, cipher.SuitePlaintext, nil)
	require.NoError(t, err)
	defer s.Close()

	s.poisoned.Store(true)

	_, err = s.Begin()
	require.True(t, errors.Is(err, dberr.ErrSessionPoisoned))

	err = s.RefreshIfNeeded()
	require.True(t, errors.Is(err, dberr.ErrSessionPoisoned))
}

func TestRollbackDoesNotPoisonSession(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "rollback.murodb")

	s, err := Create(dbPath, nil, cipher.SuitePlaintext, nil)
	require.NoError(t, err)
	defer s.Close()

	txn, err := s.Begin()
	require.NoError(t, err)
	_, err = txn.AllocatePage()
	require.NoError(t, err)
	s.Rollback(txn)

	require.False(t, s.poisoned.Load())

	_, err = s.Begin()
	require.NoError(t, err)
}

func TestCheckpointTruncatesWalAfterThresholdCommits(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "checkpoint.murodb")

	s, err := Create(dbPath, nil, cipher.SuitePlaintext, nil)
	require.NoError(t, err)
	defer s.Close()
	s.policy = CheckpointPolicy{TxThreshold: 1}

	txn, err := s.Begin()
	require.NoError(t, err)
	id, err := txn.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, txn.SetMeta(id, s.Pager().Epoch()))
	require.NoError(t, s.Commit(txn))

	require.Equal(t, 0, s.cp.txSinceCheckpoint)
}
