package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/murodb/core/cipher"
	"github.com/tokuhirom/murodb/core/page"
)

func testCipher(t *testing.T) *cipher.Cipher {
	var raw [32]byte
	for i := range raw {
		raw[i] = 0x07
	}
	c, err := cipher.New(cipher.SuiteMisuseResistant, cipher.NewMasterKey(raw))
	require.NoError(t, err)
	return c
}

func walPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.wal")
}

func TestWriterCreatesHeaderOnlyFile(t *testing.T) {
	path := walPath(t)
	w, err := NewWriter(path, testCipher(t), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(HeaderSize), w.CurrentLSN())
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(HeaderSize), info.Size())
}

func TestAppendAndReadBackAllRecordKinds(t *testing.T) {
	path := walPath(t)
	c := testCipher(t)
	w, err := NewWriter(path, c, nil)
	require.NoError(t, err)

	_, err = w.Append(BeginRecord(1))
	require.NoError(t, err)

	pg := page.New(5)
	require.NoError(t, pg.InsertCell(0, []byte("payload")))
	_, err = w.Append(PagePutRecord(1, pg))
	require.NoError(t, err)

	_, err = w.Append(MetaUpdateRecord(1, 5, 10, 0, 1))
	require.NoError(t, err)

	commitLSN, err := w.Append(Record{Tag: TagCommit, TxID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	r, err := NewReader(path, c)
	require.NoError(t, err)
	defer r.Close()

	lsn, rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TagBegin, rec.Tag)
	require.Equal(t, uint64(1), rec.TxID)
	require.Equal(t, uint64(HeaderSize), lsn)

	_, rec, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TagPagePut, rec.Tag)
	require.Equal(t, page.PageID(5), rec.PageID)
	cell, cerr := page.FromBytes(rec.PageImage)
	require.NoError(t, cerr)
	c0, err := cell.GetCell(0)
	require.NoError(t, err)
	require.Equal(t, "payload", string(c0))

	_, rec, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TagMetaUpdate, rec.Tag)
	require.Equal(t, page.PageID(5), rec.CatalogRoot)
	require.Equal(t, uint64(10), rec.PageCount)
	require.False(t, rec.Legacy)

	lsn, rec, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TagCommit, rec.Tag)
	require.Equal(t, commitLSN, lsn)
	require.Equal(t, commitLSN, rec.CommitLSN)

	_, _, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	require.False(t, r.TailTruncated)
}

func TestLegacyMetaUpdateDecodesWithZeroFreelistAndEpoch(t *testing.T) {
	body := make([]byte, 25)
	body[0] = byte(TagMetaUpdate)
	rec, err := Decode(body)
	require.NoError(t, err)
	require.True(t, rec.Legacy)
	require.Equal(t, page.PageID(0), rec.FreelistHead)
	require.Equal(t, uint64(0), rec.Epoch)
}

func TestReaderDetectsTailGarbage(t *testing.T) {
	path := walPath(t)
	c := testCipher(t)
	w, err := NewWriter(path, c, nil)
	require.NoError(t, err)
	_, err = w.Append(BeginRecord(1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0xFF, 0xFF, 0x7F, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := NewReader(path, c)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Next()
	require.NoError(t, err)

	_, _, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	require.True(t, r.TailTruncated)
}

func TestReaderDetectsMidLogCorruption(t *testing.T) {
	path := walPath(t)
	c := testCipher(t)
	w, err := NewWriter(path, c, nil)
	require.NoError(t, err)
	_, err = w.Append(BeginRecord(1))
	require.NoError(t, err)
	corruptedFrameStart := int64(w.CurrentLSN())
	_, err = w.Append(AbortRecord(1))
	require.NoError(t, err)
	_, err = w.Append(BeginRecord(2))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xAA}, corruptedFrameStart+4)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := NewReader(path, c)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Next()
	require.NoError(t, err)

	_, _, err = r.Next()
	require.ErrorIs(t, err, ErrMidLogCorruption)
}

func TestCheckpointTruncate(t *testing.T) {
	path := walPath(t)
	c := testCipher(t)
	w, err := NewWriter(path, c, nil)
	require.NoError(t, err)
	_, err = w.Append(BeginRecord(1))
	require.NoError(t, err)
	require.NoError(t, w.CheckpointTruncate())
	require.Equal(t, uint64(HeaderSize), w.CurrentLSN())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(HeaderSize), info.Size())
}
