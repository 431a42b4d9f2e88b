package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertGetCell(t *testing.T) {
	p := New(3)
	require.Equal(t, PageID(3), p.PageID())
	require.Equal(t, 0, p.CellCount())

	require.NoError(t, p.InsertCell(0, []byte("hello")))
	require.NoError(t, p.InsertCell(1, []byte("world")))
	require.Equal(t, 2, p.CellCount())

	c0, err := p.GetCell(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), c0)

	c1, err := p.GetCell(1)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), c1)
}

func TestInsertMaintainsOrder(t *testing.T) {
	p := New(0)
	require.NoError(t, p.InsertCell(0, []byte("c")))
	require.NoError(t, p.InsertCell(0, []byte("a")))
	require.NoError(t, p.InsertCell(1, []byte("b")))

	for i, want := range []string{"a", "b", "c"} {
		got, err := p.GetCell(i)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func TestDeleteCell(t *testing.T) {
	p := New(0)
	require.NoError(t, p.InsertCell(0, []byte("a")))
	require.NoError(t, p.InsertCell(1, []byte("b")))
	require.NoError(t, p.InsertCell(2, []byte("c")))

	require.NoError(t, p.DeleteCell(1))
	require.Equal(t, 2, p.CellCount())

	c0, _ := p.GetCell(0)
	c1, _ := p.GetCell(1)
	require.Equal(t, "a", string(c0))
	require.Equal(t, "c", string(c1))
}

func TestReplaceCell(t *testing.T) {
	p := New(0)
	require.NoError(t, p.InsertCell(0, []byte("short")))
	require.NoError(t, p.ReplaceCell(0, []byte("a much longer replacement value")))

	c, err := p.GetCell(0)
	require.NoError(t, err)
	require.Equal(t, "a much longer replacement value", string(c))
}

func TestOverflowRejected(t *testing.T) {
	p := New(0)
	big := make([]byte, Size)
	err := p.InsertCell(0, big)
	require.Error(t, err)
	require.Equal(t, 0, p.CellCount())
}

func TestRebuildFromCompacts(t *testing.T) {
	p := New(5)
	require.NoError(t, p.InsertCell(0, []byte("a")))
	require.NoError(t, p.InsertCell(1, []byte("b")))
	require.NoError(t, p.ReplaceCell(0, []byte("aaaaaaaaaa")))
	spaceBefore := p.FreeSpace()

	require.NoError(t, p.RebuildFrom([][]byte{[]byte("aaaaaaaaaa"), []byte("b")}))
	require.Equal(t, PageID(5), p.PageID())
	require.Greater(t, p.FreeSpace(), spaceBefore)

	c0, _ := p.GetCell(0)
	c1, _ := p.GetCell(1)
	require.Equal(t, "aaaaaaaaaa", string(c0))
	require.Equal(t, "b", string(c1))
}

func TestFromBytesRoundTrip(t *testing.T) {
	p := New(9)
	require.NoError(t, p.InsertCell(0, []byte("x")))

	p2, err := FromBytes(p.Bytes())
	require.NoError(t, err)
	require.Equal(t, p.PageID(), p2.PageID())
	c, err := p2.GetCell(0)
	require.NoError(t, err)
	require.Equal(t, "x", string(c))
}

func TestFromBytesWrongSize(t *testing.T) {
	_, err := FromBytes(make([]byte, 10))
	require.Error(t, err)
}
