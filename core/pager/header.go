package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/page"
)

// HeaderSize is the size in bytes of the plaintext database header
// (spec.md §3): magic(8) + version(4) + salt(16) + catalog_root(8) +
// page_count(8) + epoch(8) + freelist_head(8) + next_txid(8) + suite(4) +
// crc32(4) = 76.
const HeaderSize = 76

// dbMagic identifies a murodb data file. Chosen to mirror the WAL's
// "MUROWAL1" naming; not itself mandated by any external format.
const dbMagic = "MURODBM1"

// FormatVersion is the only physical layout this build understands
// (spec.md §6, Open Question 1): fixed AEAD stride, PAGE_SIZE+28 per slot.
const FormatVersion uint32 = 4

// Header is the decoded database header, mirrored in memory and rewritten
// wholesale by flushMeta.
type Header struct {
	FormatVersion uint32
	KDFSalt       [16]byte
	CatalogRoot   page.PageID
	PageCount     uint64
	Epoch         uint64
	FreelistHead  page.PageID
	NextTxID      uint64
	SuiteID       uint32
}

func encodeHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[0:8], dbMagic)
	binary.LittleEndian.PutUint32(buf[8:12], h.FormatVersion)
	copy(buf[12:28], h.KDFSalt[:])
	binary.LittleEndian.PutUint64(buf[28:36], uint64(h.CatalogRoot))
	binary.LittleEndian.PutUint64(buf[36:44], h.PageCount)
	binary.LittleEndian.PutUint64(buf[44:52], h.Epoch)
	binary.LittleEndian.PutUint64(buf[52:60], uint64(h.FreelistHead))
	binary.LittleEndian.PutUint64(buf[60:68], h.NextTxID)
	binary.LittleEndian.PutUint32(buf[68:72], h.SuiteID)
	sum := crc32.ChecksumIEEE(buf[0:72])
	binary.LittleEndian.PutUint32(buf[72:76], sum)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header truncated, have %d bytes", dberr.ErrCorruption, len(buf))
	}
	if string(buf[0:8]) != dbMagic {
		return Header{}, fmt.Errorf("%w: bad magic", dberr.ErrCorruption)
	}
	wantSum := binary.LittleEndian.Uint32(buf[72:76])
	gotSum := crc32.ChecksumIEEE(buf[0:72])
	if wantSum != gotSum {
		return Header{}, fmt.Errorf("%w: header CRC mismatch", dberr.ErrCorruption)
	}

	var h Header
	h.FormatVersion = binary.LittleEndian.Uint32(buf[8:12])
	copy(h.KDFSalt[:], buf[12:28])
	h.CatalogRoot = page.PageID(binary.LittleEndian.Uint64(buf[28:36]))
	h.PageCount = binary.LittleEndian.Uint64(buf[36:44])
	h.Epoch = binary.LittleEndian.Uint64(buf[44:52])
	h.FreelistHead = page.PageID(binary.LittleEndian.Uint64(buf[52:60]))
	h.NextTxID = binary.LittleEndian.Uint64(buf[60:68])
	h.SuiteID = binary.LittleEndian.Uint32(buf[68:72])

	if h.FormatVersion != FormatVersion {
		return Header{}, fmt.Errorf("%w: format version %d, this build understands %d",
			dberr.ErrUnsupportedVersion, h.FormatVersion, FormatVersion)
	}
	return h, nil
}
