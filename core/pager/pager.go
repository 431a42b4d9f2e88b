// Package pager implements the disk-backed page cache: encrypted page I/O,
// the 76-byte database header, LRU caching, and freelist persistence
// (spec.md §4.4). It does not know about transactions or the WAL; those
// layer on top through the exported primitives here (GetPage, WritePage,
// AllocatePageID, FreePageID, FlushMeta) to avoid an import cycle between
// pager and recovery.
package pager

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/tokuhirom/murodb/core/cipher"
	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/freelist"
	"github.com/tokuhirom/murodb/core/page"
	"github.com/tokuhirom/murodb/internal/logging"
)

// DefaultCacheCapacity is the LRU cache size used when Options.CacheCapacity
// is zero.
const DefaultCacheCapacity = 256

// Options configures Open and Create.
type Options struct {
	Path          string
	Passphrase    []byte
	CacheCapacity int
	Logger        *zap.Logger
}

// Stats exposes observability counters (spec.md §7: "publishes a counter
// for observability" for freelist sanitization).
type Stats struct {
	FreelistOutOfRangeRemoved int
	FreelistDuplicatesRemoved int
}

// Pager owns the data file handle, the decrypted header, the cipher, the
// LRU page cache, and the in-memory freelist. It is not safe for concurrent
// use; callers serialize access (core/concurrency.Session does this).
type Pager struct {
	mu sync.Mutex // guards file I/O only; higher-level locking is Session's job

	path   string
	file   *os.File
	log    *zap.Logger
	cipher *cipher.Cipher
	header Header

	cache          *lruCache
	fl             *freelist.List
	flChainPageIDs []page.PageID
	stats          Stats
}

func stride(suite cipher.Suite) int {
	if suite == cipher.SuitePlaintext {
		return page.Size
	}
	return page.Size + cipher.AEADOverhead
}

// physicalOffset computes the byte offset of page id within the data file.
// The header occupies the first PAGE_SIZE-sized region in full (even though
// only HeaderSize bytes of it are meaningful) so that the AEAD suite's
// wider stride never has to special-case slot 0; pages 1..page_count follow
// contiguously at that stride (spec.md §6, Open Question 1).
func physicalOffset(id page.PageID, suite cipher.Suite) int64 {
	if id == 0 {
		return 0
	}
	return int64(page.Size) + int64(id-1)*int64(stride(suite))
}

// Create initializes a brand-new data file with an empty catalog and
// freelist.
func Create(opts Options, suite cipher.Suite) (*Pager, error) {
	log := logging.OrDefault(opts.Logger)

	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create data file: %v", dberr.ErrIO, err)
	}

	var salt [16]byte
	if suite.RequiresMasterKey() {
		s, err := cipher.GenerateSalt()
		if err != nil {
			f.Close()
			return nil, err
		}
		salt = s
	}

	h := Header{
		FormatVersion: FormatVersion,
		KDFSalt:       salt,
		CatalogRoot:   0,
		PageCount:     1, // just the header "page"
		Epoch:         0,
		FreelistHead:  0,
		NextTxID:      1,
		SuiteID:       uint32(suite),
	}

	var masterKey *cipher.MasterKey
	if suite.RequiresMasterKey() {
		masterKey, err = cipher.DeriveKey(opts.Passphrase, salt[:])
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	c, err := cipher.New(suite, masterKey)
	if err != nil {
		f.Close()
		return nil, err
	}

	p := &Pager{
		path:   opts.Path,
		file:   f,
		log:    log,
		cipher: c,
		header: h,
		cache:  newLRUCache(orDefaultCapacity(opts.CacheCapacity)),
		fl:     freelist.New(),
	}

	buf := encodeHeader(h)
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write header: %v", dberr.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: sync header: %v", dberr.ErrIO, err)
	}

	log.Info("created database", zap.String("path", opts.Path), zap.Stringer("suite", suite))
	return p, nil
}

func orDefaultCapacity(n int) int {
	if n <= 0 {
		return DefaultCacheCapacity
	}
	return n
}

// Open opens an existing data file. expectedSuite, if non-nil, enforces
// that the file was created with that suite, failing with ErrWrongSuite
// otherwise.
func Open(opts Options, expectedSuite *cipher.Suite) (*Pager, error) {
	log := logging.OrDefault(opts.Logger)

	f, err := os.OpenFile(opts.Path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open data file: %v", dberr.ErrIO, err)
	}

	hbuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hbuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header: %v", dberr.ErrIO, err)
	}
	h, err := decodeHeader(hbuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	suite, err := cipher.ParseSuite(h.SuiteID)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", dberr.ErrCorruption, err)
	}
	if expectedSuite != nil && suite != *expectedSuite {
		f.Close()
		return nil, fmt.Errorf("%w: header suite %s, expected %s", dberr.ErrWrongSuite, suite, *expectedSuite)
	}

	var masterKey *cipher.MasterKey
	if suite.RequiresMasterKey() {
		masterKey, err = cipher.DeriveKey(opts.Passphrase, h.KDFSalt[:])
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	c, err := cipher.New(suite, masterKey)
	if err != nil {
		f.Close()
		return nil, err
	}

	p := &Pager{
		path:   opts.Path,
		file:   f,
		log:    log,
		cipher: c,
		header: h,
		cache:  newLRUCache(orDefaultCapacity(opts.CacheCapacity)),
	}

	fl, chainIDs, err := freelist.LoadChainDetailed(p.loadPageForFreelist, h.FreelistHead, h.PageCount)
	if err != nil {
		f.Close()
		return nil, err
	}
	outOfRange, dup := fl.Sanitize(h.PageCount)
	p.stats.FreelistOutOfRangeRemoved += outOfRange
	p.stats.FreelistDuplicatesRemoved += dup
	p.fl = fl
	p.flChainPageIDs = chainIDs

	log.Info("opened database", zap.String("path", opts.Path), zap.Uint64("page_count", h.PageCount),
		zap.Uint64("epoch", h.Epoch), zap.Int("freelist_out_of_range_removed", outOfRange),
		zap.Int("freelist_duplicates_removed", dup))
	return p, nil
}

func (p *Pager) loadPageForFreelist(id page.PageID) (*page.Page, error) {
	return p.readPageFromDisk(id)
}

// Close releases the underlying file handle.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Close()
}

// Header returns a copy of the current decrypted header.
func (p *Pager) Header() Header { return p.header }

// Suite reports the database's encryption suite.
func (p *Pager) Suite() cipher.Suite { return p.cipher.Suite() }

// Cipher returns the page/frame cipher this Pager was opened with, so a
// WAL reader/writer in the same session can seal and open frames with the
// same key.
func (p *Pager) Cipher() *cipher.Cipher { return p.cipher }

// SetHeaderFields overwrites every persistent header field at once. It is
// used only by recovery when finalizing a WAL replay, which computes the
// post-replay header wholesale from the commit-ordered last MetaUpdate
// rather than incrementally through the normal Set* + FlushMeta path.
func (p *Pager) SetHeaderFields(catalogRoot page.PageID, pageCount, epoch uint64, freelistHead page.PageID, nextTxID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.CatalogRoot = catalogRoot
	p.header.PageCount = pageCount
	p.header.Epoch = epoch
	p.header.FreelistHead = freelistHead
	p.header.NextTxID = nextTxID
}

// FlushHeaderOnly rewrites the 76-byte header exactly as currently held in
// memory and fsyncs the data file, without re-deriving the freelist chain
// from the in-memory freelist (unlike FlushMeta). Recovery uses this after
// SetHeaderFields, since at that point the freelist chain pages were
// already applied to disk as ordinary PagePuts and the header's
// freelist_head already points at them directly; ReloadFreelistFromDisk
// then repopulates the in-memory freelist from that head for ongoing use.
func (p *Pager) FlushHeaderOnly() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := encodeHeader(p.header)
	if _, err := p.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("%w: write header: %v", dberr.ErrIO, err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync data file: %v", dberr.ErrIO, err)
	}
	return nil
}

// Stats returns a copy of the freelist-sanitization counters.
func (p *Pager) Stats() Stats { return p.stats }

// FreelistSnapshot returns a private clone of the current in-memory
// freelist, for a transaction to mutate speculatively (allocate/free)
// without touching the real Pager state before commit.
func (p *Pager) FreelistSnapshot() *freelist.List {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fl.Clone()
}

// FreelistChainPageIDs returns a copy of the page ids currently backing
// the on-disk freelist chain, so a committing transaction can reuse them
// instead of allocating fresh ones when the chain doesn't need to grow.
func (p *Pager) FreelistChainPageIDs() []page.PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]page.PageID, len(p.flChainPageIDs))
	copy(out, p.flChainPageIDs)
	return out
}

// CatalogRoot returns the current catalog root page id (0 means "no
// catalog yet").
func (p *Pager) CatalogRoot() page.PageID { return p.header.CatalogRoot }

// SetCatalogRoot stages a new catalog root; callers must follow with
// FlushMeta to persist it.
func (p *Pager) SetCatalogRoot(id page.PageID) { p.header.CatalogRoot = id }

// NextTxID returns and increments the header's next-transaction-id
// counter. The caller is responsible for persisting it via FlushMeta.
func (p *Pager) NextTxID() uint64 {
	id := p.header.NextTxID
	p.header.NextTxID++
	return id
}

// PageCount is the number of allocated page ids, including the header
// page (id 0).
func (p *Pager) PageCount() uint64 { return p.header.PageCount }

// Epoch returns the header's epoch counter, bumped by SetEpoch to signal
// other processes that cached pages must be invalidated.
func (p *Pager) Epoch() uint64 { return p.header.Epoch }

// SetEpoch stages a new epoch; callers must follow with FlushMeta.
func (p *Pager) SetEpoch(e uint64) { p.header.Epoch = e }

// GetPage returns a page image, populating the cache on miss.
func (p *Pager) GetPage(id page.PageID) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == 0 || uint64(id) >= p.header.PageCount {
		return nil, fmt.Errorf("%w: page %d (page_count=%d)", dberr.ErrOutOfRange, id, p.header.PageCount)
	}

	if pg, ok := p.cache.get(id); ok {
		return pg, nil
	}

	pg, err := p.readPageFromDisk(id)
	if err != nil {
		return nil, err
	}
	p.cache.put(pg)
	return pg, nil
}

func (p *Pager) readPageFromDisk(id page.PageID) (*page.Page, error) {
	n := stride(p.cipher.Suite())
	sealed := make([]byte, n)
	if _, err := p.file.ReadAt(sealed, physicalOffset(id, p.cipher.Suite())); err != nil {
		return nil, fmt.Errorf("%w: read page %d: %v", dberr.ErrIO, id, err)
	}
	plaintext, err := p.cipher.OpenPage(uint64(id), p.header.Epoch, sealed)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", id, err)
	}
	pg, err := page.FromBytes(plaintext)
	if err != nil {
		return nil, err
	}
	if pg.PageID() != id {
		return nil, fmt.Errorf("%w: page %d has internal id %d", dberr.ErrCorruption, id, pg.PageID())
	}
	return pg, nil
}

// WritePage writes a page image through to disk and refreshes the cache.
// Per spec.md §4.4, dirty pages in the cache only ever arrive here (via
// applying a committed transaction), so there is never a separate
// "flush dirty pages" pass — the write-through already happened.
func (p *Pager) WritePage(pg *page.Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageLocked(pg)
}

func (p *Pager) writePageLocked(pg *page.Page) error {
	id := pg.PageID()
	sealed, err := p.cipher.SealPage(uint64(id), p.header.Epoch, pg.Bytes())
	if err != nil {
		return fmt.Errorf("page %d: %w", id, err)
	}
	if _, err := p.file.WriteAt(sealed, physicalOffset(id, p.cipher.Suite())); err != nil {
		return fmt.Errorf("%w: write page %d: %v", dberr.ErrIO, id, err)
	}
	p.cache.put(pg)
	return nil
}

// AllocatePageID reuses a freed page id if one exists, otherwise extends
// the file by one page. The returned id's content is undefined until
// WritePage is called for it.
func (p *Pager) AllocatePageID() page.PageID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.fl.Allocate(); ok {
		return id
	}
	id := page.PageID(p.header.PageCount)
	p.header.PageCount++
	return id
}

// FreePageID returns id to the in-memory freelist. It is an error to free
// an id already free.
func (p *Pager) FreePageID(id page.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fl.Free(id)
}

// FlushMeta rewrites the 76-byte header with the current catalog root,
// page count, freelist head, epoch, and next-txid, persists the freelist
// chain, then fsyncs the data file (spec.md §4.4).
func (p *Pager) FlushMeta() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushMetaLocked()
}

func (p *Pager) flushMetaLocked() error {
	if err := p.persistFreelistLocked(); err != nil {
		return err
	}

	buf := encodeHeader(p.header)
	if _, err := p.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("%w: write header: %v", dberr.ErrIO, err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync data file: %v", dberr.ErrIO, err)
	}
	return nil
}

// persistFreelistLocked serializes the in-memory freelist to its on-disk
// chain. Chain page ids, once allocated, are reused for the life of the
// file rather than reclaimed when the freelist shrinks: the chain only
// grows, trading a few wasted pages for a materially simpler allocator
// that never has to recurse into its own bookkeeping (documented in
// DESIGN.md).
func (p *Pager) persistFreelistLocked() error {
	ids := p.fl.IDs()
	needed := freelist.PagesNeeded(len(ids))

	for len(p.flChainPageIDs) < needed {
		newID := page.PageID(p.header.PageCount)
		p.header.PageCount++
		p.flChainPageIDs = append(p.flChainPageIDs, newID)
	}

	if needed == 0 {
		p.header.FreelistHead = 0
		return nil
	}

	chainIDs := p.flChainPageIDs[:needed]
	pages, err := freelist.EncodeChain(ids, chainIDs)
	if err != nil {
		return err
	}
	for _, pg := range pages {
		if err := p.writePageLocked(pg); err != nil {
			return err
		}
	}
	p.header.FreelistHead = chainIDs[0]
	return nil
}

// RefreshFromDiskIfChanged re-reads the header; if the epoch, page count,
// catalog root or freelist head differs from what this Pager last saw, the
// cache is invalidated and the
// freelist reloaded from disk. Used between statements on a database
// shared across processes (spec.md §4.4).
func (p *Pager) RefreshFromDiskIfChanged() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hbuf := make([]byte, HeaderSize)
	if _, err := p.file.ReadAt(hbuf, 0); err != nil {
		return fmt.Errorf("%w: read header: %v", dberr.ErrIO, err)
	}
	h, err := decodeHeader(hbuf)
	if err != nil {
		return err
	}

	if h.Epoch == p.header.Epoch && h.PageCount == p.header.PageCount &&
		h.CatalogRoot == p.header.CatalogRoot && h.FreelistHead == p.header.FreelistHead {
		return nil
	}

	p.log.Info("refreshing pager from disk: another process advanced the database",
		zap.Uint64("old_epoch", p.header.Epoch), zap.Uint64("new_epoch", h.Epoch))

	p.header = h
	p.cache.invalidateAll()
	return p.reloadFreelistLocked()
}

// ReloadFreelistFromDisk reloads only the freelist chain from the current
// header's freelist_head, without touching the page cache.
func (p *Pager) ReloadFreelistFromDisk() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloadFreelistLocked()
}

func (p *Pager) reloadFreelistLocked() error {
	fl, chainIDs, err := freelist.LoadChainDetailed(p.loadPageForFreelist, p.header.FreelistHead, p.header.PageCount)
	if err != nil {
		return err
	}
	outOfRange, dup := fl.Sanitize(p.header.PageCount)
	p.stats.FreelistOutOfRangeRemoved += outOfRange
	p.stats.FreelistDuplicatesRemoved += dup
	p.fl = fl
	p.flChainPageIDs = chainIDs
	return nil
}

// SanitizeFreelist drops out-of-range and duplicate entries from the
// in-memory freelist against the current page count, recording the counts
// in Stats (spec.md §7).
func (p *Pager) SanitizeFreelist() {
	p.mu.Lock()
	defer p.mu.Unlock()
	outOfRange, dup := p.fl.Sanitize(p.header.PageCount)
	p.stats.FreelistOutOfRangeRemoved += outOfRange
	p.stats.FreelistDuplicatesRemoved += dup
}
