// Package pagedstore implements an append-only container of fixed-size
// records stored in a chain of pooled pages.
//
// A store has no memory of its own besides its pages: its header lives in
// memory owned by the caller (an aggregation state) and is constructed with
// [Store.Init] and destroyed with [Store.Destroy]. [Store] itself is a small
// value holding the pool and the record layout; it is cheap to construct and
// can be shared by every state of the same kind.
package pagedstore

import (
	"encoding/binary"
	"fmt"

	"github.com/marianaGarcez/nebulastream/pkg/engine/internal/errors"
	"github.com/marianaGarcez/nebulastream/pkg/memory"
)

// HeaderSize is the number of bytes of caller memory a store header needs.
//
// Header layout: head page (u32), tail page (u32), page count (u32), unused
// (u32), total records (u64).
const HeaderSize = 24

// Every page starts with the id of the next page (u32) and the number of
// records on the page (u32).
const pageHeaderSize = 8

// Store operates on store headers of one record layout.
type Store struct {
	pool     *memory.Pool
	layout   Layout
	capacity int
}

// New returns a Store for records of the given layout backed by pool.
func New(pool *memory.Pool, layout Layout) (Store, error) {
	if layout.RecordSize() == 0 {
		return Store{}, fmt.Errorf("%w: empty record layout", errors.ErrPrecondition)
	}
	capacity := (pool.PageSize() - pageHeaderSize) / layout.RecordSize()
	if capacity <= 0 {
		return Store{}, fmt.Errorf("%w: page size %d cannot hold a record of %d bytes", errors.ErrPrecondition, pool.PageSize(), layout.RecordSize())
	}
	return Store{pool: pool, layout: layout, capacity: capacity}, nil
}

// Layout returns the record layout of the store.
func (s Store) Layout() Layout { return s.layout }

// PageCapacity returns the number of records per page.
func (s Store) PageCapacity() int { return s.capacity }

type header []byte

func (h header) head() memory.PageID { return memory.PageID(binary.LittleEndian.Uint32(h[0:])) }
func (h header) tail() memory.PageID { return memory.PageID(binary.LittleEndian.Uint32(h[4:])) }
func (h header) pages() uint32 { return binary.LittleEndian.Uint32(h[8:]) }
func (h header) entries() uint64 { return binary.LittleEndian.Uint64(h[16:]) }
func (h header) setHead(id memory.PageID) { binary.LittleEndian.PutUint32(h[0:], uint32(id)) }
func (h header) setTail(id memory.PageID) { binary.LittleEndian.PutUint32(h[4:], uint32(id)) }
func (h header) setPages(n uint32) { binary.LittleEndian.PutUint32(h[8:], n) }
func (h header) setEntries(n uint64) { binary.LittleEndian.PutUint64(h[16:], n) }

func checkHeader(state []byte) header {
	if len(state) < HeaderSize {
		panic(fmt.Sprintf("pagedstore: state of %d bytes is smaller than the header", len(state)))
	}
	return header(state[:HeaderSize])
}

func pageNext(page []byte) memory.PageID { return memory.PageID(binary.LittleEndian.Uint32(page[0:])) }
func pageCount(page []byte) int { return int(binary.LittleEndian.Uint32(page[4:])) }

func setPageNext(page []byte, id memory.PageID) { binary.LittleEndian.PutUint32(page[0:], uint32(id)) }
func setPageCount(page []byte, n int) { binary.LittleEndian.PutUint32(page[4:], uint32(n)) }

// Init constructs an empty store in state. No pages are allocated until the
// first Append.
func Init(state []byte) {
	clear(checkHeader(state))
}

// Len returns the number of records in the store whose header is in state.
func Len(state []byte) uint64 { return checkHeader(state).entries() }

// Init constructs an empty store in state.
func (s Store) Init(state []byte) { Init(state) }

// Len returns the number of records in the store.
func (s Store) Len(state []byte) uint64 { return Len(state) }

// Pages returns the number of pages owned by the store.
func (s Store) Pages(state []byte) int { return int(checkHeader(state).pages()) }

// Append adds a zeroed record to the end of the store and returns it for the
// caller to fill. Append allocates a new page when the last page is full;
// an exhausted pool is reported as an error wrapping
// [errors.ErrResourceExhausted].
func (s Store) Append(state []byte) (Record, error) {
	h := checkHeader(state)

	tail := h.tail()
	var page []byte
	if tail != memory.NoPage {
		page = s.pool.Bytes(tail)
	}

	if page == nil || pageCount(page) == s.capacity {
		id, buf, err := s.pool.AllocatePage()
		if err != nil {
			return Record{}, fmt.Errorf("appending record: %w", err)
		}
		setPageNext(buf, memory.NoPage)
		setPageCount(buf, 0)

		if page == nil {
			h.setHead(id)
		} else {
			setPageNext(page, id)
		}
		h.setTail(id)
		h.setPages(h.pages() + 1)
		page = buf
	}

	n := pageCount(page)
	off := pageHeaderSize + n*s.layout.RecordSize()
	rec := Record{offsets: s.layout.offsets, buf: page[off : off+s.layout.RecordSize()]}
	clear(rec.buf)

	setPageCount(page, n+1)
	h.setEntries(h.entries() + 1)
	return rec, nil
}

// Iterate calls fn for every record in insertion order until fn returns
// false.
func (s Store) Iterate(state []byte, fn func(Record) bool) {
	h := checkHeader(state)
	size := s.layout.RecordSize()

	for id := h.head(); id != memory.NoPage; {
		page := s.pool.Bytes(id)
		for i := range pageCount(page) {
			off := pageHeaderSize + i*size
			if !fn(Record{offsets: s.layout.offsets, buf: page[off : off+size]}) {
				return
			}
		}
		id = pageNext(page)
	}
}

// Splice moves all pages of src to the end of dst without copying records.
// Afterwards src is empty and owns no pages, so destroying it is a no-op;
// the moved pages are owned by dst alone.
func (s Store) Splice(dst, src []byte) {
	dh, sh := checkHeader(dst), checkHeader(src)
	if sh.head() == memory.NoPage {
		return
	}

	if dh.head() == memory.NoPage {
		dh.setHead(sh.head())
	} else {
		setPageNext(s.pool.Bytes(dh.tail()), sh.head())
	}
	dh.setTail(sh.tail())
	dh.setPages(dh.pages() + sh.pages())
	dh.setEntries(dh.entries() + sh.entries())

	clear(sh)
}

// Destroy releases all pages of the store and leaves it empty.
func (s Store) Destroy(state []byte) {
	h := checkHeader(state)
	for id := h.head(); id != memory.NoPage; {
		next := pageNext(s.pool.Bytes(id))
		s.pool.Release(id)
		id = next
	}
	clear(h)
}
