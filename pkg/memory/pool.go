// Package memory provides the pooled memory used by the engine: a
// refcounted pool of fixed-size pages and a variable-sized arena carved out of
// it.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/atomic"
)

// ErrExhausted is returned when a [Pool] cannot satisfy an allocation.
var ErrExhausted = errors.New("buffer pool exhausted")

// PageID identifies a page within a [Pool]. The zero PageID never refers to a
// page.
type PageID uint32

// NoPage is the zero PageID.
const NoPage PageID = 0

type page struct {
	buf  []byte
	refs atomic.Int32
}

// Pool hands out fixed-size pages. Pages are refcounted: a page returns to
// the pool once every holder has released it. Pool is safe for concurrent
// use.
type Pool struct {
	alloc    memory.Allocator
	pageSize int
	maxPages int

	mu    sync.RWMutex
	pages []*page // pages[id-1]
	free  []PageID
	inUse int
}

// NewPool returns a Pool of pages of pageSize bytes backed by alloc. If
// maxPages is greater than zero, no more than maxPages pages will ever be
// allocated from alloc.
func NewPool(alloc memory.Allocator, pageSize, maxPages int) *Pool {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	if pageSize <= 0 {
		panic(fmt.Sprintf("memory: invalid page size %d", pageSize))
	}
	return &Pool{alloc: alloc, pageSize: pageSize, maxPages: maxPages}
}

// PageSize returns the size of every page in bytes.
func (p *Pool) PageSize() int { return p.pageSize }

// Allocator returns the allocator backing the pool.
func (p *Pool) Allocator() memory.Allocator { return p.alloc }

// InUse returns the number of pages currently referenced.
func (p *Pool) InUse() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inUse
}

// AllocatePage returns a zeroed page with a reference count of one.
func (p *Pool) AllocatePage() (PageID, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]

		pg := p.pages[id-1]
		clear(pg.buf)
		pg.refs.Store(1)
		p.inUse++
		return id, pg.buf, nil
	}

	if p.maxPages > 0 && len(p.pages) >= p.maxPages {
		return NoPage, nil, fmt.Errorf("%w: all %d pages in use", ErrExhausted, p.maxPages)
	}

	pg := &page{buf: p.alloc.Allocate(p.pageSize)}
	pg.refs.Store(1)
	p.pages = append(p.pages, pg)
	p.inUse++
	return PageID(len(p.pages)), pg.buf, nil
}

// Bytes returns the memory of the page with the given id.
func (p *Pool) Bytes(id PageID) []byte { return p.page(id).buf }

// Retain increments the reference count of a page.
func (p *Pool) Retain(id PageID) { p.page(id).refs.Add(1) }

// Release decrements the reference count of a page. The page is returned to
// the pool when its reference count reaches zero.
func (p *Pool) Release(id PageID) {
	pg := p.page(id)
	switch refs := pg.refs.Add(-1); {
	case refs > 0:
		return
	case refs < 0:
		panic(fmt.Sprintf("memory: page %d released more often than retained", id))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, id)
	p.inUse--
}

func (p *Pool) page(id PageID) *page {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id == NoPage || int(id) > len(p.pages) {
		panic(fmt.Sprintf("memory: invalid page %d", id))
	}
	return p.pages[id-1]
}

// Close returns the memory of every page to the allocator. Pages must not be
// used after Close.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pg := range p.pages {
		p.alloc.Free(pg.buf)
	}
	p.pages = nil
	p.free = nil
	p.inUse = 0
}
