package memory

// Arena serves variable-sized allocations. Small allocations are bump
// allocated from pool pages; allocations larger than a page are taken
// directly from the pool's allocator. Memory is only returned in bulk by
// Reset.
//
// Arena is not safe for concurrent use.
type Arena struct {
	pool *Pool

	pages []PageID
	cur   []byte
	large [][]byte
}

// NewArena returns an empty Arena drawing from pool.
func NewArena(pool *Pool) *Arena {
	return &Arena{pool: pool}
}

// AllocateVariableSized returns n zeroed bytes.
func (a *Arena) AllocateVariableSized(n int) ([]byte, error) {
	if n > a.pool.PageSize() {
		buf := a.pool.Allocator().Allocate(n)
		clear(buf)
		a.large = append(a.large, buf)
		return buf, nil
	}

	if len(a.cur) < n {
		id, buf, err := a.pool.AllocatePage()
		if err != nil {
			return nil, err
		}
		a.pages = append(a.pages, id)
		a.cur = buf
	}

	out := a.cur[:n:n]
	a.cur = a.cur[n:]
	clear(out)
	return out, nil
}

// Pages returns the number of pool pages held by the arena.
func (a *Arena) Pages() int { return len(a.pages) }

// Reset releases all memory held by the arena. Slices previously returned by
// AllocateVariableSized must not be used after Reset.
func (a *Arena) Reset() {
	for _, id := range a.pages {
		a.pool.Release(id)
	}
	for _, buf := range a.large {
		a.pool.Allocator().Free(buf)
	}
	a.pages = a.pages[:0]
	a.large = a.large[:0]
	a.cur = nil
}
