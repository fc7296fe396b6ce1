package memory

// Buffer is a handle to a pooled page holding Len valid bytes. Copies of a
// Buffer share the same page; every holder that calls Retain must call
// Release.
type Buffer struct {
	pool *Pool
	id   PageID
	n    int
}

// NewBuffer allocates a page from p and wraps it in a Buffer whose length is
// the full page size. The returned Buffer holds one reference.
func (p *Pool) NewBuffer() (Buffer, error) {
	id, buf, err := p.AllocatePage()
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{pool: p, id: id, n: len(buf)}, nil
}

// Valid reports whether b refers to a page.
func (b Buffer) Valid() bool { return b.pool != nil && b.id != NoPage }

// Len returns the number of valid bytes.
func (b Buffer) Len() int { return b.n }

// Bytes returns the valid bytes of the buffer.
func (b Buffer) Bytes() []byte {
	if !b.Valid() {
		return nil
	}
	return b.pool.Bytes(b.id)[:b.n]
}

// Capacity returns the full page backing the buffer.
func (b Buffer) Capacity() []byte {
	if !b.Valid() {
		return nil
	}
	return b.pool.Bytes(b.id)
}

// WithLen returns a copy of b with n valid bytes.
func (b Buffer) WithLen(n int) Buffer {
	b.n = n
	return b
}

// Retain adds a reference to the underlying page.
func (b Buffer) Retain() {
	if b.Valid() {
		b.pool.Retain(b.id)
	}
}

// Release drops a reference to the underlying page.
func (b Buffer) Release() {
	if b.Valid() {
		b.pool.Release(b.id)
	}
}
