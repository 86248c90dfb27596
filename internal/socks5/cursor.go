package socks5

// Cursor is an incremental reader over a growing buffer. Reads either
// succeed in full or leave the cursor untouched, so a parse step can be
// retried whenever more bytes arrive.
type Cursor struct {
	buf []byte
	off int
}

// Feed appends newly read bytes.
func (c *Cursor) Feed(p []byte) {
	if c.off > 0 && c.off == len(c.buf) {
		c.buf = c.buf[:0]
		c.off = 0
	}
	c.buf = append(c.buf, p...)
}

// Len reports the number of unconsumed bytes.
func (c *Cursor) Len() int { return len(c.buf) - c.off }

// TryTake returns the next n bytes and advances past them. If fewer than n
// bytes are buffered nothing is consumed and ok is false.
func (c *Cursor) TryTake(n int) (b []byte, ok bool) {
	if n < 0 || c.Len() < n {
		return nil, false
	}
	b = c.buf[c.off : c.off+n]
	c.off += n
	return b, true
}

// TryByte is TryTake(1) returning the single byte.
func (c *Cursor) TryByte() (byte, bool) {
	b, ok := c.TryTake(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

// Mark returns the current position for a later Rewind.
func (c *Cursor) Mark() int { return c.off }

// Rewind moves the cursor back to a position returned by Mark.
func (c *Cursor) Rewind(mark int) {
	if mark >= 0 && mark <= c.off {
		c.off = mark
	}
}

// Rest consumes and returns every unconsumed byte. The result does not
// alias the cursor's storage.
func (c *Cursor) Rest() []byte {
	if c.Len() == 0 {
		return nil
	}
	rest := append([]byte(nil), c.buf[c.off:]...)
	c.buf = c.buf[:0]
	c.off = 0
	return rest
}
