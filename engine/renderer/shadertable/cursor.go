package shadertable

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrRecordOverflow is latched by a Cursor when a write would leave the current record.
var ErrRecordOverflow = errors.New("write crosses shader record boundary")

// Cursor writes records of a fixed stride into a byte slice. The first error
// is latched and every later write becomes a no-op; check Error when done.
type Cursor struct {
	buf    []byte
	stride int
	start  int
	pos    int
	open   bool
	tmp    [8]byte
	err    error
}

func NewCursor(buf []byte, stride int) *Cursor {
	return &Cursor{buf: buf, stride: stride}
}

// Record starts a record at byte offset. The unwritten tail of the previous
// record is left as is.
func (c *Cursor) Record(offset int) {
	if c.err != nil {
		return
	}
	if offset < 0 || offset+c.stride > len(c.buf) {
		c.err = fmt.Errorf("%w: record at %d with stride %d exceeds table of %d bytes", ErrRecordOverflow, offset, c.stride, len(c.buf))
		return
	}
	c.start = offset
	c.pos = offset
	c.open = true
}

func (c *Cursor) Data(p []byte) {
	if c.err != nil {
		return
	}
	if !c.open {
		c.err = fmt.Errorf("%w: write outside a record", ErrRecordOverflow)
		return
	}
	if c.pos+len(p) > c.start+c.stride {
		c.err = fmt.Errorf("%w: %d bytes at %d, record ends at %d", ErrRecordOverflow, len(p), c.pos-c.start, c.stride)
		return
	}
	copy(c.buf[c.pos:], p)
	c.pos += len(p)
}

func (c *Cursor) Uint64(v uint64) {
	binary.LittleEndian.PutUint64(c.tmp[:], v)
	c.Data(c.tmp[:8])
}

// Zero clears the rest of the current record.
func (c *Cursor) Zero() {
	if c.err != nil || !c.open {
		return
	}
	end := c.start + c.stride
	for i := c.pos; i < end; i++ {
		c.buf[i] = 0
	}
	c.pos = end
}

// Written is the number of bytes written into the current record.
func (c *Cursor) Written() int {
	return c.pos - c.start
}

func (c *Cursor) Error() error {
	return c.err
}
