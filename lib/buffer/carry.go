package buffer

import "github.com/pkg/errors"

var ErrCarryOverflow = errors.New("carried bytes exceed limit")

// Carry holds the unconsumed tail of a previous read (a partial line or frame)
// until the rest of it arrives. It never grows beyond its limit.
type Carry struct {
	buf   []byte
	limit int
}

func NewCarry(limit int) *Carry {
	return &Carry{limit: limit}
}

// Append copies p after the carried bytes.
// It fails with [ErrCarryOverflow] and leaves the content untouched if the limit would be exceeded.
func (c *Carry) Append(p []byte) error {
	if len(c.buf)+len(p) > c.limit {
		return ErrCarryOverflow
	}
	c.buf = append(c.buf, p...)
	return nil
}

// Bytes returns the carried bytes. The slice is valid until the next Append or Reset.
func (c *Carry) Bytes() []byte { return c.buf }
func (c *Carry) Len() int      { return len(c.buf) }
func (c *Carry) Limit() int    { return c.limit }

func (c *Carry) SetLimit(limit int) { c.limit = limit }

func (c *Carry) Reset() { c.buf = c.buf[:0] }
