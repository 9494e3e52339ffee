package h2

import (
	"hyperload/lib/buffer"

	"golang.org/x/net/http2"
)

// Deframer cuts arbitrary fragments of a byte stream into whole frames.
// Frames contained in one fragment are passed on without copying; frames
// spanning fragments are reassembled in a bounded carry buffer.
type Deframer struct {
	carry        *buffer.Carry
	maxFrameSize uint32
}

func NewDeframer(maxFrameSize uint32) *Deframer {
	return &Deframer{
		carry:        buffer.NewCarry(FrameHeaderLen + int(maxFrameSize)),
		maxFrameSize: maxFrameSize,
	}
}

// Feed consumes data and calls emit for every completed frame.
// frame holds the header followed by the payload, and is only valid during the call.
func (d *Deframer) Feed(data []byte, emit func(h FrameHeader, frame []byte) error) error {
	for len(data) > 0 {
		if d.carry.Len() > 0 {
			n, done, err := d.fill(data)
			if err != nil {
				return err
			}
			data = data[n:]
			if !done {
				continue
			}

			frame := d.carry.Bytes()
			err = emit(ReadFrameHeader(frame), frame)
			d.carry.Reset()
			if err != nil {
				return err
			}
			continue
		}

		if len(data) < FrameHeaderLen {
			return d.stash(data)
		}

		h := ReadFrameHeader(data)
		if err := d.checkSize(h); err != nil {
			return err
		}

		size := FrameHeaderLen + int(h.Length)
		if len(data) < size {
			return d.stash(data)
		}

		if err := emit(h, data[:size]); err != nil {
			return err
		}
		data = data[size:]
	}
	return nil
}

// fill tops the carry buffer up towards a whole frame.
func (d *Deframer) fill(data []byte) (n int, done bool, err error) {
	have := d.carry.Len()
	if have < FrameHeaderLen {
		n = min(FrameHeaderLen-have, len(data))
		if err := d.carry.Append(data[:n]); err != nil {
			return 0, false, err
		}
		if d.carry.Len() < FrameHeaderLen {
			return n, false, nil
		}

		h := ReadFrameHeader(d.carry.Bytes())
		if err := d.checkSize(h); err != nil {
			return 0, false, err
		}
		if h.Length == 0 {
			return n, true, nil
		}
		return n, false, nil
	}

	h := ReadFrameHeader(d.carry.Bytes())
	need := FrameHeaderLen + int(h.Length) - have
	n = min(need, len(data))
	if err := d.carry.Append(data[:n]); err != nil {
		return 0, false, err
	}
	return n, n == need, nil
}

func (d *Deframer) stash(data []byte) error {
	return d.carry.Append(data)
}

func (d *Deframer) checkSize(h FrameHeader) error {
	if h.Length > d.maxFrameSize {
		return connError(http2.ErrCodeFrameSize, "%s exceeds max frame size %d", h, d.maxFrameSize)
	}
	return nil
}
