package eventstream

import "errors"

// Decoder incrementally parses frames from an append-only byte buffer. It is
// a pure state machine: the I/O loop feeds bytes in and drains frames out.
//
// After the first hard decode error the decoder is poisoned and Next keeps
// returning that error; the caller tears down the connection and starts a
// fresh decoder for any new stream.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes from the wire.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil {
		return
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, or (nil, nil) when more bytes are
// needed. Decode errors other than truncation poison the decoder.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	frame, n, err := Decode(d.buf)
	if errors.Is(err, ErrTruncatedFrame) {
		return nil, nil
	}
	if err != nil {
		d.err = err
		return nil, err
	}
	d.buf = d.buf[n:]
	return frame, nil
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
