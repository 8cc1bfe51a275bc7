package stream

import (
	"io"
	"iter"

	"xmodel-api/internal/shared"
)

// Reader pulls deltas out of an upstream body. It only blocks inside the
// underlying Read.
type Reader struct {
	src     io.Reader
	asm     *Reassembler
	buf     []byte
	pending []string
	err     error
}

func NewReader(src io.Reader) *Reader {
	return &Reader{
		src: src,
		asm: NewReassembler(),
		buf: make([]byte, shared.StreamReadBufferSize),
	}
}

// Next returns the next delta. io.EOF marks a clean end of input, any other
// error comes from the underlying stream and ends the sequence. Deltas that
// were already returned stay valid.
func (r *Reader) Next() (string, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return "", r.err
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.asm.Feed(r.buf[:n])...)
		}
		switch {
		case err == io.EOF:
			r.pending = append(r.pending, r.asm.Flush()...)
			r.err = io.EOF
		case err != nil:
			r.err = err
		}
	}
	delta := r.pending[0]
	r.pending = r.pending[1:]
	return delta, nil
}

// Deltas is Next as an iterator. A stream failure is yielded once as the last
// pair; a clean end just stops.
func Deltas(src io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		r := NewReader(src)
		for {
			delta, err := r.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}
