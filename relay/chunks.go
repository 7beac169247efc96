package relay

import (
	"errors"
	"io"
	"iter"
)

// DefaultChunkSize is the read buffer used when Chunks is given a
// non-positive size.
const DefaultChunkSize = 4096

// Chunks yields r one read at a time. The next read happens only after the
// consumer has taken the previous chunk, so nothing is buffered ahead. The
// yielded slice is reused by the next read; copy it to keep it. A read error
// other than io.EOF is yielded once and ends the sequence.
func Chunks(r io.Reader, size int) iter.Seq2[[]byte, error] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, size)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}
