package protocol

import (
	"bufio"
	"errors"
	"io"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

// Reader yields packets from a newline-delimited stream. Lines beyond
// MaxPacketSize fail without buffering the remainder in memory.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader wraps r with the default line cap.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), max: MaxPacketSize}
}

// Next reads and parses the next packet. It returns io.EOF once the
// stream ends cleanly.
func (r *Reader) Next() (Packet, error) {
	line, err := r.readLine()
	if err != nil {
		return Packet{}, err
	}
	return Parse(line)
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		// The cap applies to the packet itself, not the delimiter.
		length := len(line)
		if err == nil {
			length--
		}
		if length > r.max {
			r.discardLine(errors.Is(err, bufio.ErrBufferFull))
			return nil, &protoerr.SizeError{Actual: length, Max: r.max}
		}
		if err == nil {
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			// Tolerate a final line without trailing newline.
			return line, nil
		}
		return nil, err
	}
}

// discardLine skips the rest of an oversize line so the stream stays
// aligned on packet boundaries.
func (r *Reader) discardLine(pending bool) {
	if !pending {
		return
	}
	for {
		chunk, err := r.br.ReadSlice('\n')
		if err == nil || len(chunk) == 0 {
			return
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}
