package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var errHeaderTooLarge = errors.New("header exceeds maximum size")

const endOfJob = 0x04

// lineReader splits a raw print stream into lines while keeping every byte
// it consumed, so the forwarded document stays byte-identical.
type lineReader struct {
	br        *bufio.Reader
	readAhead bytes.Buffer
	max       int
}

func newLineReader(r io.Reader, max int) *lineReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 32*1024)
	}
	return &lineReader{br: br, max: max}
}

// readLine returns the next line including its terminator. ok is false when
// the stream ended before any byte of a new line was read.
func (lr *lineReader) readLine() (line []byte, ok bool, err error) {
	start := lr.readAhead.Len()
	for {
		if lr.max > 0 && lr.readAhead.Len() >= lr.max {
			return lr.readAhead.Bytes()[start:], true, errHeaderTooLarge
		}
		b, err := lr.br.ReadByte()
		if err != nil {
			n := lr.readAhead.Len() - start
			if err == io.EOF {
				if n == 0 {
					return nil, false, nil
				}
				return lr.readAhead.Bytes()[start:], true, nil
			}
			return lr.readAhead.Bytes()[start:], n > 0, err
		}
		lr.readAhead.WriteByte(b)
		if b == '\n' || b == '\r' || b == endOfJob {
			return lr.readAhead.Bytes()[start:], true, nil
		}
	}
}

// drain discards the rest of the stream. Read errors end the drain.
func (lr *lineReader) drain() int64 {
	n, _ := io.Copy(io.Discard, lr.br)
	return n
}

func trimTerminator(line []byte) string {
	return string(bytes.TrimRight(line, "\r\n\x04"))
}
