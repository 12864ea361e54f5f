package tcpjson

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxLineLength bounds a single JSON line including its terminator.
const DefaultMaxLineLength = 64 * 1024

// ErrLineTooLong reports a line that exceeded the limit and was discarded.
var ErrLineTooLong = errors.New("tcpjson: line too long")

type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader, limit int) *lineReader {
	if limit <= 0 {
		limit = DefaultMaxLineLength
	}
	return &lineReader{r: bufio.NewReaderSize(r, limit)}
}

// ReadLine returns the next line without its terminator. An over-long line
// is consumed up to its newline and reported as ErrLineTooLong so the caller
// can keep reading. A trailing partial line at end of stream is discarded.
func (l *lineReader) ReadLine() ([]byte, error) {
	line, err := l.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = l.r.ReadSlice('\n')
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrLineTooLong
	}
	if err != nil {
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}
