package services

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// LineSource yields terminal input one line at a time.
type LineSource interface {
	ReadLine(ctx context.Context) (string, error)
}

// LineReader is the only reader of an input stream. A single goroutine reads
// lines and hands them to ReadLine callers in order, so a caller that gives
// up on its context leaves the next line to whoever asks next.
type LineReader struct {
	lines chan string
	done  chan struct{}
	err   error // read error, valid once done is closed
}

var _ LineSource = (*LineReader)(nil)

// NewLineReader starts reading r. The goroutine lives until r returns an error.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{
		lines: make(chan string),
		done:  make(chan struct{}),
	}
	go lr.pump(bufio.NewReader(r))
	return lr
}

func (lr *LineReader) pump(r *bufio.Reader) {
	defer close(lr.done)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			lr.lines <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			lr.err = err
			return
		}
	}
}

// ReadLine returns the next line without its terminator. A final line with
// no newline is returned before io.EOF.
func (lr *LineReader) ReadLine(ctx context.Context) (string, error) {
	select {
	case line := <-lr.lines:
		return line, nil
	case <-lr.done:
		return "", lr.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
