package sandbox

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// OutputBuffer collects guest output lines in write order. Both output
// streams append to the same buffer so stdout and stderr stay interleaved.
type OutputBuffer struct {
	mu    sync.Mutex
	lines []string
}

// NewOutputBuffer returns an empty buffer.
func NewOutputBuffer() *OutputBuffer {
	return &OutputBuffer{}
}

// Append adds one line to the end of the buffer.
func (b *OutputBuffer) Append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

// Flush drains the buffer and returns its lines joined with "\n".
// The next Append starts a fresh accumulation.
func (b *OutputBuffer) Flush() string {
	b.mu.Lock()
	lines := b.lines
	b.lines = nil
	b.mu.Unlock()
	return strings.Join(lines, "\n")
}

// Len returns the number of buffered lines.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// LineSink is the io.Writer handed to the guest for one output stream.
// It splits writes into lines, logs each line and appends it to the
// buffer. A trailing partial line is held until a newline arrives or
// Sync is called.
type LineSink struct {
	stream  string
	prefix  string
	buf     *OutputBuffer
	mu      sync.Mutex
	pending bytes.Buffer
}

// NewLineSink creates a sink for the named stream. Lines are stored with
// prefix prepended.
func NewLineSink(stream, prefix string, buf *OutputBuffer) *LineSink {
	return &LineSink{stream: stream, prefix: prefix, buf: buf}
}

func (s *LineSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending.Write(p)
	for {
		data := s.pending.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(data[:i]), "\r")
		s.pending.Next(i + 1)
		s.emit(line)
	}
	return len(p), nil
}

// Sync pushes any pending partial line into the buffer.
func (s *LineSink) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return
	}
	line := s.pending.String()
	s.pending.Reset()
	s.emit(line)
}

func (s *LineSink) emit(line string) {
	log.Debug().Str("stream", s.stream).Msg(line)
	s.buf.Append(s.prefix + line)
}
