// Package sseutil provides incremental SSE parsing shared by provider
// adapters and the stream pipeline.
package sseutil

import (
	"bytes"
	"strings"
)

// Event is one parsed SSE frame. Data joins multiple data: lines with \n.
type Event struct {
	Name string
	Data []byte
}

// FrameSplitter accumulates streamed bytes and yields complete SSE frames,
// i.e. blank-line separated blocks. A partial frame larger than max is
// discarded and Overflowed reports true from then on; complete frames keep
// flowing so a single oversized event does not kill the stream.
type FrameSplitter struct {
	buf      []byte
	max      int
	overflow bool
}

// NewFrameSplitter returns a splitter holding at most max bytes of partial
// frame. max <= 0 means unbounded.
func NewFrameSplitter(max int) *FrameSplitter {
	return &FrameSplitter{max: max}
}

// Push appends p and returns all complete frames now available, without
// their trailing blank line.
func (s *FrameSplitter) Push(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var frames [][]byte
	for {
		idx, sep := frameBoundary(s.buf)
		if idx < 0 {
			break
		}
		frame := make([]byte, idx)
		copy(frame, s.buf[:idx])
		frames = append(frames, frame)
		s.buf = s.buf[idx+sep:]
	}

	if s.max > 0 && len(s.buf) > s.max {
		s.buf = s.buf[:0]
		s.overflow = true
	}
	return frames
}

// Rest returns any buffered partial frame, for end-of-stream draining.
func (s *FrameSplitter) Rest() []byte { return s.buf }

// Overflowed reports whether a partial frame was discarded for size.
func (s *FrameSplitter) Overflowed() bool { return s.overflow }

// frameBoundary finds the first blank-line separator in b and returns its
// index and the separator length, or (-1, 0).
func frameBoundary(b []byte) (int, int) {
	nn := bytes.Index(b, []byte("\n\n"))
	rn := bytes.Index(b, []byte("\r\n\r\n"))
	switch {
	case nn < 0 && rn < 0:
		return -1, 0
	case rn >= 0 && (nn < 0 || rn < nn):
		return rn, 4
	default:
		return nn, 2
	}
}

// ParseFrame parses one SSE frame into an Event. Comment-only and empty
// frames return ok=false.
func ParseFrame(frame []byte) (Event, bool) {
	var ev Event
	var data [][]byte
	for line := range strings.Lines(string(frame)) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" || line[0] == ':' {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		// Optional single leading space after the colon per SSE spec.
		value = strings.TrimPrefix(value, " ")
		switch key {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, []byte(value))
		}
	}
	if ev.Name == "" && len(data) == 0 {
		return Event{}, false
	}
	ev.Data = bytes.Join(data, []byte("\n"))
	return ev, true
}
