package execution

import (
	"sync"
	"unicode/utf8"
)

const defaultTranscriptSize = 256 * 1024

// Transcript keeps the most recent output of a run in a fixed-size ring so a
// chatty script cannot exhaust memory.
type Transcript struct {
	mu      sync.Mutex
	buf     []byte
	size    int
	head    int
	full    bool
	wrapped bool
}

// NewTranscript creates a transcript holding at most size bytes.
func NewTranscript(size int) *Transcript {
	if size <= 0 {
		size = defaultTranscriptSize
	}
	return &Transcript{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. When full, the oldest bytes are overwritten.
func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range p {
		if t.full {
			t.wrapped = true
		}
		t.buf[t.head] = b
		t.head = (t.head + 1) % t.size
		if t.head == 0 {
			t.full = true
		}
	}
	return len(p), nil
}

// WriteLine appends text followed by a newline.
func (t *Transcript) WriteLine(text string) {
	_, _ = t.Write([]byte(text + "\n"))
}

// String returns the retained output in write order. A multi-byte rune cut
// by the ring boundary is dropped.
func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []byte
	if !t.full {
		out = append(out, t.buf[:t.head]...)
	} else {
		out = append(out, t.buf[t.head:]...)
		out = append(out, t.buf[:t.head]...)
	}
	if t.wrapped {
		for len(out) > 0 && !utf8.RuneStart(out[0]) {
			out = out[1:]
		}
	}
	return string(out)
}

// Len returns the number of retained bytes.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return t.size
	}
	return t.head
}

// Wrapped reports whether older output has been discarded.
func (t *Transcript) Wrapped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wrapped
}

const truncationMarker = "[earlier output truncated]\n"

// TruncateOutput caps s at limit characters, keeping the most recent output
// behind a marker line.
func TruncateOutput(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	markerLen := utf8.RuneCountInString(truncationMarker)
	if limit <= markerLen {
		runes := []rune(s)
		return string(runes[len(runes)-limit:])
	}
	runes := []rune(s)
	keep := limit - markerLen
	return truncationMarker + string(runes[len(runes)-keep:])
}
