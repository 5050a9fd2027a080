package machine

import (
	"bytes"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// ConsoleSnapshot accumulates raw bytes written to UART THR and exposes a
// plain-text view with escape sequences stripped, for tests and debug
// tooling asserting on guest console output without driving a real
// terminal. Grounded on the teacher's use of charmbracelet/x/ansi for its
// own VT handling (internal/term, internal/gowin) — this package borrows
// only the escape-sequence scanner (ansi.Strip), not the renderer, per
// SPEC_FULL.md §6: terminal rendering is host-side UI and out of scope.
type ConsoleSnapshot struct {
	mu  sync.Mutex
	raw bytes.Buffer
}

func newConsoleSnapshot() *ConsoleSnapshot {
	return &ConsoleSnapshot{}
}

func (c *ConsoleSnapshot) feed(b byte) {
	c.mu.Lock()
	c.raw.WriteByte(b)
	c.mu.Unlock()
}

// Raw returns every byte written to THR, escape sequences included.
func (c *ConsoleSnapshot) Raw() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.raw.Len())
	copy(out, c.raw.Bytes())
	return out
}

// PlainText returns the console output with ANSI escape sequences removed,
// suitable for substring assertions in boot tests (e.g. "init: starting").
func (c *ConsoleSnapshot) PlainText() string {
	return ansi.Strip(string(c.Raw()))
}
