// Package console implements the lab tool's own VT100-ish serial console
// emulation: the same job internal/term's graphics-backed View does for an
// interactive VM window, minus the window. A guest's UART/PL011 byte stream
// (or a formatted TraceEvent line) is fed through a charmbracelet/x/vt state
// machine so cursor motion, clears, and SGR colour codes land in a proper
// cell grid instead of corrupting a flat log dump, while a live byte-for-byte
// copy is relayed to the attached terminal through a colorprofile writer that
// downgrades colour to whatever that terminal actually supports.
package console

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/x/vt"
)

// Console is a headless VT100-ish screen buffer plus a live passthrough
// writer, sized to a fixed cols x rows grid.
type Console struct {
	mu   sync.Mutex
	emu  *vt.SafeEmulator
	live *colorprofile.Writer
	log  *slog.Logger

	cols, rows int
}

// New creates a console backed by the given grid size. live is the stream
// the raw bytes are also relayed to (typically the lab panel's stdout); a
// nil live disables passthrough and only maintains the snapshot buffer.
func New(cols, rows int, live io.Writer, log *slog.Logger) *Console {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Console{
		emu:  vt.NewSafeEmulator(cols, rows),
		log:  log.With("subsystem", "console"),
		cols: cols,
		rows: rows,
	}
	if live != nil {
		c.live = colorprofile.NewWriter(live, os.Environ())
	}
	return c
}

// Write feeds raw console bytes (guest UART output, or a formatted trace
// line) into the VT state machine and, if a live writer was configured,
// relays the same bytes onward immediately.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.emu.Write(p)
	if err != nil {
		return n, err
	}
	if c.live != nil {
		if _, werr := c.live.Write(p); werr != nil {
			c.log.Warn("console passthrough write failed", "error", werr)
		}
	}
	return n, nil
}

// Resize changes the emulated screen's dimensions, matching whatever the
// attached terminal reports on a SIGWINCH-equivalent.
func (c *Console) Resize(cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emu.Resize(cols, rows)
	c.cols, c.rows = cols, rows
}

// Snapshot renders the current screen contents as plain text lines, one per
// row, with trailing blank cells trimmed. It ignores colour/attributes —
// callers that need the live-coloured stream should read the passthrough
// writer's destination instead; Snapshot exists for the lab panel's "what
// does the guest console currently show" query and for tests.
func (c *Console) Snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := make([]string, 0, c.rows)
	for y := 0; y < c.rows; y++ {
		var b strings.Builder
		for x := 0; x < c.cols; {
			cell := c.emu.CellAt(x, y)
			w := 1
			content := " "
			if cell != nil {
				content = cell.Content
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			b.WriteString(content)
			x += w
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	return lines
}

// Close releases the underlying VT emulator.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emu.Close()
}
