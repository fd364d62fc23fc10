// Package consolemux implements the per-VM console fan-out: bounded ring
// buffers fed from named pipes, with at most one live subscriber per VM and
// a since-timestamp replay protocol.
//
// Rings are never removed once created, even after the owning VM is
// destroyed: history remains queryable indefinitely. This mirrors the
// teacher application's own console mux and is preserved deliberately
// rather than treated as a leak to fix — a future design may add explicit
// removal.
package consolemux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmmd-project/vmmd/internal/logging"
	"github.com/vmmd-project/vmmd/internal/ring"
	"github.com/vmmd-project/vmmd/internal/vmmerr"
	"github.com/vmmd-project/vmmd/internal/wire"
	"golang.org/x/sys/unix"
)

// Clock supplies timestamps for console lines as they are read. Wall clock
// is the default; tests substitute a deterministic one. Implementers must
// use a clock that is at least non-decreasing during steady state.
type Clock func() wire.Timestamp

// Multiplexer owns the rings and subscriber table for every VM whose
// console has been added. All state is mutated only from the multiplexer's
// own event loop (the goroutine that calls its exported methods); no
// internal locking is used for the tables themselves; a mutex only guards
// against concurrent command dispatch from multiple client connections.
type Multiplexer struct {
	fifoDir string
	logger  *slog.Logger
	clock   Clock

	mu    sync.Mutex
	rings map[string]*ring.Ring
	subs  map[string]net.Conn
}

// New constructs a Multiplexer rooted at fifoDir, where per-VM FIFOs are
// expected at "<fifoDir>/<name>.fifo". Ring capacity is chosen per Add call.
func New(fifoDir string, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		fifoDir: fifoDir,
		logger:  logging.WithComponent(logger, "consolemux"),
		clock:   func() wire.Timestamp { return wire.FromTime(time.Now()) },
		rings:   make(map[string]*ring.Ring),
		subs:    make(map[string]net.Conn),
	}
}

// SetClock overrides the multiplexer's timestamp source, used by tests to
// obtain deterministic ring contents.
func (m *Multiplexer) SetClock(c Clock) { m.clock = c }

// Add opens the FIFO for name, allocates a ring, and spawns a reader task.
// A second Add for a name that already has a ring silently overwrites the
// prior ring and reader; callers should treat double-Add as a protocol
// violation, but Add itself never panics on it.
//
// The FIFO is opened O_RDWR rather than O_RDONLY: a read-only open blocks
// until some other process opens the write end, but the writer here (the
// hypervisor) is only spawned after this call's caller replies to Add, so a
// read-only open would deadlock the create protocol before the writer ever
// exists. Opening O_RDWR returns immediately, and because the returned fd
// itself then holds a writer reference, readLoop's reads still block for
// data rather than surfacing a spurious EOF while the real writer has yet
// to attach.
func (m *Multiplexer) Add(name string, capacity int) error {
	path := m.fifoPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return vmmerr.Io(fmt.Sprintf("open console fifo %s", path), err)
	}

	r := ring.New(capacity)
	m.mu.Lock()
	m.rings[name] = r
	m.mu.Unlock()

	go m.readLoop(name, f, r)
	return nil
}

// Attach installs conn as the subscriber for name, displacing any prior
// subscriber. The prior subscriber is not notified; its next write attempt
// will surface the disconnect as a write error. Attach reports whether name
// has a ring.
func (m *Multiplexer) Attach(name string, conn net.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rings[name]; !ok {
		return false
	}
	m.subs[name] = conn
	return true
}

// Detach removes the subscriber for name, if any. It is always successful,
// including when name has no subscriber.
func (m *Multiplexer) Detach(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, name)
}

// History returns the ring for name and the entries strictly after since.
// The bool reports whether name has a ring at all.
func (m *Multiplexer) History(name string, since wire.Timestamp) ([]ring.Entry, bool) {
	m.mu.Lock()
	r, ok := m.rings[name]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.ReadHistory(since), true
}

func (m *Multiplexer) fifoPath(name string) string {
	return filepath.Join(m.fifoDir, name+".fifo")
}

// CreateFifo creates the named pipe a subsequent Add will open. Creating
// the FIFO is the supervisor's (or hypervisor spawner's) responsibility per
// the protocol; this helper is provided for callers that colocate the
// multiplexer and the spawner in the same process.
func (m *Multiplexer) CreateFifo(name string) error {
	path := m.fifoPath(name)
	if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// readLoop repeatedly reads one line from f, timestamps it, appends it to
// r, and forwards it to the current subscriber (if any). EOF terminates
// silently; other I/O errors are logged and terminate the reader. A
// subscriber write error closes and clears the subscription but leaves the
// reader running.
func (m *Multiplexer) readLoop(name string, f *os.File, r *ring.Ring) {
	defer f.Close()

	reader := newLineReader(f)
	for {
		line, err := reader.ReadLine()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			m.logger.Error("console fifo read failed", "vm", name, "error", err)
			return
		}

		at := m.clock()
		r.Write(at, line)

		m.mu.Lock()
		sub, ok := m.subs[name]
		m.mu.Unlock()
		if !ok {
			continue
		}

		payload := wire.EncodeData(wire.DataPayload{ID: wire.ParseVMID(name), At: at, Line: line})
		if err := wire.WriteFrame(sub, wire.Header{Version: wire.Version, Tag: wire.TagData, ID: wire.ParseVMID(name)}, payload); err != nil {
			m.logger.Warn("console subscriber write failed, detaching", "vm", name, "error", err)
			sub.Close()
			m.Detach(name)
		}
	}
}
