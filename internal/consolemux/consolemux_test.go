package consolemux

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmmd-project/vmmd/internal/wire"
)

func newTestMux(t *testing.T) (*Multiplexer, string) {
	t.Helper()
	dir := t.TempDir()
	m := New(dir, nil)
	return m, dir
}

func writeFifoLines(t *testing.T, path string, lines []string) {
	t.Helper()
	go func() {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		for _, l := range lines {
			f.WriteString(l + "\n")
		}
	}()
}

func TestAddAttachHistory(t *testing.T) {
	m, dir := newTestMux(t)
	name := "vm.a"
	path := filepath.Join(dir, name+".fifo")
	if err := m.CreateFifo(name); err != nil {
		t.Fatalf("CreateFifo: %v", err)
	}

	var tick int64
	m.SetClock(func() wire.Timestamp {
		tick++
		return wire.Timestamp{Seconds: tick}
	})

	writeFifoLines(t, path, []string{"hello", "world"})

	if err := m.Add(name, 10); err != nil {
		t.Fatalf("Add: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		entries, ok := m.History(name, wire.Timestamp{})
		if !ok {
			t.Fatalf("expected ring for %s", name)
		}
		if len(entries) == 2 {
			if entries[0].Line != "hello" || entries[1].Line != "world" {
				t.Fatalf("unexpected entries: %+v", entries)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for console lines, got %d", len(entries))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAttachUnknownVM(t *testing.T) {
	m, _ := newTestMux(t)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if ok := m.Attach("nope", c1); ok {
		t.Errorf("expected Attach to unknown VM to fail")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	m, _ := newTestMux(t)
	m.Detach("nonexistent") // must not panic
}

func TestAttachDisplacesPriorSubscriber(t *testing.T) {
	m, dir := newTestMux(t)
	name := "vm.b"
	if err := m.CreateFifo(name); err != nil {
		t.Fatalf("CreateFifo: %v", err)
	}
	if err := m.Add(name, 10); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_ = dir

	first, firstPeer := net.Pipe()
	defer first.Close()
	defer firstPeer.Close()
	second, secondPeer := net.Pipe()
	defer second.Close()
	defer secondPeer.Close()

	if ok := m.Attach(name, first); !ok {
		t.Fatalf("expected Attach to succeed")
	}
	if ok := m.Attach(name, second); !ok {
		t.Fatalf("expected second Attach to succeed")
	}

	m.mu.Lock()
	cur := m.subs[name]
	m.mu.Unlock()
	if cur != second {
		t.Errorf("expected second subscriber to be installed")
	}
}
