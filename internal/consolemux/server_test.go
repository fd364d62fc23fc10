package consolemux

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmmd-project/vmmd/internal/wire"
)

func newTestServer(t *testing.T) (string, *Multiplexer) {
	t.Helper()
	dir := t.TempDir()
	m := New(dir, nil)
	srv := NewServer(m, 10)

	socketPath := filepath.Join(dir, "cons.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = srv.Serve(ctx, socketPath)
	}()
	<-ready

	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			return socketPath, m
		}
		select {
		case <-deadline:
			t.Fatalf("console socket never appeared at %s", socketPath)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestServerHistoryRoundTrip(t *testing.T) {
	socketPath, m := newTestServer(t)

	var tick int64
	m.SetClock(func() wire.Timestamp {
		tick++
		return wire.Timestamp{Seconds: tick}
	})

	name := "vm.hist"
	fifoPath := filepath.Join(m.fifoDir, name+".fifo")
	if err := m.CreateFifo(name); err != nil {
		t.Fatalf("CreateFifo: %v", err)
	}
	writeFifoLines(t, fifoPath, []string{"one", "two", "three"})
	if err := m.Add(name, 10); err != nil {
		t.Fatalf("Add: %v", err)
	}

	client := NewClient(socketPath)

	deadline := time.After(2 * time.Second)
	for {
		var lines []string
		result, err := client.History(name, wire.Timestamp{}, func(d wire.DataPayload) {
			lines = append(lines, d.Line)
		})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(lines) == 3 {
			if result != "success" {
				t.Errorf("expected terminal reply %q, got %q", "success", result)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 3 lines, got %d", len(lines))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServerHistoryUnknownVM(t *testing.T) {
	socketPath, _ := newTestServer(t)
	client := NewClient(socketPath)

	_, err := client.History("nope", wire.Timestamp{}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown vm")
	}
}

func TestServerAttachStreamsLiveData(t *testing.T) {
	socketPath, m := newTestServer(t)

	var tick int64
	m.SetClock(func() wire.Timestamp {
		tick++
		return wire.Timestamp{Seconds: tick}
	})

	name := "vm.attach"
	fifoPath := filepath.Join(m.fifoDir, name+".fifo")
	if err := m.CreateFifo(name); err != nil {
		t.Fatalf("CreateFifo: %v", err)
	}
	if err := m.Add(name, 10); err != nil {
		t.Fatalf("Add: %v", err)
	}

	received := make(chan string, 4)
	client := NewClient(socketPath)
	go func() {
		_ = client.Attach(name, func(d wire.DataPayload) {
			received <- d.Line
		})
	}()

	time.Sleep(50 * time.Millisecond) // let the attach reply land before writing
	writeFifoLines(t, fifoPath, []string{"live-one"})

	select {
	case line := <-received:
		if line != "live-one" {
			t.Errorf("expected live-one, got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for live data")
	}
}
