// Package launch implements the hypervisor-spawn boundary: given a
// finalized VM record, start the guest process and return its pid and a
// handle to its stdout, which the reaper owns until the process exits.
//
// Hypervisor launch mechanics for a specific unikernel runtime are out of
// scope per spec.md §1; this package supplies the generic spawn/reap
// boundary the supervisor drives, with a real libvirt-backed implementation
// and a plain fork/exec fallback for environments without libvirtd.
package launch

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// Request carries everything a Launcher needs to start one guest.
type Request struct {
	Name        string
	MemoryMB    int
	CPUs        int
	Taps        []string
	ConsolePath string // FIFO the guest's serial console is wired to
	SeedISOPath string // optional, empty when the create request had no setup files
}

// Result is what a successful Launch reports back to the supervisor for
// bookkeeping into the VM record and reaper.
type Result struct {
	Pid    int
	Stdout *os.File
}

// Launcher starts a guest process for req and hands back its pid and
// stdout handle. Implementations must not block past process start; the
// supervisor's reaper task waits for exit separately.
type Launcher interface {
	Launch(req Request) (Result, error)
}

// ExecLauncher starts the hypervisor as a plain child process, used in
// environments without a libvirtd to connect to. It is grounded on the
// teacher's own command-based fallback for virt-install-less builds
// (internal/build/adapters/libvirt/build.go's runCommand shape).
type ExecLauncher struct {
	BinaryPath string
	ExtraArgs  []string
	Logger     *slog.Logger
}

func (l *ExecLauncher) Launch(req Request) (Result, error) {
	logger := l.logger()
	args := l.buildArgs(req)
	logger.Info("launching hypervisor process", "vm", req.Name, "binary", l.BinaryPath, "args", args)

	cmd := exec.Command(l.BinaryPath, args...)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("attach stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start hypervisor for %s: %w", req.Name, err)
	}

	stdoutFile, ok := stdoutPipe.(*os.File)
	if !ok {
		// os/exec always returns an *os.File for StdoutPipe on platforms
		// with real pipes; this branch only guards against future stdlib
		// changes to that contract.
		return Result{}, fmt.Errorf("unexpected stdout pipe type for %s", req.Name)
	}

	return Result{Pid: cmd.Process.Pid, Stdout: stdoutFile}, nil
}

func (l *ExecLauncher) buildArgs(req Request) []string {
	args := append([]string(nil), l.ExtraArgs...)
	args = append(args,
		"-m", fmt.Sprintf("%dM", req.MemoryMB),
		"-smp", fmt.Sprintf("%d", req.CPUs),
		"-serial", fmt.Sprintf("pipe:%s", req.ConsolePath),
	)
	for _, tap := range req.Taps {
		args = append(args, "-netdev", fmt.Sprintf("tap,id=%s,ifname=%s,script=no", tap, tap))
	}
	if req.SeedISOPath != "" {
		args = append(args, "-cdrom", req.SeedISOPath)
	}
	return args
}

func (l *ExecLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
