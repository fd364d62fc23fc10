package launch

import (
	"strings"
	"testing"
)

func TestExecLauncherBuildArgs(t *testing.T) {
	l := &ExecLauncher{BinaryPath: "qemu-system-x86_64", ExtraArgs: []string{"-nographic"}}
	args := l.buildArgs(Request{
		Name:        "vm-a",
		MemoryMB:    1024,
		CPUs:        4,
		Taps:        []string{"tap0"},
		ConsolePath: "/tmp/vmmd/vm-a.fifo",
		SeedISOPath: "/tmp/vmmd/vm-a-seed.iso",
	})

	joined := strings.Join(args, " ")
	for _, want := range []string{"-nographic", "-m 1024M", "-smp 4", "pipe:/tmp/vmmd/vm-a.fifo", "tap0", "-cdrom /tmp/vmmd/vm-a-seed.iso"} {
		if !strings.Contains(joined, want) {
			t.Errorf("buildArgs missing %q, got: %s", want, joined)
		}
	}
}

func TestExecLauncherBuildArgsOmitsSeedWhenAbsent(t *testing.T) {
	l := &ExecLauncher{BinaryPath: "qemu-system-x86_64"}
	args := l.buildArgs(Request{Name: "vm-b", MemoryMB: 512, CPUs: 1})
	if strings.Contains(strings.Join(args, " "), "-cdrom") {
		t.Errorf("expected no -cdrom flag without a seed iso")
	}
}
