package launch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeDomainName(t *testing.T) {
	cases := map[string]string{
		"vm.a":     "vm.a",
		"tenant/vm": "tenant-vm",
	}
	for input, want := range cases {
		if got := sanitizeDomainName(input); got != want {
			t.Errorf("sanitizeDomainName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestRenderDomainXML(t *testing.T) {
	l := &LibvirtLauncher{ImagePath: "/var/lib/vmmd/base.qcow2"}
	req := Request{
		Name:        "tenant/vm-a",
		MemoryMB:    512,
		CPUs:        2,
		Taps:        []string{"tap0", "tap1"},
		ConsolePath: "/tmp/vmmd/vm-a.fifo",
		SeedISOPath: "/tmp/vmmd/vm-a-seed.iso",
	}

	xml, err := l.renderDomainXML(req)
	if err != nil {
		t.Fatalf("renderDomainXML: %v", err)
	}

	for _, want := range []string{
		"<name>tenant-vm-a</name>",
		"<memory unit='MiB'>512</memory>",
		"<vcpu>2</vcpu>",
		"tap0",
		"tap1",
		req.ConsolePath,
		req.SeedISOPath,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("rendered domain xml missing %q:\n%s", want, xml)
		}
	}
}

func TestQemuPidReadsFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vm-a.pid"), []byte("4242\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	l := &LibvirtLauncher{PidDir: dir}
	pid, err := l.qemuPid("vm-a")
	if err != nil {
		t.Fatalf("qemuPid: %v", err)
	}
	if pid != 4242 {
		t.Errorf("qemuPid = %d, want 4242", pid)
	}
}

func TestQemuPidMissingFileErrors(t *testing.T) {
	l := &LibvirtLauncher{PidDir: t.TempDir()}
	if _, err := l.qemuPid("missing"); err == nil {
		t.Errorf("expected error for missing pid file")
	}
}

func TestRenderDomainXMLOmitsSeedWhenAbsent(t *testing.T) {
	l := &LibvirtLauncher{ImagePath: "/var/lib/vmmd/base.qcow2"}
	xml, err := l.renderDomainXML(Request{Name: "vm-b", MemoryMB: 256, CPUs: 1})
	if err != nil {
		t.Fatalf("renderDomainXML: %v", err)
	}
	if strings.Contains(xml, "device='cdrom'") {
		t.Errorf("expected no cdrom device without a seed iso:\n%s", xml)
	}
}
