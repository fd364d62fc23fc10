package launch

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

// libvirtPidDir is where libvirtd writes each running qemu domain's pid
// file, keyed by the (sanitized) domain name.
var libvirtPidDir = "/var/run/libvirt/qemu"

// LibvirtLauncher spawns guests by connecting to a libvirtd instance and
// defining/creating a transient domain, grounded on the connect-then-act
// shape used throughout the teacher's libvirt adapters
// (internal/sandbox/libvirt_network.go, internal/build/adapters/libvirt/build.go).
type LibvirtLauncher struct {
	ConnectionURI string
	ImagePath     string // qcow2 or raw disk backing every launched guest
	Logger        *slog.Logger
	PidDir        string // overrides libvirtPidDir; empty uses the libvirtd default
}

var domainTemplate = template.Must(template.New("domain").Parse(`<domain type='kvm'>
  <name>{{.Name}}</name>
  <memory unit='MiB'>{{.MemoryMB}}</memory>
  <vcpu>{{.CPUs}}</vcpu>
  <os><type>hvm</type></os>
  <devices>
    <disk type='file' device='disk'>
      <source file='{{.ImagePath}}'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <serial type='pipe'>
      <source path='{{.ConsolePath}}'/>
      <target port='0'/>
    </serial>
    {{range .Taps}}<interface type='ethernet'>
      <target dev='{{.}}'/>
      <model type='virtio'/>
    </interface>
    {{end}}
    {{if .SeedISOPath}}<disk type='file' device='cdrom'>
      <source file='{{.SeedISOPath}}'/>
      <target dev='sda' bus='sata'/>
      <readonly/>
    </disk>{{end}}
  </devices>
</domain>`))

type domainTemplateData struct {
	Name        string
	MemoryMB    int
	CPUs        int
	ImagePath   string
	ConsolePath string
	Taps        []string
	SeedISOPath string
}

func (l *LibvirtLauncher) renderDomainXML(req Request) (string, error) {
	var buf bytes.Buffer
	data := domainTemplateData{
		Name:        sanitizeDomainName(req.Name),
		MemoryMB:    req.MemoryMB,
		CPUs:        req.CPUs,
		ImagePath:   l.ImagePath,
		ConsolePath: req.ConsolePath,
		Taps:        req.Taps,
		SeedISOPath: req.SeedISOPath,
	}
	if err := domainTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render domain xml: %w", err)
	}
	return buf.String(), nil
}

func (l *LibvirtLauncher) Launch(req Request) (Result, error) {
	logger := l.logger().With("vm", req.Name)

	conn, err := libvirt.NewConnect(l.ConnectionURI)
	if err != nil {
		return Result{}, fmt.Errorf("connect to libvirt %s: %w", l.ConnectionURI, err)
	}
	defer conn.Close()

	xml, err := l.renderDomainXML(req)
	if err != nil {
		return Result{}, err
	}

	domain, err := conn.DomainCreateXML(xml, libvirt.DOMAIN_NONE)
	if err != nil {
		return Result{}, fmt.Errorf("create domain %s: %w", req.Name, err)
	}
	defer domain.Free()

	id, err := domain.GetID()
	if err != nil {
		return Result{}, fmt.Errorf("get domain id for %s: %w", req.Name, err)
	}
	logger.Info("domain created", "libvirt_id", id)

	pid, err := l.qemuPid(sanitizeDomainName(req.Name))
	if err != nil {
		return Result{}, fmt.Errorf("resolve qemu pid for %s: %w", req.Name, err)
	}
	logger.Info("resolved qemu process", "pid", pid)

	stdout, err := os.Open(req.ConsolePath)
	if err != nil {
		return Result{}, fmt.Errorf("open console pipe for %s: %w", req.Name, err)
	}

	return Result{Pid: pid, Stdout: stdout}, nil
}

// qemuPid reads libvirtd's per-domain pid file, which names the actual OS
// process id of the qemu instance backing the domain -- domain.GetID()
// returns libvirt's own small internal domain id, not a usable pid for
// unix.Wait4/unix.Kill. The pid file is written shortly after
// DomainCreateXML returns, so a short bounded retry absorbs that lag.
func (l *LibvirtLauncher) qemuPid(domainName string) (int, error) {
	path := fmt.Sprintf("%s/%s.pid", l.pidDir(), domainName)

	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return 0, fmt.Errorf("parse pid file %s: %w", path, err)
		}
		return pid, nil
	}
	return 0, fmt.Errorf("read pid file %s: %w", path, lastErr)
}

func (l *LibvirtLauncher) pidDir() string {
	if l.PidDir != "" {
		return l.PidDir
	}
	return libvirtPidDir
}

func (l *LibvirtLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// sanitizeDomainName mirrors the teacher's practice of deriving a safe
// libvirt domain name from an identifier that may contain path separators.
func sanitizeDomainName(name string) string {
	return strings.ReplaceAll(name, "/", "-")
}
