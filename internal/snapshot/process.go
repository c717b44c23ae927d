package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// ProcessReport is the document written by the process provider
type ProcessReport struct {
	PID        int               `yaml:"pid"`
	CapturedAt time.Time         `yaml:"captured_at"`
	Name       string            `yaml:"name,omitempty"`
	Cmdline    string            `yaml:"cmdline,omitempty"`
	Status     []string          `yaml:"status,omitempty"`
	Threads    int32             `yaml:"threads"`
	FDs        int32             `yaml:"fds"`
	Memory     *MemoryReport     `yaml:"memory,omitempty"`
	CPU        *CPUReport        `yaml:"cpu,omitempty"`
	Host       *HostMemoryReport `yaml:"host,omitempty"`
	OpenFiles  []string          `yaml:"open_files,omitempty"`
	Mappings   []MappingReport   `yaml:"mappings,omitempty"`

	// Partial lists fields that could not be read
	Partial []string `yaml:"partial,omitempty"`
}

type MemoryReport struct {
	RSS   uint64 `yaml:"rss"`
	VMS   uint64 `yaml:"vms"`
	HWM   uint64 `yaml:"hwm"`
	Data  uint64 `yaml:"data"`
	Stack uint64 `yaml:"stack"`
	Swap  uint64 `yaml:"swap"`
}

type CPUReport struct {
	User   float64 `yaml:"user_seconds"`
	System float64 `yaml:"system_seconds"`
}

type HostMemoryReport struct {
	Total       uint64  `yaml:"total"`
	Available   uint64  `yaml:"available"`
	UsedPercent float64 `yaml:"used_percent"`
}

type MappingReport struct {
	Path string `yaml:"path"`
	RSS  uint64 `yaml:"rss"`
	Size uint64 `yaml:"size"`
}

// ProcessProvider records the kernel's view of the target while it is stopped
type ProcessProvider struct {
	opts Options
}

func NewProcessProvider(opts Options) *ProcessProvider {
	return &ProcessProvider{opts: opts}
}

func (p *ProcessProvider) Name() string { return "process" }

func (p *ProcessProvider) Capture(ctx context.Context, pid int) (Snapshot, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, newError(p.Name(), pid, err)
	}

	// The target is parked in a read, but other goroutines keep running
	if err := proc.SuspendWithContext(ctx); err != nil {
		return nil, newError(p.Name(), pid, err)
	}
	report := collect(ctx, proc, pid)
	if err := p.resume(ctx, proc, pid); err != nil {
		return nil, newError(p.Name(), pid, err)
	}

	if report.Name == "" && report.Memory == nil {
		return nil, newError(p.Name(), pid, ErrProcessExited)
	}

	dir := p.opts.dir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, newError(p.Name(), pid, err)
	}
	path := filepath.Join(dir, artefactName(pid, report.CapturedAt)+".yaml")

	data, err := yaml.Marshal(report)
	if err != nil {
		return nil, newError(p.Name(), pid, fmt.Errorf("encoding report: %w", err))
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, newError(p.Name(), pid, err)
	}
	p.opts.retain()

	return &fileSnapshot{
		pid:   pid,
		path:  path,
		at:    report.CapturedAt,
		keep:  p.opts.Keep,
		files: []string{path},
	}, nil
}

// resumeProcess is swapped out in tests
var resumeProcess = func(ctx context.Context, proc *process.Process) error {
	return proc.ResumeWithContext(ctx)
}

// resume must not leave the target stopped: a stopped guarded instance never
// reads its ack and the supervisor would wait on it forever
func (p *ProcessProvider) resume(ctx context.Context, proc *process.Process, pid int) error {
	err := resumeProcess(ctx, proc)
	if err == nil {
		return nil
	}

	p.opts.Logger.Warn().Err(err).Int("pid", pid).Msg("resume failed, sending SIGCONT directly")
	if kerr := unix.Kill(pid, unix.SIGCONT); kerr != nil && !errors.Is(kerr, unix.ESRCH) {
		p.opts.Logger.Error().Err(kerr).Int("pid", pid).Msg("target may be left stopped")
		return fmt.Errorf("resuming: %w", errors.Join(err, kerr))
	}
	return nil
}

func collect(ctx context.Context, proc *process.Process, pid int) *ProcessReport {
	r := &ProcessReport{PID: pid, CapturedAt: time.Now()}
	partial := func(field string, err error) bool {
		if err != nil {
			r.Partial = append(r.Partial, field)
			return false
		}
		return true
	}

	if name, err := proc.NameWithContext(ctx); partial("name", err) {
		r.Name = name
	}
	if cmd, err := proc.CmdlineWithContext(ctx); partial("cmdline", err) {
		r.Cmdline = cmd
	}
	if st, err := proc.StatusWithContext(ctx); partial("status", err) {
		r.Status = st
	}
	if n, err := proc.NumThreadsWithContext(ctx); partial("threads", err) {
		r.Threads = n
	}
	if n, err := proc.NumFDsWithContext(ctx); partial("fds", err) {
		r.FDs = n
	}
	if mi, err := proc.MemoryInfoWithContext(ctx); partial("memory", err) {
		r.Memory = &MemoryReport{
			RSS:   mi.RSS,
			VMS:   mi.VMS,
			HWM:   mi.HWM,
			Data:  mi.Data,
			Stack: mi.Stack,
			Swap:  mi.Swap,
		}
	}
	if t, err := proc.TimesWithContext(ctx); partial("cpu", err) {
		r.CPU = &CPUReport{User: t.User, System: t.System}
	}
	if files, err := proc.OpenFilesWithContext(ctx); partial("open_files", err) {
		for _, f := range files {
			r.OpenFiles = append(r.OpenFiles, fmt.Sprintf("%d:%s", f.Fd, f.Path))
		}
	}
	if maps, err := proc.MemoryMapsWithContext(ctx, true); partial("mappings", err) && maps != nil {
		for _, m := range *maps {
			r.Mappings = append(r.Mappings, MappingReport{Path: m.Path, RSS: m.Rss, Size: m.Size})
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); partial("host", err) {
		r.Host = &HostMemoryReport{Total: vm.Total, Available: vm.Available, UsedPercent: vm.UsedPercent}
	}

	return r
}
