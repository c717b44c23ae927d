package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GcoreProvider produces a real core file with gdb's gcore
type GcoreProvider struct {
	opts Options
}

func NewGcoreProvider(opts Options) *GcoreProvider {
	return &GcoreProvider{opts: opts}
}

func (g *GcoreProvider) Name() string { return "gcore" }

func (g *GcoreProvider) binary() string {
	if g.opts.GcoreBinary != "" {
		return g.opts.GcoreBinary
	}
	return "gcore"
}

func (g *GcoreProvider) Capture(ctx context.Context, pid int) (Snapshot, error) {
	bin, err := exec.LookPath(g.binary())
	if err != nil {
		return nil, newError(g.Name(), pid, err)
	}

	dir := g.opts.dir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, newError(g.Name(), pid, err)
	}

	at := time.Now()
	prefix := filepath.Join(dir, artefactName(pid, at))

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-o", prefix, strconv.Itoa(pid))
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, newError(g.Name(), pid, fmt.Errorf("%w: %s", err, strings.TrimSpace(out.String())))
	}

	// gcore appends the pid to the prefix
	path := prefix + "." + strconv.Itoa(pid)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("no core written: %s", strings.TrimSpace(out.String()))
		}
		return nil, newError(g.Name(), pid, err)
	}
	g.opts.retain()

	return &fileSnapshot{
		pid:   pid,
		path:  path,
		at:    at,
		keep:  g.opts.Keep,
		files: []string{path},
	}, nil
}
