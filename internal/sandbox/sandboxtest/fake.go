// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/itstheanurag/judgebox/internal/sandbox"
)

// Script describes what a fake process does once started.
type Script struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	Sleep       time.Duration // runs this long before exiting
	Flood       bool          // writes to stdout until killed
	OOMKilled   bool
	CompileFail bool // leaves the compile marker and exits with sandbox.CompileExitCode

	// Files are written into the workspace by the running program.
	Files map[string]string
}

// Behavior decides a script from the container spec. Workspace files can
// be read through spec.MountSource.
type Behavior func(spec sandbox.ContainerSpec) Script

// Runtime is a fake sandbox.Runtime.
type Runtime struct {
	Behavior  Behavior
	CreateErr error
	StartErr  error

	mu     sync.Mutex
	seq    int
	specs  []sandbox.ContainerSpec
	live   map[string]bool
	killed int
	pulled []string
	closed bool
}

func New(b Behavior) *Runtime {
	return &Runtime{Behavior: b, live: make(map[string]bool)}
}

func (r *Runtime) Create(_ context.Context, spec sandbox.ContainerSpec) (sandbox.Process, error) {
	if r.CreateErr != nil {
		return nil, r.CreateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := "fake-" + strconv.Itoa(r.seq)
	r.specs = append(r.specs, spec)
	r.live[id] = true
	return &Process{rt: r, id: id, spec: spec, exited: make(chan struct{}), kill: make(chan struct{})}, nil
}

func (r *Runtime) EnsureImage(_ context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulled = append(r.pulled, image)
	return nil
}

// Reap removes every live container, as the docker runtime does with
// labelled leftovers.
func (r *Runtime) Reap(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.live)
	r.live = make(map[string]bool)
	return n, nil
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Specs returns every spec passed to Create.
func (r *Runtime) Specs() []sandbox.ContainerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.ContainerSpec(nil), r.specs...)
}

// Live is the number of created containers not yet removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *Runtime) Killed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}

func (r *Runtime) Pulled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pulled...)
}

// Process is a fake sandbox.Process.
type Process struct {
	rt   *Runtime
	id   string
	spec sandbox.ContainerSpec

	stdout, stderr io.Writer
	done           chan error

	once     sync.Once
	kill     chan struct{}
	exited   chan struct{}
	exitCode int
	oom      bool
	duration time.Duration
}

func (p *Process) ID() string { return p.id }

func (p *Process) Attach(_ context.Context, stdout, stderr io.Writer) (<-chan error, error) {
	p.stdout, p.stderr = stdout, stderr
	p.done = make(chan error, 1)
	return p.done, nil
}

func (p *Process) Start(_ context.Context) error {
	if p.rt.StartErr != nil {
		return p.rt.StartErr
	}
	script := Script{}
	if p.rt.Behavior != nil {
		script = p.rt.Behavior(p.spec)
	}
	go p.run(script)
	return nil
}

func (p *Process) run(s Script) {
	start := time.Now()
	for name, content := range s.Files {
		_ = os.WriteFile(filepath.Join(p.spec.MountSource, name), []byte(content), 0o644)
	}
	if s.CompileFail {
		_ = os.WriteFile(filepath.Join(p.spec.MountSource, sandbox.CompileMarker), nil, 0o644)
	}
	if s.Stdout != "" {
		_, _ = io.WriteString(p.stdout, s.Stdout)
	}
	if s.Stderr != "" {
		_, _ = io.WriteString(p.stderr, s.Stderr)
	}

	code := s.ExitCode
	if s.CompileFail {
		code = sandbox.CompileExitCode
	}
	if s.Flood {
		chunk := make([]byte, 64<<10)
		for i := range chunk {
			chunk[i] = 'x'
		}
	flood:
		for {
			select {
			case <-p.kill:
				code = 137
				break flood
			default:
				_, _ = p.stdout.Write(chunk)
			}
		}
	} else if s.Sleep > 0 {
		select {
		case <-time.After(s.Sleep):
		case <-p.kill:
			code = 137
		}
	}

	p.exitCode = code
	p.oom = s.OOMKilled
	p.duration = time.Since(start)
	close(p.exited)
	if p.done != nil {
		p.done <- nil
	}
}

func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *Process) Kill(_ context.Context) error {
	p.rt.mu.Lock()
	p.rt.killed++
	p.rt.mu.Unlock()
	p.stop()
	return nil
}

func (p *Process) stop() {
	p.once.Do(func() { close(p.kill) })
}

func (p *Process) Inspect(_ context.Context) (sandbox.State, error) {
	select {
	case <-p.exited:
		return sandbox.State{ExitCode: p.exitCode, OOMKilled: p.oom, Duration: p.duration}, nil
	default:
		return sandbox.State{}, errors.New("container is still running")
	}
}

func (p *Process) Remove(_ context.Context) error {
	// Removal of a running container forces a kill, as docker rm -f does.
	p.stop()
	p.rt.mu.Lock()
	defer p.rt.mu.Unlock()
	delete(p.rt.live, p.id)
	return nil
}
