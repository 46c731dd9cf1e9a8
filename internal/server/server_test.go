package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/itstheanurag/judgebox/internal/config"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/itstheanurag/judgebox/internal/sandbox/sandboxtest"
	"github.com/rs/zerolog"
)

// spinner never exits on its own.
func spinner(sandbox.ContainerSpec) sandboxtest.Script {
	return sandboxtest.Script{Sleep: time.Minute}
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
}

func newTestServer(t *testing.T, b sandboxtest.Behavior) (*Server, *sandboxtest.Runtime) {
	t.Helper()
	logger := zerolog.Nop()
	conf := config.Default()
	conf.Server.Port = freePort(t)
	conf.Server.Workers = 2
	conf.Sandbox.WorkspaceRoot = t.TempDir()
	conf.Sandbox.PullImages = false

	rt := sandboxtest.New(b)
	s, err := newServer(conf, &logger, rt, nil, nil)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	t.Cleanup(s.cancelFunc)
	return s, rt
}

// start runs the server and waits until it answers health checks.
func start(t *testing.T, s *Server) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	url := "http://127.0.0.1:" + s.conf.Server.Port + "/health"
	waitFor(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	return errCh
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func assertNoWorkspaces(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("%d workspaces left under %s", len(entries), root)
	}
}

func TestStop_KillsRunningSandboxes(t *testing.T) {
	s, rt := newTestServer(t, spinner)
	errCh := start(t, s)

	job := queue.NewRunJob(context.Background(), executor.ExecuteOptions{
		LanguageID: "python",
		SourceCode: "while True: pass",
	})
	if err := s.queue.Submit(job); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rt.Live() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if live := rt.Live(); live != 0 {
		t.Errorf("%d containers left after Stop", live)
	}
	if rt.Killed() == 0 {
		t.Error("running container was never killed")
	}
	if !rt.Closed() {
		t.Error("runtime not closed")
	}
	assertNoWorkspaces(t, s.conf.Sandbox.WorkspaceRoot)

	select {
	case res := <-job.Result:
		if res.Run == nil || res.Run.Outcome != sandbox.SystemError {
			t.Errorf("job result = %+v, want SystemError run", res)
		}
	default:
		t.Error("job got no result")
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Start did not return after Stop")
	}
}

func TestStop_CancelsJobsWhenShutdownTimesOut(t *testing.T) {
	s, rt := newTestServer(t, spinner)
	start(t, s)

	reqDone := make(chan struct{})
	go func() {
		defer close(reqDone)
		body := strings.NewReader(`{"language":"python","source_code":"while True: pass","time_limit_ms":15000}`)
		resp, err := http.Post("http://127.0.0.1:"+s.conf.Server.Port+"/execute", "application/json", body)
		if err == nil {
			resp.Body.Close()
		}
	}()
	waitFor(t, func() bool { return rt.Live() == 1 })

	// The request outlives this budget, so Shutdown fails.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop = %v, want context.DeadlineExceeded", err)
	}

	if live := rt.Live(); live != 0 {
		t.Errorf("%d containers left after Stop", live)
	}
	if !rt.Closed() {
		t.Error("runtime not closed")
	}
	assertNoWorkspaces(t, s.conf.Sandbox.WorkspaceRoot)

	select {
	case <-reqDone:
	case <-time.After(5 * time.Second):
		t.Error("in-flight request never finished")
	}
}

func TestStart_ReclaimsStaleWorkspaces(t *testing.T) {
	s, _ := newTestServer(t, spinner)
	stale := filepath.Join(s.conf.Sandbox.WorkspaceRoot, "0b7e2d4c-6a4f-4a53-9d1e-3c2b1a0f9e8d")
	if err := os.Mkdir(stale, 0o777); err != nil {
		t.Fatal(err)
	}

	start(t, s)
	defer s.Stop(context.Background())

	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale workspace still present: %v", err)
	}
}

func TestShutdownTimeout_CoversLongestRun(t *testing.T) {
	s, _ := newTestServer(t, spinner)
	longest := time.Duration(s.conf.Limits.MaxTimeLimitMs) * time.Millisecond
	if got := s.ShutdownTimeout(); got <= longest {
		t.Errorf("ShutdownTimeout = %s, want more than %s", got, longest)
	}
}
