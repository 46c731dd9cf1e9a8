package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/itstheanurag/judgebox/internal/config"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/judge"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/itstheanurag/judgebox/internal/sandbox/sandboxtest"
	"github.com/itstheanurag/judgebox/internal/worker"
	"github.com/rs/zerolog"
)

// summer prints the sum of the integers in input.txt.
func summer(spec sandbox.ContainerSpec) sandboxtest.Script {
	in, _ := os.ReadFile(filepath.Join(spec.MountSource, sandbox.InputFile))
	total := 0
	for _, f := range strings.Fields(string(in)) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return sandboxtest.Script{Stderr: "ValueError", ExitCode: 1}
		}
		total += n
	}
	return sandboxtest.Script{Stdout: strconv.Itoa(total) + "\n"}
}

type fakeStore struct {
	cases []judge.TestCase
	err   error
}

func (f *fakeStore) TestCases(context.Context, int64) ([]judge.TestCase, error) {
	return f.cases, f.err
}

type testServer struct {
	router *gin.Engine
	rt     *sandboxtest.Runtime
}

func newTestServer(t *testing.T, store TestCaseStore, queueCapacity, workers int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zerolog.Nop()

	conf := config.Default()
	conf.Sandbox.WorkspaceRoot = t.TempDir()
	registry := languages.NewRegistry()
	rt := sandboxtest.New(summer)
	exec, err := executor.NewExecutor(conf, registry, rt, &logger)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	q := queue.NewManager(queueCapacity)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for i := 0; i < workers; i++ {
		go worker.NewWorker(i, exec, q, &logger).Start(ctx)
	}

	h := NewHandler(q, registry, store, conf.Limits, &logger)
	r := gin.New()
	h.Register(r, func(c *gin.Context) { c.Next() })
	return &testServer{router: r, rt: rt}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, 10, 1)
	w := s.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("GET /health = %d %q, want 200 ok", w.Code, w.Body.String())
	}
}

func TestLanguages(t *testing.T) {
	s := newTestServer(t, nil, 10, 1)
	w := s.do(t, http.MethodGet, "/languages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	langs := decode[[]languageInfo](t, w)
	var ids []string
	for _, l := range langs {
		ids = append(ids, l.ID)
	}
	if got := strings.Join(ids, ","); got != "c,cpp,java,python" {
		t.Errorf("languages = %s, want c,cpp,java,python", got)
	}
}

func TestExecute_OK(t *testing.T) {
	s := newTestServer(t, nil, 10, 2)
	w := s.do(t, http.MethodPost, "/execute", ExecutionRequest{
		Language:   "python",
		SourceCode: "print(sum(map(int, input().split())))",
		Stdin:      "1 2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decode[ExecutionResponse](t, w)
	if resp.Stdout != "3\n" {
		t.Errorf("stdout = %q, want %q", resp.Stdout, "3\n")
	}
	if resp.Outcome != sandbox.Completed || resp.Status.ID != statusAccepted {
		t.Errorf("outcome = %s, status = %+v, want completed/Accepted", resp.Outcome, resp.Status)
	}
}

func TestExecute_RuntimeErrorStatus(t *testing.T) {
	s := newTestServer(t, nil, 10, 1)
	w := s.do(t, http.MethodPost, "/execute", ExecutionRequest{
		Language:   "python",
		SourceCode: "x",
		Stdin:      "not numbers",
	})
	resp := decode[ExecutionResponse](t, w)
	if w.Code != http.StatusOK || resp.Status.ID != statusRuntimeError {
		t.Errorf("status = %d %+v, want 200 with Runtime Error", w.Code, resp.Status)
	}
}

func TestExecute_BadRequests(t *testing.T) {
	s := newTestServer(t, nil, 10, 1)

	w := s.do(t, http.MethodPost, "/execute", ExecutionRequest{Language: "cobol", SourceCode: "DISPLAY 'HI'."})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsupported language: status = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}

	if n := len(s.rt.Specs()); n != 0 {
		t.Errorf("%d containers created for bad requests", n)
	}
}

func TestExecute_SystemError(t *testing.T) {
	s := newTestServer(t, nil, 10, 1)
	s.rt.CreateErr = errors.New("Cannot connect to the Docker daemon")

	w := s.do(t, http.MethodPost, "/execute", ExecutionRequest{Language: "python", SourceCode: "print(1)"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	resp := decode[ExecutionResponse](t, w)
	if resp.Outcome != sandbox.SystemError || !strings.Contains(resp.Stderr, "Docker daemon") {
		t.Errorf("response = %+v, want system_error with runtime message", resp)
	}
}

func TestExecute_QueueFull(t *testing.T) {
	s := newTestServer(t, nil, 0, 0)

	w := s.do(t, http.MethodPost, "/execute", ExecutionRequest{Language: "python", SourceCode: "print(1)"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestGrade(t *testing.T) {
	s := newTestServer(t, nil, 10, 2)

	w := s.do(t, http.MethodPost, "/grade", GradeRequest{
		Language:   "python",
		SourceCode: "print(sum(map(int, input().split())))",
		TestCases: []judge.TestCase{
			{ID: 1, InputData: "1 2", OutputData: "3"},
			{ID: 2, InputData: "2 2", OutputData: "5"},
			{ID: 3, InputData: "3 3", OutputData: "6"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	report := decode[judge.Report](t, w)
	if report.Verdict != judge.WrongAnswer {
		t.Errorf("verdict = %s, want %s", report.Verdict, judge.WrongAnswer)
	}
	want := []string{"Case 1: AC", `Case 2: WA (Exp: "5", Got: "4")`}
	if strings.Join(report.Trace, "|") != strings.Join(want, "|") {
		t.Errorf("trace = %q, want %q", report.Trace, want)
	}
}

func TestGrade_NoTestCases(t *testing.T) {
	s := newTestServer(t, nil, 10, 1)
	w := s.do(t, http.MethodPost, "/grade", GradeRequest{Language: "python", SourceCode: "print(1)"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name  string
		store TestCaseStore
		want  int
	}{
		{"no database", nil, http.StatusServiceUnavailable},
		{"no cases", &fakeStore{}, http.StatusNotFound},
		{"store failure", &fakeStore{err: errors.New("connection refused")}, http.StatusInternalServerError},
		{"graded", &fakeStore{cases: []judge.TestCase{{ID: 10, InputData: "4 5", OutputData: "9"}}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.store, 10, 1)
			w := s.do(t, http.MethodPost, "/submit", SubmitRequest{
				QuestionID: 1,
				Language:   "python",
				SourceCode: "print(sum(map(int, input().split())))",
			})
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusOK {
				report := decode[judge.Report](t, w)
				if report.Verdict != judge.Accepted || report.Trace[0] != "Case 10: AC" {
					t.Errorf("report = %+v, want Accepted with Case 10: AC", report)
				}
			}
		})
	}
}

func TestSubmit_MissingQuestion(t *testing.T) {
	s := newTestServer(t, &fakeStore{}, 10, 1)
	w := s.do(t, http.MethodPost, "/submit", map[string]string{"language": "python", "source_code": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRunSocket(t *testing.T) {
	s := newTestServer(t, nil, 10, 1)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/run", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	requests := []SocketRequest{
		{ID: "a", ExecutionRequest: ExecutionRequest{Language: "python", SourceCode: "x", Stdin: "20 22"}},
		{ID: "b", ExecutionRequest: ExecutionRequest{Language: "fortran", SourceCode: "x"}},
	}
	for _, req := range requests {
		if err := conn.WriteJSON(req); err != nil {
			t.Fatal(err)
		}
	}

	var first, second SocketMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "result" || first.ID != "a" || first.Result == nil || first.Result.Stdout != "42\n" {
		t.Errorf("first = %+v, want result a with stdout 42", first)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatal(err)
	}
	if second.Type != "error" || second.ID != "b" || second.Error == "" {
		t.Errorf("second = %+v, want error for b", second)
	}
}

func TestSocketReadLimit_FitsEscapedRequestAtCaps(t *testing.T) {
	limits := config.LimitsConfig{MaxSourceBytes: 100, MaxStdinBytes: 1000}
	req := SocketRequest{
		ID: "worst",
		ExecutionRequest: ExecutionRequest{
			Language:   "python",
			SourceCode: strings.Repeat(`"`, limits.MaxSourceBytes),
			Stdin:      strings.Repeat("\x01", limits.MaxStdinBytes),
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if limit := socketReadLimit(limits); int64(len(data)) > limit {
		t.Errorf("encoded request is %d bytes, read limit %d", len(data), limit)
	}
	if limit := socketReadLimit(config.LimitsConfig{}); limit != 0 {
		t.Errorf("socketReadLimit(unlimited) = %d, want 0", limit)
	}
}

func TestRunSocket_EscapedStdinNearCap(t *testing.T) {
	s := newTestServer(t, nil, 10, 1)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/run", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	// Every newline doubles under JSON escaping.
	stdin := strings.Repeat("\n", config.Default().Limits.MaxStdinBytes-16) + "1 2"
	req := SocketRequest{ID: "big", ExecutionRequest: ExecutionRequest{Language: "python", SourceCode: "x", Stdin: stdin}}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}

	var msg SocketMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "result" || msg.Result == nil || msg.Result.Stdout != "3\n" {
		t.Errorf("msg = %+v, want result with stdout 3", msg)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{executor.ErrInvalidRequest, http.StatusBadRequest},
		{queue.ErrQueueFull, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{judge.ErrSystem, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
