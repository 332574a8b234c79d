package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"judgebox/internal/common/cache"
	"judgebox/internal/common/db"
	"judgebox/internal/judge/controller"
	"judgebox/internal/judge/model"
	"judgebox/internal/judge/repository"
	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/security"
	"judgebox/internal/judge/service"
	appErr "judgebox/pkg/errors"
)

type fakeExecutor struct {
	mu         sync.Mutex
	runOutputs map[string]string
}

func (f *fakeExecutor) Compile(context.Context, *sandbox.Workspace, sandbox.ExecutionProfile) (sandbox.CompileResult, error) {
	return sandbox.CompileResult{}, nil
}

func (f *fakeExecutor) RunTestcase(_ context.Context, _ *sandbox.Workspace, _ sandbox.ExecutionProfile, tc model.Testcase, _, _ int64) (model.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.ExecutionResult{Stdout: f.runOutputs[tc.ID], ExecutionTimeMs: 2}, nil
}

type fakeProblems struct {
	problems map[int64]*model.Problem
}

func (f *fakeProblems) GetProblem(_ context.Context, problemID int64) (*model.Problem, error) {
	p, ok := f.problems[problemID]
	if !ok {
		return nil, repository.ErrProblemNotFound
	}
	return p, nil
}

type fakeSubmissions struct {
	mu      sync.Mutex
	created []*repository.Submission
}

func (f *fakeSubmissions) Create(_ context.Context, _ db.Transaction, sub *repository.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, sub)
	return nil
}

func (f *fakeSubmissions) GetByID(context.Context, db.Transaction, string) (*repository.Submission, error) {
	return nil, repository.ErrSubmissionNotFound
}

func (f *fakeSubmissions) UpdateStatus(context.Context, string, model.Verdict) error {
	return nil
}

func (f *fakeSubmissions) UpdateResult(context.Context, string, *model.JudgeOutcome) error {
	return nil
}

func (f *fakeSubmissions) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeStatusStore struct {
	mu    sync.Mutex
	snaps map[string]model.StatusSnapshot
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{snaps: make(map[string]model.StatusSnapshot)}
}

func (f *fakeStatusStore) Save(_ context.Context, snap model.StatusSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.SubmissionID] = snap
	return nil
}

func (f *fakeStatusStore) Get(_ context.Context, submissionID string) (model.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[submissionID]
	if !ok {
		return model.StatusSnapshot{}, appErr.New(appErr.SubmissionNotFound)
	}
	return snap, nil
}

type fakeQueue struct {
	mu         sync.Mutex
	jobs       []*model.Job
	enqueueErr error
	depth      int64
}

func (f *fakeQueue) Enqueue(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeQueue) Dequeue(context.Context) (*model.Job, error) {
	return nil, nil
}

func (f *fakeQueue) Depth(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth, nil
}

func (f *fakeQueue) enqueued() []*model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Job, len(f.jobs))
	copy(out, f.jobs)
	return out
}

type stubProber struct {
	healthy bool
}

func (s *stubProber) Healthy(context.Context) bool {
	return s.healthy
}

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("NewRedisCacheWithClient failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type webHarness struct {
	router    *gin.Engine
	admission *service.AdmissionController
	prober    *stubProber
	subs      *fakeSubmissions
	status    *fakeStatusStore
	queue     *fakeQueue
}

func newWebHarness(t *testing.T, exec *fakeExecutor) *webHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	validator, err := security.NewValidator(security.Config{})
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	registry, err := sandbox.NewRegistry(sandbox.DefaultProfiles()...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	workspaces, err := sandbox.NewWorkspaceManager(sandbox.WorkspaceConfig{
		RootDir:    t.TempDir(),
		GraceDelay: 5 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewWorkspaceManager failed: %v", err)
	}

	h := &webHarness{
		admission: service.NewAdmissionController(2),
		prober:    &stubProber{healthy: true},
		subs:      &fakeSubmissions{},
		status:    newFakeStatusStore(),
		queue:     &fakeQueue{depth: 4},
	}

	judgeSvc, err := service.NewJudgeService(service.Config{
		Validator:  validator,
		Profiles:   registry,
		Workspaces: workspaces,
		Executor:   exec,
		Admission:  h.admission,
	})
	if err != nil {
		t.Fatalf("NewJudgeService failed: %v", err)
	}

	intake, err := service.NewIntakeService(service.IntakeConfig{
		Problems: &fakeProblems{problems: map[int64]*model.Problem{
			42: {
				ID:          42,
				TimeLimitMs: 2000,
				MemoryLimit: "128m",
				Testcases: []model.Testcase{
					{ID: "tc-1", Input: "3 5", ExpectedOutput: "8", Point: 50},
					{ID: "tc-2", Input: "10 20", ExpectedOutput: "30", Point: 50},
				},
			},
		}},
		Submissions: h.subs,
		Status:      h.status,
		Queue:       h.queue,
		Cache:       newTestCache(t),
	})
	if err != nil {
		t.Fatalf("NewIntakeService failed: %v", err)
	}

	sandboxCtl := controller.NewSandboxController(judgeSvc, h.admission, h.prober, time.Now())
	subCtl := controller.NewSubmissionController(intake)

	router := gin.New()
	api := router.Group("/api")
	sb := api.Group("/sandbox")
	sb.POST("/execute", sandboxCtl.Execute)
	sb.GET("/status", sandboxCtl.Status)
	sb.GET("/health", sandboxCtl.Health)
	judge := api.Group("/judge")
	judge.POST("/submissions", subCtl.Create)
	judge.GET("/submissions/:id", subCtl.GetStatus)

	h.router = router
	return h
}

type apiResponse struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func perform(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request failed: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp apiResponse
	raw := rec.Body.Bytes()
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("decode response failed: %v\nbody: %s", err, raw)
		}
	}
	return rec, resp
}

func TestExecuteEndpointJudgesInline(t *testing.T) {
	exec := &fakeExecutor{runOutputs: map[string]string{
		"tc-1": "8\n",
		"tc-2": "30 ",
	}}
	h := newWebHarness(t, exec)

	rec, resp := perform(t, h.router, http.MethodPost, "/api/sandbox/execute", map[string]interface{}{
		"code":     "a, b = map(int, input().split())\nprint(a + b)",
		"language": "python",
		"testcases": []map[string]interface{}{
			{"id": "tc-1", "input": "3 5", "output": "8", "point": 50},
			{"id": "tc-2", "input": "10 20", "output": "30", "point": 50},
		},
		"timeLimit":   2000,
		"memoryLimit": "128m",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success {
		t.Fatalf("success = false, message: %s", resp.Message)
	}

	var data controller.ExecuteResponse
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data failed: %v", err)
	}
	if data.Summary.Passed != 2 || data.Summary.Total != 2 {
		t.Fatalf("summary = %+v, want 2/2 passed", data.Summary)
	}
	if len(data.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(data.Results))
	}
	if h.admission.ActiveJobs() != 0 {
		t.Fatalf("admission slot leaked: %d active", h.admission.ActiveJobs())
	}
}

func TestExecuteEndpointRejectsMalformedBody(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{})

	rec, resp := perform(t, h.router, http.MethodPost, "/api/sandbox/execute", map[string]interface{}{
		"language": "python",
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp.Success {
		t.Fatal("success = true for malformed body")
	}
}

func TestExecuteEndpointBlocksForbiddenCode(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{})

	rec, resp := perform(t, h.router, http.MethodPost, "/api/sandbox/execute", map[string]interface{}{
		"code":     "import os\nos.system('ls')",
		"language": "python",
		"testcases": []map[string]interface{}{
			{"id": "tc-1", "input": "", "output": ""},
		},
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp.Code != int(appErr.SecurityViolation) {
		t.Fatalf("code = %d, want %d", resp.Code, appErr.SecurityViolation)
	}
}

func TestExecuteEndpointReportsCapacity(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{runOutputs: map[string]string{"tc-1": "8\n"}})

	var releases []func()
	for i := 0; i < h.admission.MaxConcurrent(); i++ {
		release, err := h.admission.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		releases = append(releases, release)
	}
	defer func() {
		for _, release := range releases {
			release()
		}
	}()

	rec, resp := perform(t, h.router, http.MethodPost, "/api/sandbox/execute", map[string]interface{}{
		"code":     "a, b = map(int, input().split())\nprint(a + b)",
		"language": "python",
		"testcases": []map[string]interface{}{
			{"id": "tc-1", "input": "3 5", "output": "8"},
		},
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp.Code != int(appErr.SandboxAtCapacity) {
		t.Fatalf("code = %d, want %d", resp.Code, appErr.SandboxAtCapacity)
	}
}

func TestStatusEndpointReportsCapacity(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{})

	release, err := h.admission.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	rec, _ := perform(t, h.router, http.MethodGet, "/api/sandbox/status", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status controller.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status failed: %v", err)
	}
	if status.ActiveJobs != 1 {
		t.Fatalf("activeJobs = %d, want 1", status.ActiveJobs)
	}
	if status.MaxConcurrent != 2 {
		t.Fatalf("maxConcurrent = %d, want 2", status.MaxConcurrent)
	}
	if !status.IsHealthy {
		t.Fatal("isHealthy = false, want true")
	}
	if status.Uptime < 0 {
		t.Fatalf("uptime = %d, want >= 0", status.Uptime)
	}
}

func TestHealthEndpointFollowsProber(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{})

	rec, _ := perform(t, h.router, http.MethodGet, "/api/sandbox/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	h.prober.healthy = false
	rec, _ = perform(t, h.router, http.MethodGet, "/api/sandbox/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCreateSubmissionAccepted(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{})

	rec, resp := perform(t, h.router, http.MethodPost, "/api/judge/submissions", map[string]interface{}{
		"userId":    "u1",
		"problemId": 42,
		"code":      "a, b = map(int, input().split())\nprint(a + b)",
		"language":  "python",
	}, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202\nbody: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success {
		t.Fatalf("success = false, message: %s", resp.Message)
	}

	var data controller.SubmitResponse
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data failed: %v", err)
	}
	if data.SubmissionID == "" {
		t.Fatal("submissionId is empty")
	}
	if data.Status != string(model.VerdictPending) {
		t.Fatalf("status = %s, want PENDING", data.Status)
	}
	if data.QueueDepth != 4 {
		t.Fatalf("queueDepth = %d, want 4", data.QueueDepth)
	}

	if h.subs.createdCount() != 1 {
		t.Fatalf("created %d submissions, want 1", h.subs.createdCount())
	}
	jobs := h.queue.enqueued()
	if len(jobs) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(jobs))
	}
	if jobs[0].JobID != data.SubmissionID {
		t.Fatalf("job id %s does not match submission %s", jobs[0].JobID, data.SubmissionID)
	}
	if jobs[0].TimeLimitMs != 2000 || len(jobs[0].Testcases) != 2 {
		t.Fatalf("job carries wrong problem data: %+v", jobs[0])
	}
}

func TestCreateSubmissionUnknownProblem(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{})

	rec, resp := perform(t, h.router, http.MethodPost, "/api/judge/submissions", map[string]interface{}{
		"userId":    "u1",
		"problemId": 999,
		"code":      "print(1)",
		"language":  "python",
	}, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if resp.Code != int(appErr.ProblemNotFound) {
		t.Fatalf("code = %d, want %d", resp.Code, appErr.ProblemNotFound)
	}
	if h.subs.createdCount() != 0 {
		t.Fatal("submission created for unknown problem")
	}
}

func TestCreateSubmissionSurvivesDeadQueue(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{})
	h.queue.enqueueErr = appErr.Newf(appErr.QueuePushFailed, "redis gone")

	rec, resp := perform(t, h.router, http.MethodPost, "/api/judge/submissions", map[string]interface{}{
		"userId":    "u1",
		"problemId": 42,
		"code":      "print(1)",
		"language":  "python",
	}, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 despite enqueue failure", rec.Code)
	}
	if !resp.Success {
		t.Fatalf("success = false, message: %s", resp.Message)
	}
	if h.subs.createdCount() != 1 {
		t.Fatalf("created %d submissions, want 1", h.subs.createdCount())
	}
}

func TestCreateSubmissionIdempotencyKeyReturnsSameID(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{})
	headers := map[string]string{"Idempotency-Key": "req-123"}
	body := map[string]interface{}{
		"userId":    "u1",
		"problemId": 42,
		"code":      "print(1)",
		"language":  "python",
	}

	rec, resp := perform(t, h.router, http.MethodPost, "/api/judge/submissions", body, headers)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", rec.Code)
	}
	var first controller.SubmitResponse
	if err := json.Unmarshal(resp.Data, &first); err != nil {
		t.Fatalf("decode first response failed: %v", err)
	}

	rec, resp = perform(t, h.router, http.MethodPost, "/api/judge/submissions", body, headers)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("repeat status = %d, want 202", rec.Code)
	}
	var second controller.SubmitResponse
	if err := json.Unmarshal(resp.Data, &second); err != nil {
		t.Fatalf("decode repeat response failed: %v", err)
	}

	if first.SubmissionID != second.SubmissionID {
		t.Fatalf("repeat created a new submission: %s vs %s", first.SubmissionID, second.SubmissionID)
	}
	if h.subs.createdCount() != 1 {
		t.Fatalf("created %d submissions, want 1", h.subs.createdCount())
	}
	if got := len(h.queue.enqueued()); got != 1 {
		t.Fatalf("enqueued %d jobs, want 1", got)
	}
}

func TestGetSubmissionStatus(t *testing.T) {
	h := newWebHarness(t, &fakeExecutor{})
	_ = h.status.Save(context.Background(), model.StatusSnapshot{
		SubmissionID: "sub-1",
		Status:       model.VerdictRunning,
		TotalTests:   3,
		DoneTests:    1,
		ReceivedAt:   time.Now().Unix(),
	})

	rec, resp := perform(t, h.router, http.MethodGet, "/api/judge/submissions/sub-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var snap model.StatusSnapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		t.Fatalf("decode data failed: %v", err)
	}
	if snap.Status != model.VerdictRunning || snap.DoneTests != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec, resp = perform(t, h.router, http.MethodGet, "/api/judge/submissions/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if resp.Code != int(appErr.SubmissionNotFound) {
		t.Fatalf("code = %d, want %d", resp.Code, appErr.SubmissionNotFound)
	}
}
