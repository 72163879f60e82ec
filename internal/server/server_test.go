package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reviewline/internal/analysis"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/github"
	"reviewline/internal/logging"
	"reviewline/internal/migrate"
)

type stubFetcher struct {
	cs  *github.ChangeSet
	err error
}

func (f *stubFetcher) FetchChangeSet(ctx context.Context, repoURL string, changeID int) (*github.ChangeSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cs, nil
}

type stubAnalyzer struct {
	block chan struct{} // when non-nil, calls wait here
}

func (a *stubAnalyzer) Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error) {
	if a.block != nil {
		<-a.block
	}
	line := 10
	return analysis.Result{
		Attempts: 1,
		Findings: []domain.Finding{{
			Path: req.Files[0].Path, Line: &line, Severity: "security",
			Message: "hardcoded credential", Suggestion: "read it from the environment",
		}},
	}, nil
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, fetch github.Fetcher, an engine.UnitAnalyzer) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, fetch, an, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func smallChangeSet() *github.ChangeSet {
	return &github.ChangeSet{
		Title:  "Add login",
		Author: "octocat",
		Files: []domain.FileDiff{{
			Path: "login.go", Patch: "@@ -1 +1 @@\n-a\n+b\n", Additions: 1, Deletions: 1,
		}},
	}
}

func waitTerminal(t *testing.T, e *engine.Engine, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.WaitTask(ctx, id); err != nil {
		t.Fatalf("wait task: %v", err)
	}
}

func TestSubmitAndFetchReport(t *testing.T) {
	srv := newTestServer(t, &stubFetcher{cs: smallChangeSet()}, &stubAnalyzer{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reviews", map[string]any{
		"repo_url": "https://github.com/octo/widgets", "change_id": 42,
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID == "" || task.Status != "pending" {
		t.Fatalf("unexpected submit response %+v", task)
	}
	waitTerminal(t, srv.Engine, task.ID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews/"+task.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != "completed" || task.Title == nil || *task.Title != "Add login" {
		t.Fatalf("unexpected task %+v", task)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews/"+task.ID+"/report", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, data)
	}
	var report ReportResponse
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Entries) != 1 || report.Summary.CriticalIssues != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestReportNotReadyWhileRunning(t *testing.T) {
	an := &stubAnalyzer{block: make(chan struct{})}
	srv := newTestServer(t, &stubFetcher{cs: smallChangeSet()}, an)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reviews", map[string]any{
		"repo_url": "https://github.com/octo/widgets", "change_id": 1,
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews/"+task.ID+"/report", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before terminal, got %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "not_ready" {
		t.Fatalf("error code %q, want not_ready", envelope.Error.Code)
	}

	close(an.block)
	waitTerminal(t, srv.Engine, task.ID)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews/"+task.ID+"/report", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report after terminal: %d", res.StatusCode)
	}
}

func TestReportUnavailableForFailedTask(t *testing.T) {
	fetch := &stubFetcher{err: fmt.Errorf("%w: pull 9", github.ErrNotFound)}
	srv := newTestServer(t, fetch, &stubAnalyzer{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reviews", map[string]any{
		"repo_url": "https://github.com/octo/widgets", "change_id": 9,
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, srv.Engine, task.ID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews/"+task.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != "failed" || task.Error == nil {
		t.Fatalf("task should be failed with a reason: %+v", task)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews/"+task.ID+"/report", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("failed task report: status %d, want 409: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "task_failed" {
		t.Fatalf("error code %q, want task_failed", envelope.Error.Code)
	}
	if !strings.Contains(envelope.Error.Message, "not found") {
		t.Fatalf("message should carry the task error: %q", envelope.Error.Message)
	}
}

func TestSubmitValidationAndNotFound(t *testing.T) {
	srv := newTestServer(t, &stubFetcher{err: errors.New("unused")}, &stubAnalyzer{})
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reviews", map[string]any{"change_id": 1})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing repo_url: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/reviews", map[string]any{
		"repo_url": "https://github.com/octo/widgets", "change_id": 0,
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero change_id: %d", res.StatusCode)
	}

	for _, probe := range []struct {
		method, path string
	}{
		{http.MethodGet, "/v1/reviews/missing"},
		{http.MethodGet, "/v1/reviews/missing/report"},
		{http.MethodPost, "/v1/reviews/missing/cancel"},
		{http.MethodDelete, "/v1/reviews/missing"},
	} {
		res, data := doJSON(t, client, probe.method, srv.URL+probe.path, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: status %d: %s", probe.method, probe.path, res.StatusCode, data)
		}
	}
}

func TestListReviewsAndStats(t *testing.T) {
	srv := newTestServer(t, &stubFetcher{cs: smallChangeSet()}, &stubAnalyzer{})
	client := srv.Client()

	var ids []string
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reviews", map[string]any{
			"repo_url": "https://github.com/octo/widgets", "change_id": i + 1,
		})
		if res.StatusCode != http.StatusAccepted {
			t.Fatalf("submit %d: %d", i, res.StatusCode)
		}
		var task TaskResponse
		if err := json.Unmarshal(data, &task); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.ID)
	}
	for _, id := range ids {
		waitTerminal(t, srv.Engine, id)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews?status=completed&page=1&per_page=2", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d: %s", res.StatusCode, data)
	}
	var page paginatedTasks
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Items) != 2 || page.PerPage != 2 {
		t.Fatalf("unexpected page %+v", page)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews?status=bogus", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus status filter: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d", res.StatusCode)
	}
	var stats StatsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalTasks != 3 || stats.ByStatus["completed"] != 3 || stats.SuccessRate != 1.0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDeleteReview(t *testing.T) {
	srv := newTestServer(t, &stubFetcher{cs: smallChangeSet()}, &stubAnalyzer{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reviews", map[string]any{
		"repo_url": "https://github.com/octo/widgets", "change_id": 7,
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d", res.StatusCode)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, srv.Engine, task.ID)

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/reviews/"+task.ID, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews/"+task.ID, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted task still visible: %d", res.StatusCode)
	}
}

func TestWebhookDispatcherDeliversAndStops(t *testing.T) {
	srv := newTestServer(t, &stubFetcher{cs: smallChangeSet()}, &stubAnalyzer{})

	received := make(chan webhookEvent, 32)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		if r.Header.Get("X-Reviewline-Event") != evt.Type {
			t.Errorf("event header %q does not match body type %q", r.Header.Get("X-Reviewline-Event"), evt.Type)
		}
		received <- evt
	}))
	defer hook.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &webhookDispatcher{
		engine:   srv.Engine,
		webhooks: []config.WebhookConfig{{URL: hook.URL}},
		client:   hook.Client(),
		log:      logging.Discard(),
		interval: 10 * time.Millisecond,
		// Pin the cursor to the log head so the first delivery is the
		// submission event rather than whatever the tail happens to be.
		cursors: map[int]int64{0: 0},
	}
	go d.run(ctx)

	task, _, err := srv.Engine.Submit(ctx, engine.SubmitOptions{RepoURL: "https://github.com/octo/widgets", ChangeID: 3})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, srv.Engine, task.ID)

	var types []string
	deadline := time.After(5 * time.Second)
	for len(types) == 0 || types[len(types)-1] != "task.completed" {
		select {
		case evt := <-received:
			types = append(types, evt.Type)
		case <-deadline:
			t.Fatalf("terminal event never delivered; saw %v", types)
		}
	}
	if types[0] != "task.submitted" {
		t.Fatalf("deliveries out of order: %v", types)
	}

	// After cancellation the dispatcher exits and later events stay queued.
	cancel()
	time.Sleep(50 * time.Millisecond)
	task2, _, err := srv.Engine.Submit(context.Background(), engine.SubmitOptions{RepoURL: "https://github.com/octo/widgets", ChangeID: 4})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, srv.Engine, task2.ID)
	select {
	case evt := <-received:
		t.Fatalf("delivery after stop: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResubmitExistingIDReturnsExisting(t *testing.T) {
	srv := newTestServer(t, &stubFetcher{cs: smallChangeSet()}, &stubAnalyzer{})
	client := srv.Client()

	body := map[string]any{
		"id": "rev-1", "repo_url": "https://github.com/octo/widgets", "change_id": 5,
	}
	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reviews", body)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d", res.StatusCode)
	}
	waitTerminal(t, srv.Engine, "rev-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/reviews", body)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("resubmit: %d", res.StatusCode)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	if task.ID != "rev-1" || task.Status != "completed" {
		t.Fatalf("resubmission must return the existing task: %+v", task)
	}
}
