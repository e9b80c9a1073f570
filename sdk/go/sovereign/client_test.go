package sovereign

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"O-Sovereign/internal/api"
	"O-Sovereign/internal/auth"
	"O-Sovereign/internal/config"
	"O-Sovereign/internal/llm/mock"
	"O-Sovereign/internal/pipeline"
	"O-Sovereign/internal/task"
)

func intPtr(v int) *int { return &v }

func TestExecuteAgainstServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator := pipeline.New(pipeline.Backends{
		Planner:  mock.New(mock.Config{Role: "MOSS"}),
		Verifier: mock.New(mock.Config{Role: "L6"}),
		Auditor:  mock.New(mock.Config{Role: "Ultron", Responses: []string{"RISK_SCORE: 90\nIS_SAFE: false\nMITIGATION: 降低强度", "RISK_SCORE: 30\nIS_SAFE: true"}}),
		Executor: mock.New(mock.Config{Role: "Omega", Responses: []string{"done"}}),
	})
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(8)
	go func() { _ = task.NewProcessor(orchestrator, store, queue, queue).Start(ctx) }()

	srv := httptest.NewServer(api.NewServer(":0", orchestrator, api.WithTaskService(task.NewService(store, queue, 1))).Handler())
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	health, err := client.Health(ctx)
	if err != nil || !health.RouterReady || health.Agents["omega"] != "ready" {
		t.Fatalf("unexpected health: %+v %v", health, err)
	}

	result, err := client.Execute(ctx, ExecuteRequest{Input: "制定计划", MaxIterations: intPtr(3), RiskThreshold: intPtr(70)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Accepted || result.Statistics.Iterations != 2 || result.Verdict == nil || result.Verdict.RiskScore != 30 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Chain.Auditor.RiskScore == nil || *result.Chain.Auditor.RiskScore != 30 {
		t.Fatalf("unexpected auditor summary: %+v", result.Chain.Auditor)
	}

	stats, err := client.Stats(ctx)
	if err != nil || stats.TotalExecutions != 1 || stats.Auditor.TotalCalls != 2 {
		t.Fatalf("unexpected stats: %+v %v", stats, err)
	}

	run, err := client.SubmitRun(ctx, ExecuteRequest{ID: "async-1", Input: "异步"})
	if err != nil || run.ID != "async-1" {
		t.Fatalf("submit run: %+v %v", run, err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	finished, err := client.WaitForRun(waitCtx, "async-1", 10*time.Millisecond)
	if err != nil || finished.Status != "succeeded" || finished.Result == nil {
		t.Fatalf("wait for run: %+v %v", finished, err)
	}

	runs, err := client.ListRuns(ctx, 10, "succeeded")
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %+v %v", runs, err)
	}

	waited, err := client.SubmitRunAndWait(ctx, ExecuteRequest{ID: "async-2", Input: "同步等待"}, 5*time.Second)
	if err != nil || waited.ID != "async-2" || !waited.Done() {
		t.Fatalf("submit and wait: %+v %v", waited, err)
	}

	withResult := true
	filtered, err := client.ListRunsFiltered(ctx, 10, RunFilter{HasResult: &withResult, Since: time.Now().Add(-time.Minute)})
	if err != nil || len(filtered) != 2 {
		t.Fatalf("filtered runs: %+v %v", filtered, err)
	}
	none, err := client.ListRunsFiltered(ctx, 10, RunFilter{Since: time.Now().Add(time.Hour)})
	if err != nil || len(none) != 0 {
		t.Fatalf("future filter should be empty: %+v %v", none, err)
	}

	runStats, err := client.RunStats(ctx, RunFilter{})
	if err != nil || runStats.Tasks.Total != 2 || runStats.Queue == nil {
		t.Fatalf("run stats: %+v %v", runStats, err)
	}

	if err := client.ResetStats(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	stats, _ = client.Stats(ctx)
	if stats.TotalExecutions != 0 {
		t.Fatalf("stats not reset: %+v", stats)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "input 不能为空", "code": "INVALID_ARGUMENT"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	client.SetAccessToken("tok")
	_, err := client.Execute(context.Background(), ExecuteRequest{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "INVALID_ARGUMENT" || apiErr.Message != "input 不能为空" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.GetRun(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "boom" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAccessToken(t *testing.T) {
	orchestrator := pipeline.New(pipeline.Backends{
		Planner:  mock.New(mock.Config{Role: "MOSS"}),
		Verifier: mock.New(mock.Config{Role: "L6"}),
		Auditor:  mock.New(mock.Config{Role: "Ultron", Responses: []string{"RISK_SCORE: 5\nIS_SAFE: true"}}),
		Executor: mock.New(mock.Config{Role: "Omega"}),
	})
	authSvc, err := auth.NewService(config.AuthConfig{
		Enabled: true,
		Tokens:  []config.TokenConfig{{Name: "reader", Token: "r-token", Permissions: []string{auth.PermissionRunsRead}}},
	})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(":0", orchestrator, api.WithAuth(authSvc)).Handler())
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	_, err = client.Stats(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "UNAUTHENTICATED" {
		t.Fatalf("expected 401, got %v", err)
	}

	client.SetAccessToken("r-token")
	if _, err := client.Stats(ctx); err != nil {
		t.Fatalf("stats with token: %v", err)
	}
	_, err = client.Execute(ctx, ExecuteRequest{Input: "x"})
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}
