package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/pipeline"
	"O-Sovereign/internal/task"
)

// ExecuteRequest 是同步执行与异步提交共用的请求体。
type ExecuteRequest struct {
	ID            string `json:"id,omitempty"`
	Input         string `json:"input"`
	MaxIterations *int   `json:"max_iterations,omitempty"`
	RiskThreshold *int   `json:"risk_threshold,omitempty"`
}

func (req ExecuteRequest) validate() error {
	if strings.TrimSpace(req.Input) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "input 不能为空")
	}
	if v := req.MaxIterations; v != nil && (*v < 1 || *v > 10) {
		return xerrors.New(xerrors.CodeInvalidArgument, "max_iterations 必须在 1 到 10 之间")
	}
	if v := req.RiskThreshold; v != nil && (*v < 0 || *v > 100) {
		return xerrors.New(xerrors.CodeInvalidArgument, "risk_threshold 必须在 0 到 100 之间")
	}
	return nil
}

func (req ExecuteRequest) runOptions() []pipeline.RunOption {
	var opts []pipeline.RunOption
	if req.MaxIterations != nil {
		opts = append(opts, pipeline.WithMaxIterations(*req.MaxIterations))
	}
	if req.RiskThreshold != nil {
		opts = append(opts, pipeline.WithRiskThreshold(*req.RiskThreshold))
	}
	return opts
}

func decodeExecuteRequest(r *http.Request) (ExecuteRequest, error) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return req, req.validate()
}

// HealthResponse 描述服务与各角色后端的就绪状态。
type HealthResponse struct {
	Status      string            `json:"status"`
	RouterReady bool              `json:"router_ready"`
	Agents      map[string]string `json:"agents"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "not_initialized", Agents: map[string]string{}}
	if s.pipeline != nil {
		for role, ready := range s.pipeline.Readiness() {
			state := "not_ready"
			if ready {
				state = "ready"
			}
			resp.Agents[strings.ToLower(role.Alias())] = state
		}
		resp.RouterReady = s.pipeline.Ready()
		if resp.RouterReady {
			resp.Status = "healthy"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil || !s.pipeline.Ready() {
		writeError(w, pipeline.ErrNotReady)
		return
	}
	req, err := decodeExecuteRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.pipeline.Execute(r.Context(), req.Input, req.runOptions()...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		writeError(w, pipeline.ErrNotReady)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

func (s *Server) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		writeError(w, pipeline.ErrNotReady)
		return
	}
	s.pipeline.Reset()
	s.logger.Info("统计信息已重置")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Statistics reset successfully"})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeNotReady, "异步运行未启用"))
		return
	}
	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := decodeExecuteRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	submitted, err := s.tasks.Submit(r.Context(), task.Request{
		ID:            req.ID,
		Input:         req.Input,
		MaxIterations: req.MaxIterations,
		RiskThreshold: req.RiskThreshold,
	})
	if err != nil {
		s.logger.Warn("提交异步运行失败", slog.Any("error", err))
		writeError(w, err)
		return
	}
	if wait <= 0 {
		writeJSON(w, http.StatusAccepted, submitted)
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	finished, err := s.tasks.WaitUntilCompleted(waitCtx, submitted.ID, waitPollInterval)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, finished)
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		// 等待超时，按异步提交返回最新状态。
		if finished == nil {
			finished = submitted
		}
		writeJSON(w, http.StatusAccepted, finished)
	default:
		writeError(w, err)
	}
}

// RunStatsResponse 汇总异步运行的状态分布与队列积压。
type RunStatsResponse struct {
	Tasks task.TaskStats   `json:"tasks"`
	Queue *task.QueueDepth `json:"queue,omitempty"`
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeNotReady, "异步运行未启用"))
		return
	}
	opts, err := parseRunFilters(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := RunStatsResponse{Tasks: stats}
	depth, ok, err := s.tasks.QueueDepth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ok {
		resp.Queue = &depth
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServiceInfo 是根路径返回的服务说明。
type ServiceInfo struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Architecture string            `json:"architecture"`
	Endpoints    map[string]string `json:"endpoints"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ServiceInfo{
		Name:         "O-Sovereign ACSA API",
		Version:      ServiceVersion,
		Description:  "对抗约束型盲从代理 (Adversarially-Constrained Sycophantic Agent)",
		Architecture: "MOSS → L6 → Ultron → Omega",
		Endpoints: map[string]string{
			"health":      "GET /health",
			"execute":     "POST /api/v1/execute",
			"stats":       "GET /api/v1/stats",
			"reset_stats": "POST /api/v1/stats/reset",
			"submit_run":  "POST /api/v1/runs",
			"list_runs":   "GET /api/v1/runs",
			"run_stats":   "GET /api/v1/runs/stats",
			"run_detail":  "GET /api/v1/runs/{id}",
			"archive":     "GET /api/v1/archive",
			"metrics":     "GET /metrics",
		},
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeNotReady, "异步运行未启用"))
		return
	}
	query := r.URL.Query()
	opts, err := parseRunFilters(query)
	if err != nil {
		writeError(w, err)
		return
	}
	opts = append(opts, task.WithLimit(parseLimit(query.Get("limit"), 20)))
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithOffset(offset))
		}
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}

	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeNotReady, "异步运行未启用"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少运行 ID"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, xerrors.New(xerrors.CodeNotReady, "运行归档未启用"))
		return
	}
	records, err := s.archive.ListLatest(r.Context(), parseLimit(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleArchiveDetail(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, xerrors.New(xerrors.CodeNotReady, "运行归档未启用"))
		return
	}
	log, err := s.archive.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// ServiceVersion 是根路径与日志中报告的服务版本。
const ServiceVersion = "0.1.0"

const (
	maxSubmitWait    = 5 * time.Minute
	waitPollInterval = 200 * time.Millisecond
)

// parseRunFilters 解析列表与统计共用的过滤参数：status、q、since、until、has_result。
func parseRunFilters(query url.Values) ([]task.ListOption, error) {
	var opts []task.ListOption
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, item := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(item))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "since 参数无效")
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "until 参数无效")
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "has_result 参数无效")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	return opts, nil
}

// parseTimestamp 接受 Unix 秒或 RFC3339 时间。
func parseTimestamp(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// parseWait 解析提交时的同步等待时长，上限为 maxSubmitWait。
func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "wait 参数必须是非负时长，例如 30s")
	}
	if wait > maxSubmitWait {
		wait = maxSubmitWait
	}
	return wait, nil
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > 100 {
		return 100
	}
	return limit
}
