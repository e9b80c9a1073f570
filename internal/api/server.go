package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"O-Sovereign/internal/auth"
	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/observability/metrics"
	"O-Sovereign/internal/pipeline"
	"O-Sovereign/internal/storage/archive"
	"O-Sovereign/internal/task"
	"O-Sovereign/pkg/logger"
)

// Pipeline 是 API 所需的编排器能力，*pipeline.Orchestrator 即满足该接口。
type Pipeline interface {
	Execute(ctx context.Context, input string, opts ...pipeline.RunOption) (*pipeline.Result, error)
	Stats() pipeline.Stats
	Reset()
	Readiness() map[pipeline.Role]bool
	Ready() bool
}

var _ Pipeline = (*pipeline.Orchestrator)(nil)

// Server 负责暴露 REST 接口，供外部驱动流水线执行。
type Server struct {
	addr            string
	pipeline        Pipeline
	tasks           *task.Service
	archive         archive.Repository
	auth            *auth.Service
	shutdownTimeout time.Duration
	metricsEnabled  bool
	logger          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithTaskService 启用异步运行接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithArchive 启用归档查询接口。
func WithArchive(repo archive.Repository) Option {
	return func(s *Server) { s.archive = repo }
}

// WithAuth 为除 /health 与 /metrics 外的接口启用令牌校验。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithMetricsEndpoint 控制是否挂载 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) { s.metricsEnabled = enabled }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, p Pipeline, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		pipeline:        p,
		shutdownTimeout: 5 * time.Second,
		metricsEnabled:  true,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/execute", s.handleExecute)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("POST /api/v1/stats/reset", s.handleResetStats)
	mux.HandleFunc("POST /api/v1/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/stats", s.handleRunStats)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRunDetail)
	mux.HandleFunc("GET /api/v1/archive", s.handleListArchive)
	mux.HandleFunc("GET /api/v1/archive/{id}", s.handleArchiveDetail)
	if s.metricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	var handler http.Handler = mux
	if s.auth.Enabled() {
		handler = s.auth.Middleware(auth.DefaultMiddlewareConfig())(mux)
	}
	return withMetrics(mux, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeNotReady, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics 按路由模式记录请求数量、错误与耗时。路由在进入 handler 前
// 由 mux 解析，被认证中间件拒绝的请求同样计入对应路由。
func withMetrics(mux *http.ServeMux, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeNotReady:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if coded, ok := xerrors.From(err); ok {
		message = coded.Message()
	}
	writeJSON(w, statusFor(code), errorResponse{Error: message, Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
