package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"O-Sovereign/internal/config"
	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/internal/pipeline"
)

// ErrUnsupportedDriver 表示配置了未知的归档驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// Record 是一次运行的归档摘要。
type Record struct {
	ID          string  `json:"id"`
	UserInput   string  `json:"user_input"`
	Success     bool    `json:"success"`
	Accepted    bool    `json:"accepted"`
	Iterations  int     `json:"iterations"`
	RiskScore   *int    `json:"risk_score,omitempty"`
	FinalOutput string  `json:"final_output"`
	FailedStage string  `json:"failed_stage,omitempty"`
	ErrorCode   string  `json:"error_code,omitempty"`
	TotalCost   float64 `json:"total_cost"`
	DurationMS  int64   `json:"duration_ms"`
	StartedAt   int64   `json:"started_at"`
}

// NewRecord 从执行日志生成摘要。
func NewRecord(log *pipeline.ExecutionLog) Record {
	record := Record{
		ID:          log.ID,
		UserInput:   log.UserInput,
		Success:     log.Success,
		Accepted:    log.Accepted,
		Iterations:  log.Iterations,
		FinalOutput: log.FinalOutput,
		FailedStage: string(log.FailedStage),
		ErrorCode:   log.ErrorCode,
		TotalCost:   log.TotalCost,
		DurationMS:  log.Duration.Milliseconds(),
		StartedAt:   log.StartedAt.UnixMilli(),
	}
	if log.Verdict != nil {
		score := log.Verdict.RiskScore
		record.RiskScore = &score
	}
	return record
}

// Repository 持久化执行日志，并实现 pipeline.Archiver。
type Repository interface {
	Archive(ctx context.Context, log *pipeline.ExecutionLog) error
	Get(ctx context.Context, id string) (*pipeline.ExecutionLog, error)
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

var _ pipeline.Archiver = Repository(nil)

// Open 根据配置创建归档仓库。driver 为 none 时返回 nil。
func Open(ctx context.Context, cfg config.ArchiveConfig, dataDir string) (Repository, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileRepository(dataDir)
	case "mysql", "sqlite":
		return NewSQLRepository(ctx, Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, "运行记录不存在", xerrors.WithMetadata("run_id", id))
}

func storageFailure(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
