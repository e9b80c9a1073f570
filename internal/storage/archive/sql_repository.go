package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"O-Sovereign/internal/pipeline"
)

// SQLRepository 将运行记录写入 MySQL 或 SQLite。
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// NewSQLRepository 建立连接并执行嵌入的迁移脚本。
func NewSQLRepository(ctx context.Context, cfg Config) (*SQLRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Archive 保存一次运行，重复 ID 会覆盖旧记录。
func (s *SQLRepository) Archive(ctx context.Context, log *pipeline.ExecutionLog) error {
	if log == nil {
		return nil
	}
	payload, err := json.Marshal(log)
	if err != nil {
		return storageFailure(err, "序列化运行记录失败")
	}
	record := NewRecord(log)

	var riskScore sql.NullInt64
	if record.RiskScore != nil {
		riskScore = sql.NullInt64{Int64: int64(*record.RiskScore), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageFailure(err, "开启事务失败")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE id = ?`, record.ID); err != nil {
		tx.Rollback()
		return storageFailure(err, "清理旧运行记录失败")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO pipeline_runs (
        id, user_input, success, accepted, iterations, risk_score, max_iterations, risk_threshold,
        final_output, failed_stage, error_code, total_cost, duration_ms, started_at, payload
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserInput, boolToInt(record.Success), boolToInt(record.Accepted), record.Iterations,
		riskScore, log.MaxIterations, log.RiskThreshold, record.FinalOutput, record.FailedStage,
		record.ErrorCode, record.TotalCost, record.DurationMS, record.StartedAt, string(payload))
	if err != nil {
		tx.Rollback()
		return storageFailure(err, "写入运行记录失败")
	}
	if err := tx.Commit(); err != nil {
		return storageFailure(err, "提交运行记录失败")
	}
	return nil
}

// Get 读取完整的执行日志。
func (s *SQLRepository) Get(ctx context.Context, id string) (*pipeline.ExecutionLog, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM pipeline_runs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageFailure(err, "查询运行记录失败")
	}
	var log pipeline.ExecutionLog
	if err := json.Unmarshal([]byte(payload), &log); err != nil {
		return nil, storageFailure(err, "解析运行记录失败")
	}
	return &log, nil
}

// ListLatest 按开始时间倒序返回运行摘要。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_input, success, accepted, iterations, risk_score,
        final_output, failed_stage, error_code, total_cost, duration_ms, started_at
FROM pipeline_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageFailure(err, "查询运行列表失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record            Record
			success, accepted int
			riskScore         sql.NullInt64
		)
		if err := rows.Scan(&record.ID, &record.UserInput, &success, &accepted, &record.Iterations, &riskScore,
			&record.FinalOutput, &record.FailedStage, &record.ErrorCode, &record.TotalCost,
			&record.DurationMS, &record.StartedAt); err != nil {
			return nil, storageFailure(err, "解析运行列表失败")
		}
		record.Success = success != 0
		record.Accepted = accepted != 0
		if riskScore.Valid {
			score := int(riskScore.Int64)
			record.RiskScore = &score
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailure(err, "遍历运行列表失败")
	}
	return records, nil
}

// Close 关闭底层连接池。
func (s *SQLRepository) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("关闭 %s 连接失败: %w", s.driver, err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
