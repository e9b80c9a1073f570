package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"O-Sovereign/internal/pipeline"
)

const fileRetention = 512

// FileRepository 以 JSONL 追加写的方式把运行记录保存到本地文件。
type FileRepository struct {
	mu       sync.RWMutex
	dataFile string
	logs     []*pipeline.ExecutionLog
}

// NewFileRepository 在 dataDir 下创建或恢复 runs.jsonl。
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileRepository{dataFile: filepath.Join(dataDir, "runs.jsonl")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Archive 追加一条运行记录。
func (f *FileRepository) Archive(_ context.Context, log *pipeline.ExecutionLog) error {
	encoded, err := json.Marshal(log)
	if err != nil {
		return storageFailure(err, "序列化运行记录失败")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return storageFailure(err, "打开运行日志失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return storageFailure(err, "写入运行日志失败")
	}

	f.logs = append([]*pipeline.ExecutionLog{log}, f.logs...)
	if len(f.logs) > fileRetention {
		f.logs = f.logs[:fileRetention]
	}
	return nil
}

// Get 按运行 ID 查找保留窗口内的记录。
func (f *FileRepository) Get(_ context.Context, id string) (*pipeline.ExecutionLog, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, log := range f.logs {
		if log.ID == id {
			return log, nil
		}
	}
	return nil, notFound(id)
}

// ListLatest 返回最近的运行摘要，按时间倒序排列。
func (f *FileRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.logs) {
		limit = len(f.logs)
	}
	records := make([]Record, 0, limit)
	for _, log := range f.logs[:limit] {
		records = append(records, NewRecord(log))
	}
	return records, nil
}

// Close 实现 Repository。
func (f *FileRepository) Close() error { return nil }

func (f *FileRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取运行日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var restored []*pipeline.ExecutionLog
	for scanner.Scan() {
		var log pipeline.ExecutionLog
		if err := json.Unmarshal(scanner.Bytes(), &log); err != nil {
			continue
		}
		restored = append([]*pipeline.ExecutionLog{&log}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析运行日志失败: %w", err)
	}

	if len(restored) > fileRetention {
		restored = restored[:fileRetention]
	}
	f.logs = restored
	return nil
}
