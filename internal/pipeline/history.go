package pipeline

import "sync"

// History 保存已完成的运行，可并发追加。
// limit 只限制保留的日志条数，执行计数始终覆盖全部运行。
type History struct {
	mu         sync.RWMutex
	logs       []*ExecutionLog
	index      map[string]*ExecutionLog
	limit      int
	total      int
	successful int
}

// NewHistory 创建运行历史，limit <= 0 表示不限制保留条数。
func NewHistory(limit int) *History {
	return &History{index: make(map[string]*ExecutionLog), limit: limit}
}

// Append 追加一次运行。
func (h *History) Append(log *ExecutionLog) {
	if log == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	if log.Success {
		h.successful++
	}
	h.logs = append(h.logs, log)
	h.index[log.ID] = log
	if h.limit > 0 && len(h.logs) > h.limit {
		evicted := h.logs[0]
		h.logs = h.logs[1:]
		delete(h.index, evicted.ID)
	}
}

// Counts 返回执行总数与成功次数。
func (h *History) Counts() (total, successful int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total, h.successful
}

// Get 按运行 ID 查找。
func (h *History) Get(id string) (*ExecutionLog, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	log, ok := h.index[id]
	return log, ok
}

// Recent 返回最近 n 条运行，最新的在前。n <= 0 时返回全部保留条目。
func (h *History) Recent(n int) []*ExecutionLog {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.logs) {
		n = len(h.logs)
	}
	out := make([]*ExecutionLog, 0, n)
	for i := len(h.logs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.logs[i])
	}
	return out
}

// Clear 清空历史与计数。
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = nil
	h.index = make(map[string]*ExecutionLog)
	h.total = 0
	h.successful = 0
}
