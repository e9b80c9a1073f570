package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "O-Sovereign/internal/errors"
	"O-Sovereign/pkg/logger"
)

// 告警事件使用的错误码。
const (
	CodeRunFailed xerrors.Code = "RUN_FAILED"
	CodeRunRisky  xerrors.Code = "RUN_RISKY"
)

func init() {
	xerrors.Register(CodeRunFailed, xerrors.Attributes{
		Message:  "pipeline run failed",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeRunRisky, xerrors.Attributes{
		Message:  "pipeline run executed a rejected plan",
		Severity: xerrors.SeverityWarning,
	})
}

// Event 描述一次需要告警的运行。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	RunID      string            `json:"run_id"`
	Iterations int               `json:"iterations"`
	RiskScore  int               `json:"risk_score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到一个渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[string]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，同名通知器以后者为准。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Name()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Names 返回已注册的通知器名称。
func (d *FanoutDispatcher) Names() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.notifiers))
	for name := range d.notifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("notifier %s: %w", notifier.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将事件写入审计日志。
type LogNotifier struct{}

// Name 返回通知器名称。
func (LogNotifier) Name() string { return "log" }

// Notify 记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("run_id", event.RunID),
		slog.Int("iterations", event.Iterations),
		slog.Int("risk_score", event.RiskScore),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Audit().Warn(event.Message, attrs...)
	return nil
}

// WebhookNotifier 以 JSON 形式将事件 POST 到指定地址。
type WebhookNotifier struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器。
func NewWebhookNotifier(name, url string, timeout time.Duration) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook 地址为空")
	}
	if name == "" {
		name = "webhook:" + url
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{name: name, url: url, client: &http.Client{Timeout: timeout}}, nil
}

// Name 返回通知器名称。
func (n *WebhookNotifier) Name() string { return n.name }

// Notify 发送事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook 返回状态 %d", resp.StatusCode)
	}
	return nil
}
