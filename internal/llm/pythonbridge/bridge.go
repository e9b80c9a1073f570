package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"O-Sovereign/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
// 脚本从标准输入读取 JSON 请求，并在标准输出写回 JSON 结果。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
	model      string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir, model string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
		model:      model,
	}, nil
}

type bridgeRequest struct {
	Model       string         `json:"model,omitempty"`
	Prompt      string         `json:"prompt"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
	Options     map[string]any `json:"options,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

type bridgeResponse struct {
	Text     string         `json:"text"`
	Tokens   int            `json:"tokens"`
	Cost     float64        `json:"cost"`
	Metadata map[string]any `json:"metadata"`
	Error    string         `json:"error"`
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(bridgeRequest{
		Model:       c.model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Options:     req.Options,
		Timestamp:   time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	start := time.Now()
	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("Python 脚本返回错误: %s", resp.Error)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("Python 脚本未返回文本")
	}

	return &llm.Response{
		Text:      resp.Text,
		Tokens:    resp.Tokens,
		Cost:      resp.Cost,
		LatencyMS: float64(time.Since(start)) / float64(time.Millisecond),
		Metadata:  resp.Metadata,
	}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
