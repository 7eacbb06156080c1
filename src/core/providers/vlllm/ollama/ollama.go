package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"vision-qa-server/src/core/providers/vlllm"
	"vision-qa-server/src/core/utils"
)

const defaultBaseURL = "http://localhost:11434"

// OllamaRequest Ollama API请求结构
type OllamaRequest struct {
	Model    string                 `json:"model"`
	Messages []OllamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// OllamaMessage Ollama消息结构
type OllamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // 纯 base64，不带 data URL 前缀
}

// OllamaResponse Ollama API响应结构
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Provider 本地 Ollama 视觉模型（如 llava、qwen2-vl）
type Provider struct {
	config     *vlllm.Config
	httpClient *http.Client
	logger     *utils.TaggedLogger
}

// NewProvider 创建Ollama VLLLM提供者实例
func NewProvider(config *vlllm.Config, logger *utils.Logger) (vlllm.Provider, error) {
	return &Provider{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger.WithTag("ollama"),
	}, nil
}

// Initialize Ollama不需要API key，只需要确保有BaseURL
func (p *Provider) Initialize() error {
	if p.config.BaseURL == "" {
		p.config.BaseURL = defaultBaseURL
	}
	if p.config.ModelName == "" {
		return fmt.Errorf("Ollama model name is required")
	}
	p.logger.Debug("Ollama VLLLM初始化成功", map[string]interface{}{
		"base_url": p.config.BaseURL,
		"model":    p.config.ModelName,
	})
	return nil
}

// Cleanup 清理资源
func (p *Provider) Cleanup() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// Complete 非流式调用 /api/chat
func (p *Provider) Complete(ctx context.Context, req vlllm.Request) (string, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var response OllamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("解析Ollama响应失败: %w", err)
	}
	if response.Error != "" {
		return "", errors.New(response.Error)
	}
	return response.Message.Content, nil
}

// Stream 流式调用 /api/chat，响应为逐行 JSON
func (p *Provider) Stream(ctx context.Context, req vlllm.Request) (<-chan vlllm.StreamChunk, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan vlllm.StreamChunk, 10)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			var response OllamaResponse
			if err := decoder.Decode(&response); err != nil {
				if !errors.Is(err, io.EOF) {
					out <- vlllm.StreamChunk{Err: fmt.Errorf("解析Ollama响应失败: %w", err)}
				}
				return
			}
			if response.Error != "" {
				out <- vlllm.StreamChunk{Err: errors.New(response.Error)}
				return
			}

			if content := response.Message.Content; content != "" {
				out <- vlllm.StreamChunk{Text: content}
			}

			if response.Done {
				return
			}
		}
	}()

	return out, nil
}

func (p *Provider) post(ctx context.Context, req vlllm.Request, stream bool) (*http.Response, error) {
	request := OllamaRequest{
		Model: p.config.ModelName,
		Messages: []OllamaMessage{
			{Role: "system", Content: req.Prompt},
			{Role: "user", Content: req.Question, Images: []string{req.Image.Base64()}},
		},
		Stream: stream,
		Options: map[string]interface{}{
			"temperature": p.config.Temperature,
			"top_p":       p.config.TopP,
		},
	}
	if p.config.MaxTokens > 0 {
		request.Options["num_predict"] = p.config.MaxTokens
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("请求序列化失败: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", strings.TrimSuffix(p.config.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Ollama API调用失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("Ollama API返回错误: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// init 注册Ollama VLLLM提供者
func init() {
	vlllm.Register("ollama", NewProvider)
}
