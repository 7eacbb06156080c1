package vlllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/core/metrics"
	"vision-qa-server/src/core/providers"
	"vision-qa-server/src/core/utils"
)

// InstructionPrompt 固定的指令提示词，调用方不可修改
const InstructionPrompt = "Answer the question about this image."

// Mode 调用方式，只影响调用风格，不影响发送给模型的内容
type Mode int

const (
	Blocking Mode = iota
	Streaming
)

func (m Mode) String() string {
	if m == Streaming {
		return "streaming"
	}
	return "blocking"
}

// Config VLLLM配置结构
type Config struct {
	Type        string
	ModelName   string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	TopP        float64
	Data        map[string]interface{}
}

// Request 发送给模型的有序三元组：指令、图片、问题
type Request struct {
	Prompt   string
	Image    image.Payload
	Question string
}

// StreamChunk 流式回复片段，Err 非空的片段总是最后一个
type StreamChunk struct {
	Text string
	Err  error
}

// Provider 视觉模型后端
type Provider interface {
	providers.Provider
	// Complete 阻塞调用，返回完整回答
	Complete(ctx context.Context, req Request) (string, error)
	// Stream 流式调用，通道在回答结束或出错后关闭
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// ModelError 模型调用失败（网络、认证、配额、响应异常等），不做重试
type ModelError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("vision model %s: %s", e.Provider, e.Message)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Client 对单个视觉模型的封装，所有失败都转换为 *ModelError
type Client struct {
	name     string
	provider Provider
	timeout  time.Duration
	logger   *utils.TaggedLogger
	metrics  *metrics.Metrics
}

// NewClient 创建视觉问答客户端，timeout 为 0 时不设超时
func NewClient(name string, provider Provider, timeout time.Duration, logger *utils.Logger, m *metrics.Metrics) *Client {
	return &Client{
		name:     name,
		provider: provider,
		timeout:  timeout,
		logger:   logger.WithTag("vlllm"),
		metrics:  m,
	}
}

// NewClientFromConfig 根据配置创建 provider 并包装成客户端
func NewClientFromConfig(name string, cfg configs.VLLMConfig, logger *utils.Logger, m *metrics.Metrics) (*Client, error) {
	provider, err := Create(cfg.Type, &cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewClient(name, provider, cfg.Timeout, logger, m), nil
}

// Name 返回 provider 名称
func (c *Client) Name() string {
	return c.name
}

// Answer 询问模型关于图片的问题。问题非空由调用方保证。
func (c *Client) Answer(ctx context.Context, img image.Payload, question string, mode Mode) (answer string, err error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := Request{
		Prompt:   InstructionPrompt,
		Image:    img,
		Question: question,
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			answer = ""
			err = &ModelError{Provider: c.name, Message: fmt.Sprintf("provider panic: %v", r)}
		}
		c.metrics.ObserveModelCall(c.name, mode.String(), time.Since(start), err)
		if err != nil {
			c.logger.Error("视觉模型调用失败", map[string]interface{}{
				"mode":  mode.String(),
				"error": err.Error(),
			})
		}
	}()

	switch mode {
	case Streaming:
		answer, err = c.collect(ctx, req)
	default:
		answer, err = c.provider.Complete(ctx, req)
	}
	if err != nil {
		return "", c.wrap(err)
	}
	if strings.TrimSpace(answer) == "" {
		return "", &ModelError{Provider: c.name, Message: "empty response"}
	}

	c.logger.Debug("视觉模型回答完成", map[string]interface{}{
		"mode":       mode.String(),
		"image_size": len(img.Data),
		"answer_len": len(answer),
	})
	return answer, nil
}

func (c *Client) collect(ctx context.Context, req Request) (string, error) {
	chunks, err := c.provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (c *Client) wrap(err error) error {
	var modelErr *ModelError
	if errors.As(err, &modelErr) {
		return modelErr
	}
	return &ModelError{Provider: c.name, Message: err.Error(), Err: err}
}

// Cleanup 释放 provider 资源
func (c *Client) Cleanup() error {
	return c.provider.Cleanup()
}
