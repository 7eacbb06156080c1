package gemini

import (
	"context"
	"fmt"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/providers/vlllm"
	"vision-qa-server/src/core/utils"

	"google.golang.org/genai"
)

// Provider 基于 Google GenAI SDK 的视觉模型
type Provider struct {
	config *vlllm.Config
	client *genai.Client
	logger *utils.TaggedLogger
}

// NewProvider 创建Gemini VLLLM提供者实例
func NewProvider(config *vlllm.Config, logger *utils.Logger) (vlllm.Provider, error) {
	if config.ModelName == "" {
		config.ModelName = configs.DefaultModelName
	}
	return &Provider{
		config: config,
		logger: logger.WithTag("gemini"),
	}, nil
}

// Initialize 创建 GenAI 客户端
func (p *Provider) Initialize() error {
	if p.config.APIKey == "" {
		return fmt.Errorf("Gemini API key is required")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  p.config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: p.config.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return fmt.Errorf("create genai client: %w", err)
	}
	p.client = client

	p.logger.Debug("Gemini VLLLM初始化成功", map[string]interface{}{
		"model": p.config.ModelName,
	})
	return nil
}

// Cleanup 清理资源
func (p *Provider) Cleanup() error {
	return nil
}

// Complete 阻塞调用 GenerateContent
func (p *Provider) Complete(ctx context.Context, req vlllm.Request) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.config.ModelName, contents(req), p.generateConfig())
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Stream 流式调用 GenerateContentStream
func (p *Provider) Stream(ctx context.Context, req vlllm.Request) (<-chan vlllm.StreamChunk, error) {
	out := make(chan vlllm.StreamChunk, 10)

	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				out <- vlllm.StreamChunk{Err: fmt.Errorf("gemini stream panic: %v", r)}
			}
		}()

		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.config.ModelName, contents(req), p.generateConfig()) {
			if err != nil {
				out <- vlllm.StreamChunk{Err: err}
				return
			}
			if text := resp.Text(); text != "" {
				out <- vlllm.StreamChunk{Text: text}
			}
		}
	}()

	return out, nil
}

// contents 按 指令、图片、问题 的顺序组装单条用户消息
func contents(req vlllm.Request) []*genai.Content {
	parts := []*genai.Part{
		genai.NewPartFromText(req.Prompt),
		genai.NewPartFromBytes(req.Image.Data, req.Image.MIMEType),
		genai.NewPartFromText(req.Question),
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func (p *Provider) generateConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if p.config.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(p.config.Temperature))
	}
	if p.config.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(p.config.TopP))
	}
	if p.config.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.config.MaxTokens)
	}
	return cfg
}

// init 注册Gemini VLLLM提供者
func init() {
	vlllm.Register("gemini", NewProvider)
}
