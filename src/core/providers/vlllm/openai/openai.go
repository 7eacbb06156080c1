package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"vision-qa-server/src/core/providers/vlllm"
	"vision-qa-server/src/core/utils"

	"github.com/sashabaranov/go-openai"
)

// Provider OpenAI 兼容接口的视觉模型（如 gpt-4o、glm-4v-flash）
type Provider struct {
	config *vlllm.Config
	client *openai.Client
	logger *utils.TaggedLogger
}

// NewProvider 创建OpenAI VLLLM提供者实例
func NewProvider(config *vlllm.Config, logger *utils.Logger) (vlllm.Provider, error) {
	return &Provider{
		config: config,
		logger: logger.WithTag("openai"),
	}, nil
}

// Initialize 初始化客户端
func (p *Provider) Initialize() error {
	if p.config.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(p.config.APIKey)
	if p.config.BaseURL != "" {
		clientConfig.BaseURL = p.config.BaseURL
	}
	p.client = openai.NewClientWithConfig(clientConfig)
	return nil
}

// Cleanup 清理资源
func (p *Provider) Cleanup() error {
	return nil
}

// Complete 阻塞调用 Chat Completions
func (p *Provider) Complete(ctx context.Context, req vlllm.Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(req, false))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream 流式调用 Chat Completions
func (p *Provider) Stream(ctx context.Context, req vlllm.Request) (<-chan vlllm.StreamChunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.request(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan vlllm.StreamChunk, 10)
	go func() {
		defer close(out)
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				out <- vlllm.StreamChunk{Err: err}
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			if content := response.Choices[0].Delta.Content; content != "" {
				out <- vlllm.StreamChunk{Text: content}
			}
		}
	}()

	return out, nil
}

// request 构建多模态消息：指令文本、图片、问题文本
func (p *Provider) request(req vlllm.Request, stream bool) openai.ChatCompletionRequest {
	visionMessage := openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeText,
				Text: req.Prompt,
			},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: req.Image.DataURL(),
				},
			},
			{
				Type: openai.ChatMessagePartTypeText,
				Text: req.Question,
			},
		},
	}

	return openai.ChatCompletionRequest{
		Model:       p.config.ModelName,
		Messages:    []openai.ChatCompletionMessage{visionMessage},
		Stream:      stream,
		Temperature: float32(p.config.Temperature),
		TopP:        float32(p.config.TopP),
		MaxTokens:   p.config.MaxTokens,
	}
}

// init 注册OpenAI VLLLM提供者
func init() {
	vlllm.Register("openai", NewProvider)
}
