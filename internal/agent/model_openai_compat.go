package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"intake-agent-go/internal/retry"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-resty/resty/v2"
)

const defaultModelName = "qwen-plus"

// --- OpenAI兼容请求/响应结构 ---

type chatCompletionRequest struct {
	Model    string            `json:"model"`
	Messages []*schema.Message `json:"messages"`
}

type chatChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAICompatChatModel 通过OpenAI兼容端点访问大模型
// 实现 model.ToolCallingChatModel 接口供上层以eino的抽象消费
type OpenAICompatChatModel struct {
	apiKey    string
	modelName string
	apiURL    string
	client    *resty.Client
}

// 确保OpenAICompatChatModel实现了ToolCallingChatModel接口
var _ model.ToolCallingChatModel = (*OpenAICompatChatModel)(nil)

// NewOpenAICompatChatModel 创建OpenAI兼容的聊天模型客户端
func NewOpenAICompatChatModel(apiKey string, modelName string, apiURL string) (*OpenAICompatChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}
	if strings.TrimSpace(apiURL) == "" {
		return nil, fmt.Errorf("API URL不能为空")
	}

	mn := modelName
	if strings.TrimSpace(mn) == "" {
		mn = defaultModelName
	}

	client := resty.New().
		SetTimeout(90 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(apiKey)

	return &OpenAICompatChatModel{
		apiKey:    apiKey,
		modelName: mn,
		apiURL:    apiURL,
		client:    client,
	}, nil
}

// Generate 发送消息列表并返回单条回复
// 429与5xx包装为瞬态错误，交由上层重试策略处理
func (m *OpenAICompatChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	reqBody := chatCompletionRequest{
		Model:    m.modelName,
		Messages: input,
	}

	var respBody chatCompletionResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(reqBody).
		SetResult(&respBody).
		Post(m.apiURL)
	if err != nil {
		return nil, retry.Transient(0, fmt.Errorf("调用LLM端点失败: %w", err))
	}

	if resp.IsError() {
		apiErr := fmt.Errorf("LLM端点返回错误状态码 %d: %s", resp.StatusCode(), resp.String())
		if resp.StatusCode() == 429 || resp.StatusCode() >= 500 {
			return nil, retry.Transient(resp.StatusCode(), apiErr)
		}
		return nil, apiErr
	}

	if respBody.Error != nil {
		return nil, fmt.Errorf("LLM端点返回业务错误: %s", respBody.Error.Message)
	}
	if len(respBody.Choices) == 0 {
		return nil, fmt.Errorf("LLM响应不含任何choice")
	}

	choice := respBody.Choices[0]
	return &schema.Message{
		Role:    schema.Assistant,
		Content: choice.Message.Content,
	}, nil
}

// Stream 流式生成
// 摄取管道只消费一次性回复，流式路径不提供
func (m *OpenAICompatChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("流式生成未实现")
}

// WithTools 满足 model.ToolCallingChatModel 接口
// 摄取管道不使用工具调用，直接返回自身
func (m *OpenAICompatChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}
