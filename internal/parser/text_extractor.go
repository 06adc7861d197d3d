package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"intake-agent-go/internal/retry"

	"github.com/rs/zerolog"
)

// TextExtractor 文本提取能力接口
type TextExtractor interface {
	// Extract 从原始文件字节中提取纯文本
	Extract(ctx context.Context, data []byte, fileName string) (string, error)
}

// TikaExtractor 基于Apache Tika服务器的文本提取器
type TikaExtractor struct {
	serverURL string
	client    *http.Client
	logger    zerolog.Logger
}

// TikaOption 定义配置选项函数
type TikaOption func(*TikaExtractor)

// WithTimeout 配置HTTP客户端超时时间
func WithTimeout(timeout time.Duration) TikaOption {
	return func(e *TikaExtractor) {
		e.client.Timeout = timeout
	}
}

// 确保TikaExtractor实现了TextExtractor接口
var _ TextExtractor = (*TikaExtractor)(nil)

// NewTikaExtractor 创建Tika文本提取器
func NewTikaExtractor(serverURL string, logger zerolog.Logger, options ...TikaOption) *TikaExtractor {
	extractor := &TikaExtractor{
		serverURL: serverURL,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.With().Str("component", "tika").Logger(),
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor
}

// Extract 将文件字节PUT给Tika服务器换取纯文本
// 429与5xx被标记为瞬态错误，由外层重试策略处理
func (e *TikaExtractor) Extract(ctx context.Context, data []byte, fileName string) (string, error) {
	startTime := time.Now()

	url := fmt.Sprintf("%s/tika", e.serverURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	req.Header.Set("Accept", "text/plain")
	if fileName != "" {
		req.Header.Set("X-Tika-Resource-Name", fileName)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// 网络层错误视为瞬态
		return "", retry.Transient(0, fmt.Errorf("发送请求到Tika服务器失败: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("tika服务器返回错误状态码: %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", retry.Transient(resp.StatusCode, err)
		}
		return "", err
	}

	textBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取Tika响应失败: %w", err)
	}

	text := string(textBytes)
	e.logger.Debug().
		Str("file", fileName).
		Int("text_length", len(text)).
		Dur("duration", time.Since(startTime)).
		Msg("文本提取完成")
	return text, nil
}
