package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"intake-agent-go/internal/config"
	"intake-agent-go/internal/constants"
	"intake-agent-go/internal/dedup"
	"intake-agent-go/internal/retry"
	"intake-agent-go/internal/types"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// FieldMapCache 字段ID映射的短TTL缓存
// 显式注入而非包级单例；过期前的陈旧读取是可接受的
type FieldMapCache struct {
	mu     sync.Mutex
	data   map[string]string
	expiry time.Time
	ttl    time.Duration
}

// NewFieldMapCache 创建字段映射缓存
func NewFieldMapCache(ttl time.Duration) *FieldMapCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &FieldMapCache{ttl: ttl}
}

// Get 返回缓存的映射，过期或为空时返回nil
func (c *FieldMapCache) Get() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil || time.Now().After(c.expiry) {
		return nil
	}
	return c.data
}

// Put 写入映射并重置过期时间
func (c *FieldMapCache) Put(data map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.expiry = time.Now().Add(c.ttl)
}

// FieldMapStore 跨进程的字段映射缓存层，由Redis适配器实现，可缺席
type FieldMapStore interface {
	GetFieldMap(ctx context.Context) (map[string]string, error)
	SetFieldMap(ctx context.Context, data map[string]string, ttl time.Duration) error
}

// Client 外部关系管理系统的同步适配器
type Client struct {
	http       *resty.Client
	cfg        *config.CRMConfig
	fieldCache *FieldMapCache
	fieldStore FieldMapStore
	logger     zerolog.Logger
}

// 确保Client满足重复检测器的联系人查询接口
var _ dedup.ContactSearcher = (*Client)(nil)

// ClientOption 定义配置选项函数
type ClientOption func(*Client)

// WithFieldMapStore 配置跨进程字段映射缓存
func WithFieldMapStore(store FieldMapStore) ClientOption {
	return func(c *Client) {
		c.fieldStore = store
	}
}

// NewClient 创建CRM同步客户端
func NewClient(cfg *config.CRMConfig, cache *FieldMapCache, logger zerolog.Logger, options ...ClientOption) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("CRM配置不能为空")
	}
	if cache == nil {
		cache = NewFieldMapCache(time.Duration(cfg.FieldCacheTTLMinutes) * time.Minute)
	}

	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIToken)

	client := &Client{
		http:       http,
		cfg:        cfg,
		fieldCache: cache,
		logger:     logger.With().Str("component", "crm").Logger(),
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}

// wrapHTTPError 将限流与服务端错误标记为瞬态
func wrapHTTPError(resp *resty.Response, err error) error {
	if err != nil {
		return retry.Transient(0, fmt.Errorf("请求CRM失败: %w", err))
	}
	if resp.IsError() {
		apiErr := fmt.Errorf("CRM返回错误状态码 %d: %s", resp.StatusCode(), resp.String())
		if resp.StatusCode() == 429 || resp.StatusCode() >= 500 {
			return retry.Transient(resp.StatusCode(), apiErr)
		}
		return apiErr
	}
	return nil
}

// SearchContact 按邮箱或电话查找既有联系人
// 命中多个时返回最近更新的那一个
func (c *Client) SearchContact(ctx context.Context, email, phone string) (*dedup.Match, error) {
	if email == "" && phone == "" {
		return nil, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("email", email).
		SetQueryParam("phone", phone).
		Get("/contacts/search")
	if wrapped := wrapHTTPError(resp, err); wrapped != nil {
		return nil, wrapped
	}

	results := gjson.GetBytes(resp.Body(), "contacts")
	if !results.Exists() || len(results.Array()) == 0 {
		return nil, nil
	}

	var best *dedup.Match
	for _, contact := range results.Array() {
		updatedAt, _ := time.Parse(time.RFC3339, contact.Get("updated_at").String())
		match := &dedup.Match{
			Source:    dedup.SourceCRM,
			ID:        contact.Get("id").String(),
			UpdatedAt: updatedAt,
		}
		if best == nil || match.UpdatedAt.After(best.UpdatedAt) {
			best = match
		}
	}
	return best, nil
}

// CreateContact 创建联系人并返回其ID
func (c *Client) CreateContact(ctx context.Context, profile types.CandidateProfile) (string, error) {
	fields, err := c.mapProfileFields(ctx, profile)
	if err != nil {
		return "", err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"fields": fields}).
		Post("/contacts")
	if wrapped := wrapHTTPError(resp, err); wrapped != nil {
		return "", wrapped
	}

	contactID := gjson.GetBytes(resp.Body(), "id").String()
	if contactID == "" {
		return "", fmt.Errorf("CRM创建联系人响应不含id")
	}
	return contactID, nil
}

// UpdateContact 更新既有联系人的字段
func (c *Client) UpdateContact(ctx context.Context, contactID string, fields map[string]interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"fields": fields}).
		Patch(fmt.Sprintf("/contacts/%s", contactID))
	return wrapHTTPError(resp, err)
}

// UploadFile 将文档附加到联系人，返回文件URL
func (c *Client) UploadFile(ctx context.Context, contactID string, data []byte, fileName string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", fileName, bytes.NewReader(data)).
		Post(fmt.Sprintf("/contacts/%s/files", contactID))
	if wrapped := wrapHTTPError(resp, err); wrapped != nil {
		return "", wrapped
	}
	return gjson.GetBytes(resp.Body(), "url").String(), nil
}

// mapProfileFields 将候选人档案翻译成CRM的字段ID键值对
func (c *Client) mapProfileFields(ctx context.Context, profile types.CandidateProfile) (map[string]interface{}, error) {
	fieldMap, err := c.getFieldMap(ctx)
	if err != nil {
		return nil, err
	}

	values := map[string]string{
		"full_name":         profile.FullName,
		"email":             profile.Email,
		"phone":             profile.Phone,
		"location":          profile.Location,
		"current_title":     profile.CurrentTitle,
		"summary":           profile.Summary,
		"highest_education": profile.HighestEducation,
	}

	fields := make(map[string]interface{})
	for logical, value := range values {
		if value == "" {
			continue
		}
		fieldID, ok := fieldMap[logical]
		if !ok {
			// 目标系统没有对应字段时跳过，不视为错误
			continue
		}
		fields[fieldID] = value
	}
	if fieldID, ok := fieldMap["skills"]; ok && len(profile.Skills) > 0 {
		fields[fieldID] = profile.Skills
	}
	return fields, nil
}

// getFieldMap 获取字段ID映射: 进程内缓存 → 跨进程缓存 → 远端拉取
func (c *Client) getFieldMap(ctx context.Context) (map[string]string, error) {
	if cached := c.fieldCache.Get(); cached != nil {
		return cached, nil
	}

	if c.fieldStore != nil {
		stored, err := c.fieldStore.GetFieldMap(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("读取字段映射缓存失败")
		} else if stored != nil {
			c.fieldCache.Put(stored)
			return stored, nil
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Get("/fields")
	if wrapped := wrapHTTPError(resp, err); wrapped != nil {
		return nil, wrapped
	}

	var payload struct {
		Fields []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("解析CRM字段目录失败: %w", err)
	}

	fieldMap := make(map[string]string, len(payload.Fields))
	for _, field := range payload.Fields {
		fieldMap[field.Name] = field.ID
	}

	c.fieldCache.Put(fieldMap)
	if c.fieldStore != nil {
		if err := c.fieldStore.SetFieldMap(ctx, fieldMap, c.fieldCache.ttl); err != nil {
			c.logger.Warn().Err(err).Str("key", constants.KeyCRMFieldMap).Msg("写入字段映射缓存失败")
		}
	}
	return fieldMap, nil
}
