package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"intake-agent-go/internal/constants"
	"intake-agent-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// UsageRecorder 外部调用的用量上报回调
type UsageRecorder interface {
	RecordCall(ctx context.Context, operationType string, estimatedCost float64)
}

// LLMAnalyzer 基于大模型的文档分类与结构化解析器
// 同一个模型实例服务三种操作: 类型判定、快速身份抽取、完整档案解析
type LLMAnalyzer struct {
	llmModel   model.ToolCallingChatModel
	taskModels map[string]model.ToolCallingChatModel
	recorder   UsageRecorder
	callCost   float64
	timeout    time.Duration
	logger     zerolog.Logger
}

// LLMAnalyzerOption 定义配置选项函数
type LLMAnalyzerOption func(*LLMAnalyzer)

// WithUsageRecorder 配置用量上报回调
func WithUsageRecorder(recorder UsageRecorder) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) {
		a.recorder = recorder
	}
}

// WithTaskModel 为指定操作配置专用模型，未配置的操作走默认模型
func WithTaskModel(operation string, m model.ToolCallingChatModel) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) {
		if a.taskModels == nil {
			a.taskModels = make(map[string]model.ToolCallingChatModel)
		}
		a.taskModels[operation] = m
	}
}

// WithCallCost 配置单次调用的估算成本，随用量上报进入账本
func WithCallCost(cost float64) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) {
		a.callCost = cost
	}
}

// WithCallTimeout 配置单次调用超时
func WithCallTimeout(timeout time.Duration) LLMAnalyzerOption {
	return func(a *LLMAnalyzer) {
		a.timeout = timeout
	}
}

// NewLLMAnalyzer 创建LLM文档分析器
func NewLLMAnalyzer(llmModel model.ToolCallingChatModel, logger zerolog.Logger, options ...LLMAnalyzerOption) *LLMAnalyzer {
	analyzer := &LLMAnalyzer{
		llmModel: llmModel,
		timeout:  60 * time.Second,
		logger:   logger.With().Str("component", "llm_analyzer").Logger(),
	}
	for _, option := range options {
		option(analyzer)
	}
	return analyzer
}

const classifySystemPrompt = `你是招聘文档分类器。判断给定文档属于哪一类并返回JSON:
{"document_type": "cv|cover_letter|application|supporting_document", "confidence": 0.0-1.0, "should_process": true|false, "reason": "仅在should_process为false时说明原因"}
与招聘无关的文档(发票、合同、随机截图等)返回should_process=false。只返回JSON，不要解释。`

const quickParseSystemPrompt = `从文档中抽取最小身份信息并返回JSON:
{"email": "", "phone": "", "full_name": "", "skills": [], "is_student": false}
找不到的字段留空。skills只列明确提到的技术/职业技能。is_student仅在文档表明作者是在读学生时为true。只返回JSON。`

const fullParseSystemPrompt = `你是简历解析器。从合并文档文本中抽取完整候选人档案并返回JSON:
{"full_name": "", "email": "", "phone": "", "location": "", "current_title": "", "summary": "", "skills": [], "years_of_experience": 0, "highest_education": "", "is_student": false, "links": []}
文本以简历开头，可能附有求职信和申请表。找不到的字段留空。只返回JSON。`

// Classify 判定文档类型
// 响应无法解析时回落为低置信度的supporting_document并放行，分类器失效不应丢数据
func (a *LLMAnalyzer) Classify(ctx context.Context, text string, fileName string) (types.Classification, error) {
	userContent := fmt.Sprintf("文件名: %s\n\n%s", fileName, truncateForPrompt(text, 6000))
	response, err := a.callLLM(ctx, constants.UsageOpClassify, classifySystemPrompt, userContent)
	if err != nil {
		return types.Classification{}, err
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" || !gjson.Valid(jsonStr) {
		a.logger.Warn().Str("file", fileName).Msg("分类响应无法解析，回落为supporting_document")
		return types.Classification{
			DocumentType:  constants.DocTypeSupportingDocument,
			Confidence:    0,
			ShouldProcess: true,
		}, nil
	}

	parsed := gjson.Parse(jsonStr)
	classification := types.Classification{
		DocumentType:  parsed.Get("document_type").String(),
		Confidence:    parsed.Get("confidence").Float(),
		ShouldProcess: parsed.Get("should_process").Bool(),
		Reason:        parsed.Get("reason").String(),
	}
	if classification.DocumentType == "" {
		classification.DocumentType = constants.DocTypeSupportingDocument
	}
	return classification, nil
}

// QuickParse 廉价的部分身份抽取，仅用于分组与过滤
// 响应无法解析时返回空档案，不上抛错误
func (a *LLMAnalyzer) QuickParse(ctx context.Context, text string) (types.QuickProfile, error) {
	response, err := a.callLLM(ctx, constants.UsageOpQuickScan, quickParseSystemPrompt, truncateForPrompt(text, 6000))
	if err != nil {
		return types.QuickProfile{}, err
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" || !gjson.Valid(jsonStr) {
		a.logger.Warn().Msg("快速解析响应无法解析，返回空身份")
		return types.QuickProfile{}, nil
	}

	parsed := gjson.Parse(jsonStr)
	profile := types.QuickProfile{
		Email:     strings.TrimSpace(parsed.Get("email").String()),
		Phone:     strings.TrimSpace(parsed.Get("phone").String()),
		FullName:  strings.TrimSpace(parsed.Get("full_name").String()),
		IsStudent: parsed.Get("is_student").Bool(),
	}
	for _, skill := range parsed.Get("skills").Array() {
		if s := strings.TrimSpace(skill.String()); s != "" {
			profile.Skills = append(profile.Skills, s)
		}
	}
	return profile, nil
}

// FullParse 对包的合并文本做一次完整结构化解析
// 响应非JSON或形状不对时代入安全空档案，记录日志，绝不上抛
func (a *LLMAnalyzer) FullParse(ctx context.Context, combinedText string) (types.CandidateProfile, error) {
	response, err := a.callLLM(ctx, constants.UsageOpFullParse, fullParseSystemPrompt, truncateForPrompt(combinedText, 24000))
	if err != nil {
		return types.CandidateProfile{}, err
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" {
		a.logger.Warn().Msg("完整解析响应无法提取JSON，代入空档案")
		return types.CandidateProfile{}, nil
	}

	var profile types.CandidateProfile
	if err := json.Unmarshal([]byte(jsonStr), &profile); err != nil {
		a.logger.Warn().Err(err).Msg("完整解析响应形状不符，代入空档案")
		return types.CandidateProfile{}, nil
	}
	return profile, nil
}

// callLLM 调用模型并上报用量
func (a *LLMAnalyzer) callLLM(ctx context.Context, operation string, systemContent string, userContent string) (string, error) {
	messages := []*einoschema.Message{
		{Role: einoschema.System, Content: systemContent},
		{Role: einoschema.User, Content: userContent},
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	llm := a.llmModel
	if taskModel, ok := a.taskModels[operation]; ok && taskModel != nil {
		llm = taskModel
	}
	response, err := llm.Generate(callCtx, messages)
	if a.recorder != nil {
		a.recorder.RecordCall(ctx, operation, a.callCost)
	}
	if err != nil {
		return "", fmt.Errorf("LLM Generate failed: %w", err)
	}
	return response.Content, nil
}

// truncateForPrompt 按字节截断提示词输入，避免超出上下文窗口
// 截断点回退到rune边界，不能把多字节字符切成无效UTF-8
func truncateForPrompt(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// extractJSON 从文本中提取JSON
func extractJSON(text string) string {
	// 优先提取 ```json ... ``` 代码块中的内容
	re := regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	matches := re.FindStringSubmatch(text)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	// 回退: 用花括号配对寻找第一个完整JSON对象
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}
