package parser

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"intake-agent-go/internal/constants"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel 按固定内容回复的假模型
type scriptedModel struct {
	content string
	err     error
	calls   int
}

func (s *scriptedModel) Generate(ctx context.Context, input []*einoschema.Message, opts ...model.Option) (*einoschema.Message, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &einoschema.Message{Role: einoschema.Assistant, Content: s.content}, nil
}

func (s *scriptedModel) Stream(ctx context.Context, input []*einoschema.Message, opts ...model.Option) (*einoschema.StreamReader[*einoschema.Message], error) {
	return nil, nil
}

func (s *scriptedModel) WithTools(tools []*einoschema.ToolInfo) (model.ToolCallingChatModel, error) {
	return s, nil
}

func newTestAnalyzer(content string) *LLMAnalyzer {
	return NewLLMAnalyzer(&scriptedModel{content: content}, zerolog.Nop())
}

func TestExtractJSONCodeFence(t *testing.T) {
	text := "好的，结果如下:\n```json\n{\"a\": 1}\n```\n希望有帮助"
	assert.Equal(t, `{"a": 1}`, extractJSON(text))
}

func TestExtractJSONBraceMatching(t *testing.T) {
	text := `前缀 {"outer": {"inner": 2}} 后缀`
	assert.Equal(t, `{"outer": {"inner": 2}}`, extractJSON(text))
}

func TestExtractJSONNoObject(t *testing.T) {
	assert.Equal(t, "", extractJSON("完全没有JSON的回复"))
}

func TestClassifyParsesVerdict(t *testing.T) {
	analyzer := newTestAnalyzer(`{"document_type": "cv", "confidence": 0.92, "should_process": true}`)

	c, err := analyzer.Classify(context.Background(), "John Doe\nSoftware Engineer...", "cv.pdf")
	require.NoError(t, err)
	assert.Equal(t, constants.DocTypeCV, c.DocumentType)
	assert.InDelta(t, 0.92, c.Confidence, 1e-9)
	assert.True(t, c.ShouldProcess)
}

func TestClassifyMalformedResponseFallsBack(t *testing.T) {
	analyzer := newTestAnalyzer("抱歉，我无法处理这个请求。")

	c, err := analyzer.Classify(context.Background(), "text", "odd.pdf")
	require.NoError(t, err, "分类响应无法解析不应成为错误")
	assert.Equal(t, constants.DocTypeSupportingDocument, c.DocumentType)
	assert.True(t, c.ShouldProcess, "回落判定应放行而不是丢弃文件")
}

func TestQuickParseExtractsIdentity(t *testing.T) {
	analyzer := newTestAnalyzer("```json\n{\"email\": \"a@x.com\", \"phone\": \"07911 123456\", \"full_name\": \"Jane Doe\", \"skills\": [\"Go\", \" SQL \"], \"is_student\": true}\n```")

	p, err := analyzer.QuickParse(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", p.Email)
	assert.Equal(t, "Jane Doe", p.FullName)
	assert.Equal(t, []string{"Go", "SQL"}, p.Skills)
	assert.True(t, p.IsStudent)
}

func TestQuickParseMalformedResponseReturnsEmpty(t *testing.T) {
	analyzer := newTestAnalyzer("not json at all")

	p, err := analyzer.QuickParse(context.Background(), "text")
	require.NoError(t, err)
	assert.True(t, p.IsEmpty(), "无法解析时应返回空身份而不是报错")
}

func TestFullParseMalformedResponseSafeDefault(t *testing.T) {
	analyzer := newTestAnalyzer(`{"full_name": ["错误的形状"]}`)

	profile, err := analyzer.FullParse(context.Background(), "combined text")
	require.NoError(t, err, "形状不符的解析结果应代入安全默认值，绝不上抛")
	assert.Empty(t, profile.FullName)
}

func TestFullParseValidProfile(t *testing.T) {
	analyzer := newTestAnalyzer(`{"full_name": "Jane Doe", "email": "a@x.com", "skills": ["Go"], "years_of_experience": 5}`)

	profile, err := analyzer.FullParse(context.Background(), "combined text")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", profile.FullName)
	assert.InDelta(t, 5, profile.YearsOfExperience, 1e-9)
}

type countingRecorder struct {
	ops   []string
	costs []float64
}

func (c *countingRecorder) RecordCall(ctx context.Context, operationType string, estimatedCost float64) {
	c.ops = append(c.ops, operationType)
	c.costs = append(c.costs, estimatedCost)
}

func TestUsageRecordedPerCall(t *testing.T) {
	recorder := &countingRecorder{}
	analyzer := NewLLMAnalyzer(&scriptedModel{content: `{}`}, zerolog.Nop(), WithUsageRecorder(recorder))

	_, err := analyzer.QuickParse(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []string{constants.UsageOpQuickScan}, recorder.ops)
}

func TestUsageRecordedWithCallCost(t *testing.T) {
	recorder := &countingRecorder{}
	analyzer := NewLLMAnalyzer(&scriptedModel{content: `{}`}, zerolog.Nop(),
		WithUsageRecorder(recorder),
		WithCallCost(0.004),
	)

	_, err := analyzer.QuickParse(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, recorder.costs, 1)
	assert.InDelta(t, 0.004, recorder.costs[0], 1e-12, "账本成本不应恒为零")
}

func TestTaskModelRoutesPerOperation(t *testing.T) {
	defaultModel := &scriptedModel{content: `{}`}
	fullParseModel := &scriptedModel{content: `{"full_name": "Jane Doe"}`}
	analyzer := NewLLMAnalyzer(defaultModel, zerolog.Nop(),
		WithTaskModel(constants.UsageOpFullParse, fullParseModel),
	)

	_, err := analyzer.QuickParse(context.Background(), "text")
	require.NoError(t, err)
	profile, err := analyzer.FullParse(context.Background(), "text")
	require.NoError(t, err)

	assert.Equal(t, 1, defaultModel.calls, "快速抽取走默认模型")
	assert.Equal(t, 1, fullParseModel.calls, "完整解析走专用模型")
	assert.Equal(t, "Jane Doe", profile.FullName)
}

func TestTruncateForPromptKeepsRuneBoundary(t *testing.T) {
	text := strings.Repeat("简历文本内容", 100)
	truncated := truncateForPrompt(text, 1000)

	assert.LessOrEqual(t, len(truncated), 1000)
	assert.True(t, utf8.ValidString(truncated), "截断不得产出无效UTF-8")
	assert.Equal(t, text, truncateForPrompt(text, len(text)), "未超限时原样返回")
}
