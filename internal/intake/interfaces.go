package intake

import (
	"context"
	"time"

	"intake-agent-go/internal/costguard"
	"intake-agent-go/internal/dedup"
	"intake-agent-go/internal/storage/models"
	"intake-agent-go/internal/types"
)

// 本文件定义编排器消费的窄接口。
// 生产实现分别来自 storage / parser / crm / dedup / costguard 包，
// 测试中以假实现替换。

// ObjectStore 批次原始文件所在的对象存储
type ObjectStore interface {
	ListBatchObjects(ctx context.Context, batchID string) ([]types.FileObject, error)
	GetObjectWithMD5(ctx context.Context, objectPath string) ([]byte, string, error)
}

// TextExtractor 原始字节到纯文本的提取能力
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, fileName string) (string, error)
}

// Classifier 文档类型判定能力
type Classifier interface {
	Classify(ctx context.Context, text string, fileName string) (types.Classification, error)
}

// StructuredParser 结构化解析能力
type StructuredParser interface {
	// QuickParse 廉价的部分身份抽取，仅用于分组与过滤
	QuickParse(ctx context.Context, text string) (types.QuickProfile, error)

	// FullParse 对包的合并文本做一次完整档案解析
	FullParse(ctx context.Context, combinedText string) (types.CandidateProfile, error)
}

// BatchStore 批次状态的读写
type BatchStore interface {
	GetBatch(ctx context.Context, batchID string) (*models.IntakeBatch, error)
	ClaimBatch(ctx context.Context, batchID string, staleBefore time.Time) (bool, error)
	FinalizeBatch(ctx context.Context, batchID string, status string, processedCount int) error
	UpdateBatchRecoveryNote(ctx context.Context, batchID string, note string) error
}

// FileStatusStore 文件状态行的merge-upsert存储
type FileStatusStore interface {
	UpsertFile(ctx context.Context, file *models.IntakeFile) error
	ListBatchFiles(ctx context.Context, batchID string) ([]models.IntakeFile, error)
}

// CandidateStore 候选人档案的持久化
type CandidateStore interface {
	CreateCandidateRecord(ctx context.Context, record *models.CandidateRecord) error
	MarkCandidateSynced(ctx context.Context, candidateID string, crmContactID string) error
	MarkCandidateSyncFailed(ctx context.Context, candidateID string, syncErr string) error
}

// CandidateFinder 本地档案库的身份查询，供重复检测使用
type CandidateFinder interface {
	FindCandidateByEmail(ctx context.Context, email string) (*models.CandidateRecord, error)
	FindCandidateByPhone(ctx context.Context, phone string) (*models.CandidateRecord, error)
}

// HoldQueueStore 人工处理队列的读写
type HoldQueueStore interface {
	EnqueueHold(ctx context.Context, entry *models.HoldQueueEntry) error
	CountBatchHolds(ctx context.Context, batchID string) (int64, error)
}

// DuplicateFinder 跨系统的重复身份查找
type DuplicateFinder interface {
	FindMatch(ctx context.Context, email, phone string) (*dedup.Match, error)
}

// SyncGateway 外部关系系统的写入能力
type SyncGateway interface {
	CreateContact(ctx context.Context, profile types.CandidateProfile) (string, error)
	UploadFile(ctx context.Context, contactID string, data []byte, fileName string) (string, error)
}

// AdmissionController 批次级成本准入
type AdmissionController interface {
	Evaluate(ctx context.Context, fileCount int) costguard.Decision
}

// ContentDedup 原始文件内容去重集合，可缺席
type ContentDedup interface {
	CheckRawFileMD5Exists(ctx context.Context, md5Hex string) (bool, error)
	AddRawFileMD5(ctx context.Context, md5Hex string) error
}

// EventPublisher 批次事件的对外通知，可缺席
type EventPublisher interface {
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error
}

// candidateMatchAdapter 将档案库查询适配为重复检测器的Match语义
type candidateMatchAdapter struct {
	finder CandidateFinder
}

// NewCandidateMatchAdapter 用本地档案库构造重复检测器的数据源
func NewCandidateMatchAdapter(finder CandidateFinder) dedup.CandidateStore {
	return &candidateMatchAdapter{finder: finder}
}

func (a *candidateMatchAdapter) FindByEmail(ctx context.Context, email string) (*dedup.Match, error) {
	record, err := a.finder.FindCandidateByEmail(ctx, email)
	if err != nil || record == nil {
		return nil, err
	}
	return &dedup.Match{Source: dedup.SourceStore, ID: record.CandidateID, UpdatedAt: record.UpdatedAt}, nil
}

func (a *candidateMatchAdapter) FindByPhone(ctx context.Context, phone string) (*dedup.Match, error) {
	record, err := a.finder.FindCandidateByPhone(ctx, phone)
	if err != nil || record == nil {
		return nil, err
	}
	return &dedup.Match{Source: dedup.SourceStore, ID: record.CandidateID, UpdatedAt: record.UpdatedAt}, nil
}
