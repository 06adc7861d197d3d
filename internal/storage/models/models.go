package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// IntakeBatch 摄取批次主表
// 批次由上传侧预先创建，编排器是唯一的状态写入方
type IntakeBatch struct {
	BatchID        string     `gorm:"type:char(36);primaryKey"`
	Status         string     `gorm:"type:varchar(50);default:'pending';index:idx_batches_status"`
	FileCount      int        `gorm:"not null;default:0"`
	ProcessedCount int        `gorm:"not null;default:0"`
	// 超时恢复时记录的标记，正常批次为空
	RecoveryNote string     `gorm:"type:varchar(255)"`
	CreatedAt    time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt    time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	CompletedAt  *time.Time `gorm:"type:datetime(6)"`
}

func (IntakeBatch) TableName() string {
	return "intake_batches"
}

// IntakeFile 批次内单个文件的状态表
// 以 (batch_id, file_path) 为唯一键做merge-upsert，重复运行不会产生第二行
type IntakeFile struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	BatchID      string    `gorm:"type:char(36);not null;uniqueIndex:idx_files_batch_path,priority:1;index:idx_files_batch_id"`
	FilePath     string    `gorm:"type:varchar(768);not null;uniqueIndex:idx_files_batch_path,priority:2"`
	FileName     string    `gorm:"type:varchar(255)"`
	Status       string    `gorm:"type:varchar(50);default:'pending';index:idx_files_status"`
	DocumentType string    `gorm:"type:varchar(50)"`
	PackID       string    `gorm:"type:char(36);index:idx_files_pack_id"`
	CandidateID  string    `gorm:"type:char(36);index:idx_files_candidate_id"`
	ErrorMessage string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt    time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (IntakeFile) TableName() string {
	return "intake_files"
}

// CandidateRecord 候选人档案表，每个通过全部过滤的包恰好产生一行
type CandidateRecord struct {
	CandidateID  string         `gorm:"type:char(36);primaryKey"`
	BatchID      string         `gorm:"type:char(36);not null;index:idx_candidates_batch_id"`
	PrimaryName  string         `gorm:"type:varchar(255)"`
	PrimaryEmail string         `gorm:"type:varchar(255);index:idx_candidates_primary_email"`
	PrimaryPhone string         `gorm:"type:varchar(50);index:idx_candidates_primary_phone"`
	// 完整解析出的结构化档案
	ProfileJSON datatypes.JSON `gorm:"type:json"`
	// 包内全部文档的路径与类型
	DocumentsJSON datatypes.JSON `gorm:"type:json"`
	Status        string         `gorm:"type:varchar(50);default:'pending_sync';index:idx_candidates_status"`
	// 外部关系系统的联系人ID，同步成功后回填
	CRMContactID string    `gorm:"type:varchar(64)"`
	SyncError    string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt    time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (CandidateRecord) TableName() string {
	return "candidate_records"
}

// HoldQueueEntry 人工处理队列表
// 进入此表的包不会被自动处理，等待外部人工决定
type HoldQueueEntry struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	BatchID string `gorm:"type:char(36);not null;index:idx_hold_batch_id"`
	PackID  string `gorm:"type:char(36);not null;index:idx_hold_pack_id"`
	Reason  string `gorm:"type:varchar(50);not null;index:idx_hold_reason"`
	// 入队时的包快照: 身份信息 + 文档元信息
	PackSnapshotJSON datatypes.JSON `gorm:"type:json"`
	// 合并文本的前缀预览，便于人工判断
	TextPreview string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (HoldQueueEntry) TableName() string {
	return "hold_queue_entries"
}

// UsageLedgerEntry 外部调用用量账本，只追加不更新
type UsageLedgerEntry struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	UsageDate     string    `gorm:"type:char(10);not null;index:idx_usage_date"` // UTC日期 YYYY-MM-DD
	OperationType string    `gorm:"type:varchar(50);not null"`
	CallCount     int64     `gorm:"not null;default:0"`
	EstimatedCost float64   `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
}

func (UsageLedgerEntry) TableName() string {
	return "usage_ledger_entries"
}

// MapToJSON 将map转换为datatypes.JSON
func MapToJSON(m map[string]interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// ToJSON 将任意可序列化值转换为datatypes.JSON
func ToJSON(v interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}
