package constants

import "time"

// 批次处理状态
// 批次一旦进入 complete/failed 即为终态，只有超时恢复可以重新进入
const (
	BatchStatusPending       = "pending"
	BatchStatusProcessing    = "processing"
	BatchStatusAwaitingInput = "awaiting_input"
	BatchStatusComplete      = "complete"
	BatchStatusFailed        = "failed"
)

// 文件处理状态
// 以 (batch_id, file_path) 为幂等键，complete/rejected 的文件在重跑时直接跳过
const (
	FileStatusPending    = "pending"
	FileStatusProcessing = "processing"
	FileStatusComplete   = "complete"
	FileStatusFailed     = "failed"
	FileStatusRejected   = "rejected"
)

// 候选人记录状态
const (
	CandidateStatusPendingSync = "pending_sync"
	CandidateStatusComplete    = "complete"
	CandidateStatusSyncFailed  = "sync_failed"
)

// 人工处理队列的入队原因
const (
	HoldReasonMissingCVFile         = "missing_cv_file"
	HoldReasonMissingContactInfo    = "missing_contact_info"
	HoldReasonDuplicateDetected     = "duplicate_detected"
	HoldReasonStudentExcluded       = "student_excluded"
	HoldReasonMissingRequiredSkills = "missing_required_skills"
)

// 文档类型标签，同时也是包内文件的排序优先级依据
const (
	DocTypeCV                 = "cv"
	DocTypeCoverLetter        = "cover_letter"
	DocTypeApplication        = "application"
	DocTypeSupportingDocument = "supporting_document"
)

// 文件级的拒绝/失败原因
const (
	ReasonInsufficientIdentity = "insufficient identity"
	ReasonDuplicateFileContent = "duplicate file content"
)

// 用量账本的操作类型
const (
	UsageOpClassify  = "classify"
	UsageOpQuickScan = "quick_parse"
	UsageOpFullParse = "full_parse"
)

// IsTerminalFileStatus 判断文件状态是否为终态，终态文件在批次重跑时不再触发外部调用
func IsTerminalFileStatus(status string) bool {
	return status == FileStatusComplete || status == FileStatusRejected
}

// Redis Key 常量
// 统一命名规范: app:{module}:{entity}[:{unique_id}]
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// IntakeModulePrefix 摄取模块
	IntakeModulePrefix = "intake"
	// CRMModulePrefix 外部关系系统模块
	CRMModulePrefix = "crm"

	// KeyRawFileMD5Set 原始文件MD5去重集合 (SET)
	// 格式: app:intake:dedup_set
	KeyRawFileMD5Set = AppPrefix + ":" + IntakeModulePrefix + ":dedup_set"

	// KeyCRMFieldMap CRM字段ID映射缓存 (STRING, JSON)
	// 格式: app:crm:field_map
	KeyCRMFieldMap = AppPrefix + ":" + CRMModulePrefix + ":field_map"

	// DefaultMD5RecordExpire MD5记录默认过期时间
	DefaultMD5RecordExpire = 30 * 24 * time.Hour
)
