package types

// 本文件定义摄取流水线的内存域类型。
// 这些类型只在单次批处理运行中存在，不做跨批次持久化；
// 持久化模型见 internal/storage/models。

// Classification 分类器对单个文件的判定结果
type Classification struct {
	// 文档类型标签: cv / cover_letter / application / supporting_document
	DocumentType string `json:"document_type"`

	// 分类置信度 0-1
	Confidence float64 `json:"confidence"`

	// 是否应继续处理该文件
	ShouldProcess bool `json:"should_process"`

	// ShouldProcess 为 false 时的拒绝原因
	Reason string `json:"reason,omitempty"`
}

// QuickProfile 快速解析得到的部分身份信息，仅用于分组与过滤
type QuickProfile struct {
	Email     string   `json:"email"`
	Phone     string   `json:"phone"`
	FullName  string   `json:"full_name"`
	Skills    []string `json:"skills"`
	IsStudent bool     `json:"is_student"`
}

// IsEmpty 判断快速解析结果是否完全没有身份信号
func (q QuickProfile) IsEmpty() bool {
	return q.Email == "" && q.Phone == "" && q.FullName == ""
}

// ClassifiedFile 通过了提取与分类阶段的文件（内存态）
type ClassifiedFile struct {
	FileName string
	FilePath string

	// 提取出的原始文本
	RawText string

	// 分类判定
	Classification Classification

	// 快速身份信息，可能为空值结构
	Quick QuickProfile
}

// DocumentMeta 包内单个文档的元信息，随候选人记录一起持久化
type DocumentMeta struct {
	FileName     string `json:"file_name"`
	FilePath     string `json:"file_path"`
	DocumentType string `json:"document_type"`
}

// CandidatePack 归属于同一候选人身份的一组文件
type CandidatePack struct {
	PackID      string
	IdentityKey string

	// 包内文件，已按文档类型优先级排序 (cv 优先)
	Files []*ClassifiedFile

	// 合并后的身份信息: 字段首个非空值胜出，技能取并集
	Identity QuickProfile

	// 包内文档元信息，与 Files 一一对应
	Documents []DocumentMeta

	// 按排序拼接后的全文，带每文件分隔头，供完整解析使用
	CombinedText string
}

// HasDocumentType 判断包内是否含有指定类型的文档
func (p *CandidatePack) HasDocumentType(docType string) bool {
	for _, f := range p.Files {
		if f.Classification.DocumentType == docType {
			return true
		}
	}
	return false
}

// CandidateProfile 完整解析得到的结构化候选人档案
type CandidateProfile struct {
	FullName          string   `json:"full_name"`
	Email             string   `json:"email"`
	Phone             string   `json:"phone"`
	Location          string   `json:"location"`
	CurrentTitle      string   `json:"current_title"`
	Summary           string   `json:"summary"`
	Skills            []string `json:"skills"`
	YearsOfExperience float64  `json:"years_of_experience"`
	HighestEducation  string   `json:"highest_education"`
	IsStudent         bool     `json:"is_student"`
	Links             []string `json:"links"`
}

// FileObject 对象存储中列出的一个文件
type FileObject struct {
	Name string
	Path string
	Size int64
}
