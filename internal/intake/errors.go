package intake

import (
	"errors"
	"fmt"
)

// 定义基础错误类型
var (
	ErrBatchNotFound      = errors.New("批次不存在")
	ErrAdmissionRejected  = errors.New("成本准入被拒绝")
	ErrFileDownloadFailed = errors.New("下载文件失败")
	ErrExtractTextFailed  = errors.New("提取文件文本失败")
	ErrFullParseFailed    = errors.New("完整解析失败")
	ErrPersistFailed      = errors.New("持久化候选人失败")
	ErrStatusWriteFailed  = errors.New("更新状态失败")
)

// IntakeError 包含详细上下文的自定义错误
type IntakeError struct {
	BatchID string
	Op      string
	BaseErr error
	Detail  string
}

func (e *IntakeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 批次:%s): %s", e.BaseErr, e.Op, e.BatchID, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 批次:%s)", e.BaseErr, e.Op, e.BatchID)
}

func (e *IntakeError) Unwrap() error {
	return e.BaseErr
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *IntakeError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

func newIntakeError(batchID, op string, baseErr error, detail string) error {
	return &IntakeError{
		BatchID: batchID,
		Op:      op,
		BaseErr: baseErr,
		Detail:  detail,
	}
}
