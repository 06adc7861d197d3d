package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"intake-agent-go/internal/config"
	"intake-agent-go/internal/constants"
	"intake-agent-go/internal/grouping"
	"intake-agent-go/internal/retry"
	"intake-agent-go/internal/storage/models"
	"intake-agent-go/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var orchestratorTracer = otel.Tracer("intake-agent-go/intake/orchestrator")

// Dependencies 编排器的必备外部能力
type Dependencies struct {
	Objects    ObjectStore
	Extractor  TextExtractor
	Classifier Classifier
	Parser     StructuredParser
	Batches    BatchStore
	Files      FileStatusStore
	Candidates CandidateStore
	Holds      HoldQueueStore
	Duplicates DuplicateFinder
	Admission  AdmissionController
}

// BatchResult 单次批处理运行的汇总
type BatchResult struct {
	BatchID string
	Status  string

	// Skipped 表示本次调用是幂等空转(批次已终态或健康运行中)
	Skipped bool

	TotalFiles     int
	ProcessedFiles int
	RejectedFiles  int
	FailedFiles    int
	HeldPacks      int
	Candidates     int
}

// Orchestrator 批次编排器: 驱动文件→包→候选人的多阶段状态机
// 单线程顺序处理，跨调用协调完全依赖幂等状态检查
type Orchestrator struct {
	cfg         *config.IntakeConfig
	deps        Dependencies
	retryPolicy retry.Policy
	logger      zerolog.Logger

	grouper *grouping.Grouper

	// 可选能力
	syncGateway    SyncGateway
	contentDedup   ContentDedup
	events         EventPublisher
	eventsExchange string
	finishedKey    string
}

// Option 定义配置选项函数
type Option func(*Orchestrator)

// WithSyncGateway 配置外部关系系统同步
func WithSyncGateway(gateway SyncGateway) Option {
	return func(o *Orchestrator) {
		o.syncGateway = gateway
	}
}

// WithContentDedup 配置原始文件内容去重
func WithContentDedup(dedup ContentDedup) Option {
	return func(o *Orchestrator) {
		o.contentDedup = dedup
	}
}

// WithEventPublisher 配置批次完成事件通知
func WithEventPublisher(publisher EventPublisher, exchange, routingKey string) Option {
	return func(o *Orchestrator) {
		o.events = publisher
		o.eventsExchange = exchange
		o.finishedKey = routingKey
	}
}

// NewOrchestrator 创建批次编排器
func NewOrchestrator(cfg *config.IntakeConfig, deps Dependencies, retryPolicy retry.Policy, logger zerolog.Logger, options ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		retryPolicy: retryPolicy,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		grouper:     grouping.NewGrouper(cfg.MaxFilesPerPack, cfg.AllowSingletonPack, logger),
	}
	for _, option := range options {
		option(o)
	}
	return o
}

// ProcessBatch 处理一个批次，可安全重复调用
// 终态批次空转；健康运行中的批次不被第二个运行抢占；
// 超时的processing批次记录恢复标记后重新认领
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	ctx, span := orchestratorTracer.Start(ctx, "ProcessBatch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
	))
	defer span.End()

	logger := o.logger.With().Str("batch_id", batchID).Logger()
	result := &BatchResult{BatchID: batchID}

	batch, err := o.deps.Batches.GetBatch(ctx, batchID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load batch")
		return nil, newIntakeError(batchID, "load", ErrStatusWriteFailed, err.Error())
	}
	if batch == nil {
		return nil, newIntakeError(batchID, "load", ErrBatchNotFound, "")
	}

	result.TotalFiles = batch.FileCount
	timeout := o.cfg.TimeoutFor(batch.FileCount)

	switch batch.Status {
	case constants.BatchStatusComplete, constants.BatchStatusFailed, constants.BatchStatusAwaitingInput:
		// awaiting_input同样视作终态: 人工裁决未解除前重投递不得改写
		logger.Info().Str("status", batch.Status).Msg("批次已终态，幂等空转")
		result.Status = batch.Status
		result.Skipped = true
		result.ProcessedFiles = batch.ProcessedCount
		return result, nil
	case constants.BatchStatusProcessing:
		elapsed := time.Since(batch.UpdatedAt)
		if elapsed <= timeout {
			logger.Info().Dur("elapsed", elapsed).Msg("批次正由健康运行处理中，空转")
			result.Status = batch.Status
			result.Skipped = true
			return result, nil
		}
		note := fmt.Sprintf("timed out after %s, recovered at %s", elapsed.Truncate(time.Second), time.Now().UTC().Format(time.RFC3339))
		if err := o.deps.Batches.UpdateBatchRecoveryNote(ctx, batchID, note); err != nil {
			logger.Warn().Err(err).Msg("写入恢复标记失败")
		}
		logger.Warn().Dur("elapsed", elapsed).Dur("timeout", timeout).Msg("批次超时，触发恢复重跑")
	}

	claimed, err := o.deps.Batches.ClaimBatch(ctx, batchID, time.Now().Add(-timeout))
	if err != nil {
		return nil, newIntakeError(batchID, "claim", ErrStatusWriteFailed, err.Error())
	}
	if !claimed {
		logger.Info().Msg("批次认领失败，已被并发运行持有")
		result.Status = batch.Status
		result.Skipped = true
		return result, nil
	}

	// 成本准入: 在读取任何文件之前决定，拒绝时批次直接失败
	decision := o.deps.Admission.Evaluate(ctx, batch.FileCount)
	if !decision.Allowed {
		logger.Warn().
			Str("reason", decision.Reason).
			Int64("estimated_calls", decision.EstimatedCalls).
			Msg("成本准入拒绝，批次失败")
		if err := o.deps.Batches.FinalizeBatch(ctx, batchID, constants.BatchStatusFailed, 0); err != nil {
			logger.Error().Err(err).Msg("写入批次终态失败")
		}
		result.Status = constants.BatchStatusFailed
		o.publishFinished(ctx, result)
		return result, newIntakeError(batchID, "admission", ErrAdmissionRejected, decision.Reason)
	}

	existingRows, err := o.loadExistingRows(ctx, batchID)
	if err != nil {
		return nil, err
	}

	// 全部文件已终态时不再触碰任何外部能力
	// 终态由既有人工处理队列条目反推，不凭空判定complete
	if batch.FileCount > 0 && len(existingRows) >= batch.FileCount && allTerminal(existingRows) {
		finalStatus := constants.BatchStatusComplete
		holdCount, err := o.deps.Holds.CountBatchHolds(ctx, batchID)
		if err != nil {
			return nil, newIntakeError(batchID, "holds", ErrStatusWriteFailed, err.Error())
		}
		if holdCount > 0 {
			finalStatus = constants.BatchStatusAwaitingInput
		}
		logger.Info().Str("status", finalStatus).Msg("批次内全部文件已终态，零外部调用空转")
		if err := o.deps.Batches.FinalizeBatch(ctx, batchID, finalStatus, batch.FileCount); err != nil {
			logger.Error().Err(err).Msg("写入批次终态失败")
		}
		result.Status = finalStatus
		result.Skipped = true
		result.ProcessedFiles = batch.FileCount
		return result, nil
	}

	objects, err := o.deps.Objects.ListBatchObjects(ctx, batchID)
	if err != nil {
		if finalizeErr := o.deps.Batches.FinalizeBatch(ctx, batchID, constants.BatchStatusFailed, 0); finalizeErr != nil {
			logger.Error().Err(finalizeErr).Msg("写入批次终态失败")
		}
		result.Status = constants.BatchStatusFailed
		return result, newIntakeError(batchID, "list", ErrFileDownloadFailed, err.Error())
	}
	if result.TotalFiles == 0 {
		result.TotalFiles = len(objects)
	}

	// 阶段1: 逐文件 校验→提取→分类→快速解析
	var accepted []*types.ClassifiedFile
	md5ByPath := make(map[string]string)
	for _, object := range objects {
		classifiedFile, outcome := o.processFile(ctx, logger, batchID, object, existingRows, md5ByPath)
		switch outcome {
		case fileAccepted:
			accepted = append(accepted, classifiedFile)
		case fileSkippedTerminal:
			result.ProcessedFiles++
		case fileRejected:
			result.RejectedFiles++
			result.ProcessedFiles++
		case fileFailed:
			result.FailedFiles++
			result.ProcessedFiles++
			if !o.cfg.IsolatePackFailures {
				if err := o.deps.Batches.FinalizeBatch(ctx, batchID, constants.BatchStatusFailed, result.ProcessedFiles); err != nil {
					logger.Error().Err(err).Msg("写入批次终态失败")
				}
				result.Status = constants.BatchStatusFailed
				o.publishFinished(ctx, result)
				return result, newIntakeError(batchID, "extract", ErrExtractTextFailed, object.Path)
			}
		}
	}

	// 阶段2: 身份分组
	grouped := o.grouper.Group(accepted)

	// 被包上限截断的文件以rejected收尾，不留悬挂的processing行
	for _, droppedFile := range grouped.Dropped {
		o.upsertFile(ctx, logger, &models.IntakeFile{
			BatchID:      batchID,
			FilePath:     droppedFile.FilePath,
			FileName:     droppedFile.FileName,
			Status:       constants.FileStatusRejected,
			DocumentType: droppedFile.Classification.DocumentType,
			ErrorMessage: "包超出文件数上限",
		})
		result.RejectedFiles++
		result.ProcessedFiles++
	}

	// 零身份信号的文件以自身的终态浮出，绝不挂到别的包上
	for _, orphan := range grouped.Ungrouped {
		o.upsertFile(ctx, logger, &models.IntakeFile{
			BatchID:      batchID,
			FilePath:     orphan.FilePath,
			FileName:     orphan.FileName,
			Status:       constants.FileStatusFailed,
			DocumentType: orphan.Classification.DocumentType,
			ErrorMessage: constants.ReasonInsufficientIdentity,
		})
		result.FailedFiles++
		result.ProcessedFiles++
	}

	// 阶段3: 逐包 过滤→查重→完整解析→持久化→同步
	for _, pack := range grouped.Packs {
		outcome, err := o.processPack(ctx, logger, batchID, pack, md5ByPath)
		if err != nil {
			logger.Error().Err(err).Str("pack_id", pack.PackID).Msg("包处理失败")
			o.markPackFiles(ctx, logger, batchID, pack, constants.FileStatusFailed, err.Error(), "")
			result.FailedFiles += len(pack.Files)
			result.ProcessedFiles += len(pack.Files)
			if !o.cfg.IsolatePackFailures {
				if finalizeErr := o.deps.Batches.FinalizeBatch(ctx, batchID, constants.BatchStatusFailed, result.ProcessedFiles); finalizeErr != nil {
					logger.Error().Err(finalizeErr).Msg("写入批次终态失败")
				}
				result.Status = constants.BatchStatusFailed
				o.publishFinished(ctx, result)
				return result, err
			}
			continue
		}
		result.ProcessedFiles += len(pack.Files)
		if outcome.held {
			result.HeldPacks++
		}
		if outcome.rejected {
			result.RejectedFiles += len(pack.Files)
		}
		if outcome.candidate {
			result.Candidates++
		}
	}

	// 聚合: 有包进入人工队列则批次等待输入；
	// 没有任何候选人或待定包、且存在失败文件时批次整体失败
	finalStatus := constants.BatchStatusComplete
	if result.HeldPacks > 0 {
		finalStatus = constants.BatchStatusAwaitingInput
	} else if result.FailedFiles > 0 && result.Candidates == 0 {
		finalStatus = constants.BatchStatusFailed
	}
	if err := o.deps.Batches.FinalizeBatch(ctx, batchID, finalStatus, result.ProcessedFiles); err != nil {
		return nil, newIntakeError(batchID, "finalize", ErrStatusWriteFailed, err.Error())
	}
	result.Status = finalStatus

	span.SetAttributes(
		attribute.String("batch.final_status", finalStatus),
		attribute.Int("batch.candidates", result.Candidates),
		attribute.Int("batch.held_packs", result.HeldPacks),
	)
	logger.Info().
		Str("status", finalStatus).
		Int("candidates", result.Candidates).
		Int("held_packs", result.HeldPacks).
		Int("failed_files", result.FailedFiles).
		Msg("批次处理完成")

	o.publishFinished(ctx, result)
	return result, nil
}

type fileOutcome int

const (
	fileAccepted fileOutcome = iota
	fileSkippedTerminal
	fileRejected
	fileFailed
)

// processFile 阶段1的单文件流水: 校验→提取→分类→快速解析
func (o *Orchestrator) processFile(ctx context.Context, logger zerolog.Logger, batchID string, object types.FileObject, existingRows map[string]models.IntakeFile, md5ByPath map[string]string) (*types.ClassifiedFile, fileOutcome) {
	row, seenBefore := existingRows[object.Path]
	if seenBefore && constants.IsTerminalFileStatus(row.Status) {
		// 已终态的文件跳过，保证跨运行的at-most-once外部调用
		return nil, fileSkippedTerminal
	}

	fileLogger := logger.With().Str("file", object.Path).Logger()

	if o.cfg.MaxFileSizeBytes > 0 && object.Size > o.cfg.MaxFileSizeBytes {
		o.upsertFile(ctx, fileLogger, &models.IntakeFile{
			BatchID:      batchID,
			FilePath:     object.Path,
			FileName:     object.Name,
			Status:       constants.FileStatusRejected,
			ErrorMessage: fmt.Sprintf("文件超出大小上限: %d > %d", object.Size, o.cfg.MaxFileSizeBytes),
		})
		return nil, fileRejected
	}

	o.upsertFile(ctx, fileLogger, &models.IntakeFile{
		BatchID:  batchID,
		FilePath: object.Path,
		FileName: object.Name,
		Status:   constants.FileStatusProcessing,
	})

	data, md5Hex, err := o.deps.Objects.GetObjectWithMD5(ctx, object.Path)
	if err != nil {
		o.failFile(ctx, fileLogger, batchID, object, fmt.Sprintf("下载失败: %v", err))
		return nil, fileFailed
	}
	md5ByPath[object.Path] = md5Hex

	// 内容去重只在首次见到该文件时检查，避免恢复重跑时自我碰撞
	if o.contentDedup != nil && !seenBefore {
		exists, dedupErr := o.contentDedup.CheckRawFileMD5Exists(ctx, md5Hex)
		if dedupErr != nil {
			fileLogger.Warn().Err(dedupErr).Msg("内容去重检查失败，继续处理")
		} else if exists {
			o.upsertFile(ctx, fileLogger, &models.IntakeFile{
				BatchID:      batchID,
				FilePath:     object.Path,
				FileName:     object.Name,
				Status:       constants.FileStatusRejected,
				ErrorMessage: constants.ReasonDuplicateFileContent,
			})
			return nil, fileRejected
		}
	}

	var text string
	err = retry.Do(ctx, "extract", o.retryPolicy, func(ctx context.Context) error {
		var extractErr error
		text, extractErr = o.deps.Extractor.Extract(ctx, data, object.Name)
		return extractErr
	})
	if err != nil {
		o.failFile(ctx, fileLogger, batchID, object, fmt.Sprintf("文本提取失败: %v", err))
		return nil, fileFailed
	}

	if len(strings.TrimSpace(text)) < o.cfg.MinTextLength {
		o.upsertFile(ctx, fileLogger, &models.IntakeFile{
			BatchID:      batchID,
			FilePath:     object.Path,
			FileName:     object.Name,
			Status:       constants.FileStatusRejected,
			ErrorMessage: fmt.Sprintf("提取文本过短: %d字符", len(text)),
		})
		return nil, fileRejected
	}

	var classification types.Classification
	err = retry.Do(ctx, "classify", o.retryPolicy, func(ctx context.Context) error {
		var classifyErr error
		classification, classifyErr = o.deps.Classifier.Classify(ctx, text, object.Name)
		return classifyErr
	})
	if err != nil {
		o.failFile(ctx, fileLogger, batchID, object, fmt.Sprintf("分类失败: %v", err))
		return nil, fileFailed
	}

	if !classification.ShouldProcess {
		reason := classification.Reason
		if reason == "" {
			reason = "分类器判定不处理"
		}
		o.upsertFile(ctx, fileLogger, &models.IntakeFile{
			BatchID:      batchID,
			FilePath:     object.Path,
			FileName:     object.Name,
			Status:       constants.FileStatusRejected,
			DocumentType: classification.DocumentType,
			ErrorMessage: reason,
		})
		return nil, fileRejected
	}

	var quick types.QuickProfile
	err = retry.Do(ctx, "quick_parse", o.retryPolicy, func(ctx context.Context) error {
		var quickErr error
		quick, quickErr = o.deps.Parser.QuickParse(ctx, text)
		return quickErr
	})
	if err != nil {
		o.failFile(ctx, fileLogger, batchID, object, fmt.Sprintf("快速解析失败: %v", err))
		return nil, fileFailed
	}

	o.upsertFile(ctx, fileLogger, &models.IntakeFile{
		BatchID:      batchID,
		FilePath:     object.Path,
		FileName:     object.Name,
		Status:       constants.FileStatusProcessing,
		DocumentType: classification.DocumentType,
	})

	return &types.ClassifiedFile{
		FileName:       object.Name,
		FilePath:       object.Path,
		RawText:        text,
		Classification: classification,
		Quick:          quick,
	}, fileAccepted
}

type packOutcome struct {
	held      bool
	rejected  bool
	candidate bool
}

// processPack 阶段3的单包流水
func (o *Orchestrator) processPack(ctx context.Context, logger zerolog.Logger, batchID string, pack *types.CandidatePack, md5ByPath map[string]string) (packOutcome, error) {
	packLogger := logger.With().Str("pack_id", pack.PackID).Logger()

	// 必须有简历文件
	if !pack.HasDocumentType(constants.DocTypeCV) {
		o.holdPack(ctx, packLogger, batchID, pack, constants.HoldReasonMissingCVFile)
		o.markPackFiles(ctx, packLogger, batchID, pack, constants.FileStatusComplete, constants.HoldReasonMissingCVFile, "")
		return packOutcome{held: true}, nil
	}

	// 排除过滤器: 学生排除
	if o.cfg.ExcludeStudents && pack.Identity.IsStudent {
		o.holdPack(ctx, packLogger, batchID, pack, constants.HoldReasonStudentExcluded)
		o.markPackFiles(ctx, packLogger, batchID, pack, constants.FileStatusRejected, "学生候选人被排除", "")
		return packOutcome{held: true, rejected: true}, nil
	}

	// 排除过滤器: 必备技能
	if len(o.cfg.RequiredSkills) > 0 {
		if missing := missingSkills(o.cfg.RequiredSkills, pack.Identity.Skills); len(missing) > 0 {
			reason := fmt.Sprintf("缺少必备技能: %s", strings.Join(missing, ", "))
			o.holdPack(ctx, packLogger, batchID, pack, constants.HoldReasonMissingRequiredSkills)
			o.markPackFiles(ctx, packLogger, batchID, pack, constants.FileStatusRejected, reason, "")
			return packOutcome{held: true, rejected: true}, nil
		}
	}

	// 至少要有一条可用的联系渠道
	email := grouping.NormalizeEmail(pack.Identity.Email)
	phone := grouping.NormalizePhone(pack.Identity.Phone)
	if email == "" && phone == "" {
		o.holdPack(ctx, packLogger, batchID, pack, constants.HoldReasonMissingContactInfo)
		o.markPackFiles(ctx, packLogger, batchID, pack, constants.FileStatusComplete, constants.HoldReasonMissingContactInfo, "")
		return packOutcome{held: true}, nil
	}

	// 重复检测: 任一系统命中即入人工队列，绝不自动合并
	match, err := o.deps.Duplicates.FindMatch(ctx, email, phone)
	if err != nil {
		return packOutcome{}, newIntakeError(batchID, "dedup", ErrPersistFailed, err.Error())
	}
	if match != nil {
		packLogger.Info().Str("source", match.Source).Str("match_id", match.ID).Msg("重复身份，入人工队列")
		o.holdPack(ctx, packLogger, batchID, pack, constants.HoldReasonDuplicateDetected)
		o.markPackFiles(ctx, packLogger, batchID, pack, constants.FileStatusComplete, constants.HoldReasonDuplicateDetected, "")
		return packOutcome{held: true}, nil
	}

	// 完整解析: 形状错误已在解析器内部代入安全默认值
	var profile types.CandidateProfile
	err = retry.Do(ctx, "full_parse", o.retryPolicy, func(ctx context.Context) error {
		var parseErr error
		profile, parseErr = o.deps.Parser.FullParse(ctx, pack.CombinedText)
		return parseErr
	})
	if err != nil {
		return packOutcome{}, newIntakeError(batchID, "full_parse", ErrFullParseFailed, err.Error())
	}

	// 解析结果缺失的身份字段用分组期合并的身份补足
	if profile.FullName == "" {
		profile.FullName = pack.Identity.FullName
	}
	if profile.Email == "" {
		profile.Email = pack.Identity.Email
	}
	if profile.Phone == "" {
		profile.Phone = pack.Identity.Phone
	}

	profileJSON, err := models.ToJSON(profile)
	if err != nil {
		return packOutcome{}, newIntakeError(batchID, "persist", ErrPersistFailed, err.Error())
	}
	documentsJSON, err := models.ToJSON(pack.Documents)
	if err != nil {
		return packOutcome{}, newIntakeError(batchID, "persist", ErrPersistFailed, err.Error())
	}

	record := &models.CandidateRecord{
		BatchID:       batchID,
		PrimaryName:   profile.FullName,
		PrimaryEmail:  email,
		PrimaryPhone:  phone,
		ProfileJSON:   profileJSON,
		DocumentsJSON: documentsJSON,
		Status:        constants.CandidateStatusPendingSync,
	}
	if err := o.deps.Candidates.CreateCandidateRecord(ctx, record); err != nil {
		return packOutcome{}, newIntakeError(batchID, "persist", ErrPersistFailed, err.Error())
	}

	o.markPackFiles(ctx, packLogger, batchID, pack, constants.FileStatusComplete, "", record.CandidateID)

	// 持久化成功后登记内容MD5，后续批次的相同文件直接去重
	if o.contentDedup != nil {
		for _, file := range pack.Files {
			if md5Hex, ok := md5ByPath[file.FilePath]; ok {
				if err := o.contentDedup.AddRawFileMD5(ctx, md5Hex); err != nil {
					packLogger.Warn().Err(err).Msg("登记内容MD5失败")
				}
			}
		}
	}

	// 外部同步: 源头写入已成功，同步失败只降级不回滚
	o.syncCandidate(ctx, packLogger, record, profile, pack)

	return packOutcome{candidate: true}, nil
}

// syncCandidate 将候选人镜像到外部关系系统
func (o *Orchestrator) syncCandidate(ctx context.Context, logger zerolog.Logger, record *models.CandidateRecord, profile types.CandidateProfile, pack *types.CandidatePack) {
	if o.syncGateway == nil {
		if err := o.deps.Candidates.MarkCandidateSynced(ctx, record.CandidateID, ""); err != nil {
			logger.Error().Err(err).Msg("回填候选人状态失败")
		}
		return
	}

	var contactID string
	err := retry.Do(ctx, "crm_create", o.retryPolicy, func(ctx context.Context) error {
		var createErr error
		contactID, createErr = o.syncGateway.CreateContact(ctx, profile)
		return createErr
	})
	if err != nil {
		logger.Warn().Err(err).Msg("同步联系人失败，候选人降级为sync_failed")
		if markErr := o.deps.Candidates.MarkCandidateSyncFailed(ctx, record.CandidateID, err.Error()); markErr != nil {
			logger.Error().Err(markErr).Msg("降级候选人状态失败")
		}
		return
	}

	for _, file := range pack.Files {
		data, _, getErr := o.deps.Objects.GetObjectWithMD5(ctx, file.FilePath)
		if getErr != nil {
			logger.Warn().Err(getErr).Str("file", file.FilePath).Msg("读取文件用于上传失败")
			continue
		}
		uploadErr := retry.Do(ctx, "crm_upload", o.retryPolicy, func(ctx context.Context) error {
			_, e := o.syncGateway.UploadFile(ctx, contactID, data, file.FileName)
			return e
		})
		if uploadErr != nil {
			logger.Warn().Err(uploadErr).Str("file", file.FilePath).Msg("上传文件到联系人失败")
		}
	}

	if err := o.deps.Candidates.MarkCandidateSynced(ctx, record.CandidateID, contactID); err != nil {
		logger.Error().Err(err).Msg("回填同步结果失败")
	}
}

// holdPack 将包快照写入人工处理队列
func (o *Orchestrator) holdPack(ctx context.Context, logger zerolog.Logger, batchID string, pack *types.CandidatePack, reason string) {
	snapshot, err := models.MapToJSON(map[string]interface{}{
		"identity":  pack.Identity,
		"documents": pack.Documents,
	})
	if err != nil {
		logger.Error().Err(err).Msg("序列化包快照失败")
		snapshot = nil
	}

	entry := &models.HoldQueueEntry{
		BatchID:          batchID,
		PackID:           pack.PackID,
		Reason:           reason,
		PackSnapshotJSON: snapshot,
		TextPreview:      textPreview(pack.CombinedText, 500),
	}
	if err := o.deps.Holds.EnqueueHold(ctx, entry); err != nil {
		logger.Error().Err(err).Str("reason", reason).Msg("写入人工处理队列失败")
	}
}

// markPackFiles 批量落包内文件的状态
func (o *Orchestrator) markPackFiles(ctx context.Context, logger zerolog.Logger, batchID string, pack *types.CandidatePack, status, message, candidateID string) {
	for _, file := range pack.Files {
		o.upsertFile(ctx, logger, &models.IntakeFile{
			BatchID:      batchID,
			FilePath:     file.FilePath,
			FileName:     file.FileName,
			Status:       status,
			DocumentType: file.Classification.DocumentType,
			PackID:       pack.PackID,
			CandidateID:  candidateID,
			ErrorMessage: message,
		})
	}
}

func (o *Orchestrator) failFile(ctx context.Context, logger zerolog.Logger, batchID string, object types.FileObject, message string) {
	logger.Warn().Str("reason", message).Msg("文件处理失败")
	o.upsertFile(ctx, logger, &models.IntakeFile{
		BatchID:      batchID,
		FilePath:     object.Path,
		FileName:     object.Name,
		Status:       constants.FileStatusFailed,
		ErrorMessage: message,
	})
}

func (o *Orchestrator) upsertFile(ctx context.Context, logger zerolog.Logger, file *models.IntakeFile) {
	if err := o.deps.Files.UpsertFile(ctx, file); err != nil {
		logger.Error().Err(err).Str("file", file.FilePath).Msg("写入文件状态失败")
	}
}

func (o *Orchestrator) loadExistingRows(ctx context.Context, batchID string) (map[string]models.IntakeFile, error) {
	rows, err := o.deps.Files.ListBatchFiles(ctx, batchID)
	if err != nil {
		return nil, newIntakeError(batchID, "load_files", ErrStatusWriteFailed, err.Error())
	}
	byPath := make(map[string]models.IntakeFile, len(rows))
	for _, row := range rows {
		byPath[row.FilePath] = row
	}
	return byPath, nil
}

// publishFinished 对外通知批次结束，通知失败只告警
func (o *Orchestrator) publishFinished(ctx context.Context, result *BatchResult) {
	if o.events == nil {
		return
	}
	event := map[string]interface{}{
		"batch_id":        result.BatchID,
		"status":          result.Status,
		"processed_files": result.ProcessedFiles,
		"candidates":      result.Candidates,
		"held_packs":      result.HeldPacks,
		"finished_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := o.events.PublishJSON(ctx, o.eventsExchange, o.finishedKey, event, true); err != nil {
		o.logger.Warn().Err(err).Str("batch_id", result.BatchID).Msg("发布批次完成事件失败")
	}
}

func allTerminal(rows map[string]models.IntakeFile) bool {
	for _, row := range rows {
		if !constants.IsTerminalFileStatus(row.Status) {
			return false
		}
	}
	return len(rows) > 0
}

// missingSkills 返回必备技能中未被候选人技能覆盖的部分（忽略大小写）
func missingSkills(required, actual []string) []string {
	var missing []string
	for _, want := range required {
		found := false
		for _, have := range actual {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have)) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	return missing
}

func textPreview(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes])
}
