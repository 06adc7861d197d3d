package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"intake-agent-go/internal/config"
	"intake-agent-go/internal/constants"
	"intake-agent-go/internal/storage/models"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("intake-agent-go/storage/mysql")

// GormTracingPlugin GORM插件，为数据库操作生成OpenTelemetry span
type GormTracingPlugin struct {
	tracer trace.Tracer
	dbName string
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
// 回调处理器类型未导出，逐个操作显式注册
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("otel:after_row", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

type gormSpanKey struct{}

func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}
		newCtx, span := p.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, tableName),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		)
		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				// 未找到记录属于业务正常分支，不计入错误
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer: mysqlTracer,
		dbName: dbName,
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端并自动迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	m := &MySQL{db: db, cfg: cfg}

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if cfg.AutoMigrate {
		if err := m.autoMigrateSchema(); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
		}
	}

	log.Println("成功连接到MySQL")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	err := m.db.AutoMigrate(
		&models.IntakeBatch{},
		&models.IntakeFile{},
		&models.CandidateRecord{},
		&models.HoldQueueEntry{},
		&models.UsageLedgerEntry{},
	)
	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// GetBatch 通过批次ID获取批次记录
func (m *MySQL) GetBatch(ctx context.Context, batchID string) (*models.IntakeBatch, error) {
	var batch models.IntakeBatch
	err := m.db.WithContext(ctx).First(&batch, "batch_id = ?", batchID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询批次失败: %w", err)
	}
	return &batch, nil
}

// CreateBatchIfAbsent 登记批次行，已存在时不做任何修改
// 上传事件可能先于批次登记到达，消费端以消息内容补建批次
func (m *MySQL) CreateBatchIfAbsent(ctx context.Context, batch *models.IntakeBatch) error {
	if batch.Status == "" {
		batch.Status = constants.BatchStatusPending
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}},
		DoNothing: true,
	}).Create(batch).Error
	if err != nil {
		return fmt.Errorf("登记批次失败: %w", err)
	}
	return nil
}

// ClaimBatch 以CAS方式认领批次，返回是否认领成功
// 可认领的条件: 批次处于pending，或处于processing但最后一次更新早于
// staleBefore（视为已死亡的前任处理者）。awaiting_input是终态，
// 人工裁决未解除前不可被重投递的消息重新认领
func (m *MySQL) ClaimBatch(ctx context.Context, batchID string, staleBefore time.Time) (bool, error) {
	ctx, span := mysqlTracer.Start(ctx, "ClaimBatch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
	))
	defer span.End()

	result := m.db.WithContext(ctx).Model(&models.IntakeBatch{}).
		Where("batch_id = ?", batchID).
		Where("status = ? OR (status = ? AND updated_at < ?)",
			constants.BatchStatusPending,
			constants.BatchStatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":     constants.BatchStatusProcessing,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "failed to claim batch")
		return false, fmt.Errorf("认领批次失败: %w", result.Error)
	}
	claimed := result.RowsAffected > 0
	span.SetAttributes(attribute.Bool("batch.claimed", claimed))
	return claimed, nil
}

// FinalizeBatch 将批次置为终态并回填处理计数
func (m *MySQL) FinalizeBatch(ctx context.Context, batchID string, status string, processedCount int) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":          status,
		"processed_count": processedCount,
	}
	if status == constants.BatchStatusComplete || status == constants.BatchStatusFailed {
		updates["completed_at"] = &now
	}
	err := m.db.WithContext(ctx).Model(&models.IntakeBatch{}).
		Where("batch_id = ?", batchID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("更新批次终态失败: %w", err)
	}
	return nil
}

// UpdateBatchRecoveryNote 记录超时恢复标记
// 用UpdateColumn避免触碰updated_at，否则CAS认领的过期判定会被标记写入冲掉
func (m *MySQL) UpdateBatchRecoveryNote(ctx context.Context, batchID string, note string) error {
	err := m.db.WithContext(ctx).Model(&models.IntakeBatch{}).
		Where("batch_id = ?", batchID).
		UpdateColumn("recovery_note", note).Error
	if err != nil {
		return fmt.Errorf("更新批次恢复标记失败: %w", err)
	}
	return nil
}

// UpsertFile 以(batch_id, file_path)为键合并写入文件状态行
// 冲突时只覆盖有新值的列，重复运行不会产生重复行
func (m *MySQL) UpsertFile(ctx context.Context, file *models.IntakeFile) error {
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "batch_id"}, {Name: "file_path"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_name", "status", "document_type", "pack_id", "candidate_id", "error_message", "updated_at",
		}),
	}).Create(file).Error
	if err != nil {
		return fmt.Errorf("合并写入文件状态失败: %w", err)
	}
	return nil
}

// ListBatchFiles 列出批次内全部文件状态行
func (m *MySQL) ListBatchFiles(ctx context.Context, batchID string) ([]models.IntakeFile, error) {
	var files []models.IntakeFile
	err := m.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("file_path ASC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("查询批次文件失败: %w", err)
	}
	return files, nil
}

// CreateCandidateRecord 创建候选人档案行
func (m *MySQL) CreateCandidateRecord(ctx context.Context, record *models.CandidateRecord) error {
	if record.CandidateID == "" {
		newUUID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("生成UUIDv7失败: %w", err)
		}
		record.CandidateID = newUUID.String()
	}
	if err := m.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("创建候选人档案失败: %w", err)
	}
	return nil
}

// MarkCandidateSynced 同步成功后回填外部联系人ID
func (m *MySQL) MarkCandidateSynced(ctx context.Context, candidateID string, crmContactID string) error {
	err := m.db.WithContext(ctx).Model(&models.CandidateRecord{}).
		Where("candidate_id = ?", candidateID).
		Updates(map[string]interface{}{
			"status":         constants.CandidateStatusComplete,
			"crm_contact_id": crmContactID,
			"sync_error":     "",
		}).Error
	if err != nil {
		return fmt.Errorf("回填同步结果失败: %w", err)
	}
	return nil
}

// MarkCandidateSyncFailed 同步失败时降级候选人状态，本地档案保持完整
func (m *MySQL) MarkCandidateSyncFailed(ctx context.Context, candidateID string, syncErr string) error {
	err := m.db.WithContext(ctx).Model(&models.CandidateRecord{}).
		Where("candidate_id = ?", candidateID).
		Updates(map[string]interface{}{
			"status":     constants.CandidateStatusSyncFailed,
			"sync_error": syncErr,
		}).Error
	if err != nil {
		return fmt.Errorf("降级候选人状态失败: %w", err)
	}
	return nil
}

// FindCandidateByEmail 按邮箱查找最近更新的候选人
func (m *MySQL) FindCandidateByEmail(ctx context.Context, email string) (*models.CandidateRecord, error) {
	return m.findCandidateBy(ctx, "primary_email = ?", email)
}

// FindCandidateByPhone 按电话查找最近更新的候选人
func (m *MySQL) FindCandidateByPhone(ctx context.Context, phone string) (*models.CandidateRecord, error) {
	return m.findCandidateBy(ctx, "primary_phone = ?", phone)
}

func (m *MySQL) findCandidateBy(ctx context.Context, cond string, arg string) (*models.CandidateRecord, error) {
	if arg == "" {
		return nil, nil
	}
	var record models.CandidateRecord
	err := m.db.WithContext(ctx).
		Where(cond, arg).
		Order("updated_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询候选人失败: %w", err)
	}
	return &record, nil
}

// EnqueueHold 将候选包写入人工处理队列
func (m *MySQL) EnqueueHold(ctx context.Context, entry *models.HoldQueueEntry) error {
	if err := m.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("写入人工处理队列失败: %w", err)
	}
	return nil
}

// CountBatchHolds 统计批次下的人工处理队列条目数
func (m *MySQL) CountBatchHolds(ctx context.Context, batchID string) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&models.HoldQueueEntry{}).
		Where("batch_id = ?", batchID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("统计人工处理队列失败: %w", err)
	}
	return count, nil
}

// RecordUsage 追加一条用量账本记录
func (m *MySQL) RecordUsage(ctx context.Context, operationType string, callCount int64, estimatedCost float64) error {
	entry := &models.UsageLedgerEntry{
		UsageDate:     time.Now().UTC().Format("2006-01-02"),
		OperationType: operationType,
		CallCount:     callCount,
		EstimatedCost: estimatedCost,
	}
	if err := m.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("写入用量账本失败: %w", err)
	}
	return nil
}

// TodayUsage 返回当前UTC日期的累计调用次数与累计成本
func (m *MySQL) TodayUsage(ctx context.Context) (int64, float64, error) {
	var row struct {
		Calls int64
		Cost  float64
	}
	today := time.Now().UTC().Format("2006-01-02")
	err := m.db.WithContext(ctx).Model(&models.UsageLedgerEntry{}).
		Select("COALESCE(SUM(call_count),0) AS calls, COALESCE(SUM(estimated_cost),0) AS cost").
		Where("usage_date = ?", today).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("查询当日用量失败: %w", err)
	}
	return row.Calls, row.Cost, nil
}
