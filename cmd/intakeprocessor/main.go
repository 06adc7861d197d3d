package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"intake-agent-go/internal/agent"
	"intake-agent-go/internal/config"
	"intake-agent-go/internal/constants"
	"intake-agent-go/internal/costguard"
	"intake-agent-go/internal/crm"
	"intake-agent-go/internal/dedup"
	"intake-agent-go/internal/intake"
	applogger "intake-agent-go/internal/logger"
	"intake-agent-go/internal/parser"
	"intake-agent-go/internal/retry"
	"intake-agent-go/internal/storage"
	"intake-agent-go/internal/storage/models"
	"intake-agent-go/internal/tracing"

	"github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// batchUploadedMessage 批次上传事件的消息体
type batchUploadedMessage struct {
	BatchID   string `json:"batch_id"`
	FileCount int    `json:"file_count"`
}

func main() {
	var configPath string
	var batchID string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "配置文件路径")
	pflag.StringVarP(&batchID, "batch", "b", "", "只处理指定批次后退出 (调试/补偿用)")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		applogger.Fatal().Err(err).Msg("加载配置失败")
	}

	applogger.Init(applogger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})
	log := applogger.Logger
	log.Info().Str("config", configPath).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("初始化链路追踪失败")
		}
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("关闭链路追踪失败")
			}
		}()
		log.Info().Str("endpoint", cfg.Tracing.OTLPEndpoint).Msg("链路追踪初始化成功")
	}

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer storageManager.Close()
	log.Info().Msg("存储服务初始化成功")

	// 成本准入与用量账本
	guard := costguard.NewGuard(storageManager.MySQL, &cfg.CostGuard, log)

	// LLM 能力: 默认共用一个聊天模型，task_models可按操作指定专用模型
	chatModel, err := agent.NewOpenAICompatChatModel(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.APIURL)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化聊天模型失败")
	}
	perCallCost := cfg.CostGuard.CostPerFile
	if cfg.CostGuard.CallsPerFile > 0 {
		perCallCost = cfg.CostGuard.CostPerFile / float64(cfg.CostGuard.CallsPerFile)
	}
	analyzerOptions := []parser.LLMAnalyzerOption{
		parser.WithUsageRecorder(guard),
		parser.WithCallCost(perCallCost),
		parser.WithCallTimeout(time.Duration(cfg.LLM.TimeoutSeconds) * time.Second),
	}
	taskModels := map[string]model.ToolCallingChatModel{cfg.LLM.Model: chatModel}
	for _, operation := range []string{constants.UsageOpClassify, constants.UsageOpQuickScan, constants.UsageOpFullParse} {
		modelName := cfg.GetModelForTask(operation)
		if modelName == cfg.LLM.Model {
			continue
		}
		taskModel, ok := taskModels[modelName]
		if !ok {
			taskModel, err = agent.NewOpenAICompatChatModel(cfg.LLM.APIKey, modelName, cfg.LLM.APIURL)
			if err != nil {
				log.Fatal().Err(err).Str("model", modelName).Msg("初始化任务专用模型失败")
			}
			taskModels[modelName] = taskModel
		}
		analyzerOptions = append(analyzerOptions, parser.WithTaskModel(operation, taskModel))
		log.Info().Str("operation", operation).Str("model", modelName).Msg("任务专用模型已配置")
	}
	analyzer := parser.NewLLMAnalyzer(chatModel, log, analyzerOptions...)
	log.Info().Str("model", cfg.LLM.Model).Msg("LLM分析器初始化成功")

	extractor := parser.NewTikaExtractor(cfg.Tika.ServerURL, log,
		parser.WithTimeout(time.Duration(cfg.Tika.Timeout)*time.Second),
	)
	log.Info().Str("server", cfg.Tika.ServerURL).Msg("Tika文本提取器初始化成功")

	// 外部关系系统: 字段映射缓存优先走Redis，缺席时仅用进程内缓存
	var crmOptions []crm.ClientOption
	if storageManager.Redis != nil {
		crmOptions = append(crmOptions, crm.WithFieldMapStore(storageManager.Redis))
	}
	fieldCache := crm.NewFieldMapCache(time.Duration(cfg.CRM.FieldCacheTTLMinutes) * time.Minute)
	crmClient, err := crm.NewClient(&cfg.CRM, fieldCache, log, crmOptions...)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化CRM客户端失败")
	}

	detector := dedup.NewDetector(
		intake.NewCandidateMatchAdapter(storageManager.MySQL),
		crmClient,
		log,
	)

	retryPolicy := retry.NewPolicy(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.InitialDelayMS)*time.Millisecond,
		time.Duration(cfg.Retry.MaxDelayMS)*time.Millisecond,
		time.Duration(cfg.Retry.JitterMS)*time.Millisecond,
		cfg.Retry.RetryableCodes,
	)

	orchestratorOptions := []intake.Option{
		intake.WithSyncGateway(crmClient),
	}
	if storageManager.Redis != nil {
		orchestratorOptions = append(orchestratorOptions, intake.WithContentDedup(storageManager.Redis))
	}
	if storageManager.RabbitMQ != nil {
		orchestratorOptions = append(orchestratorOptions,
			intake.WithEventPublisher(storageManager.RabbitMQ, cfg.RabbitMQ.IntakeEventsExchange, cfg.RabbitMQ.BatchFinishedKey))
	}

	orchestrator := intake.NewOrchestrator(
		&cfg.Intake,
		intake.Dependencies{
			Objects:    storageManager.MinIO,
			Extractor:  extractor,
			Classifier: analyzer,
			Parser:     analyzer,
			Batches:    storageManager.MySQL,
			Files:      storageManager.MySQL,
			Candidates: storageManager.MySQL,
			Holds:      storageManager.MySQL,
			Duplicates: detector,
			Admission:  guard,
		},
		retryPolicy,
		log,
		orchestratorOptions...,
	)
	log.Info().Msg("批次编排器初始化成功")

	// 单批补偿模式: 处理完指定批次即退出
	if batchID != "" {
		result, err := orchestrator.ProcessBatch(ctx, batchID)
		if err != nil {
			log.Fatal().Err(err).Str("batch_id", batchID).Msg("批次处理失败")
		}
		log.Info().
			Str("batch_id", result.BatchID).
			Str("status", result.Status).
			Int("candidates", result.Candidates).
			Msg("批次处理结束")
		return
	}

	if storageManager.RabbitMQ == nil {
		log.Fatal().Msg("消费模式需要RabbitMQ，请配置rabbitmq.url或使用--batch单批模式")
	}

	stopCh, err := storageManager.RabbitMQ.StartConsumer(
		cfg.RabbitMQ.BatchUploadedQueue,
		cfg.RabbitMQ.PrefetchCount,
		func(body []byte) bool {
			return handleBatchUploaded(ctx, log, storageManager, orchestrator, body)
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("启动批次上传消费者失败")
	}
	log.Info().Str("queue", cfg.RabbitMQ.BatchUploadedQueue).Msg("批次上传消费者已启动")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("接收到终止信号，正在优雅退出...")

	close(stopCh)
	cancel()
	log.Info().Msg("优雅退出完成")
}

// handleBatchUploaded 消费一条批次上传事件
// 返回true代表ack: 批次已达终态或消息本身不可处理；
// 返回false代表nack重回队列: 暂时性失败留给下一次投递
func handleBatchUploaded(ctx context.Context, log zerolog.Logger, storageManager *storage.Storage, orchestrator *intake.Orchestrator, body []byte) bool {
	var msg batchUploadedMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.BatchID == "" {
		log.Error().Err(err).Str("body", string(body)).Msg("批次上传消息格式错误，丢弃")
		return true
	}

	// 上传事件可能先于批次登记到达，按消息内容补建批次行
	if err := storageManager.MySQL.CreateBatchIfAbsent(ctx, &models.IntakeBatch{
		BatchID:   msg.BatchID,
		FileCount: msg.FileCount,
	}); err != nil {
		log.Error().Err(err).Str("batch_id", msg.BatchID).Msg("登记批次失败，重回队列")
		return false
	}

	result, err := orchestrator.ProcessBatch(ctx, msg.BatchID)
	if err != nil {
		// 准入拒绝与批次缺失都是终态判定，重投不会改变结果
		if errors.Is(err, intake.ErrAdmissionRejected) || errors.Is(err, intake.ErrBatchNotFound) {
			log.Warn().Err(err).Str("batch_id", msg.BatchID).Msg("批次以终态结束")
			return true
		}
		log.Error().Err(err).Str("batch_id", msg.BatchID).Msg("批次处理失败，重回队列")
		return false
	}

	log.Info().
		Str("batch_id", result.BatchID).
		Str("status", result.Status).
		Bool("skipped", result.Skipped).
		Int("candidates", result.Candidates).
		Int("held_packs", result.HeldPacks).
		Msg("批次消息处理完成")
	return true
}
