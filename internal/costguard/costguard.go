package costguard

import (
	"context"

	"intake-agent-go/internal/config"

	"github.com/rs/zerolog"
)

// UsageLedger 用量账本的读写接口，由存储层实现
type UsageLedger interface {
	// TodayUsage 返回当前UTC日期的累计调用次数与累计成本
	TodayUsage(ctx context.Context) (calls int64, cost float64, err error)

	// RecordUsage 追加一条用量记录
	RecordUsage(ctx context.Context, operationType string, callCount int64, estimatedCost float64) error
}

// Decision 准入评估结果
type Decision struct {
	Allowed        bool
	Reason         string
	TodayCalls     int64
	TodayCost      float64
	EstimatedCalls int64
	EstimatedCost  float64
}

// Guard 批次级成本准入控制
// 在批次开始处理前做一次预估评估，处理过程中不再逐文件检查
type Guard struct {
	ledger UsageLedger
	cfg    *config.CostGuardConfig
	logger zerolog.Logger
}

// NewGuard 创建成本准入控制器
func NewGuard(ledger UsageLedger, cfg *config.CostGuardConfig, logger zerolog.Logger) *Guard {
	return &Guard{
		ledger: ledger,
		cfg:    cfg,
		logger: logger.With().Str("component", "costguard").Logger(),
	}
}

// Evaluate 评估批次是否允许处理
// 预估用量 = 文件数 × 单文件系数；当日累计 + 预估超过任一上限则拒绝。
// 账本读取失败时放行并告警，准入控制不能成为管道的单点故障
func (g *Guard) Evaluate(ctx context.Context, fileCount int) Decision {
	estCalls := int64(fileCount) * g.cfg.CallsPerFile
	estCost := float64(fileCount) * g.cfg.CostPerFile

	decision := Decision{
		Allowed:        true,
		EstimatedCalls: estCalls,
		EstimatedCost:  estCost,
	}

	calls, cost, err := g.ledger.TodayUsage(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("读取用量账本失败，按放行处理")
		decision.Reason = "ledger unavailable"
		return decision
	}

	decision.TodayCalls = calls
	decision.TodayCost = cost

	if g.cfg.DailyCallCeiling > 0 && calls+estCalls > g.cfg.DailyCallCeiling {
		decision.Allowed = false
		decision.Reason = "daily call ceiling exceeded"
		return decision
	}
	if g.cfg.DailyCostCeiling > 0 && cost+estCost > g.cfg.DailyCostCeiling {
		decision.Allowed = false
		decision.Reason = "daily cost ceiling exceeded"
		return decision
	}

	return decision
}

// RecordCall 记录一次实际发生的外部调用
// 写入失败只告警不上抛，账本是旁路设施
func (g *Guard) RecordCall(ctx context.Context, operationType string, estimatedCost float64) {
	if err := g.ledger.RecordUsage(ctx, operationType, 1, estimatedCost); err != nil {
		g.logger.Warn().Err(err).Str("operation", operationType).Msg("写入用量账本失败")
	}
}
