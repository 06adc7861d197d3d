package dedup

import (
	"context"
	"fmt"
	"time"

	"intake-agent-go/internal/grouping"

	"github.com/rs/zerolog"
)

// 匹配来源
const (
	SourceStore = "store"
	SourceCRM   = "crm"
)

// Match 一次重复命中
type Match struct {
	// Source 命中的系统: 本地档案库或外部关系系统
	Source string

	// ID 命中记录在其所属系统内的标识
	ID string

	// UpdatedAt 命中记录的最近更新时间，用于多命中时的胜出裁决
	UpdatedAt time.Time
}

// CandidateStore 本地候选人档案库的查询能力
type CandidateStore interface {
	FindByEmail(ctx context.Context, email string) (*Match, error)
	FindByPhone(ctx context.Context, phone string) (*Match, error)
}

// ContactSearcher 外部关系系统的联系人查询能力
type ContactSearcher interface {
	SearchContact(ctx context.Context, email, phone string) (*Match, error)
}

// Detector 跨本地档案库与外部关系系统的重复身份检测
// 命中即路由决策: 调用方将整包送入人工处理队列，绝不自动合并或覆盖既有档案
type Detector struct {
	store    CandidateStore
	searcher ContactSearcher
	logger   zerolog.Logger
}

// NewDetector 创建重复检测器
func NewDetector(store CandidateStore, searcher ContactSearcher, logger zerolog.Logger) *Detector {
	return &Detector{
		store:    store,
		searcher: searcher,
		logger:   logger.With().Str("component", "dedup").Logger(),
	}
}

// FindMatch 按邮箱优先、电话次之的顺序在两个系统中查找重复身份
// 多个命中时返回最近更新的那一个；两个标识都无效时直接返回nil
func (d *Detector) FindMatch(ctx context.Context, email, phone string) (*Match, error) {
	normEmail := grouping.NormalizeEmail(email)
	normPhone := grouping.NormalizePhone(phone)
	if normEmail == "" && normPhone == "" {
		return nil, nil
	}

	var candidates []*Match

	if d.store != nil {
		if normEmail != "" {
			match, err := d.store.FindByEmail(ctx, normEmail)
			if err != nil {
				return nil, fmt.Errorf("查询本地档案库失败: %w", err)
			}
			if match != nil {
				candidates = append(candidates, match)
			}
		}
		if len(candidates) == 0 && normPhone != "" {
			match, err := d.store.FindByPhone(ctx, normPhone)
			if err != nil {
				return nil, fmt.Errorf("查询本地档案库失败: %w", err)
			}
			if match != nil {
				candidates = append(candidates, match)
			}
		}
	}

	if d.searcher != nil {
		match, err := d.searcher.SearchContact(ctx, normEmail, normPhone)
		if err != nil {
			return nil, fmt.Errorf("查询外部关系系统失败: %w", err)
		}
		if match != nil {
			candidates = append(candidates, match)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	best := candidates[0]
	for _, match := range candidates[1:] {
		if match.UpdatedAt.After(best.UpdatedAt) {
			best = match
		}
	}

	d.logger.Info().
		Str("source", best.Source).
		Str("match_id", best.ID).
		Msg("检测到重复身份")
	return best, nil
}
