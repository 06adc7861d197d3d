package grouping

import (
	"fmt"
	"sort"
	"strings"

	"intake-agent-go/internal/constants"
	"intake-agent-go/internal/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GroupResult 一次分组运行的输出
type GroupResult struct {
	// Packs 已完成排序与合并的候选包
	Packs []*types.CandidatePack

	// Ungrouped 无任何可归属身份信号的文件，调用方必须给出终态，
	// 绝不允许静默挂到无关的包上
	Ungrouped []*types.ClassifiedFile

	// Dropped 因包超出文件数上限被截断丢弃的文件，同样需要终态
	Dropped []*types.ClassifiedFile
}

// Grouper 将带有身份信号的文件划分为互不相交的候选包
// 两遍贪心算法: 第一遍按强键(邮箱/电话)聚合，第二遍按姓名归并孤儿
type Grouper struct {
	maxFilesPerPack    int
	allowSingletonPack bool
	logger             zerolog.Logger
}

// NewGrouper 创建分组器
func NewGrouper(maxFilesPerPack int, allowSingletonPack bool, logger zerolog.Logger) *Grouper {
	return &Grouper{
		maxFilesPerPack:    maxFilesPerPack,
		allowSingletonPack: allowSingletonPack,
		logger:             logger.With().Str("component", "grouper").Logger(),
	}
}

// Group 将文件序列划分为候选包
// 身份键在单次运行内唯一，不跨批次保留
func (g *Grouper) Group(files []*types.ClassifiedFile) GroupResult {
	packsByKey := make(map[string]*types.CandidatePack)
	var packOrder []string
	var orphans []*types.ClassifiedFile

	// 第一遍: 强键聚合。邮箱优先于电话；仅有姓名的文件
	// 留给第二遍处理，姓名是弱信号，不参与强键聚合
	for _, file := range files {
		key, kind := PriorityKey(file.Quick)
		if kind == KeyEmail || kind == KeyPhone {
			pack, exists := packsByKey[key]
			if !exists {
				pack = g.newPack(key)
				packsByKey[key] = pack
				packOrder = append(packOrder, key)
			}
			g.appendToPack(pack, file)
			continue
		}
		orphans = append(orphans, file)
	}

	var ungrouped []*types.ClassifiedFile

	// 第二遍: 孤儿归并。携带姓名的孤儿与既有包按规范化姓名匹配；
	// 匹配失败时若配置允许则开单文件包，否则与零信号孤儿一样落入ungrouped
	for _, orphan := range orphans {
		name := NormalizeName(orphan.Quick.FullName)
		if name == "" {
			ungrouped = append(ungrouped, orphan)
			continue
		}

		if pack := g.findPackByName(packsByKey, packOrder, name); pack != nil {
			g.appendToPack(pack, orphan)
			continue
		}

		if !g.allowSingletonPack {
			g.logger.Debug().Str("name", name).Msg("姓名未匹配任何包且不允许单文件包")
			ungrouped = append(ungrouped, orphan)
			continue
		}

		pack := g.newPack(name)
		packsByKey[name] = pack
		packOrder = append(packOrder, name)
		g.appendToPack(pack, orphan)
	}

	packs := make([]*types.CandidatePack, 0, len(packOrder))
	var dropped []*types.ClassifiedFile
	for _, key := range packOrder {
		pack := packsByKey[key]
		dropped = append(dropped, g.finalizePack(pack)...)
		packs = append(packs, pack)
	}

	return GroupResult{Packs: packs, Ungrouped: ungrouped, Dropped: dropped}
}

func (g *Grouper) newPack(identityKey string) *types.CandidatePack {
	return &types.CandidatePack{
		PackID:      uuid.NewString(),
		IdentityKey: identityKey,
	}
}

// appendToPack 将文件并入包并合并身份信息
// 身份字段按先到先得，技能列表求并集去重
func (g *Grouper) appendToPack(pack *types.CandidatePack, file *types.ClassifiedFile) {
	pack.Files = append(pack.Files, file)

	if pack.Identity.Email == "" {
		pack.Identity.Email = strings.TrimSpace(file.Quick.Email)
	}
	if pack.Identity.Phone == "" {
		pack.Identity.Phone = strings.TrimSpace(file.Quick.Phone)
	}
	if pack.Identity.FullName == "" {
		pack.Identity.FullName = strings.TrimSpace(file.Quick.FullName)
	}
	if file.Quick.IsStudent {
		pack.Identity.IsStudent = true
	}

	for _, skill := range file.Quick.Skills {
		skill = strings.TrimSpace(skill)
		if skill == "" {
			continue
		}
		duplicate := false
		for _, existing := range pack.Identity.Skills {
			if strings.EqualFold(existing, skill) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			pack.Identity.Skills = append(pack.Identity.Skills, skill)
		}
	}
}

// findPackByName 按规范化姓名查找既有包
func (g *Grouper) findPackByName(packsByKey map[string]*types.CandidatePack, packOrder []string, name string) *types.CandidatePack {
	for _, key := range packOrder {
		pack := packsByKey[key]
		if NormalizeName(pack.Identity.FullName) == name {
			return pack
		}
	}
	return nil
}

// 文档类型的固定排序优先级: 下游完整解析依赖简历在前的上下文窗口
var docTypeRank = map[string]int{
	constants.DocTypeCV:          0,
	constants.DocTypeCoverLetter: 1,
	constants.DocTypeApplication: 2,
}

func rankOf(docType string) int {
	if rank, ok := docTypeRank[docType]; ok {
		return rank
	}
	return 3
}

// finalizePack 对包内文件排序、按上限截断，并拼接合并文本
// 返回被截断丢弃的文件
func (g *Grouper) finalizePack(pack *types.CandidatePack) []*types.ClassifiedFile {
	sort.SliceStable(pack.Files, func(i, j int) bool {
		return rankOf(pack.Files[i].Classification.DocumentType) < rankOf(pack.Files[j].Classification.DocumentType)
	})

	var dropped []*types.ClassifiedFile
	if g.maxFilesPerPack > 0 && len(pack.Files) > g.maxFilesPerPack {
		dropped = pack.Files[g.maxFilesPerPack:]
		for _, file := range dropped {
			g.logger.Warn().
				Str("pack_id", pack.PackID).
				Str("file", file.FilePath).
				Msg("包超出文件数上限，文件被丢弃")
		}
		pack.Files = pack.Files[:g.maxFilesPerPack]
	}

	var sb strings.Builder
	pack.Documents = pack.Documents[:0]
	for _, file := range pack.Files {
		docType := file.Classification.DocumentType
		pack.Documents = append(pack.Documents, types.DocumentMeta{
			FileName:     file.FileName,
			FilePath:     file.FilePath,
			DocumentType: docType,
		})
		sb.WriteString(fmt.Sprintf("===== %s (%s) =====\n", file.FileName, docType))
		sb.WriteString(file.RawText)
		sb.WriteString("\n\n")
	}
	pack.CombinedText = strings.TrimRight(sb.String(), "\n")
	return dropped
}
