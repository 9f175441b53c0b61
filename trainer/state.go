package trainer

import (
	"slices"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
)

// State 是已保存模型相对当前语料的新鲜度
type State int

const (
	// Fresh 无需重训
	Fresh State = iota
	// NoModel 尚无产物
	NoModel
	// StaleEncoding 主播或分类集合发生了变化
	StaleEncoding
	// StaleAge 产物超过 MaxAge
	StaleAge
	// StaleGrowth 语料规模达到训练时的 GrowthFactor 倍
	StaleGrowth
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case NoModel:
		return "no_model"
	case StaleEncoding:
		return "stale_encoding"
	case StaleAge:
		return "stale_age"
	case StaleGrowth:
		return "stale_growth"
	}
	return "unknown"
}

// Policy 是重训策略
type Policy struct {
	MinCorpus    int           `koanf:"min_corpus" validate:"gte=0"`
	MaxAge       time.Duration `koanf:"max_age" validate:"gte=0"`
	GrowthFactor float64       `koanf:"growth_factor" validate:"gte=0"`
}

// DefaultPolicy 返回默认策略：至少 64 条样本、4 小时、2 倍增长
func DefaultPolicy() Policy {
	return Policy{
		MinCorpus:    core.MinCorpusSize,
		MaxAge:       core.DefaultMaxModelAge,
		GrowthFactor: core.DefaultGrowthFactor,
	}
}

// Decide 按顺序判断：无产物、编码漂移、过期、语料增长，都不满足为 Fresh。
// 语料少于 MinCorpus 时无论状态如何都不训练。
func Decide(info *core.ArtifactInfo, corpusSize int, keys feature.EncodingKeys, now time.Time, p Policy) (State, bool) {
	state := classify(info, corpusSize, keys, now, p)
	if corpusSize < p.MinCorpus {
		return state, false
	}
	return state, state != Fresh
}

func classify(info *core.ArtifactInfo, corpusSize int, keys feature.EncodingKeys, now time.Time, p Policy) State {
	if info == nil {
		return NoModel
	}
	if encodingDiverged(info.Encoding, keys) {
		return StaleEncoding
	}
	if p.MaxAge > 0 && info.Age(now) > p.MaxAge {
		return StaleAge
	}
	if p.GrowthFactor > 0 && float64(corpusSize) >= p.GrowthFactor*float64(info.DatasetSize.Total) {
		return StaleGrowth
	}
	return Fresh
}

// encodingDiverged 比较已保存编码与当前编码的类别集合，与类别顺序无关。
// 已保存编码无法解析时视为漂移。
func encodingDiverged(saved []byte, current feature.EncodingKeys) bool {
	var keys feature.EncodingKeys
	if err := json.Unmarshal(saved, &keys); err != nil {
		return true
	}
	a, b := keys.CategorySets(), current.CategorySets()
	if len(a) != len(b) {
		return true
	}
	for field, cats := range a {
		other, ok := b[field]
		if !ok || !sameSet(cats, other) {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
