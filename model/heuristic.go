package model

import (
	"math"
	"sort"
	"time"

	"github.com/rushteam/streamrank/core"
)

const (
	// TotemPoleDecay 每天衰减 3%
	TotemPoleDecay = 0.97
	// TotemPoleCategoryWeight 样本中主播所在分类与候选当前分类一致时的加权
	TotemPoleCategoryWeight = 4.0
)

// TotemPole 按主播的历史观看占比打分。
//
// 每个样本里的每路直播贡献 points = 样本候选数 * 0.97^天数，
// 样本中该主播的分类与候选当前分类一致时再乘 4。
// 分数 = 被观看时的 points 之和 / 全部 points 之和；没有历史的主播为 0.5。
type TotemPole struct {
	Decay          float64
	CategoryWeight float64

	samples []core.WatchSample
	now     time.Time
}

// NewTotemPole 基于观看历史创建 TotemPole
func NewTotemPole(samples []core.WatchSample, now time.Time) *TotemPole {
	return &TotemPole{
		Decay:          TotemPoleDecay,
		CategoryWeight: TotemPoleCategoryWeight,
		samples:        samples,
		now:            now,
	}
}

func (t *TotemPole) Name() string { return "totem-pole" }

func (t *TotemPole) ScoreAndSortStreams(streams []core.Stream) []core.ScoredStream {
	current := make(map[string]string, len(streams))
	for _, s := range streams {
		current[s.StreamerID] = s.CategoryID
	}
	type tally struct{ num, div float64 }
	scores := make(map[string]*tally)
	for _, sample := range t.samples {
		days := math.Max(0, t.now.Sub(sample.Time).Hours()/24)
		decay := math.Pow(t.Decay, days)
		for _, s := range sample.Candidates {
			sc := scores[s.StreamerID]
			if sc == nil {
				sc = &tally{}
				scores[s.StreamerID] = sc
			}
			mult := 1.0
			if c, ok := current[s.StreamerID]; ok && c == s.CategoryID {
				mult = t.CategoryWeight
			}
			points := float64(len(sample.Candidates)) * decay * mult
			if sample.IsWatched(s) {
				sc.num += points
			}
			sc.div += points
		}
	}
	return scoreBy(streams, func(s core.Stream) float64 {
		sc := scores[s.StreamerID]
		if sc == nil || sc.div == 0 {
			return core.NeutralScore
		}
		return sc.num / sc.div
	})
}

// SmoothBrain 按主播的平滑观看份额打分：
// 每个样本有 count^(2/3) 的总分，在看的主播平分加分，没在看的平分扣分。
type SmoothBrain struct {
	samples []core.WatchSample
}

// NewSmoothBrain 基于观看历史创建 SmoothBrain
func NewSmoothBrain(samples []core.WatchSample) *SmoothBrain {
	return &SmoothBrain{samples: samples}
}

func (b *SmoothBrain) Name() string { return "smooth-brain" }

func (b *SmoothBrain) ScoreAndSortStreams(streams []core.Stream) []core.ScoredStream {
	scores := make(map[string]float64)
	for _, sample := range b.samples {
		count := len(sample.Candidates)
		watched := 0
		for _, s := range sample.Candidates {
			if sample.IsWatched(s) {
				watched++
			}
		}
		total := math.Pow(float64(count), 2.0/3.0)
		for _, s := range sample.Candidates {
			if sample.IsWatched(s) {
				scores[s.StreamerID] += total / float64(watched)
			} else {
				scores[s.StreamerID] -= total / float64(count-watched)
			}
		}
	}
	return scoreBy(streams, func(s core.Stream) float64 { return scores[s.StreamerID] })
}

// Neutral 对所有直播给出 0.5，保持原顺序
type Neutral struct{}

func (Neutral) Name() string { return "neutral" }

func (Neutral) ScoreAndSortStreams(streams []core.Stream) []core.ScoredStream {
	return scoreBy(streams, func(core.Stream) float64 { return core.NeutralScore })
}

func scoreBy(streams []core.Stream, score func(core.Stream) float64) []core.ScoredStream {
	out := make([]core.ScoredStream, len(streams))
	for i, s := range streams {
		out[i] = core.ScoredStream{Stream: s, Score: score(s)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
