// Package preprocess 把观看样本转换为加权的偏好样本，并切分训练集与 holdout。
package preprocess

import (
	"math"
	"sort"
	"time"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
)

// IndexPair 是一条偏好对，A/B 为 pool 中的下标。Label 为 1 表示 A 优于 B。
type IndexPair struct {
	A      int
	B      int
	Label  float64
	Weight float64
}

// Example 是一条编码后的训练样本。
// pair 样本的 Features 为 [A 的特征..., B 的特征...]；point 样本为单路直播的特征。
// Weight 不参与去重比较，也不会被持久化。
type Example struct {
	Features []float64 `json:"x"`
	Label    float64   `json:"y"`
	Weight   float64   `json:"-"`
}

// RecencyWeight 返回距 now 的样本权重：decay^天数
func RecencyWeight(at, now time.Time, decay float64) float64 {
	days := now.Sub(at).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Pow(decay, days)
}

// newestFirst 返回按时间倒序排列的副本
func newestFirst(samples []core.WatchSample) []core.WatchSample {
	out := make([]core.WatchSample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out
}

// ToPreferencePairs 对每个样本，把每路正在看的直播与每路没在看的直播两两组合，
// 正反两个方向各生成一条偏好对。直播汇总在 pool 中，偏好对只引用下标。
//
// 样本按时间倒序处理，使去重时保留的是最近一次出现的权重。
func ToPreferencePairs(samples []core.WatchSample, now time.Time) (pool []core.Stream, pairs []IndexPair) {
	return toPreferencePairs(samples, now, core.DefaultRecencyDecay)
}

func toPreferencePairs(samples []core.WatchSample, now time.Time, decay float64) (pool []core.Stream, pairs []IndexPair) {
	for _, sample := range newestFirst(samples) {
		base := len(pool)
		weight := RecencyWeight(sample.Time, now, decay)

		var watched, others []int
		for i, s := range sample.Candidates {
			if sample.IsWatched(s) {
				watched = append(watched, base+i)
			} else {
				others = append(others, base+i)
			}
		}
		for _, w := range watched {
			for _, o := range others {
				pairs = append(pairs,
					IndexPair{A: w, B: o, Label: 1, Weight: weight},
					IndexPair{A: o, B: w, Label: 0, Weight: weight},
				)
			}
		}
		pool = append(pool, sample.Candidates...)
	}
	return pool, pairs
}

// PairIndexes 返回 n 个候选的全部无序下标对 (i<j)，按 (i, j) 字典序排列。
// 打分时按同样的顺序回填分数，两者必须同步修改。
func PairIndexes(n int) [][2]int {
	if n < 2 {
		return nil
	}
	out := make([][2]int, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			out = append(out, [2]int{i, j})
		}
	}
	return out
}

// EncodeWatchSample 对候选集编码，并按 PairIndexes 的顺序拼接为 [A..., B...] 的 pair 向量。
func EncodeWatchSample(streams []core.Stream, keys feature.EncodingKeys, fallback feature.MeanInputs) [][]float64 {
	encoded := make([][]float64, len(streams))
	for i, s := range streams {
		encoded[i] = feature.EncodeEntry(s.Entry(), keys, fallback)
	}
	idx := PairIndexes(len(streams))
	pairs := make([][]float64, 0, len(idx))
	for _, p := range idx {
		pairs = append(pairs, joinFeatures(encoded[p[0]], encoded[p[1]]))
	}
	return pairs
}

func joinFeatures(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
