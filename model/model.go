package model

import "github.com/rushteam/streamrank/core"

// Scorer 是排序的最小抽象：输入一组候选直播，输出按分数降序排列的结果。
// 学习得到的 Ranker 与各启发式策略（TotemPole、SmoothBrain、Neutral）都实现此接口，
// 具体使用哪一个由配置决定。
type Scorer interface {
	Name() string
	ScoreAndSortStreams(streams []core.Stream) []core.ScoredStream
}

// PairPredictor 给出有序对 (a, b) 中 a 更受偏好的概率，取值 [0, 1]。
type PairPredictor interface {
	PredictPair(a, b core.Stream) float64
}
