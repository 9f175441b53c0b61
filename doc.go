// Package streamrank 从观看历史中学习直播偏好，对候选直播排序。
//
// 设计要点：
// - Pairwise-first: 训练样本是「在看 vs 没在看」的直播对，模型输出 a 比 b 更受偏好的概率
// - 产物自描述: 权重、编码表、超参数与数据集规模一起保存，按模型名存取，只被更优产物覆盖
// - 单 Host 多 Proxy: 每个模型名只有一个进程持有模型，其他上下文经 NATS/进程内通道调用
// - 过期即重训: 训练器按语料增长与模型年龄决定是否重训，重训后 Host 热加载
package streamrank

import (
	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/loader"
	"github.com/rushteam/streamrank/model"
)

// 轻量 facade：便于直接 import "streamrank" 使用核心抽象。
type (
	Stream       = core.Stream
	WatchSample  = core.WatchSample
	ScoredStream = core.ScoredStream
	Ranker       = loader.Ranker
	Scorer       = model.Scorer
)

const (
	DefaultModelName = core.DefaultModelName
	NeutralScore     = core.NeutralScore
)
