package core

import "time"

// 训练与采样的默认参数。
const (
	// DefaultModelName 是默认的模型名（也是产物在存储中的 key）
	DefaultModelName = "juicy-pear"

	// DefaultRecencyDecay 是样本权重每天的衰减系数
	DefaultRecencyDecay = 0.985

	// DefaultTrainingFraction 是训练集占比，其余作为 holdout
	DefaultTrainingFraction = 0.75

	// DefaultTrainingSize 是单次训练的样本上限
	DefaultTrainingSize = 2048

	// DefaultChunkSize 是限时增量训练每块的样本数
	DefaultChunkSize = 500

	// MinCorpusSize 是触发训练的最小样本数
	MinCorpusSize = 64

	// DefaultMaxModelAge 是模型最大年龄，超过即视为过期
	DefaultMaxModelAge = 4 * time.Hour

	// DefaultGrowthFactor 是样本增长倍数阈值，当前样本量达到训练时的该倍数即视为过期
	DefaultGrowthFactor = 2.0

	// DefaultCheckInterval 是训练器的轮询间隔
	DefaultCheckInterval = time.Minute

	// DefaultLearnedTimeout 是排序时单次学习模型调用的上限，超时即退回启发式策略
	DefaultLearnedTimeout = 500 * time.Millisecond

	// NeutralScore 是无法打分时的中性分
	NeutralScore = 0.5

	// DefaultSeed 是默认随机种子
	DefaultSeed int64 = 42
)
