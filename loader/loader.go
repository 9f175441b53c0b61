// Package loader 让多个互相隔离的执行上下文共享同一个在线模型。
//
// 每个模型名只有一个 Host 持有真正的模型实例；其他上下文通过 Proxy 访问，
// Proxy 把每次调用转换为一次 EXEC 请求，经 Transport 发给 Host 并等待结果。
// 跨边界传递的只有可序列化的纯数据（JSON），没有共享内存。
//
// Host 与 Proxy 共用 Ranker 接口，成员名由 Key* 常量定义。
package loader

import (
	"context"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
)

// Ranker 是 Host 与 Proxy 共同实现的模型接口。
// 所有参数与返回值都必须可以 JSON 序列化。
type Ranker interface {
	// ScoreAndSortStreams 对候选直播两两比较打分并降序排列
	ScoreAndSortStreams(ctx context.Context, streams []core.Stream) ([]core.ScoredStream, error)

	// PredictPair 返回 a 比 b 更受偏好的概率
	PredictPair(ctx context.Context, a, b core.Stream) (float64, error)

	// EmbeddingMeanInputs 返回每个类别字段的均值 embedding
	EmbeddingMeanInputs(ctx context.Context) (feature.MeanInputs, error)

	// Encoding 返回模型训练时冻结的编码表
	Encoding(ctx context.Context) (feature.EncodingKeys, error)

	// DatasetSize 返回模型的训练集规模
	DatasetSize(ctx context.Context) (core.DatasetSize, error)
}

// EXEC 请求的成员名
const (
	KeyScoreAndSortStreams = "scoreAndSortStreams"
	KeyPredictPair         = "predictPair"
	KeyEmbeddingMeanInputs = "getEmbeddingMeanInputs"
	KeyEncoding            = "encodingKeys"
	KeyDatasetSize         = "datasetSize"
)

var (
	// ErrNoResponders 表示没有任何 Host 应答
	ErrNoResponders = core.NewDomainError(core.ModuleLoader, core.ErrorCodeUnavailable, "loader: no responders")

	// ErrNoModel 表示 Host 尚未加载模型
	ErrNoModel = core.NewDomainError(core.ModuleLoader, core.ErrorCodeUnavailable, "loader: model not loaded")

	// ErrUnknownMember 表示 EXEC 请求的成员不存在
	ErrUnknownMember = core.NewDomainError(core.ModuleLoader, core.ErrorCodeNotSupported, "loader: unknown member")
)
