package core

import (
	"context"
	"encoding/json"
	"time"
)

// DatasetSize 记录一次训练使用的样本量。
type DatasetSize struct {
	Training int `json:"training"`
	Total    int `json:"total"`
}

// SerializedModel 是模型拓扑+权重与编码表的序列化形式。
// 两者都保持为原始 JSON，读取元数据时无需解析权重。
type SerializedModel struct {
	Weights  json.RawMessage `json:"weights"`
	Encoding json.RawMessage `json:"encoding"`
}

// ModelArtifact 是持久化的模型产物，按模型名存储。
// 产物只会被更优（loss 更低）或强制保存的新产物覆盖，不会被删除。
type ModelArtifact struct {
	Model        SerializedModel `json:"model"`
	Loss         float64         `json:"loss"`
	HyperOptions json.RawMessage `json:"hyperOptions"`
	DatasetSize  DatasetSize     `json:"datasetSize"`
	Time         int64           `json:"time"` // epoch ms
}

// SavedAt 返回产物保存时间
func (a *ModelArtifact) SavedAt() time.Time {
	return time.UnixMilli(a.Time)
}

// ArtifactStats 是不含权重与编码的产物元数据。
type ArtifactStats struct {
	Loss         float64         `json:"loss"`
	HyperOptions json.RawMessage `json:"hyperOptions"`
	DatasetSize  DatasetSize     `json:"datasetSize"`
	Time         int64           `json:"time"`
}

// Age 返回产物距 now 的时长
func (s *ArtifactStats) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.Time))
}

// ArtifactInfo 在 ArtifactStats 基础上带出编码表（仍不含权重）。
type ArtifactInfo struct {
	ArtifactStats
	Encoding json.RawMessage `json:"encoding"`
}

// ArtifactSaver 由模型仓库实现，模型在评估后通过它自动保存。
//
// SaveIfImproved 仅在以下情况写入：尚无产物；art.Loss 严格小于已保存的 loss；force 为 true。
// 返回是否发生了写入。
type ArtifactSaver interface {
	SaveIfImproved(ctx context.Context, art *ModelArtifact, force bool) (bool, error)
}
