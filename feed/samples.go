// Package feed 接收观看样本（"正在观看"心跳）并追加到存储中，作为训练语料的来源。
package feed

import (
	"context"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/rushteam/streamrank/core"
)

// DefaultSamplesKey 是观看样本列表在存储中的 key
const DefaultSamplesKey = "watch_samples"

// SampleStore 以 append-only 列表保存观看样本。
type SampleStore struct {
	list core.ListStore
	key  string
}

// NewSampleStore 创建 SampleStore，key 为空时使用 DefaultSamplesKey
func NewSampleStore(list core.ListStore, key string) *SampleStore {
	if key == "" {
		key = DefaultSamplesKey
	}
	return &SampleStore{list: list, key: key}
}

// Key 返回列表 key
func (s *SampleStore) Key() string { return s.key }

// Append 追加样本
func (s *SampleStore) Append(ctx context.Context, samples ...core.WatchSample) error {
	if len(samples) == 0 {
		return nil
	}
	values := make([][]byte, len(samples))
	for i, sample := range samples {
		b, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("feed: encode sample: %w", err)
		}
		values[i] = b
	}
	if err := s.list.Append(ctx, s.key, values...); err != nil {
		return fmt.Errorf("feed: append samples: %w", err)
	}
	return nil
}

// Samples 读取全部样本，按时间升序返回。无法解析的条目被跳过。
func (s *SampleStore) Samples(ctx context.Context) ([]core.WatchSample, error) {
	values, err := s.list.Range(ctx, s.key, 0, -1)
	if core.IsStoreNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feed: read samples: %w", err)
	}
	out := make([]core.WatchSample, 0, len(values))
	for _, v := range values {
		var sample core.WatchSample
		if err := json.Unmarshal(v, &sample); err != nil {
			continue
		}
		out = append(out, sample)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
