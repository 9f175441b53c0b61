// Package registry 按模型名持久化模型产物：保存、按 loss 择优覆盖、加载与变更订阅。
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/model"
	"github.com/rushteam/streamrank/pkg/logging"
)

// KeyPrefix 是产物在 Store 中的 key 前缀
const KeyPrefix = "model:"

// Registry 管理单个模型名下的产物。产物只会被更优或强制保存的产物覆盖，从不删除。
type Registry struct {
	store  core.Store
	name   string
	key    string
	logger zerolog.Logger

	// mu 串行化 SaveIfImproved 的读-比较-写
	mu    sync.Mutex
	group singleflight.Group
}

// New 创建 Registry，name 为空时使用默认模型名
func New(store core.Store, name string) *Registry {
	if name == "" {
		name = core.DefaultModelName
	}
	return &Registry{
		store:  store,
		name:   name,
		key:    KeyPrefix + name,
		logger: logging.Component("registry").With().Str("model", name).Logger(),
	}
}

// WithLogger 替换 logger
func (r *Registry) WithLogger(l zerolog.Logger) *Registry {
	r.logger = l
	return r
}

// Name 返回模型名
func (r *Registry) Name() string { return r.name }

// Key 返回产物在 Store 中的 key
func (r *Registry) Key() string { return r.key }

func (r *Registry) read(ctx context.Context) ([]byte, error) {
	data, err := r.store.Get(ctx, r.key)
	if core.IsStoreNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", r.key, err)
	}
	return data, nil
}

// SavedStats 只解码元数据，不解析权重与编码。没有产物时返回 (nil, nil)。
func (r *Registry) SavedStats(ctx context.Context) (*core.ArtifactStats, error) {
	data, err := r.read(ctx)
	if err != nil || data == nil {
		return nil, err
	}
	return decodeStats(data)
}

func decodeStats(data []byte) (*core.ArtifactStats, error) {
	var stats core.ArtifactStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, core.NewDomainError(core.ModuleRegistry, core.ErrorCodeInvalidInput,
			fmt.Sprintf("registry: decode artifact stats: %v", err))
	}
	return &stats, nil
}

// infoRecord 只取编码表，权重保持为未解析的原始 JSON
type infoRecord struct {
	Model struct {
		Encoding json.RawMessage `json:"encoding"`
	} `json:"model"`
}

// SavedInfo 在 SavedStats 基础上带出编码表。没有产物时返回 (nil, nil)。
func (r *Registry) SavedInfo(ctx context.Context) (*core.ArtifactInfo, error) {
	data, err := r.read(ctx)
	if err != nil || data == nil {
		return nil, err
	}
	stats, err := decodeStats(data)
	if err != nil {
		return nil, err
	}
	var rec infoRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, core.NewDomainError(core.ModuleRegistry, core.ErrorCodeInvalidInput,
			fmt.Sprintf("registry: decode artifact encoding: %v", err))
	}
	return &core.ArtifactInfo{ArtifactStats: *stats, Encoding: []byte(rec.Model.Encoding)}, nil
}

// Save 无条件写入产物
func (r *Registry) Save(ctx context.Context, art *core.ModelArtifact) error {
	if art == nil {
		return core.NewDomainError(core.ModuleRegistry, core.ErrorCodeInvalidInput, "registry: nil artifact")
	}
	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("registry: encode artifact: %w", err)
	}
	if err := r.store.Set(ctx, r.key, data); err != nil {
		return fmt.Errorf("registry: write %s: %w", r.key, err)
	}
	r.logger.Info().
		Float64("loss", art.Loss).
		Int("training", art.DatasetSize.Training).
		Int("total", art.DatasetSize.Total).
		Msg("artifact saved")
	return nil
}

// SaveIfImproved 仅在尚无产物、loss 严格更低或 force 时写入，返回是否写入
func (r *Registry) SaveIfImproved(ctx context.Context, art *core.ModelArtifact, force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force {
		prev, err := r.SavedStats(ctx)
		if err != nil && !core.IsInvalidInput(err) {
			return false, err
		}
		// 无法解析的旧产物视为不存在
		if prev != nil && art.Loss >= prev.Loss {
			r.logger.Info().
				Float64("loss", art.Loss).
				Float64("saved_loss", prev.Loss).
				Msg("artifact not improved, keeping saved one")
			return false, nil
		}
	}
	if err := r.Save(ctx, art); err != nil {
		return false, err
	}
	return true, nil
}

// Load 加载当前产物。没有产物、读取或解码失败都返回 (nil, false)，失败原因只记录日志。
// 并发调用合并为一次读取；共享的读取不受任何单个调用方取消的影响，
// 调用方自己的 ctx 结束时返回 (nil, false)。
func (r *Registry) Load(ctx context.Context) (*model.Ranker, bool) {
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(r.key, func() (any, error) {
		data, err := r.read(shared)
		if err != nil {
			r.logger.Error().Err(err).Msg("load artifact failed")
			return nil, nil
		}
		if data == nil {
			r.logger.Info().Msg("no saved artifact")
			return nil, nil
		}
		ranker, err := r.Decode(data)
		if err != nil {
			r.logger.Error().Err(err).Msg("decode artifact failed")
			return nil, nil
		}
		return ranker, nil
	})
	select {
	case <-ctx.Done():
		return nil, false
	case res := <-ch:
		ranker, _ := res.Val.(*model.Ranker)
		return ranker, ranker != nil
	}
}

// Decode 把产物字节恢复为模型，恢复出的模型评估后会自动保存回本仓库
func (r *Registry) Decode(data []byte) (*model.Ranker, error) {
	var art core.ModelArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("registry: decode artifact: %w", err)
	}
	ranker, err := model.FromArtifact(&art, model.WithName(r.name), model.WithSaver(r))
	if err != nil {
		return nil, err
	}
	hyper := ranker.Hyper()
	r.logger.Info().
		Float64("loss", art.Loss).
		Int("training", art.DatasetSize.Training).
		Int("total", art.DatasetSize.Total).
		Str("hyper", hyper.Key()).
		Time("saved_at", art.SavedAt()).
		Msg("model loaded")
	return ranker, nil
}

// Watch 订阅产物变更，每次出现新产物（Time 不同于 since 与上一次回调）时解码并回调 fn。
// since 是调用方正在使用的产物时间，没有时传 0。订阅建立后会先对比一次当前产物，
// 订阅之前落下的保存也不会漏掉。
// 阻塞到 ctx 结束；Store 不支持订阅时返回 ErrStoreNotSupported。
func (r *Registry) Watch(ctx context.Context, since int64, fn func(*model.Ranker)) error {
	w, ok := r.store.(core.Watcher)
	if !ok {
		return core.ErrStoreNotSupported
	}
	changes, err := w.Watch(ctx, r.key)
	if err != nil {
		return fmt.Errorf("registry: watch %s: %w", r.key, err)
	}

	last := since
	apply := func(data []byte) {
		stats, err := decodeStats(data)
		if err != nil {
			r.logger.Warn().Err(err).Msg("ignoring undecodable artifact change")
			return
		}
		if stats.Time == last {
			return
		}
		ranker, err := r.Decode(data)
		if err != nil {
			r.logger.Error().Err(err).Msg("decode changed artifact failed")
			return
		}
		last = stats.Time
		fn(ranker)
	}

	if data, err := r.read(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("read artifact after subscribe failed")
	} else if data != nil {
		apply(data)
	}
	for c := range changes {
		if c.New == nil {
			continue
		}
		apply(c.New)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var _ core.ArtifactSaver = (*Registry)(nil)
