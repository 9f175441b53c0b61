package loader

import (
	"context"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/model"
	"github.com/rushteam/streamrank/pkg/logging"
	"github.com/rushteam/streamrank/pkg/metrics"
	"github.com/rushteam/streamrank/registry"
)

// member 在在线模型上执行一个成员
type member func(r *model.Ranker, args []json.RawMessage) (any, error)

// members 是 EXEC 可调用的固定成员表，与 Ranker 接口一一对应
var members = map[string]member{
	KeyScoreAndSortStreams: func(r *model.Ranker, args []json.RawMessage) (any, error) {
		var streams []core.Stream
		if err := decodeArg(args, 0, &streams); err != nil {
			return nil, err
		}
		return r.ScoreAndSortStreams(streams), nil
	},
	KeyPredictPair: func(r *model.Ranker, args []json.RawMessage) (any, error) {
		var a, b core.Stream
		if err := decodeArg(args, 0, &a); err != nil {
			return nil, err
		}
		if err := decodeArg(args, 1, &b); err != nil {
			return nil, err
		}
		return r.PredictPair(a, b), nil
	},
	KeyEmbeddingMeanInputs: func(r *model.Ranker, _ []json.RawMessage) (any, error) {
		return r.EmbeddingMeanInputs(), nil
	},
	KeyEncoding: func(r *model.Ranker, _ []json.RawMessage) (any, error) {
		return r.Encoding(), nil
	},
	KeyDatasetSize: func(r *model.Ranker, _ []json.RawMessage) (any, error) {
		return r.DatasetSize(), nil
	},
}

// Host 持有某个模型名下唯一的在线模型实例，并在 Transport 上应答请求。
//
// 在线模型放在 atomic.Pointer 中：读者每次请求取一次快照，
// 热加载只替换指针，正在执行的请求继续使用旧实例。
type Host struct {
	name      string
	transport Transport
	handle    atomic.Pointer[model.Ranker]
	logger    zerolog.Logger
}

// NewHost 创建 Host，此时尚未加载模型
func NewHost(name string, transport Transport) *Host {
	if name == "" {
		name = core.DefaultModelName
	}
	return &Host{
		name:      name,
		transport: transport,
		logger:    logging.Component("host").With().Str("model", name).Logger(),
	}
}

// WithLogger 替换 logger
func (h *Host) WithLogger(l zerolog.Logger) *Host {
	h.logger = l
	return h
}

// Name 返回模型名
func (h *Host) Name() string { return h.name }

// Current 返回当前在线模型，未加载时为 nil
func (h *Host) Current() *model.Ranker { return h.handle.Load() }

// Swap 替换在线模型，返回旧实例
func (h *Host) Swap(r *model.Ranker) *model.Ranker {
	old := h.handle.Swap(r)
	if r != nil {
		size := r.DatasetSize()
		h.logger.Info().Int("training", size.Training).Int("total", size.Total).Bool("replaced", old != nil).Msg("live model swapped")
	}
	return old
}

// Load 从仓库加载最新产物。没有产物或加载失败时保持当前状态并返回 false。
func (h *Host) Load(ctx context.Context, reg *registry.Registry) bool {
	r, ok := reg.Load(ctx)
	if !ok {
		return false
	}
	h.Swap(r)
	return true
}

// Watch 订阅仓库的产物变更并热加载，阻塞到 ctx 结束。
// 以在线模型的产物时间为基线，订阅前已经落下的新产物会立即加载。
func (h *Host) Watch(ctx context.Context, reg *registry.Registry) error {
	var since int64
	if cur := h.handle.Load(); cur != nil {
		since = cur.ArtifactTime()
	}
	return reg.Watch(ctx, since, func(r *model.Ranker) {
		h.Swap(r)
		metrics.ModelReloads.WithLabelValues(h.name).Inc()
	})
}

// Serve 在 Transport 上应答请求，阻塞到 ctx 结束
func (h *Host) Serve(ctx context.Context) error {
	h.logger.Info().Msg("host serving")
	err := h.transport.Serve(ctx, h.dispatch)
	h.logger.Info().Msg("host stopped")
	return err
}

func (h *Host) String() string { return "host/" + h.name }

// dispatch 处理一条请求：PING 仅在已加载模型时应答；EXEC 只处理本模型名的请求
func (h *Host) dispatch(_ context.Context, msg Message) (Reply, bool) {
	switch msg.Type {
	case TypePing:
		if h.Current() == nil {
			return Reply{}, false
		}
		return resultReply(msg.ID, Pong), true
	case TypeExec:
		if msg.ModelName != h.name {
			return Reply{}, false
		}
		start := time.Now()
		result, err := h.exec(msg.Key, msg.Args)
		metrics.HostExecDuration.WithLabelValues(h.name, msg.Key).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.HostExecErrors.WithLabelValues(h.name, msg.Key).Inc()
			h.logger.Debug().Err(err).Str("key", msg.Key).Msg("exec failed")
			return errorReply(msg.ID, err), true
		}
		return resultReply(msg.ID, result), true
	}
	return Reply{}, false
}

func (h *Host) exec(key string, args []json.RawMessage) (any, error) {
	fn, ok := members[key]
	if !ok {
		return nil, ErrUnknownMember
	}
	r := h.Current()
	if r == nil {
		return nil, ErrNoModel
	}
	return fn(r, args)
}

// 同一上下文内的调用方可以直接使用 Host，不经过 Transport。

func (h *Host) live() (*model.Ranker, error) {
	if r := h.Current(); r != nil {
		return r, nil
	}
	return nil, ErrNoModel
}

func (h *Host) ScoreAndSortStreams(_ context.Context, streams []core.Stream) ([]core.ScoredStream, error) {
	r, err := h.live()
	if err != nil {
		return nil, err
	}
	return r.ScoreAndSortStreams(streams), nil
}

func (h *Host) PredictPair(_ context.Context, a, b core.Stream) (float64, error) {
	r, err := h.live()
	if err != nil {
		return 0, err
	}
	return r.PredictPair(a, b), nil
}

func (h *Host) EmbeddingMeanInputs(context.Context) (feature.MeanInputs, error) {
	r, err := h.live()
	if err != nil {
		return nil, err
	}
	return r.EmbeddingMeanInputs(), nil
}

func (h *Host) Encoding(context.Context) (feature.EncodingKeys, error) {
	r, err := h.live()
	if err != nil {
		return nil, err
	}
	return r.Encoding(), nil
}

func (h *Host) DatasetSize(context.Context) (core.DatasetSize, error) {
	r, err := h.live()
	if err != nil {
		return core.DatasetSize{}, err
	}
	return r.DatasetSize(), nil
}

var _ Ranker = (*Host)(nil)
