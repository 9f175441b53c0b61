package model

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/pkg/logging"
	"github.com/rushteam/streamrank/preprocess"
)

// Ranker 是双塔 pairwise 排序模型。
//
// 两个塔共享权重：每路直播先把 CategoryIndex 列替换为对应的 embedding 行，
// 其余列原样透传，再经过 Hidden 层与 1 维线性输出得到分数 s。
// pair 输入的输出为 sigmoid(sA - sB)，point 输入为 sigmoid(s)。
type Ranker struct {
	name   string
	keys   feature.EncodingKeys
	hyper  HyperOptions
	cols   []feature.Column
	width  int // 单路直播编码维度
	embeds []*embedding
	layers []*dense

	dataset core.DatasetSize
	savedAt int64 // 恢复自产物时为产物的 Time，新训练的模型为 0
	saver   core.ArtifactSaver
	now     func() time.Time
	logger  zerolog.Logger

	mu  sync.RWMutex
	opt *adam
}

// Option 配置 Ranker
type Option func(*Ranker)

// WithName 设置模型名（产物按模型名保存）
func WithName(name string) Option { return func(r *Ranker) { r.name = name } }

// WithSaver 设置评估后自动保存使用的仓库
func WithSaver(s core.ArtifactSaver) Option { return func(r *Ranker) { r.saver = s } }

// WithLogger 设置 logger
func WithLogger(l zerolog.Logger) Option { return func(r *Ranker) { r.logger = l } }

// WithClock 设置时钟，测试用
func WithClock(now func() time.Time) Option { return func(r *Ranker) { r.now = now } }

// New 按编码表与超参数构建一个随机初始化的模型
func New(keys feature.EncodingKeys, hyper HyperOptions, opts ...Option) (*Ranker, error) {
	if err := hyper.Validate(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "model: empty encoding")
	}
	r := newRanker(keys, hyper, opts...)
	rng := rand.New(rand.NewSource(hyper.Seed))

	in := 0
	for _, col := range r.cols {
		if col.Kind == feature.CategoryIndex {
			rows := max(1, col.Cardinality)
			dim := hyper.EmbeddingDim.Size(rows)
			r.embeds = append(r.embeds, newEmbedding(col.Field, col.Offset, rows, dim, rng))
			in += dim
			continue
		}
		in += col.Width
	}
	if in == 0 {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "model: encoding has zero width")
	}
	for _, h := range hyper.Hidden {
		r.layers = append(r.layers, newDense(in, h, hyper.Activation, rng))
		in = h
	}
	r.layers = append(r.layers, newDense(in, 1, ActivationLinear, rng))
	return r, nil
}

func newRanker(keys feature.EncodingKeys, hyper HyperOptions, opts ...Option) *Ranker {
	r := &Ranker{
		name:   core.DefaultModelName,
		keys:   keys,
		hyper:  hyper.Clone(),
		cols:   keys.Columns(),
		width:  keys.Width(),
		now:    time.Now,
		logger: logging.Component("model"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("model", r.name).Logger()
	return r
}

// Name 返回模型名
func (r *Ranker) Name() string { return r.name }

// Encoding 返回训练时冻结的编码表
func (r *Ranker) Encoding() feature.EncodingKeys { return r.keys }

// Hyper 返回超参数副本
func (r *Ranker) Hyper() HyperOptions { return r.hyper.Clone() }

// DatasetSize 返回训练集规模
func (r *Ranker) DatasetSize() core.DatasetSize {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dataset
}

// ArtifactTime 返回恢复来源产物的保存时间（epoch ms），不是从产物恢复的模型返回 0
func (r *Ranker) ArtifactTime() int64 { return r.savedAt }

// SetDatasetSize 记录训练集规模，Total 通常在评估时才知道
func (r *Ranker) SetDatasetSize(size core.DatasetSize) {
	r.mu.Lock()
	r.dataset = size
	r.mu.Unlock()
}

// towerInput 把单路直播的编码向量转换为塔的输入，同时返回命中的 embedding 行号（未命中为 -1）
func (r *Ranker) towerInput(x []float64) ([]float64, []int) {
	in := make([]float64, 0, r.layers[0].In)
	rows := make([]int, len(r.embeds))
	e := 0
	for _, col := range r.cols {
		if col.Kind == feature.CategoryIndex {
			emb := r.embeds[e]
			var v float64
			if col.Offset < len(x) {
				v = x[col.Offset]
			} else {
				v = feature.UnknownIndex
			}
			row, hit := emb.row(v)
			if hit {
				rows[e] = int(v)
			} else {
				rows[e] = -1
			}
			in = append(in, row...)
			e++
			continue
		}
		for k := col.Offset; k < col.Offset+col.Width; k++ {
			if k < len(x) {
				in = append(in, x[k])
			} else {
				in = append(in, 0)
			}
		}
	}
	return in, rows
}

// towerTrace 记录一次塔前向的中间结果，反向传播使用
type towerTrace struct {
	rows []int
	xs   [][]float64 // 每层输入
	zs   [][]float64
	ys   [][]float64
}

func (r *Ranker) tower(x []float64, trace bool) (float64, *towerTrace) {
	in, rows := r.towerInput(x)
	var t *towerTrace
	if trace {
		t = &towerTrace{rows: rows}
	}
	for _, l := range r.layers {
		z, y := l.forward(in)
		if t != nil {
			t.xs = append(t.xs, in)
			t.zs = append(t.zs, z)
			t.ys = append(t.ys, y)
		}
		in = y
	}
	return in[0], t
}

// isPair 判断输入是否为 [A..., B...] 形式
func (r *Ranker) isPair(x []float64) bool {
	return len(x) == 2*r.width
}

// predict 返回 sigmoid 输出
func (r *Ranker) predict(x []float64) float64 {
	if r.isPair(x) {
		a, _ := r.tower(x[:r.width], false)
		b, _ := r.tower(x[r.width:], false)
		return sigmoid(a - b)
	}
	s, _ := r.tower(x, false)
	return sigmoid(s)
}

// Predict 对已编码的样本批量预测
func (r *Ranker) Predict(xs [][]float64) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = r.predict(x)
	}
	return out
}

// PredictPair 返回 a 比 b 更受偏好的概率
func (r *Ranker) PredictPair(a, b core.Stream) float64 {
	pairs := preprocess.EncodeWatchSample([]core.Stream{a, b}, r.keys, nil)
	return r.Predict(pairs)[0]
}

// ScoreAndSortStreams 对候选集两两比较并归一化：
// 每路直播的分数为它在所有 pair 中胜出概率之和除以 n-1，按分数稳定降序排列。
// 少于 2 路时每路都为 0.5。
func (r *Ranker) ScoreAndSortStreams(streams []core.Stream) []core.ScoredStream {
	out := make([]core.ScoredStream, len(streams))
	for i, s := range streams {
		out[i] = core.ScoredStream{Stream: s, Score: core.NeutralScore}
	}
	if len(streams) < 2 {
		return out
	}
	for i := range out {
		out[i].Score = 0
	}
	preds := r.Predict(preprocess.EncodeWatchSample(streams, r.keys, nil))
	for k, p := range preprocess.PairIndexes(len(streams)) {
		out[p[0]].Score += preds[k]
		out[p[1]].Score += 1 - preds[k]
	}
	norm := float64(len(streams) - 1)
	for i := range out {
		out[i].Score /= norm
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// EmbeddingMeanInputs 返回每个 CategoryIndex 字段的均值 embedding
func (r *Ranker) EmbeddingMeanInputs() feature.MeanInputs {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(feature.MeanInputs, len(r.embeds))
	for _, e := range r.embeds {
		out[e.Field] = e.mean()
	}
	return out
}

// weights 是模型参数的序列化形式
type weights struct {
	Embeddings []*embedding `json:"embeddings"`
	Layers     []*dense     `json:"layers"`
}

// ToArtifact 生成可持久化的产物
func (r *Ranker) ToArtifact(loss float64) (*core.ModelArtifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, err := json.Marshal(weights{Embeddings: r.embeds, Layers: r.layers})
	if err != nil {
		return nil, fmt.Errorf("model: encode weights: %w", err)
	}
	enc, err := json.Marshal(r.keys)
	if err != nil {
		return nil, fmt.Errorf("model: encode encoding: %w", err)
	}
	hyper, err := MarshalHyper(r.hyper)
	if err != nil {
		return nil, fmt.Errorf("model: encode hyper options: %w", err)
	}
	return &core.ModelArtifact{
		Model:        core.SerializedModel{Weights: w, Encoding: enc},
		Loss:         loss,
		HyperOptions: hyper,
		DatasetSize:  r.dataset,
		Time:         r.now().UnixMilli(),
	}, nil
}

// FromArtifact 从产物恢复模型，参数形状必须与编码表一致
func FromArtifact(art *core.ModelArtifact, opts ...Option) (*Ranker, error) {
	if art == nil {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "model: nil artifact")
	}
	var keys feature.EncodingKeys
	if err := json.Unmarshal(art.Model.Encoding, &keys); err != nil {
		return nil, fmt.Errorf("model: decode encoding: %w", err)
	}
	hyper, err := UnmarshalHyper(art.HyperOptions)
	if err != nil {
		return nil, err
	}
	var w weights
	if err := json.Unmarshal(art.Model.Weights, &w); err != nil {
		return nil, fmt.Errorf("model: decode weights: %w", err)
	}

	r := newRanker(keys, hyper, opts...)
	r.dataset = art.DatasetSize
	r.savedAt = art.Time
	r.embeds = w.Embeddings
	r.layers = w.Layers
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Ranker) validate() error {
	bad := func(format string, args ...any) error {
		return core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "model: "+fmt.Sprintf(format, args...))
	}
	in, e := 0, 0
	for _, col := range r.cols {
		if col.Kind != feature.CategoryIndex {
			in += col.Width
			continue
		}
		if e >= len(r.embeds) {
			return bad("missing embedding for %s", col.Field)
		}
		emb := r.embeds[e]
		if err := emb.validate(); err != nil {
			return bad("%v", err)
		}
		if emb.Field != col.Field || emb.Offset != col.Offset {
			return bad("embedding %s does not match column %s", emb.Field, col.Field)
		}
		in += emb.Dim
		e++
	}
	if e != len(r.embeds) {
		return bad("%d embeddings for %d categorical columns", len(r.embeds), e)
	}
	if len(r.layers) == 0 {
		return bad("no layers")
	}
	for i, l := range r.layers {
		if err := l.validate(); err != nil {
			return bad("layer %d: %v", i, err)
		}
		if l.In != in {
			return bad("layer %d expects %d inputs, got %d", i, l.In, in)
		}
		in = l.Out
	}
	if in != 1 {
		return bad("output layer has %d units", in)
	}
	return nil
}

// save 把当前模型交给仓库按 loss 决定是否写入
func (r *Ranker) save(ctx context.Context, loss float64, total int, force bool) (bool, error) {
	if r.saver == nil {
		return false, nil
	}
	r.SetDatasetSize(core.DatasetSize{Training: r.DatasetSize().Training, Total: total})
	art, err := r.ToArtifact(loss)
	if err != nil {
		return false, err
	}
	return r.saver.SaveIfImproved(ctx, art, force)
}
