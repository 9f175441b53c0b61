package preprocess

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/curator"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/pkg/logging"
)

// InputType 是训练样本的形式
type InputType string

const (
	// InputPairs 偏好对（默认）
	InputPairs InputType = "pairs"
	// InputPoints 单路直播 + 是否观看
	InputPoints InputType = "points"
)

// SampleSource 提供 append-only、按时间排序的观看样本
type SampleSource interface {
	Samples(ctx context.Context) ([]core.WatchSample, error)
}

// SliceSource 是内存中的样本源
type SliceSource []core.WatchSample

func (s SliceSource) Samples(context.Context) ([]core.WatchSample, error) { return s, nil }

// DefaultInstructions 只使用主播与分类两个类别下标字段
func DefaultInstructions() feature.Instructions {
	return feature.Instructions{
		"user_id": feature.Field(feature.CategoryIndex),
		"game_id": feature.Field(feature.CategoryIndex),
	}
}

// Preprocessor 从样本源构建编码后的语料并切分训练集。
type Preprocessor struct {
	Source        SampleSource
	Instructions  feature.Instructions
	Input         InputType
	StreamerField string
	CategoryField string
	Decay         float64
	Now           func() time.Time

	logger zerolog.Logger
}

// New 创建 Preprocessor，未设置的字段使用默认值
func New(source SampleSource) *Preprocessor {
	return &Preprocessor{
		Source:        source,
		Instructions:  DefaultInstructions(),
		Input:         InputPairs,
		StreamerField: "user_id",
		CategoryField: "game_id",
		Decay:         core.DefaultRecencyDecay,
		Now:           time.Now,
		logger:        logging.Component("preprocess"),
	}
}

// WithLogger 替换 logger
func (p *Preprocessor) WithLogger(l zerolog.Logger) *Preprocessor {
	p.logger = l
	return p
}

// Corpus 是去重后的全部样本与编码参数
type Corpus struct {
	Examples []Example
	Keys     feature.EncodingKeys
	Streams  int // pool 中的直播数
}

// Corpus 读取全部样本，编码并去重
func (p *Preprocessor) Corpus(ctx context.Context) (*Corpus, error) {
	samples, err := p.Source.Samples(ctx)
	if err != nil {
		return nil, fmt.Errorf("preprocess: read samples: %w", err)
	}
	now := p.Now()

	var pool []core.Stream
	var labels []float64
	var weights []float64
	var pairs []IndexPair

	switch p.Input {
	case InputPoints:
		for _, s := range newestFirst(samples) {
			w := RecencyWeight(s.Time, now, p.Decay)
			for _, c := range s.Candidates {
				pool = append(pool, c)
				labels = append(labels, boolLabel(s.IsWatched(c)))
				weights = append(weights, w)
			}
		}
	default:
		pool, pairs = toPreferencePairs(samples, now, p.Decay)
	}

	entries := make([]feature.Entry, len(pool))
	for i, s := range pool {
		entries[i] = s.Entry()
	}
	keys, err := feature.BuildEncoding(entries, p.Instructions)
	if err != nil {
		return nil, err
	}
	encoded := make([][]float64, len(entries))
	for i, e := range entries {
		encoded[i] = feature.EncodeEntry(e, keys, nil)
	}

	var examples []Example
	if p.Input == InputPoints {
		examples = make([]Example, len(encoded))
		for i := range encoded {
			examples[i] = Example{Features: encoded[i], Label: labels[i], Weight: weights[i]}
		}
	} else {
		examples = make([]Example, len(pairs))
		for i, pr := range pairs {
			examples[i] = Example{
				Features: joinFeatures(encoded[pr.A], encoded[pr.B]),
				Label:    pr.Label,
				Weight:   pr.Weight,
			}
		}
	}

	before := len(examples)
	examples = curator.Deduplicate(examples)
	p.logger.Debug().
		Int("samples", len(samples)).
		Int("streams", len(pool)).
		Int("examples", len(examples)).
		Int("duplicates", before-len(examples)).
		Msg("corpus built")

	return &Corpus{Examples: examples, Keys: keys, Streams: len(pool)}, nil
}

// Options 控制训练集切分
type Options struct {
	// TargetSize 训练集上限，0 表示不限
	TargetSize int
	// TrainingFraction 训练集占比，<= 0 时使用默认值
	TrainingFraction float64
	// MaxDuration 非 0 时总是走代表性采样（限时训练需要一个有代表性的前缀）
	MaxDuration time.Duration
	Seed        int64
}

// TrainingData 是一次切分的结果
type TrainingData struct {
	Training []Example
	Holdout  []Example
	Keys     feature.EncodingKeys
	Total    int // 去重后的总样本数
}

// GetTrainingData 构建语料并切分。训练集上限 = min(TargetSize, TrainingFraction*n, n)：
// 小于 n（或设置了 MaxDuration）时用代表性采样，剩余部分为 holdout；
// 否则仅打乱，全部作为训练集，holdout 为空。
func (p *Preprocessor) GetTrainingData(ctx context.Context, opts Options) (*TrainingData, error) {
	corpus, err := p.Corpus(ctx)
	if err != nil {
		return nil, err
	}
	return p.Split(ctx, corpus, opts)
}

// Split 按 opts 切分已有语料
func (p *Preprocessor) Split(ctx context.Context, corpus *Corpus, opts Options) (*TrainingData, error) {
	n := len(corpus.Examples)
	fraction := opts.TrainingFraction
	if fraction <= 0 {
		fraction = core.DefaultTrainingFraction
	}
	limit := min(n, int(fraction*float64(n)))
	if opts.TargetSize > 0 {
		limit = min(limit, opts.TargetSize)
	}

	data := &TrainingData{Keys: corpus.Keys, Total: n}
	if limit < n || opts.MaxDuration > 0 {
		start := time.Now()
		training, holdout, err := curator.RepresentativeSample(ctx, corpus.Examples, limit, opts.Seed, p.Facets(corpus.Keys))
		if err != nil {
			return nil, err
		}
		data.Training, data.Holdout = training, holdout
		p.logger.Info().
			Int("training", len(training)).
			Int("holdout", len(holdout)).
			Dur("took", time.Since(start)).
			Msg("representative sample built")
		return data, nil
	}
	data.Training = curator.Shuffle(corpus.Examples, opts.Seed)
	return data, nil
}

// Facets 返回按编码布局提取主播/分类归属的函数。
// 编码中缺少对应的类别下标字段时，该维度不参与采样。
func (p *Preprocessor) Facets(keys feature.EncodingKeys) curator.FacetFunc[Example] {
	width := keys.Width()
	sOff, cOff := -1, -1
	for _, col := range keys.Columns() {
		if col.Kind != feature.CategoryIndex {
			continue
		}
		switch col.Field {
		case p.StreamerField:
			sOff = col.Offset
		case p.CategoryField:
			cOff = col.Offset
		}
	}
	points := p.Input == InputPoints

	return func(e Example) []curator.Membership {
		var out []curator.Membership
		add := func(facet curator.Facet, off int) {
			if off < 0 || off >= len(e.Features) {
				return
			}
			if points {
				out = append(out, curator.Membership{Facet: facet, ID: int(e.Features[off]), Positive: e.Label > 0})
				return
			}
			out = append(out, curator.Membership{Facet: facet, ID: int(e.Features[off]), Positive: true})
			if off+width < len(e.Features) {
				out = append(out, curator.Membership{Facet: facet, ID: int(e.Features[off+width]), Positive: false})
			}
		}
		add(curator.Streamer, sOff)
		add(curator.Category, cOff)
		return out
	}
}

func boolLabel(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
