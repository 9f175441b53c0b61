package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/pkg/logging"
	"github.com/rushteam/streamrank/pkg/task"
	"github.com/rushteam/streamrank/preprocess"
)

// SearchSpace 列出每个超参数维度的候选值，为空的维度不参与变异
type SearchSpace struct {
	Hidden       [][]int        `yaml:"hidden"`
	Activation   []Activation   `yaml:"activation"`
	LearningRate []float64      `yaml:"learningRate"`
	BatchSize    []int          `yaml:"batchSize"`
	Epochs       []int          `yaml:"epochs"`
	Patience     []int          `yaml:"patience"`
	EmbeddingDim []EmbeddingDim `yaml:"embeddingDim"`
}

// DefaultSearchSpace 返回内置的搜索空间
func DefaultSearchSpace() SearchSpace {
	return SearchSpace{
		Hidden:       [][]int{{8}, {16}, {32}, {16, 8}, {32, 16}},
		Activation:   []Activation{ActivationReLU, ActivationELU, ActivationTanh, ActivationSigmoid},
		LearningRate: []float64{0.0003, 0.001, 0.003, 0.01},
		BatchSize:    []int{8, 16, 32, 64},
		Epochs:       []int{10, 20, 40},
		Patience:     []int{2, 3, 5},
		EmbeddingDim: []EmbeddingDim{
			{Strategy: DimSqrt, Param: 1},
			{Strategy: DimSqrt, Param: 2},
			{Strategy: DimLog2, Param: 1},
			{Strategy: DimFixed, Param: 4},
			{Strategy: DimFixed, Param: 8},
		},
	}
}

// LoadSearchSpace 从 YAML 文件读取搜索空间
func LoadSearchSpace(path string) (SearchSpace, error) {
	var space SearchSpace
	data, err := os.ReadFile(path)
	if err != nil {
		return space, fmt.Errorf("model: read search space: %w", err)
	}
	if err := yaml.Unmarshal(data, &space); err != nil {
		return space, fmt.Errorf("model: parse search space %s: %w", path, err)
	}
	return space, nil
}

// Mutate 随机选取一个非空维度，从候选值中随机替换
func (s SearchSpace) Mutate(base HyperOptions, rng *rand.Rand) HyperOptions {
	var mutators []func(*HyperOptions)
	if len(s.Hidden) > 0 {
		mutators = append(mutators, func(h *HyperOptions) {
			h.Hidden = append([]int(nil), s.Hidden[rng.Intn(len(s.Hidden))]...)
		})
	}
	if len(s.Activation) > 0 {
		mutators = append(mutators, func(h *HyperOptions) { h.Activation = s.Activation[rng.Intn(len(s.Activation))] })
	}
	if len(s.LearningRate) > 0 {
		mutators = append(mutators, func(h *HyperOptions) { h.LearningRate = s.LearningRate[rng.Intn(len(s.LearningRate))] })
	}
	if len(s.BatchSize) > 0 {
		mutators = append(mutators, func(h *HyperOptions) { h.BatchSize = s.BatchSize[rng.Intn(len(s.BatchSize))] })
	}
	if len(s.Epochs) > 0 {
		mutators = append(mutators, func(h *HyperOptions) { h.Epochs = s.Epochs[rng.Intn(len(s.Epochs))] })
	}
	if len(s.Patience) > 0 {
		mutators = append(mutators, func(h *HyperOptions) { h.Patience = s.Patience[rng.Intn(len(s.Patience))] })
	}
	if len(s.EmbeddingDim) > 0 {
		mutators = append(mutators, func(h *HyperOptions) { h.EmbeddingDim = s.EmbeddingDim[rng.Intn(len(s.EmbeddingDim))] })
	}
	next := base.Clone()
	if len(mutators) > 0 {
		mutators[rng.Intn(len(mutators))](&next)
	}
	return next
}

// SearchOptions 控制超参搜索
type SearchOptions struct {
	Attempts int
	Folds    int
	// SpeedPenalty 每慢一倍 loss 增加的比例
	SpeedPenalty float64
	// MaxDuration 单次交叉验证的时间上限
	MaxDuration time.Duration
	Seed        int64
}

// Candidate 是一次尝试的结果
type Candidate struct {
	Hyper    HyperOptions
	Loss     float64
	Adjusted float64
	Duration time.Duration
	Aborted  bool
}

// SearchResult 是搜索结果，Best 为按速度调整后 loss 最低的配置
type SearchResult struct {
	Best    Candidate
	Tried   []Candidate
	Skipped int
}

// maxMutateRetries 变异到未见过的配置前最多尝试的次数
const maxMutateRetries = 16

// Search 从 start 出发做局部随机搜索：每次对当前最优配置变异一个维度，
// 交叉验证后按 adjusted = loss * (1 + SpeedPenalty*max(0, log2(耗时/基线耗时))) 比较。
// 只在两次尝试之间检查 ctx。
func Search(ctx context.Context, keys feature.EncodingKeys, examples []preprocess.Example, start HyperOptions, space SearchSpace, opts SearchOptions) (SearchResult, error) {
	logger := logging.Component("search")
	rng := rand.New(rand.NewSource(opts.Seed))
	cp := task.NewCheckpointer(1)
	seen := map[string]bool{start.Key(): true}

	cv, err := CrossValidate(ctx, keys, examples, start, CVOptions{Folds: opts.Folds, MaxDuration: opts.MaxDuration})
	if err != nil {
		return SearchResult{}, err
	}
	baseline := cv.Duration
	best := Candidate{Hyper: start.Clone(), Loss: cv.Loss, Adjusted: cv.Loss, Duration: cv.Duration}
	res := SearchResult{Best: best, Tried: []Candidate{best}}
	logger.Info().Str("hyper", start.Key()).Float64("loss", cv.Loss).Dur("took", cv.Duration).Msg("baseline evaluated")

	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if err := cp.Yield(ctx); err != nil {
			return res, err
		}
		var cand HyperOptions
		fresh := false
		for try := 0; try < maxMutateRetries; try++ {
			cand = space.Mutate(res.Best.Hyper, rng)
			if !seen[cand.Key()] {
				fresh = true
				break
			}
		}
		if !fresh {
			res.Skipped++
			continue
		}
		seen[cand.Key()] = true
		if err := cand.Validate(); err != nil {
			res.Skipped++
			continue
		}

		cv, err := CrossValidate(ctx, keys, examples, cand, CVOptions{Folds: opts.Folds, Best: res.Best.Loss, MaxDuration: opts.MaxDuration})
		if err != nil {
			return res, err
		}
		c := Candidate{Hyper: cand, Loss: cv.Loss, Duration: cv.Duration, Aborted: cv.Aborted}
		c.Adjusted = adjustLoss(cv.Loss, cv.Duration, baseline, opts.SpeedPenalty)
		res.Tried = append(res.Tried, c)
		logger.Info().
			Int("attempt", attempt+1).
			Str("hyper", cand.Key()).
			Float64("loss", c.Loss).
			Float64("adjusted", c.Adjusted).
			Bool("aborted", c.Aborted).
			Msg("candidate evaluated")

		if !c.Aborted && c.Adjusted < res.Best.Adjusted {
			res.Best = c
		}
	}
	return res, nil
}

func adjustLoss(loss float64, took, baseline time.Duration, penalty float64) float64 {
	if penalty <= 0 || baseline <= 0 || took <= 0 {
		return loss
	}
	return loss * (1 + penalty*math.Max(0, math.Log2(float64(took)/float64(baseline))))
}
