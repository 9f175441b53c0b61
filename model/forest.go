package model

import (
	"math"
	"math/rand"
	"sort"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
)

// ForestOptions 是随机森林的训练参数
type ForestOptions struct {
	Trees    int
	MaxDepth int
	// MinLeaf 是叶子的最少样本数
	MinLeaf int
	Seed    int64
}

// DefaultForestOptions 返回默认参数
func DefaultForestOptions() ForestOptions {
	return ForestOptions{Trees: 50, MaxDepth: 8, MinLeaf: 2, Seed: core.DefaultSeed}
}

// ForestInstructions 是随机森林使用的逐路直播编码
func ForestInstructions() feature.Instructions {
	return feature.Instructions{
		"user_id":      feature.Field(feature.OneHot),
		"game_id":      feature.Field(feature.OneHot),
		"language":     feature.Field(feature.OneHot),
		"title":        feature.Field(feature.BagOfWords),
		"viewer_count": feature.Field(feature.Normalize),
		"is_mature":    feature.Field(feature.Boolean),
	}
}

// RandomForest 逐路直播预测被观看的概率：每个样本中的每路候选是一行，
// 被观看为 1，否则为 0。每棵树在有放回抽样的数据上生长，每次分裂随机取 sqrt(d) 个特征，
// 按平方误差选择切分点。分数为所有树的叶子均值的平均。没有历史时全部为 0.5。
type RandomForest struct {
	opts  ForestOptions
	keys  feature.EncodingKeys
	trees []*treeNode
}

type treeNode struct {
	feature     int
	threshold   float64
	left, right *treeNode
	value       float64
}

func (n *treeNode) predict(x []float64) float64 {
	for n.left != nil {
		if x[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.value
}

// NewRandomForest 在观看历史上训练随机森林，同样的历史与 Seed 得到同样的模型
func NewRandomForest(samples []core.WatchSample, opts ForestOptions) *RandomForest {
	def := DefaultForestOptions()
	if opts.Trees <= 0 {
		opts.Trees = def.Trees
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.MinLeaf <= 0 {
		opts.MinLeaf = def.MinLeaf
	}
	f := &RandomForest{opts: opts}

	var entries []feature.Entry
	var ys []float64
	for _, sample := range samples {
		for _, s := range sample.Candidates {
			entries = append(entries, s.Entry())
			ys = append(ys, boolScore(sample.IsWatched(s)))
		}
	}
	if len(entries) == 0 {
		return f
	}
	keys, err := feature.BuildEncoding(entries, ForestInstructions())
	if err != nil {
		return f
	}
	f.keys = keys

	xs := make([][]float64, len(entries))
	for i, e := range entries {
		xs[i] = feature.EncodeEntry(e, keys, nil)
	}
	width := keys.Width()
	if width == 0 {
		return f
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	g := &grower{xs: xs, ys: ys, opts: opts, rng: rng, width: width}
	g.tries = max(1, int(math.Sqrt(float64(width))))
	for range opts.Trees {
		rows := make([]int, len(xs))
		for i := range rows {
			rows[i] = rng.Intn(len(xs))
		}
		f.trees = append(f.trees, g.grow(rows, 0))
	}
	return f
}

func (f *RandomForest) Name() string { return "random-forest" }

// Size 返回树的数量
func (f *RandomForest) Size() int { return len(f.trees) }

// Predict 返回单路直播被观看的概率
func (f *RandomForest) Predict(s core.Stream) float64 {
	if len(f.trees) == 0 {
		return core.NeutralScore
	}
	x := feature.EncodeEntry(s.Entry(), f.keys, nil)
	sum := 0.0
	for _, t := range f.trees {
		sum += t.predict(x)
	}
	return sum / float64(len(f.trees))
}

func (f *RandomForest) ScoreAndSortStreams(streams []core.Stream) []core.ScoredStream {
	return scoreBy(streams, f.Predict)
}

type grower struct {
	xs    [][]float64
	ys    []float64
	opts  ForestOptions
	rng   *rand.Rand
	width int
	tries int
}

func (g *grower) grow(rows []int, depth int) *treeNode {
	sum := 0.0
	for _, r := range rows {
		sum += g.ys[r]
	}
	leaf := &treeNode{value: sum / float64(len(rows))}
	if depth >= g.opts.MaxDepth || len(rows) < 2*g.opts.MinLeaf || sum == 0 || sum == float64(len(rows)) {
		return leaf
	}

	parent := sse(sum, float64(len(rows)))
	best, bestFeature, bestThreshold := parent, -1, 0.0
	sorted := make([]int, len(rows))
	for _, feat := range g.rng.Perm(g.width)[:g.tries] {
		copy(sorted, rows)
		sort.SliceStable(sorted, func(i, j int) bool { return g.xs[sorted[i]][feat] < g.xs[sorted[j]][feat] })

		left := 0.0
		for i := 1; i < len(sorted); i++ {
			left += g.ys[sorted[i-1]]
			lo, hi := g.xs[sorted[i-1]][feat], g.xs[sorted[i]][feat]
			if lo == hi || i < g.opts.MinLeaf || len(sorted)-i < g.opts.MinLeaf {
				continue
			}
			cost := sse(left, float64(i)) + sse(sum-left, float64(len(sorted)-i))
			if cost < best {
				best, bestFeature, bestThreshold = cost, feat, (lo+hi)/2
			}
		}
	}
	if bestFeature < 0 {
		return leaf
	}

	var l, r []int
	for _, row := range rows {
		if g.xs[row][bestFeature] <= bestThreshold {
			l = append(l, row)
		} else {
			r = append(r, row)
		}
	}
	leaf.feature = bestFeature
	leaf.threshold = bestThreshold
	leaf.left = g.grow(l, depth+1)
	leaf.right = g.grow(r, depth+1)
	return leaf
}

// sse 是 0/1 标签的平方误差和：sum - sum^2/n
func sse(sum, n float64) float64 {
	return sum - sum*sum/n
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
