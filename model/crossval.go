package model

import (
	"context"
	"math"
	"time"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/pkg/logging"
	"github.com/rushteam/streamrank/pkg/task"
	"github.com/rushteam/streamrank/preprocess"
)

// DefaultFolds 是交叉验证的默认折数
const DefaultFolds = 5

// firstFoldSlack 第一折 loss 超过 Best 的这个倍数时直接放弃
const firstFoldSlack = 1.5

// CVOptions 控制交叉验证
type CVOptions struct {
	Folds int
	// Best 是当前已知最优 loss，0 表示没有，不做提前放弃
	Best float64
	// MaxDuration 超时后放弃，0 表示不限
	MaxDuration time.Duration
}

// CVResult 是交叉验证结果
type CVResult struct {
	Loss     float64 // 已完成折的平均 loss
	Folds    int     // 已完成折数
	Aborted  bool
	Duration time.Duration
}

// foldPoint 记录第 k 折结束时的累计耗时与平均 loss
type foldPoint struct {
	elapsed float64
	mean    float64
}

// CrossValidate 做 k 折交叉验证：每折 chunk = floor(n/k)，第 i 折以 [i*chunk, (i+1)*chunk) 为验证集。
//
// 每折结束后用最小二乘拟合平均 loss 随耗时的变化，外推到全部折完成时；
// 外推值与当前平均都不可能低于 Best 时放弃，第一折超过 1.5*Best 也放弃。
// 只在折与折之间检查 ctx。
func CrossValidate(ctx context.Context, keys feature.EncodingKeys, examples []preprocess.Example, hyper HyperOptions, opts CVOptions) (CVResult, error) {
	k := opts.Folds
	if k <= 0 {
		k = DefaultFolds
	}
	chunk := len(examples) / k
	if k < 2 || chunk == 0 {
		return CVResult{}, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "model: not enough examples for cross validation")
	}

	start := time.Now()
	cp := task.NewCheckpointer(1)
	var res CVResult
	var sum float64
	var points []foldPoint
	for i := 0; i < k; i++ {
		if err := cp.Yield(ctx); err != nil {
			return res, err
		}
		validation := examples[i*chunk : (i+1)*chunk]
		training := make([]preprocess.Example, 0, len(examples)-chunk)
		training = append(training, examples[:i*chunk]...)
		training = append(training, examples[(i+1)*chunk:]...)

		r, err := New(keys, hyper, WithName("crossval"), WithLogger(logging.Nop()))
		if err != nil {
			return res, err
		}
		if _, err := r.Train(ctx, training); err != nil {
			return res, err
		}
		ev, err := r.Evaluate(ctx, validation, EvalOptions{})
		if err != nil {
			return res, err
		}

		sum += ev.Loss
		res.Folds = i + 1
		res.Loss = sum / float64(res.Folds)
		res.Duration = time.Since(start)
		points = append(points, foldPoint{elapsed: res.Duration.Seconds(), mean: res.Loss})

		if res.Folds == k {
			break
		}
		if opts.MaxDuration > 0 && res.Duration > opts.MaxDuration {
			res.Aborted = true
			break
		}
		if opts.Best > 0 && hopeless(points, k, res.Loss, opts.Best) {
			res.Aborted = true
			break
		}
	}
	return res, nil
}

// hopeless 判断剩余折数是否还有机会把平均 loss 拉到 best 以下
func hopeless(points []foldPoint, folds int, mean, best float64) bool {
	if len(points) == 1 {
		return mean > firstFoldSlack*best
	}
	projected := project(points, folds)
	return projected > best && mean > best
}

// project 用最小二乘拟合 mean = a + b*elapsed，外推到按平均每折耗时完成全部折的时刻
func project(points []foldPoint, folds int) float64 {
	n := float64(len(points))
	var sx, sy, sxx, sxy float64
	for _, p := range points {
		sx += p.elapsed
		sy += p.mean
		sxx += p.elapsed * p.elapsed
		sxy += p.elapsed * p.mean
	}
	last := points[len(points)-1]
	den := n*sxx - sx*sx
	if den == 0 || math.IsNaN(den) {
		return last.mean
	}
	b := (n*sxy - sx*sy) / den
	a := (sy - b*sx) / n
	end := last.elapsed / n * float64(folds)
	return a + b*end
}
