package model

import (
	"context"
	"math"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/pkg/metrics"
	"github.com/rushteam/streamrank/preprocess"
)

// EvalOptions 控制评估后的保存行为
type EvalOptions struct {
	// AutoSave 评估后交给仓库按 loss 决定是否保存
	AutoSave bool
	// ForceSave 无论 loss 是否更优都保存
	ForceSave bool
	// Total 去重后的语料规模，写入产物的 datasetSize.total
	Total int
}

// Evaluation 是 holdout 上的评估结果
type Evaluation struct {
	Loss     float64 // 加权平均 BCE
	Accuracy float64
	MAE      float64
	MSE      float64
	Saved    bool
}

// Evaluate 在 holdout 上评估；holdout 为空返回 INVALID_INPUT
func (r *Ranker) Evaluate(ctx context.Context, holdout []preprocess.Example, opts EvalOptions) (Evaluation, error) {
	if len(holdout) == 0 {
		return Evaluation{}, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "model: empty holdout")
	}
	xs := make([][]float64, len(holdout))
	for i, ex := range holdout {
		xs[i] = ex.Features
	}
	preds := r.Predict(xs)

	var ev Evaluation
	var lossSum, weightSum float64
	correct := 0
	for i, ex := range holdout {
		p, y := preds[i], ex.Label
		w := ex.Weight
		if w == 0 {
			w = 1
		}
		lossSum += w * bce(p, y)
		weightSum += w
		if (p > 0.5) == (y > 0.5) {
			correct++
		}
		ev.MAE += math.Abs(p - y)
		ev.MSE += (p - y) * (p - y)
	}
	n := float64(len(holdout))
	ev.Loss = lossSum / weightSum
	ev.Accuracy = float64(correct) / n
	ev.MAE /= n
	ev.MSE /= n
	metrics.ModelLoss.WithLabelValues(r.name).Set(ev.Loss)

	log := r.logger.Info().
		Int("holdout", len(holdout)).
		Float64("loss", ev.Loss).
		Float64("accuracy", ev.Accuracy)

	if opts.AutoSave || opts.ForceSave {
		saved, err := r.save(ctx, ev.Loss, opts.Total, opts.ForceSave)
		if err != nil {
			metrics.ArtifactSaves.WithLabelValues(r.name, "error").Inc()
			return ev, err
		}
		ev.Saved = saved
		result := "skipped"
		if saved {
			result = "saved"
		}
		metrics.ArtifactSaves.WithLabelValues(r.name, result).Inc()
		log = log.Bool("saved", saved)
	}
	log.Msg("evaluation finished")
	return ev, nil
}
