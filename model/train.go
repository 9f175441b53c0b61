package model

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/pkg/task"
	"github.com/rushteam/streamrank/preprocess"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
	// 防止 log(0)
	probEpsilon = 1e-7
)

// adam 优化器状态，与 params() 的顺序一一对应
type adam struct {
	lr   float64
	t    int
	m, v [][]float64
}

func newAdam(lr float64, params [][]float64) *adam {
	a := &adam{lr: lr, m: make([][]float64, len(params)), v: make([][]float64, len(params))}
	for i, p := range params {
		a.m[i] = make([]float64, len(p))
		a.v[i] = make([]float64, len(p))
	}
	return a
}

func (a *adam) step(params, grads [][]float64) {
	a.t++
	c1 := 1 - math.Pow(adamBeta1, float64(a.t))
	c2 := 1 - math.Pow(adamBeta2, float64(a.t))
	for i, p := range params {
		g, m, v := grads[i], a.m[i], a.v[i]
		for k := range p {
			m[k] = adamBeta1*m[k] + (1-adamBeta1)*g[k]
			v[k] = adamBeta2*v[k] + (1-adamBeta2)*g[k]*g[k]
			p[k] -= a.lr * (m[k] / c1) / (math.Sqrt(v[k]/c2) + adamEpsilon)
		}
	}
}

// params 返回全部可训练参数：先 embedding，后各层 W、B
func (r *Ranker) params() [][]float64 {
	out := make([][]float64, 0, len(r.embeds)+2*len(r.layers))
	for _, e := range r.embeds {
		out = append(out, e.Values)
	}
	for _, l := range r.layers {
		out = append(out, l.W, l.B)
	}
	return out
}

func zerosLike(params [][]float64) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = make([]float64, len(p))
	}
	return out
}

func resetGrads(grads [][]float64) {
	for _, g := range grads {
		clear(g)
	}
}

// bce 是单条样本的二元交叉熵
func bce(p, y float64) float64 {
	p = math.Min(math.Max(p, probEpsilon), 1-probEpsilon)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

// backwardTower 把塔输出端的梯度 ds 反传并累加到 grads
func (r *Ranker) backwardTower(t *towerTrace, ds float64, grads [][]float64) {
	base := len(r.embeds)
	dy := []float64{ds}
	for i := len(r.layers) - 1; i >= 0; i-- {
		gW, gB := grads[base+2*i], grads[base+2*i+1]
		dy = r.layers[i].backward(t.xs[i], t.zs[i], t.ys[i], dy, gW, gB)
	}
	// dy 此时是塔输入的梯度，按列布局回填 embedding 行
	off, e := 0, 0
	for _, col := range r.cols {
		if col.Kind != feature.CategoryIndex {
			off += col.Width
			continue
		}
		emb := r.embeds[e]
		if row := t.rows[e]; row >= 0 {
			g := grads[e][row*emb.Dim : (row+1)*emb.Dim]
			for d := 0; d < emb.Dim; d++ {
				g[d] += dy[off+d]
			}
		}
		off += emb.Dim
		e++
	}
}

// accumulate 计算一条样本的前向与加权梯度，返回加权前的 loss
func (r *Ranker) accumulate(ex preprocess.Example, grads [][]float64) float64 {
	w := ex.Weight
	if w == 0 {
		w = 1
	}
	if r.isPair(ex.Features) {
		a, ta := r.tower(ex.Features[:r.width], true)
		b, tb := r.tower(ex.Features[r.width:], true)
		p := sigmoid(a - b)
		d := w * (p - ex.Label)
		r.backwardTower(ta, d, grads)
		r.backwardTower(tb, -d, grads)
		return bce(p, ex.Label)
	}
	s, ts := r.tower(ex.Features, true)
	p := sigmoid(s)
	r.backwardTower(ts, w*(p-ex.Label), grads)
	return bce(p, ex.Label)
}

// TrainResult 是一次训练的摘要
type TrainResult struct {
	Epochs   int
	Loss     float64 // 最后一个 epoch 的加权平均训练 loss
	Stopped  bool    // 是否因 early stopping 提前结束
	Duration time.Duration
}

// trainState 跨 chunk 保存训练进度
type trainState struct {
	rng    *rand.Rand
	params [][]float64
	grads  [][]float64
}

func (r *Ranker) newTrainState() *trainState {
	params := r.params()
	if r.opt == nil {
		r.opt = newAdam(r.hyper.LearningRate, params)
	}
	return &trainState{
		rng:    rand.New(rand.NewSource(r.hyper.Seed)),
		params: params,
		grads:  zerosLike(params),
	}
}

// epoch 对 examples 打乱后按 BatchSize 做一遍 mini-batch 更新，返回加权平均 loss
func (r *Ranker) epoch(ctx context.Context, st *trainState, examples []preprocess.Example, cp *task.Checkpointer) (float64, error) {
	order := st.rng.Perm(len(examples))
	var lossSum, weightSum float64
	for start := 0; start < len(order); start += r.hyper.BatchSize {
		if err := cp.Checkpoint(ctx); err != nil {
			return 0, err
		}
		end := min(start+r.hyper.BatchSize, len(order))
		resetGrads(st.grads)
		for _, i := range order[start:end] {
			ex := examples[i]
			w := ex.Weight
			if w == 0 {
				w = 1
			}
			lossSum += w * r.accumulate(ex, st.grads)
			weightSum += w
		}
		n := float64(end - start)
		for _, g := range st.grads {
			for k := range g {
				g[k] /= n
			}
		}
		r.opt.step(st.params, st.grads)
	}
	if weightSum == 0 {
		return 0, nil
	}
	return lossSum / weightSum, nil
}

// Train 训练 Epochs 轮；训练 loss 连续 Patience 轮改善不足 MinDelta 时提前停止。
// ctx 在每个 batch 与每轮之间检查。
func (r *Ranker) Train(ctx context.Context, examples []preprocess.Example) (TrainResult, error) {
	if len(examples) == 0 {
		return TrainResult{}, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "model: no training examples")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	st := r.newTrainState()
	cp := task.NewCheckpointer(0)
	res := TrainResult{}
	best, wait := math.Inf(1), 0
	for ep := 0; ep < r.hyper.Epochs; ep++ {
		loss, err := r.epoch(ctx, st, examples, cp)
		if err != nil {
			return res, err
		}
		res.Epochs, res.Loss = ep+1, loss
		r.logger.Debug().Int("epoch", ep+1).Float64("loss", loss).Msg("epoch done")

		if loss < best-r.hyper.MinDelta {
			best, wait = loss, 0
		} else if wait++; r.hyper.Patience > 0 && wait >= r.hyper.Patience {
			res.Stopped = true
			break
		}
		if err := cp.Yield(ctx); err != nil {
			return res, err
		}
	}
	r.dataset.Training = len(examples)
	res.Duration = time.Since(start)
	r.logger.Info().
		Int("examples", len(examples)).
		Int("epochs", res.Epochs).
		Float64("loss", res.Loss).
		Bool("early_stop", res.Stopped).
		Dur("took", res.Duration).
		Msg("training finished")
	return res, nil
}

// TrainIncremental 把 examples 切成 chunkSize 大小的块，按块循环各训练一遍，
// 直到 budget 用完或累计完成 Epochs 轮对应的块数。budget <= 0 表示不限时。
// 块之间检查 ctx 并让出调度。
func (r *Ranker) TrainIncremental(ctx context.Context, examples []preprocess.Example, budget time.Duration, chunkSize int) (TrainResult, error) {
	if len(examples) == 0 {
		return TrainResult{}, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "model: no training examples")
	}
	if chunkSize <= 0 {
		chunkSize = core.DefaultChunkSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	st := r.newTrainState()
	cp := task.NewCheckpointer(0)
	if budget > 0 {
		cp = cp.WithBudget(start, budget)
	}

	var chunks [][]preprocess.Example
	for i := 0; i < len(examples); i += chunkSize {
		chunks = append(chunks, examples[i:min(i+chunkSize, len(examples))])
	}
	total := r.hyper.Epochs * len(chunks)

	res := TrainResult{}
	done := 0
	for done < total {
		loss, err := r.epoch(ctx, st, chunks[done%len(chunks)], cp)
		if err != nil {
			return res, err
		}
		done++
		res.Loss = loss
		if err := cp.Yield(ctx); err != nil {
			return res, err
		}
		if cp.Expired(time.Now()) {
			res.Stopped = true
			break
		}
	}
	res.Epochs = done / len(chunks)
	r.dataset.Training = len(examples)
	res.Duration = time.Since(start)
	r.logger.Info().
		Int("examples", len(examples)).
		Int("chunks", done).
		Float64("loss", res.Loss).
		Bool("budget_exhausted", res.Stopped).
		Dur("took", res.Duration).
		Msg("incremental training finished")
	return res, nil
}
