// Package trainer 周期性检查已保存模型是否过期，必要时重新训练并保存。
package trainer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/model"
	"github.com/rushteam/streamrank/pkg/logging"
	"github.com/rushteam/streamrank/pkg/metrics"
	"github.com/rushteam/streamrank/preprocess"
	"github.com/rushteam/streamrank/registry"
)

// Options 是训练器配置
type Options struct {
	Policy   Policy
	Interval time.Duration
	Split    preprocess.Options
	// Hyper 在没有已保存产物时使用；有产物时沿用产物的超参数
	Hyper model.HyperOptions
	// Budget 大于 0 时使用限时增量训练
	Budget    time.Duration
	ChunkSize int
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Policy:    DefaultPolicy(),
		Interval:  core.DefaultCheckInterval,
		Split:     preprocess.Options{TargetSize: core.DefaultTrainingSize, Seed: core.DefaultSeed},
		Hyper:     model.DefaultHyperOptions(),
		ChunkSize: core.DefaultChunkSize,
	}
}

// Result 是一次检查的结果
type Result struct {
	State      State
	Trained    bool
	Skipped    string // busy / small_corpus / fresh
	Evaluation model.Evaluation
	Dataset    core.DatasetSize
}

// Trainer 同一时刻只运行一次检查，重叠的检查直接丢弃。
type Trainer struct {
	pre    *preprocess.Preprocessor
	reg    *registry.Registry
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	running atomic.Bool
}

// New 创建 Trainer
func New(pre *preprocess.Preprocessor, reg *registry.Registry, opts Options) *Trainer {
	if opts.Interval <= 0 {
		opts.Interval = core.DefaultCheckInterval
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = core.DefaultChunkSize
	}
	return &Trainer{
		pre:    pre,
		reg:    reg,
		opts:   opts,
		now:    time.Now,
		logger: logging.Component("trainer").With().Str("model", reg.Name()).Logger(),
	}
}

// WithLogger 替换 logger
func (t *Trainer) WithLogger(l zerolog.Logger) *Trainer {
	t.logger = l
	return t
}

// Check 判断是否需要重训，需要时训练、评估并强制保存
func (t *Trainer) Check(ctx context.Context) (Result, error) {
	return t.run(ctx, false)
}

// Force 跳过新鲜度判断直接训练（语料仍需满足 MinCorpus）
func (t *Trainer) Force(ctx context.Context) (Result, error) {
	return t.run(ctx, true)
}

func (t *Trainer) run(ctx context.Context, force bool) (Result, error) {
	if !t.running.CompareAndSwap(false, true) {
		metrics.TrainingSkipped.WithLabelValues("busy").Inc()
		t.logger.Debug().Msg("check already running, skipped")
		return Result{Skipped: "busy"}, nil
	}
	defer t.running.Store(false)

	corpus, err := t.pre.Corpus(ctx)
	if err != nil {
		return Result{}, err
	}
	info, err := t.reg.SavedInfo(ctx)
	if err != nil {
		// 无法读取的产物按无模型处理，重训后会被覆盖
		t.logger.Warn().Err(err).Msg("read saved artifact failed")
		info = nil
	}

	size := len(corpus.Examples)
	state, train := Decide(info, size, corpus.Keys, t.now(), t.opts.Policy)
	res := Result{State: state}
	switch {
	case size < t.opts.Policy.MinCorpus:
		res.Skipped = "small_corpus"
		metrics.TrainingSkipped.WithLabelValues(res.Skipped).Inc()
		t.logger.Info().Int("corpus", size).Int("min", t.opts.Policy.MinCorpus).Msg("corpus too small, skipped")
		return res, nil
	case !train && !force:
		res.Skipped = "fresh"
		metrics.TrainingSkipped.WithLabelValues(res.Skipped).Inc()
		t.logger.Debug().Int("corpus", size).Msg("model is fresh")
		return res, nil
	}

	t.logger.Info().Str("state", state.String()).Int("corpus", size).Bool("forced", force).Msg("training")
	start := time.Now()
	ev, dataset, err := t.train(ctx, corpus, info)
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TrainingRuns.WithLabelValues(state.String(), "error").Inc()
		return res, err
	}
	metrics.TrainingRuns.WithLabelValues(state.String(), "ok").Inc()
	res.Trained, res.Evaluation, res.Dataset = true, ev, dataset
	return res, nil
}

func (t *Trainer) train(ctx context.Context, corpus *preprocess.Corpus, info *core.ArtifactInfo) (model.Evaluation, core.DatasetSize, error) {
	hyper := t.opts.Hyper
	if info != nil {
		if saved, err := model.UnmarshalHyper(info.HyperOptions); err == nil && saved.Validate() == nil {
			hyper = saved
		}
	}

	data, err := t.pre.Split(ctx, corpus, t.opts.Split)
	if err != nil {
		return model.Evaluation{}, core.DatasetSize{}, err
	}
	ranker, err := model.New(data.Keys, hyper, model.WithName(t.reg.Name()), model.WithSaver(t.reg))
	if err != nil {
		return model.Evaluation{}, core.DatasetSize{}, err
	}

	if t.opts.Budget > 0 {
		_, err = ranker.TrainIncremental(ctx, data.Training, t.opts.Budget, t.opts.ChunkSize)
	} else {
		_, err = ranker.Train(ctx, data.Training)
	}
	if err != nil {
		return model.Evaluation{}, core.DatasetSize{}, fmt.Errorf("trainer: train: %w", err)
	}

	holdout := data.Holdout
	if len(holdout) == 0 {
		holdout = data.Training
	}
	ev, err := ranker.Evaluate(ctx, holdout, model.EvalOptions{ForceSave: true, Total: data.Total})
	if err != nil {
		return ev, core.DatasetSize{}, fmt.Errorf("trainer: evaluate: %w", err)
	}
	return ev, ranker.DatasetSize(), nil
}

// Serve 按 Interval 周期调用 Check，启动时立即检查一次，阻塞到 ctx 结束。
func (t *Trainer) Serve(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", t.opts.Interval), func() { t.check(ctx) })
	if err != nil {
		return fmt.Errorf("trainer: schedule: %w", err)
	}
	c.Start()
	t.logger.Info().Dur("interval", t.opts.Interval).Msg("trainer started")

	go t.check(ctx)

	<-ctx.Done()
	stop := c.Stop()
	select {
	case <-stop.Done():
	case <-time.After(5 * time.Second):
		t.logger.Warn().Msg("stop timeout waiting for running check")
	}
	t.logger.Info().Msg("trainer stopped")
	return ctx.Err()
}

func (t *Trainer) check(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := t.Check(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("check failed")
		return
	}
	if res.Trained {
		t.logger.Info().
			Str("state", res.State.String()).
			Float64("loss", res.Evaluation.Loss).
			Float64("accuracy", res.Evaluation.Accuracy).
			Int("training", res.Dataset.Training).
			Int("total", res.Dataset.Total).
			Msg("model retrained")
	}
}

func (t *Trainer) String() string { return "trainer/" + t.reg.Name() }
