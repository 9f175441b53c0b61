// Package rank 是对外的排序入口：先按 CEL 规则过滤候选，再交给学习模型或启发式策略打分。
//
// 学习模型经 loader.Ranker 访问（Host 或 Proxy）。模型不可用时退回配置的启发式策略，
// 每次学习模型调用都受 LearnedTimeout 约束，Host 迟迟不应答（例如 Proxy 还在等待 Host 上线）
// 也按不可用处理。调用方总能拿到一个完整排序；只有调用方自己的 ctx 结束才返回错误。
package rank

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rushteam/streamrank/config"
	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/loader"
	"github.com/rushteam/streamrank/model"
	"github.com/rushteam/streamrank/pkg/dsl"
	"github.com/rushteam/streamrank/pkg/logging"
	"github.com/rushteam/streamrank/pkg/metrics"
	"github.com/rushteam/streamrank/preprocess"
)

// Result 是一次排序的结果
type Result struct {
	// Strategy 是实际使用的策略名
	Strategy string              `json:"strategy" yaml:"strategy"`
	Streams  []core.ScoredStream `json:"streams" yaml:"streams"`
	// Filtered 是被过滤规则剔除的候选数
	Filtered int `json:"filtered" yaml:"filtered"`
}

// Options 配置 Service
type Options struct {
	// Strategy 是 config.StrategyLearned 或已注册的启发式策略名
	Strategy string
	// Fallback 是学习模型不可用时使用的启发式策略
	Fallback string
	Filter   *dsl.Rule
	Params   map[string]any
	// LearnedTimeout 是单次学习模型调用的上限，<=0 时使用 core.DefaultLearnedTimeout
	LearnedTimeout time.Duration
}

// Service 对候选直播排序
type Service struct {
	opts    Options
	learned loader.Ranker
	samples preprocess.SampleSource
	logger  zerolog.Logger
	now     func() time.Time

	// 并发请求共享同一次样本读取与启发式策略构建
	group singleflight.Group
}

// New 创建 Service。learned 为 nil 时只使用启发式策略；samples 为 nil 时启发式策略没有观看历史。
func New(learned loader.Ranker, samples preprocess.SampleSource, opts Options) (*Service, error) {
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyLearned
	}
	if err := config.ValidateStrategy(opts.Strategy); err != nil {
		return nil, err
	}
	if opts.Fallback == "" || opts.Fallback == config.StrategyLearned {
		return nil, core.NewDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput, "rank: fallback must be a heuristic strategy")
	}
	if err := config.ValidateStrategy(opts.Fallback); err != nil {
		return nil, err
	}
	if opts.LearnedTimeout <= 0 {
		opts.LearnedTimeout = core.DefaultLearnedTimeout
	}
	return &Service{
		opts:    opts,
		learned: learned,
		samples: samples,
		logger:  logging.Component("rank"),
		now:     time.Now,
	}, nil
}

// WithLogger 替换 logger
func (s *Service) WithLogger(l zerolog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock 替换时钟，TotemPole 的时间衰减依赖它
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Rank 过滤并排序候选直播
func (s *Service) Rank(ctx context.Context, streams []core.Stream) (*Result, error) {
	candidates, errs := s.opts.Filter.Filter(streams, s.opts.Params)
	for _, err := range errs {
		s.logger.Debug().Err(err).Msg("filter rule failed, stream dropped")
	}
	res := &Result{Filtered: len(streams) - len(candidates)}

	if s.opts.Strategy == config.StrategyLearned && s.learned != nil {
		lctx, cancel := context.WithTimeout(ctx, s.opts.LearnedTimeout)
		scored, err := s.learned.ScoreAndSortStreams(lctx, candidates)
		cancel()
		if err == nil {
			res.Strategy = config.StrategyLearned
			res.Streams = scored
			metrics.RankRequests.WithLabelValues(res.Strategy).Inc()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Str("fallback", s.opts.Fallback).Msg("learned ranker unavailable, falling back")
	}

	name := s.opts.Strategy
	if name == config.StrategyLearned {
		name = s.opts.Fallback
	}
	scorer, err := s.heuristic(ctx, name)
	if err != nil {
		return nil, err
	}
	res.Strategy = scorer.Name()
	res.Streams = scorer.ScoreAndSortStreams(candidates)
	metrics.RankRequests.WithLabelValues(res.Strategy).Inc()
	return res, nil
}

// heuristic 构建启发式策略。同名策略的并发请求共享一次样本读取，
// 共享的读取不随任何单个调用方取消，每个调用方只等待自己的 ctx。
func (s *Service) heuristic(ctx context.Context, name string) (model.Scorer, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(name, func() (any, error) {
		var samples []core.WatchSample
		if s.samples != nil {
			var err error
			samples, err = s.samples.Samples(shared)
			if err != nil {
				// 历史不可读时仍然给出排序，只是没有偏好
				s.logger.Warn().Err(err).Msg("read watch samples failed")
			}
		}
		return config.BuildScorer(name, config.ScorerEnv{
			Samples: samples,
			Now:     s.now(),
			Params:  s.opts.Params,
		})
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(model.Scorer), nil
	}
}
