// Package notify 决定哪些新开播的直播值得推送通知。
//
// 规则：只考虑相对上一次快照新出现、且通过可选 CEL 规则的直播；
// 当前没有在看的直播时全部推送；否则用模型比较新直播与当前最喜欢的在看直播，
// 偏好概率超过 RelativeQualityMinimum 才推送。通知的投递由外部的 Notifier 负责。
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/loader"
	"github.com/rushteam/streamrank/pkg/dsl"
	"github.com/rushteam/streamrank/pkg/logging"
)

// DefaultRelativeQualityMinimum 是推送所需的最小偏好概率
const DefaultRelativeQualityMinimum = 0.5

// Notifier 投递通知，由外部实现
type Notifier interface {
	Notify(ctx context.Context, streams []core.Stream) error
}

// NotifierFunc 把函数适配为 Notifier
type NotifierFunc func(ctx context.Context, streams []core.Stream) error

func (f NotifierFunc) Notify(ctx context.Context, streams []core.Stream) error { return f(ctx, streams) }

// Policy 是推送策略
type Policy struct {
	RelativeQualityMinimum float64
	Rule                   *dsl.Rule
	Params                 map[string]any
	// Timeout 是单次模型调用的上限，超时按模型不可用处理
	Timeout time.Duration

	logger zerolog.Logger
}

// NewPolicy 创建策略，minimum 取值 [0, 1]，rule 为空表示不过滤
func NewPolicy(minimum float64, rule string) (*Policy, error) {
	if minimum < 0 || minimum > 1 {
		return nil, core.NewDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput,
			fmt.Sprintf("notify: relative quality minimum %v out of [0, 1]", minimum))
	}
	compiled, err := dsl.Compile(rule)
	if err != nil {
		return nil, err
	}
	return &Policy{
		RelativeQualityMinimum: minimum,
		Rule:                   compiled,
		Timeout:                core.DefaultLearnedTimeout,
		logger:                 logging.Component("notify"),
	}, nil
}

// WithLogger 替换 logger
func (p *Policy) WithLogger(l zerolog.Logger) *Policy {
	p.logger = l
	return p
}

// Select 返回应推送的直播。
//
// ranker 为 nil 或不可用（例如尚无模型）时按中性分 0.5 处理，
// 默认阈值下此时只有在没有在看直播的情况下才会推送。
func (p *Policy) Select(ctx context.Context, ranker loader.Ranker, previous, current []core.Stream, watched map[string]bool) ([]core.Stream, error) {
	seen := make(map[string]bool, len(previous))
	for _, s := range previous {
		seen[s.ID] = true
	}
	var fresh, watching []core.Stream
	for _, s := range current {
		if watched[s.StreamerID] {
			watching = append(watching, s)
			continue
		}
		if !seen[s.ID] {
			fresh = append(fresh, s)
		}
	}

	fresh, errs := p.Rule.Filter(fresh, p.Params)
	for _, err := range errs {
		p.logger.Warn().Err(err).Msg("rule evaluation failed")
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if len(watching) == 0 {
		return fresh, nil
	}

	best := watching[0]
	if len(watching) > 1 && ranker != nil {
		ranked, err := p.rank(ctx, ranker, watching)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn().Err(err).Msg("ranker unavailable, using first watched stream")
		} else if len(ranked) > 0 {
			best = ranked[0].Stream
		}
	}

	var out []core.Stream
	for _, s := range fresh {
		prob, err := p.predict(ctx, ranker, s, best)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn().Err(err).Str("stream", s.ID).Msg("ranker unavailable, using neutral score")
			prob = core.NeutralScore
		}
		p.logger.Debug().
			Str("stream", s.ID).
			Str("best", best.ID).
			Float64("preference", prob).
			Msg("candidate compared")
		if prob > p.RelativeQualityMinimum {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *Policy) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}

func (p *Policy) rank(ctx context.Context, ranker loader.Ranker, streams []core.Stream) ([]core.ScoredStream, error) {
	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	return ranker.ScoreAndSortStreams(cctx, streams)
}

func (p *Policy) predict(ctx context.Context, ranker loader.Ranker, a, b core.Stream) (float64, error) {
	if ranker == nil {
		return 0, loader.ErrNoModel
	}
	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	return ranker.PredictPair(cctx, a, b)
}

// Dispatch 选出应推送的直播并交给 notifier，返回推送数量
func (p *Policy) Dispatch(ctx context.Context, ranker loader.Ranker, notifier Notifier, previous, current []core.Stream, watched map[string]bool) (int, error) {
	selected, err := p.Select(ctx, ranker, previous, current, watched)
	if err != nil {
		return 0, err
	}
	if len(selected) == 0 {
		return 0, nil
	}
	if err := notifier.Notify(ctx, selected); err != nil {
		return 0, fmt.Errorf("notify: deliver: %w", err)
	}
	p.logger.Info().Int("streams", len(selected)).Msg("notifications sent")
	return len(selected), nil
}
