package loader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/pkg/logging"
)

// Proxy 在其他上下文中代替 Host：每次调用都变成一次 EXEC 往返。
//
// 第一次调用前 Proxy 会反复 PING（指数退避，不设总时长上限），
// 直到某个 Host 确认已加载模型。Host 始终不出现时调用会一直阻塞，
// 调用方需要通过 ctx 自行设置超时。
type Proxy struct {
	name      string
	transport Transport
	ready     atomic.Bool
	logger    zerolog.Logger

	initialInterval time.Duration
	maxInterval     time.Duration
}

// ProxyOption 配置 Proxy
type ProxyOption func(*Proxy)

// WithPingInterval 设置 PING 退避的初始与最大间隔
func WithPingInterval(initial, max time.Duration) ProxyOption {
	return func(p *Proxy) {
		p.initialInterval = initial
		p.maxInterval = max
	}
}

// WithProxyLogger 设置 logger
func WithProxyLogger(l zerolog.Logger) ProxyOption {
	return func(p *Proxy) { p.logger = l }
}

// NewProxy 创建指向模型名 name 的 Proxy
func NewProxy(name string, transport Transport, opts ...ProxyOption) *Proxy {
	if name == "" {
		name = core.DefaultModelName
	}
	p := &Proxy{
		name:            name,
		transport:       transport,
		logger:          logging.Component("proxy").With().Str("model", name).Logger(),
		initialInterval: 50 * time.Millisecond,
		maxInterval:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 返回模型名
func (p *Proxy) Name() string { return p.name }

// Ready 报告是否已经确认过 Host 在线
func (p *Proxy) Ready() bool { return p.ready.Load() }

// WaitForHost 阻塞直到有 Host 应答 PING，或 ctx 结束
func (p *Proxy) WaitForHost(ctx context.Context) error {
	if p.ready.Load() {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval
	b.MaxInterval = p.maxInterval
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		r, err := p.transport.Request(ctx, NewPing())
		if err != nil {
			return err
		}
		var pong string
		if err := r.Decode(&pong); err != nil {
			return err
		}
		if pong != Pong {
			return fmt.Errorf("loader: unexpected ping reply %q", pong)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		p.logger.Debug().Err(err).Int("attempt", attempts).Dur("retry_in", next).Msg("waiting for host")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}
	p.ready.Store(true)
	p.logger.Debug().Int("attempts", attempts).Msg("host is live")
	return nil
}

// invoke 把一次成员调用转发给 Host，结果解码到 result
func (p *Proxy) invoke(ctx context.Context, key string, result any, args ...any) error {
	if err := p.WaitForHost(ctx); err != nil {
		return err
	}
	msg, err := NewExec(p.name, key, args...)
	if err != nil {
		return err
	}
	r, err := p.transport.Request(ctx, msg)
	if err != nil {
		return fmt.Errorf("loader: %s: %w", key, err)
	}
	return r.Decode(result)
}

func (p *Proxy) ScoreAndSortStreams(ctx context.Context, streams []core.Stream) ([]core.ScoredStream, error) {
	var out []core.ScoredStream
	if streams == nil {
		streams = []core.Stream{}
	}
	err := p.invoke(ctx, KeyScoreAndSortStreams, &out, streams)
	return out, err
}

func (p *Proxy) PredictPair(ctx context.Context, a, b core.Stream) (float64, error) {
	var out float64
	err := p.invoke(ctx, KeyPredictPair, &out, a, b)
	return out, err
}

func (p *Proxy) EmbeddingMeanInputs(ctx context.Context) (feature.MeanInputs, error) {
	var out feature.MeanInputs
	err := p.invoke(ctx, KeyEmbeddingMeanInputs, &out)
	return out, err
}

func (p *Proxy) Encoding(ctx context.Context) (feature.EncodingKeys, error) {
	var out feature.EncodingKeys
	err := p.invoke(ctx, KeyEncoding, &out)
	return out, err
}

func (p *Proxy) DatasetSize(ctx context.Context) (core.DatasetSize, error) {
	var out core.DatasetSize
	err := p.invoke(ctx, KeyDatasetSize, &out)
	return out, err
}

var _ Ranker = (*Proxy)(nil)
