package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rushteam/streamrank/pkg/logging"
)

// DefaultSubjectPrefix 是 NATS subject 前缀
const DefaultSubjectPrefix = "streamrank.model"

// NATSOptions 配置 NATSTransport
type NATSOptions struct {
	// Prefix 是 subject 前缀，EXEC 走 <prefix>.exec，PING 走 <prefix>.ping
	Prefix string
	// Timeout 是 PING 的超时，也是调用方 ctx 没有 deadline 时 EXEC 的超时
	Timeout time.Duration
	// FailureThreshold 连续失败多少次后断路器打开
	FailureThreshold uint32
	// OpenTimeout 断路器打开后多久进入半开
	OpenTimeout time.Duration
}

// DefaultNATSOptions 返回默认配置
func DefaultNATSOptions() NATSOptions {
	return NATSOptions{
		Prefix:           DefaultSubjectPrefix,
		Timeout:          2 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      10 * time.Second,
	}
}

// NATSTransport 通过 NATS request/reply 在进程间传递请求。
// EXEC 请求经过断路器，Host 持续不可用时快速失败；PING 不经过断路器。
type NATSTransport struct {
	conn    *nats.Conn
	opts    NATSOptions
	breaker *gobreaker.CircuitBreaker[*nats.Msg]
	logger  zerolog.Logger
}

// NewNATSTransport 基于已建立的连接创建 Transport
func NewNATSTransport(conn *nats.Conn, opts NATSOptions) *NATSTransport {
	def := DefaultNATSOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = def.OpenTimeout
	}
	t := &NATSTransport{
		conn:   conn,
		opts:   opts,
		logger: logging.Component("loader.nats"),
	}
	t.breaker = gobreaker.NewCircuitBreaker[*nats.Msg](gobreaker.Settings{
		Name:    opts.Prefix + ".exec",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// 调用方自己放弃的请求不算 Host 故障
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return t
}

func (t *NATSTransport) execSubject() string { return t.opts.Prefix + ".exec" }
func (t *NATSTransport) pingSubject() string { return t.opts.Prefix + ".ping" }

func (t *NATSTransport) Request(ctx context.Context, msg Message) (Reply, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Reply{}, fmt.Errorf("loader: encode message: %w", err)
	}
	// 未加载模型的 Host 不应答 PING，PING 总是使用 Timeout，避免一次探测占满调用方的 deadline
	if _, ok := ctx.Deadline(); !ok || msg.Type == TypePing {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	var resp *nats.Msg
	if msg.Type == TypePing {
		resp, err = t.conn.RequestWithContext(ctx, t.pingSubject(), data)
	} else {
		resp, err = t.breaker.Execute(func() (*nats.Msg, error) {
			return t.conn.RequestWithContext(ctx, t.execSubject(), data)
		})
	}
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return Reply{}, ErrNoResponders
		}
		return Reply{}, fmt.Errorf("loader: nats request %s: %w", msg.Type, err)
	}

	var r Reply
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return Reply{}, fmt.Errorf("loader: decode reply: %w", err)
	}
	return r, nil
}

// Serve 订阅 EXEC 与 PING subject。不应答的请求由请求方超时处理。
func (t *NATSTransport) Serve(ctx context.Context, h Handler) error {
	handle := func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			t.logger.Warn().Err(err).Str("subject", m.Subject).Msg("dropping undecodable message")
			return
		}
		r, ok := h(ctx, msg)
		if !ok {
			return
		}
		b, err := json.Marshal(r)
		if err != nil {
			b, _ = json.Marshal(errorReply(msg.ID, err))
		}
		if err := m.Respond(b); err != nil {
			t.logger.Error().Err(err).Str("id", msg.ID).Msg("respond failed")
		}
	}

	var subs []*nats.Subscription
	for _, subject := range []string{t.execSubject(), t.pingSubject()} {
		sub, err := t.conn.Subscribe(subject, handle)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("loader: subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	if err := t.conn.Flush(); err != nil {
		t.logger.Warn().Err(err).Msg("flush after subscribe failed")
	}

	<-ctx.Done()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

var _ Transport = (*NATSTransport)(nil)
