package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/pkg/logging"
)

// DefaultTopic 是观看样本的消息主题
const DefaultTopic = "watch.samples"

// Collector 订阅观看样本主题，把每条消息解码为 WatchSample 后追加到 SampleStore。
// 无法解码的消息直接 Ack 丢弃；写入失败的消息 Nack，由 Subscriber 重投。
type Collector struct {
	sub     message.Subscriber
	topic   string
	samples *SampleStore
	logger  zerolog.Logger
}

// NewCollector 创建 Collector，topic 为空时使用 DefaultTopic
func NewCollector(sub message.Subscriber, topic string, samples *SampleStore) *Collector {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Collector{
		sub:     sub,
		topic:   topic,
		samples: samples,
		logger:  logging.Component("feed").With().Str("topic", topic).Logger(),
	}
}

// WithLogger 替换 logger
func (c *Collector) WithLogger(l zerolog.Logger) *Collector {
	c.logger = l
	return c
}

// Serve 消费消息直到 ctx 结束或订阅关闭
func (c *Collector) Serve(ctx context.Context) error {
	messages, err := c.sub.Subscribe(ctx, c.topic)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", c.topic, err)
	}
	c.logger.Info().Msg("collector started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("collector stopped")
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Collector) handle(ctx context.Context, msg *message.Message) {
	var sample core.WatchSample
	if err := json.Unmarshal(msg.Payload, &sample); err != nil {
		c.logger.Warn().Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable sample")
		msg.Ack()
		return
	}
	if sample.Time.IsZero() {
		sample.Time = time.Now()
	}
	if err := c.samples.Append(ctx, sample); err != nil {
		c.logger.Error().Err(err).Str("uuid", msg.UUID).Msg("append sample failed")
		msg.Nack()
		return
	}
	c.logger.Debug().
		Int("candidates", len(sample.Candidates)).
		Int("watched", len(sample.Watched)).
		Msg("sample collected")
	msg.Ack()
}

func (c *Collector) String() string { return "collector/" + c.topic }

// Publish 把样本发布到 topic，供上游的观看追踪方使用
func Publish(pub message.Publisher, topic string, samples ...core.WatchSample) error {
	if topic == "" {
		topic = DefaultTopic
	}
	msgs := make([]*message.Message, len(samples))
	for i, s := range samples {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("feed: encode sample: %w", err)
		}
		msgs[i] = message.NewMessage(watermill.NewUUID(), b)
	}
	if err := pub.Publish(topic, msgs...); err != nil {
		return fmt.Errorf("feed: publish %s: %w", topic, err)
	}
	return nil
}
