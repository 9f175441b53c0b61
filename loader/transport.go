package loader

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
)

// Handler 处理一条请求。返回 false 表示不应答（例如 PING 时尚未加载模型，或模型名不匹配）。
type Handler func(ctx context.Context, msg Message) (Reply, bool)

// Transport 是 Proxy 与 Host 之间的异步请求/应答通道。
//
// 同一个 Transport 上可以挂多个 Host（不同模型名），请求广播给所有 Host，
// 取第一个应答。两个并发请求的完成顺序没有保证。
type Transport interface {
	// Request 发送请求并等待第一个应答；没有任何 Host 应答时返回 ErrNoResponders
	Request(ctx context.Context, msg Message) (Reply, error)

	// Serve 以 h 处理请求，阻塞到 ctx 结束
	Serve(ctx context.Context, h Handler) error
}

// ChanTransport 是进程内的 Transport。
// 请求与应答都经过 JSON 编解码，两端不共享任何内存。
type ChanTransport struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

// NewChanTransport 创建进程内 Transport
func NewChanTransport() *ChanTransport {
	return &ChanTransport{handlers: make(map[int]Handler)}
}

func (t *ChanTransport) Serve(ctx context.Context, h Handler) error {
	t.mu.Lock()
	id := t.next
	t.next++
	t.handlers[id] = h
	t.mu.Unlock()

	<-ctx.Done()

	t.mu.Lock()
	delete(t.handlers, id)
	t.mu.Unlock()
	return nil
}

func (t *ChanTransport) Request(ctx context.Context, msg Message) (Reply, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Reply{}, fmt.Errorf("loader: encode message: %w", err)
	}

	t.mu.RLock()
	hs := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		hs = append(hs, h)
	}
	t.mu.RUnlock()
	if len(hs) == 0 {
		return Reply{}, ErrNoResponders
	}

	replies := make(chan []byte, len(hs))
	for _, h := range hs {
		go func(h Handler) {
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				replies <- nil
				return
			}
			r, ok := h(ctx, m)
			if !ok {
				replies <- nil
				return
			}
			b, err := json.Marshal(r)
			if err != nil {
				b, _ = json.Marshal(errorReply(m.ID, err))
			}
			replies <- b
		}(h)
	}

	for range hs {
		select {
		case b := <-replies:
			if b == nil {
				continue
			}
			var r Reply
			if err := json.Unmarshal(b, &r); err != nil {
				return Reply{}, fmt.Errorf("loader: decode reply: %w", err)
			}
			return r, nil
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}
	return Reply{}, ErrNoResponders
}

var _ Transport = (*ChanTransport)(nil)
