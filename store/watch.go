// Package store 提供 core.Store 的实现：内存、Redis、Badger。
// 三者都实现 core.Watcher 与 core.ListStore。
package store

import (
	"context"
	"sync"

	"github.com/rushteam/streamrank/core"
)

// watchBuffer 是每个订阅者的缓冲大小；满了之后丢弃最旧的变更
const watchBuffer = 16

// subscriber 是单个 Watch 调用的投递端
type subscriber struct {
	key string
	ch  chan core.Change
}

// deliver 非阻塞投递；缓冲已满时丢弃最旧的一条，保证最新变更总能送达。
// 调用方必须串行调用（持有 hub 的锁）。
func (s *subscriber) deliver(c core.Change) {
	select {
	case s.ch <- c:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- c:
	default:
	}
}

// hub 按 key 管理订阅者
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

// subscribe 注册订阅者，ctx 结束后注销并关闭 channel
func (h *hub) subscribe(ctx context.Context, key string) <-chan core.Change {
	s := &subscriber{key: key, ch: make(chan core.Change, watchBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			close(s.ch)
		}
		h.mu.Unlock()
	}()
	return s.ch
}

// publish 把变更投递给订阅了该 key 的订阅者
func (h *hub) publish(c core.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.key == c.Key {
			s.deliver(c)
		}
	}
}

// closeAll 关闭全部订阅（Store 关闭时）
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}
