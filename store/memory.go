package store

import (
	"context"
	"sync"
	"time"

	"github.com/rushteam/streamrank/core"
)

// MemoryStore 是内存实现的 Store，用于测试/单进程部署。
// 支持 TTL（过期时间）、变更订阅与 append-only 列表，进程重启后数据丢失。
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]*entry
	ttl   map[string]time.Time
	lists map[string][][]byte
	clean *time.Ticker
	done  chan struct{}
	once  sync.Once

	watchers *hub
}

type entry struct {
	value []byte
	ttl   *time.Time
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl != nil && now.After(*e.ttl)
}

func NewMemoryStore() *MemoryStore {
	ms := &MemoryStore{
		data:     make(map[string]*entry),
		ttl:      make(map[string]time.Time),
		lists:    make(map[string][][]byte),
		clean:    time.NewTicker(10 * time.Second),
		done:     make(chan struct{}),
		watchers: newHub(),
	}
	go ms.cleanup()
	return ms
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, core.ErrStoreNotFound
	}
	return clone(e.value), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setLocked(key, clone(value), expiry(ttl))
	return nil
}

// setLocked 写入并通知订阅者，调用方持有写锁
func (m *MemoryStore) setLocked(key string, value []byte, expire *time.Time) {
	var old []byte
	if prev, ok := m.data[key]; ok && !prev.expired(time.Now()) {
		old = prev.value
	}
	m.data[key] = &entry{value: value, ttl: expire}
	if expire != nil {
		m.ttl[key] = *expire
	} else {
		delete(m.ttl, key)
	}
	m.watchers.publish(core.Change{Key: key, Old: clone(old), New: clone(value)})
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.data[key]
	delete(m.data, key)
	delete(m.ttl, key)
	delete(m.lists, key)
	if ok {
		m.watchers.publish(core.Change{Key: key, Old: clone(prev.value)})
	}
	return nil
}

func (m *MemoryStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]byte, len(keys))
	now := time.Now()
	for _, k := range keys {
		e, ok := m.data[k]
		if !ok || e.expired(now) {
			continue
		}
		result[k] = clone(e.value)
	}
	return result, nil
}

func (m *MemoryStore) BatchSet(ctx context.Context, kvs map[string][]byte, ttl ...int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expire := expiry(ttl)
	for k, v := range kvs {
		m.setLocked(k, clone(v), expire)
	}
	return nil
}

// Watch 订阅 key 的变更，ctx 结束后 channel 关闭
func (m *MemoryStore) Watch(ctx context.Context, key string) (<-chan core.Change, error) {
	return m.watchers.subscribe(ctx, key), nil
}

// Append 追加到列表
func (m *MemoryStore) Append(ctx context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range values {
		m.lists[key] = append(m.lists[key], clone(v))
	}
	return nil
}

// Range 读取列表区间
func (m *MemoryStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[key]
	lo, hi, ok := bounds(int64(len(list)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, clone(list[i]))
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.once.Do(func() {
		m.clean.Stop()
		close(m.done)
		m.watchers.closeAll()
	})
	return nil
}

func (m *MemoryStore) cleanup() {
	for {
		select {
		case <-m.done:
			return
		case <-m.clean.C:
		}
		m.mu.Lock()
		now := time.Now()
		for k, expire := range m.ttl {
			if now.After(expire) {
				delete(m.data, k)
				delete(m.ttl, k)
			}
		}
		m.mu.Unlock()
	}
}

// bounds 把 [start, stop] 规范到 [0, n)，stop < 0 表示末尾
func bounds(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}

func expiry(ttl []int) *time.Time {
	if len(ttl) == 0 || ttl[0] <= 0 {
		return nil
	}
	t := time.Now().Add(time.Duration(ttl[0]) * time.Second)
	return &t
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

var (
	_ core.Store     = (*MemoryStore)(nil)
	_ core.Watcher   = (*MemoryStore)(nil)
	_ core.ListStore = (*MemoryStore)(nil)
)
