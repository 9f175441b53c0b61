package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/rs/zerolog"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/pkg/logging"
)

const (
	// 列表元素保存在 list:<key>:<seq>，长度保存在 list:<key>
	listPrefix = "list:"
	// 普通 key 保存在 kv:<key>
	kvPrefix = "kv:"
)

// BadgerStore 是 Badger 实现的 Store，用于单机持久化部署。
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
	owned  bool
}

// OpenBadgerStore 打开目录下的 Badger 数据库；dir 为空时使用内存模式
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger %q: %w", dir, err)
	}
	s := NewBadgerStore(db)
	s.owned = true
	return s, nil
}

// NewBadgerStore 使用已打开的数据库，Close 不会关闭它
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, logger: logging.Component("store.badger")}
}

func (s *BadgerStore) Name() string { return "badger" }

func kvKey(key string) []byte { return []byte(kvPrefix + key) }

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kvKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return core.ErrStoreNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

func newEntry(key string, value []byte, ttl []int) *badger.Entry {
	e := badger.NewEntry(kvKey(key), value)
	if d := expiration(ttl); d > 0 {
		e = e.WithTTL(d)
	}
	return e
}

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(kvKey(key))
	})
}

func (s *BadgerStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get(kvKey(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BadgerStore) BatchSet(ctx context.Context, kvs map[string][]byte, ttl ...int) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for k, v := range kvs {
		if err := wb.SetEntry(newEntry(k, v, ttl)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Watch 基于 DB.Subscribe 订阅 key 的变更。Badger 不提供旧值，Old 恒为 nil；
// 删除表现为 New 为空。
func (s *BadgerStore) Watch(ctx context.Context, key string) (<-chan core.Change, error) {
	h := newHub()
	out := h.subscribe(ctx, key)
	target := kvKey(key)
	ready := make(chan struct{})

	go func() {
		defer h.closeAll()
		close(ready)
		err := s.db.Subscribe(ctx, func(list *badger.KVList) error {
			for _, kv := range list.Kv {
				if !bytes.Equal(kv.Key, target) {
					continue
				}
				c := core.Change{Key: key}
				if len(kv.Value) > 0 {
					c.New = append([]byte(nil), kv.Value...)
				}
				h.publish(c)
			}
			return nil
		}, []pb.Match{{Prefix: target}})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn().Err(err).Str("key", key).Msg("subscription ended")
		}
	}()
	<-ready
	return out, nil
}

func listKey(key string) []byte { return []byte(listPrefix + key) }

func listItemKey(key string, seq uint64) []byte {
	b := make([]byte, 0, len(listPrefix)+len(key)+9)
	b = append(b, listPrefix...)
	b = append(b, key...)
	b = append(b, ':')
	return binary.BigEndian.AppendUint64(b, seq)
}

func (s *BadgerStore) listLen(txn *badger.Txn, key string) (uint64, error) {
	item, err := txn.Get(listKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("store: corrupt list length for %s", key)
		}
		n = binary.BigEndian.Uint64(v)
		return nil
	})
	return n, err
}

// Append 在一个事务内追加元素并更新长度；事务冲突时重试
func (s *BadgerStore) Append(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			n, err := s.listLen(txn, key)
			if err != nil {
				return err
			}
			for _, v := range values {
				if err := txn.Set(listItemKey(key, n), v); err != nil {
					return err
				}
				n++
			}
			return txn.Set(listKey(key), binary.BigEndian.AppendUint64(nil, n))
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

// Range 读取列表区间
func (s *BadgerStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		n, err := s.listLen(txn, key)
		if err != nil {
			return err
		}
		lo, hi, ok := bounds(int64(n), start, stop)
		if !ok {
			return nil
		}
		out = make([][]byte, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			item, err := txn.Get(listItemKey(key, uint64(i)))
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

var (
	_ core.Store     = (*BadgerStore)(nil)
	_ core.Watcher   = (*BadgerStore)(nil)
	_ core.ListStore = (*BadgerStore)(nil)
)
