package core

import "context"

// Store 是存储的领域接口。
//
// 定义在领域层（core），由基础设施层（store）实现：
//   - store.MemoryStore：测试/单进程
//   - store.RedisStore：多进程共享
//   - store.BadgerStore：本地持久化
//
// 使用场景：
//   - 模型产物（按模型名为 key）
//   - 观看样本（append-only 列表）
type Store interface {
	// Name 返回存储后端名称（用于日志/监控）
	Name() string

	// Get 读取单个 key 的值，不存在返回 ErrStoreNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 写入单个 key-value
	Set(ctx context.Context, key string, value []byte, ttl ...int) error

	// Delete 删除单个 key
	Delete(ctx context.Context, key string) error

	// BatchGet 批量读取，不存在的 key 不出现在结果中
	BatchGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// BatchSet 批量写入
	BatchSet(ctx context.Context, kvs map[string][]byte, ttl ...int) error

	// Close 关闭连接/释放资源
	Close() error
}

// Change 是一次存储变更通知，携带同一个 key 的旧值与新值。
// Old 为 nil 表示此前不存在（或后端无法提供旧值）；New 为 nil 表示删除。
type Change struct {
	Key string
	Old []byte
	New []byte
}

// Watcher 是 Store 的扩展接口：订阅指定 key 的变更。
//
// 返回的 channel 在 ctx 结束后关闭。订阅者处理过慢时，实现可以丢弃中间变更，
// 但必须保证最后一次变更最终送达。
type Watcher interface {
	Watch(ctx context.Context, key string) (<-chan Change, error)
}

// ListStore 是 Store 的扩展接口：append-only 列表，用于观看样本。
type ListStore interface {
	// Append 在列表末尾追加
	Append(ctx context.Context, key string, values ...[]byte) error

	// Range 返回 [start, stop] 区间的元素，stop 为 -1 表示到末尾
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
}

// Store 错误定义（使用统一的 DomainError）
var (
	// ErrStoreNotFound 表示 key 不存在
	ErrStoreNotFound = NewDomainError(ModuleStore, ErrorCodeNotFound, "store: key not found")

	// ErrStoreNotSupported 表示操作不支持
	ErrStoreNotSupported = NewDomainError(ModuleStore, ErrorCodeNotSupported, "store: operation not supported")
)

// IsStoreNotFound 检查错误是否为 key 不存在
func IsStoreNotFound(err error) bool {
	domainErr := GetDomainError(err)
	return domainErr != nil && domainErr.Module == ModuleStore && domainErr.Code == ErrorCodeNotFound
}

// IsStoreNotSupported 检查错误是否为操作不支持
func IsStoreNotSupported(err error) bool {
	domainErr := GetDomainError(err)
	return domainErr != nil && domainErr.Module == ModuleStore && domainErr.Code == ErrorCodeNotSupported
}
