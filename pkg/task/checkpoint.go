// Package task 提供长耗时循环的协作式让出与取消。
//
// 采样、增量训练、交叉验证等循环在固定的检查点调用 Checkpoint：
// 每 Every 次让出一次调度（runtime.Gosched），并在每次检查点返回 ctx 的取消状态。
// 循环只在检查点响应取消，检查点之间的工作总是完整执行。
package task

import (
	"context"
	"runtime"
	"time"
)

// DefaultEvery 是默认的让出间隔（检查点次数）
const DefaultEvery = 64

// Checkpointer 记录检查点次数，非并发安全，每个循环各自持有一个。
type Checkpointer struct {
	every int
	n     int

	deadline time.Time
}

// NewCheckpointer 创建检查点计数器，every <= 0 时使用 DefaultEvery
func NewCheckpointer(every int) *Checkpointer {
	if every <= 0 {
		every = DefaultEvery
	}
	return &Checkpointer{every: every}
}

// WithBudget 设置时间预算，到期后 Expired 返回 true。budget <= 0 表示不限时。
func (c *Checkpointer) WithBudget(now time.Time, budget time.Duration) *Checkpointer {
	if budget > 0 {
		c.deadline = now.Add(budget)
	}
	return c
}

// Checkpoint 标记一次检查点，必要时让出调度，返回 ctx.Err()
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	c.n++
	if c.n%c.every == 0 {
		runtime.Gosched()
	}
	return ctx.Err()
}

// Yield 立即让出调度并返回 ctx.Err()，用于块与块之间等粗粒度边界
func (c *Checkpointer) Yield(ctx context.Context) error {
	c.n++
	runtime.Gosched()
	return ctx.Err()
}

// Expired 判断时间预算是否已用尽
func (c *Checkpointer) Expired(now time.Time) bool {
	return !c.deadline.IsZero() && !now.Before(c.deadline)
}

// Count 返回已经过的检查点次数
func (c *Checkpointer) Count() int { return c.n }
