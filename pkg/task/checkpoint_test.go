package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCheckpointCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cp := NewCheckpointer(2)

	for i := 0; i < 5; i++ {
		if err := cp.Checkpoint(ctx); err != nil {
			t.Fatalf("未取消时 Checkpoint 返回错误: %v", err)
		}
	}
	cancel()
	if err := cp.Checkpoint(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("取消后应返回 context.Canceled，实际 %v", err)
	}
	if cp.Count() != 6 {
		t.Errorf("Count = %d, want 6", cp.Count())
	}
}

func TestCheckpointBudget(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name    string
		budget  time.Duration
		elapsed time.Duration
		want    bool
	}{
		{"不限时", 0, time.Hour, false},
		{"未到期", time.Minute, 30 * time.Second, false},
		{"恰好到期", time.Minute, time.Minute, true},
		{"已过期", time.Minute, 2 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := NewCheckpointer(0).WithBudget(now, tt.budget)
			if got := cp.Expired(now.Add(tt.elapsed)); got != tt.want {
				t.Errorf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}
