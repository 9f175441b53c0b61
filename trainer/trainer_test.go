package trainer

import (
	"context"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/pkg/logging"
	"github.com/rushteam/streamrank/preprocess"
	"github.com/rushteam/streamrank/registry"
	"github.com/rushteam/streamrank/store"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func encoding(t *testing.T, users ...string) feature.EncodingKeys {
	t.Helper()
	entries := make([]feature.Entry, len(users))
	for i, u := range users {
		entries[i] = feature.Entry{"user_id": u, "game_id": "g"}
	}
	keys, err := feature.BuildEncoding(entries, preprocess.DefaultInstructions())
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func info(t *testing.T, keys feature.EncodingKeys, savedAt time.Time, total int) *core.ArtifactInfo {
	t.Helper()
	enc, err := json.Marshal(keys)
	if err != nil {
		t.Fatal(err)
	}
	return &core.ArtifactInfo{
		ArtifactStats: core.ArtifactStats{
			Loss:        0.3,
			DatasetSize: core.DatasetSize{Training: total * 3 / 4, Total: total},
			Time:        savedAt.UnixMilli(),
		},
		Encoding: enc,
	}
}

func TestDecide(t *testing.T) {
	current := encoding(t, "a", "b")
	p := DefaultPolicy()

	tests := []struct {
		name      string
		info      *core.ArtifactInfo
		corpus    int
		wantState State
		wantTrain bool
	}{
		{"语料不足", nil, 63, NoModel, false},
		{"无模型", nil, 64, NoModel, true},
		{"编码漂移", info(t, encoding(t, "a"), testNow, 100), 100, StaleEncoding, true},
		{"顺序不同不算漂移", info(t, encoding(t, "b", "a"), testNow, 100), 100, Fresh, false},
		{"过期", info(t, current, testNow.Add(-5*time.Hour), 100), 100, StaleAge, true},
		{"刚好 4 小时不算过期", info(t, current, testNow.Add(-4*time.Hour), 100), 100, Fresh, false},
		{"语料翻倍", info(t, current, testNow, 100), 200, StaleGrowth, true},
		{"新鲜", info(t, current, testNow, 100), 199, Fresh, false},
		{"语料不足时不训练", info(t, encoding(t, "a"), testNow, 10), 20, StaleEncoding, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, train := Decide(tt.info, tt.corpus, current, testNow, p)
			if state != tt.wantState || train != tt.wantTrain {
				t.Errorf("Decide = (%v, %v), want (%v, %v)", state, train, tt.wantState, tt.wantTrain)
			}
		})
	}

	bad := &core.ArtifactInfo{Encoding: []byte("not json")}
	if state, _ := Decide(bad, 100, current, testNow, p); state != StaleEncoding {
		t.Errorf("无法解析的编码应视为漂移，得到 %v", state)
	}
}

// history 构造 n 个样本：a、c 的分类每个样本不同，b-d、b-e 的偏好对跨样本重复，去重后共 8n+4 条
func history(n int) []core.WatchSample {
	samples := make([]core.WatchSample, n)
	for i := range samples {
		samples[i] = core.WatchSample{
			Time:    testNow.Add(-time.Duration(n-i) * time.Minute),
			Watched: map[string]bool{"a": true, "b": true},
			Candidates: []core.Stream{
				{ID: "1", StreamerID: "a", CategoryID: fmt.Sprintf("a-%d", i)},
				{ID: "2", StreamerID: "b", CategoryID: "poker"},
				{ID: "3", StreamerID: "c", CategoryID: fmt.Sprintf("c-%d", i)},
				{ID: "4", StreamerID: "d", CategoryID: "chess"},
				{ID: "5", StreamerID: "e", CategoryID: "art"},
			},
		}
	}
	return samples
}

func newTestTrainer(t *testing.T, samples []core.WatchSample) (*Trainer, *registry.Registry) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	reg := registry.New(st, "trainer-test").WithLogger(logging.Nop())

	pre := preprocess.New(preprocess.SliceSource(samples)).WithLogger(logging.Nop())
	pre.Now = func() time.Time { return testNow }

	opts := DefaultOptions()
	opts.Hyper.Epochs = 2
	opts.Split.Seed = 1
	tr := New(pre, reg, opts).WithLogger(logging.Nop())
	tr.now = func() time.Time { return testNow }
	return tr, reg
}

func TestCheckTrainsThenFresh(t *testing.T) {
	ctx := context.Background()
	tr, reg := newTestTrainer(t, history(8))

	res, err := tr.Check(ctx)
	if err != nil {
		t.Fatalf("Check 失败: %v", err)
	}
	if !res.Trained || res.State != NoModel {
		t.Fatalf("无模型时应训练，得到 %+v", res)
	}
	stats, err := reg.SavedStats(ctx)
	if err != nil || stats == nil {
		t.Fatalf("训练后应保存产物: %v %v", stats, err)
	}
	if stats.DatasetSize.Total != 68 {
		t.Errorf("Total = %d, want 68", stats.DatasetSize.Total)
	}

	// 保存时间来自系统时钟，把判断时钟对齐到产物时间
	tr.now = func() time.Time { return time.UnixMilli(stats.Time) }
	res, err = tr.Check(ctx)
	if err != nil {
		t.Fatalf("Check 失败: %v", err)
	}
	if res.Trained || res.Skipped != "fresh" {
		t.Errorf("刚训练完应为 fresh，得到 %+v", res)
	}

	res, err = tr.Force(ctx)
	if err != nil || !res.Trained {
		t.Errorf("Force 应总是训练，得到 %+v %v", res, err)
	}
}

func TestCheckSmallCorpus(t *testing.T) {
	tr, reg := newTestTrainer(t, history(2))
	res, err := tr.Check(context.Background())
	if err != nil {
		t.Fatalf("Check 失败: %v", err)
	}
	if res.Trained || res.Skipped != "small_corpus" {
		t.Errorf("语料不足应跳过，得到 %+v", res)
	}
	if _, ok := reg.Load(context.Background()); ok {
		t.Error("跳过时不应保存产物")
	}
}

func TestCheckGuard(t *testing.T) {
	tr, _ := newTestTrainer(t, history(8))
	tr.running.Store(true)

	res, err := tr.Check(context.Background())
	if err != nil {
		t.Fatalf("Check 失败: %v", err)
	}
	if res.Skipped != "busy" || res.Trained {
		t.Errorf("已有检查在运行时应丢弃，得到 %+v", res)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	tr, reg := newTestTrainer(t, history(8))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, ok := reg.Load(context.Background()); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Serve 启动后应立即检查并训练")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("ctx 取消后 Serve 应返回")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Fresh: "fresh", NoModel: "no_model", StaleGrowth: "stale_growth", State(99): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", int(s), s.String(), want)
		}
	}
}
