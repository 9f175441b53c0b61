package rank_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rushteam/streamrank/config"
	_ "github.com/rushteam/streamrank/config/builders"
	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/loader"
	"github.com/rushteam/streamrank/pkg/dsl"
	"github.com/rushteam/streamrank/preprocess"
	"github.com/rushteam/streamrank/rank"
)

// fakeRanker 按 ViewerCount 降序打分，err 非空时所有调用返回 err
type fakeRanker struct {
	err   error
	calls int
}

func (f *fakeRanker) ScoreAndSortStreams(_ context.Context, streams []core.Stream) ([]core.ScoredStream, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.ScoredStream, len(streams))
	for i, s := range streams {
		out[i] = core.ScoredStream{Stream: s, Score: float64(s.ViewerCount) / 1000}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (f *fakeRanker) PredictPair(context.Context, core.Stream, core.Stream) (float64, error) {
	return core.NeutralScore, f.err
}

func (f *fakeRanker) EmbeddingMeanInputs(context.Context) (feature.MeanInputs, error) {
	return nil, f.err
}

func (f *fakeRanker) Encoding(context.Context) (feature.EncodingKeys, error) {
	return nil, f.err
}

func (f *fakeRanker) DatasetSize(context.Context) (core.DatasetSize, error) {
	return core.DatasetSize{}, f.err
}

var _ loader.Ranker = (*fakeRanker)(nil)

var (
	now     = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	streams = []core.Stream{
		{ID: "1", StreamerID: "a", CategoryID: "chess", ViewerCount: 100},
		{ID: "2", StreamerID: "b", CategoryID: "chess", ViewerCount: 900, IsMature: true},
		{ID: "3", StreamerID: "c", CategoryID: "art", ViewerCount: 500},
	}
	// c 总是被观看，a 从未被观看
	history = preprocess.SliceSource{
		{Time: now.Add(-time.Hour), Watched: map[string]bool{"c": true}, Candidates: streams},
		{Time: now.Add(-2 * time.Hour), Watched: map[string]bool{"c": true}, Candidates: streams},
	}
)

func ids(res *rank.Result) []string {
	out := make([]string, len(res.Streams))
	for i, s := range res.Streams {
		out[i] = s.ID
	}
	return out
}

func TestRank(t *testing.T) {
	tests := []struct {
		name     string
		learned  *fakeRanker
		opts     rank.Options
		strategy string
		first    string
		total    int
	}{
		{"learned", &fakeRanker{}, rank.Options{Fallback: "totem-pole"}, config.StrategyLearned, "2", 3},
		{"learned unavailable", &fakeRanker{err: loader.ErrNoResponders}, rank.Options{Fallback: "totem-pole"}, "totem-pole", "3", 3},
		{"no learned ranker", nil, rank.Options{Fallback: "smooth-brain"}, "smooth-brain", "3", 3},
		{"heuristic strategy", &fakeRanker{}, rank.Options{Strategy: "totem-pole", Fallback: "neutral"}, "totem-pole", "3", 3},
		{"filtered", &fakeRanker{}, rank.Options{Fallback: "neutral", Filter: dsl.MustCompile("!stream.is_mature")}, config.StrategyLearned, "3", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var learned loader.Ranker
			if tt.learned != nil {
				learned = tt.learned
			}
			svc, err := rank.New(learned, history, tt.opts)
			if err != nil {
				t.Fatalf("New 失败: %v", err)
			}
			svc.WithClock(func() time.Time { return now })

			res, err := svc.Rank(context.Background(), streams)
			if err != nil {
				t.Fatalf("Rank 失败: %v", err)
			}
			if res.Strategy != tt.strategy {
				t.Errorf("Strategy = %s, want %s", res.Strategy, tt.strategy)
			}
			if len(res.Streams) != tt.total || res.Filtered != len(streams)-tt.total {
				t.Fatalf("结果 %v, filtered=%d", ids(res), res.Filtered)
			}
			if res.Streams[0].ID != tt.first {
				t.Errorf("第一名 = %s, want %s (%v)", res.Streams[0].ID, tt.first, ids(res))
			}
			for i := 1; i < len(res.Streams); i++ {
				if res.Streams[i].Score > res.Streams[i-1].Score {
					t.Errorf("结果未按分数降序: %v", res.Streams)
				}
			}
		})
	}
}

func TestRankContextDone(t *testing.T) {
	svc, err := rank.New(&fakeRanker{err: context.Canceled}, history, rank.Options{Fallback: "neutral"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Rank(ctx, streams); !errors.Is(err, context.Canceled) {
		t.Errorf("ctx 结束应返回 context.Canceled，得到 %v", err)
	}
}

func TestRankHistoryUnavailable(t *testing.T) {
	broken := sourceFunc(func(context.Context) ([]core.WatchSample, error) {
		return nil, errors.New("redis down")
	})
	svc, err := rank.New(nil, broken, rank.Options{Strategy: "totem-pole", Fallback: "neutral"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.Rank(context.Background(), streams)
	if err != nil {
		t.Fatalf("历史不可读时仍应排序: %v", err)
	}
	for _, s := range res.Streams {
		if s.Score != core.NeutralScore {
			t.Errorf("没有历史时应为中性分，得到 %v", s.Score)
		}
	}
}

// Host 始终没有上线的 Proxy：学习模型调用在 LearnedTimeout 后放弃并退回启发式策略
func TestRankProxyWithoutHost(t *testing.T) {
	p := loader.NewProxy("test-model", loader.NewChanTransport(), loader.WithPingInterval(5*time.Millisecond, 10*time.Millisecond))
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.WaitForHost(waitCtx); err == nil {
		t.Fatal("没有 Host 时 WaitForHost 应失败")
	}

	svc, err := rank.New(p, history, rank.Options{Fallback: "totem-pole", LearnedTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	svc.WithClock(func() time.Time { return now })

	ctx, cancelRank := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRank()
	start := time.Now()
	res, err := svc.Rank(ctx, streams)
	if err != nil {
		t.Fatalf("Host 不在线时应退回启发式策略: %v", err)
	}
	if res.Strategy != "totem-pole" || res.Streams[0].ID != "3" {
		t.Errorf("Strategy = %s, 第一名 = %s", res.Strategy, res.Streams[0].ID)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Rank 耗时 %v，应在 LearnedTimeout 后退回", d)
	}
}

// 共享样本读取的请求里，先到的调用方取消不影响其他调用方
func TestRankSharedReadSurvivesCancel(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := sourceFunc(func(ctx context.Context) ([]core.WatchSample, error) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return history, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	svc, err := rank.New(nil, slow, rank.Options{Strategy: "totem-pole", Fallback: "neutral"})
	if err != nil {
		t.Fatal(err)
	}
	svc.WithClock(func() time.Time { return now })

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Rank(first, streams)
		firstErr <- err
	}()
	<-entered

	type outcome struct {
		res *rank.Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := svc.Rank(context.Background(), streams)
		second <- outcome{res, err}
	}()
	// 等第二个调用方加入同一次读取
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("取消的调用方应得到 context.Canceled，得到 %v", err)
	}
	close(release)

	select {
	case out := <-second:
		if out.err != nil {
			t.Fatalf("ctx 仍有效的调用方不应失败: %v", out.err)
		}
		if out.res.Streams[0].ID != "3" {
			t.Errorf("第一名 = %s, want 3", out.res.Streams[0].ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("第二个调用方超时")
	}
}

func TestNewInvalid(t *testing.T) {
	tests := []rank.Options{
		{Strategy: "coin-flip", Fallback: "neutral"},
		{Fallback: config.StrategyLearned},
		{Fallback: ""},
		{Fallback: "coin-flip"},
	}
	for _, opts := range tests {
		if _, err := rank.New(nil, nil, opts); !core.IsInvalidInput(err) {
			t.Errorf("New(%+v) 应返回 INVALID_INPUT，得到 %v", opts, err)
		}
	}
}

type sourceFunc func(context.Context) ([]core.WatchSample, error)

func (f sourceFunc) Samples(ctx context.Context) ([]core.WatchSample, error) { return f(ctx) }
