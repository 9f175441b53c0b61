package preprocess

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func stream(streamer, category string) core.Stream {
	return core.Stream{ID: "s-" + streamer, StreamerID: streamer, CategoryID: category}
}

// makeSamples 构造 n 个样本，每个样本 5 路直播、其中 2 路在看；未看的直播分类各不相同，偏好对不会被去重
func makeSamples(n int) []core.WatchSample {
	samples := make([]core.WatchSample, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, core.WatchSample{
			Time:    testNow.Add(-time.Duration(n-i) * 24 * time.Hour),
			Watched: map[string]bool{"a": true, "b": true},
			Candidates: []core.Stream{
				stream("a", "chess"),
				stream("b", "poker"),
				stream("c", fmt.Sprintf("c-%d", i)),
				stream("d", fmt.Sprintf("d-%d", i)),
				stream("e", fmt.Sprintf("e-%d", i)),
			},
		})
	}
	return samples
}

func TestToPreferencePairs(t *testing.T) {
	samples := makeSamples(3)
	pool, pairs := ToPreferencePairs(samples, testNow)

	if len(pool) != 15 {
		t.Errorf("pool 应包含 15 路直播，得到 %d", len(pool))
	}
	// 2 路在看 × 3 路未看 × 2 个方向 × 3 个样本
	if len(pairs) != 36 {
		t.Fatalf("应生成 36 条偏好对，得到 %d", len(pairs))
	}

	perWeight := make(map[float64]int)
	for _, p := range pairs {
		perWeight[p.Weight]++
		a, b := pool[p.A], pool[p.B]
		aWatched := a.StreamerID == "a" || a.StreamerID == "b"
		bWatched := b.StreamerID == "a" || b.StreamerID == "b"
		if aWatched == bWatched {
			t.Fatalf("偏好对两侧应一侧在看一侧未看: %+v", p)
		}
		if want := boolLabel(aWatched); p.Label != want {
			t.Errorf("label = %v, want %v (%s vs %s)", p.Label, want, a.StreamerID, b.StreamerID)
		}
	}
	if len(perWeight) != 3 {
		t.Errorf("三个样本应有三种权重，得到 %v", perWeight)
	}
	for w, c := range perWeight {
		if c != 12 {
			t.Errorf("权重 %v 下应有 12 条，得到 %d", w, c)
		}
	}
	// 最新的样本先处理
	if pairs[0].Weight <= pairs[len(pairs)-1].Weight {
		t.Errorf("最新样本应排在前面: first=%v last=%v", pairs[0].Weight, pairs[len(pairs)-1].Weight)
	}
}

func TestRecencyWeight(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"当前", 0, 1},
		{"一天前", 24 * time.Hour, 0.985},
		{"十天前", 240 * time.Hour, math.Pow(0.985, 10)},
		{"未来时间视为当前", -time.Hour, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RecencyWeight(testNow.Add(-tt.age), testNow, core.DefaultRecencyDecay)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("RecencyWeight = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestPreprocessor(samples []core.WatchSample) *Preprocessor {
	p := New(SliceSource(samples))
	p.Now = func() time.Time { return testNow }
	return p
}

func TestCorpusDeduplicates(t *testing.T) {
	// 三个完全相同（除时间外）的样本：编码后偏好对结构相同，应去重为 12 条
	samples := make([]core.WatchSample, 3)
	for i := range samples {
		samples[i] = core.WatchSample{
			Time:       testNow.Add(-time.Duration(i) * time.Hour),
			Watched:    map[string]bool{"a": true, "b": true},
			Candidates: []core.Stream{stream("a", "x"), stream("b", "y"), stream("c", "x"), stream("d", "z"), stream("e", "y")},
		}
	}
	corpus, err := newTestPreprocessor(samples).Corpus(context.Background())
	if err != nil {
		t.Fatalf("Corpus 失败: %v", err)
	}
	if len(corpus.Examples) != 12 {
		t.Fatalf("去重后应剩 12 条，得到 %d", len(corpus.Examples))
	}
	// 保留的是最近一次出现的权重
	if corpus.Examples[0].Weight != 1 {
		t.Errorf("去重后应保留最新样本的权重，得到 %v", corpus.Examples[0].Weight)
	}
	if got := len(corpus.Examples[0].Features); got != 4 {
		t.Errorf("pair 特征维度应为 4 (game_id, user_id) × 2，得到 %d", got)
	}
}

func TestGetTrainingData(t *testing.T) {
	ctx := context.Background()
	p := newTestPreprocessor(makeSamples(3))

	tests := []struct {
		name         string
		opts         Options
		wantTraining int
		wantHoldout  int
	}{
		{"默认占比", Options{Seed: 1}, 27, 9},
		{"上限更小", Options{TargetSize: 10, Seed: 1}, 10, 26},
		{"全量仅打乱", Options{TrainingFraction: 1, Seed: 1}, 36, 0},
		{"限时训练总是采样", Options{TrainingFraction: 1, MaxDuration: time.Second, Seed: 1}, 36, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := p.GetTrainingData(ctx, tt.opts)
			if err != nil {
				t.Fatalf("GetTrainingData 失败: %v", err)
			}
			if data.Total != 36 {
				t.Errorf("Total = %d, want 36", data.Total)
			}
			if len(data.Training) != tt.wantTraining || len(data.Holdout) != tt.wantHoldout {
				t.Errorf("training/holdout = %d/%d, want %d/%d",
					len(data.Training), len(data.Holdout), tt.wantTraining, tt.wantHoldout)
			}
		})
	}

	a, _ := p.GetTrainingData(ctx, Options{Seed: 9})
	b, _ := p.GetTrainingData(ctx, Options{Seed: 9})
	if !reflect.DeepEqual(a.Training, b.Training) {
		t.Error("相同 seed 的切分应一致")
	}
}

func TestPointsInput(t *testing.T) {
	p := newTestPreprocessor(makeSamples(2))
	p.Input = InputPoints
	corpus, err := p.Corpus(context.Background())
	if err != nil {
		t.Fatalf("Corpus 失败: %v", err)
	}
	// a,b 两次出现结构相同，c,d,e 的分类每个样本不同
	if len(corpus.Examples) != 8 {
		t.Errorf("points 去重后应剩 8 条，得到 %d", len(corpus.Examples))
	}
	positives := 0
	for _, e := range corpus.Examples {
		if e.Label == 1 {
			positives++
		}
	}
	if positives != 2 {
		t.Errorf("应有 2 条正样本，得到 %d", positives)
	}
}

func TestEncodeWatchSample(t *testing.T) {
	keys, err := feature.BuildEncoding([]feature.Entry{
		stream("a", "x").Entry(), stream("b", "y").Entry(), stream("c", "x").Entry(),
	}, DefaultInstructions())
	if err != nil {
		t.Fatalf("BuildEncoding 失败: %v", err)
	}
	streams := []core.Stream{stream("a", "x"), stream("b", "y"), stream("c", "x"), stream("z", "q")}
	pairs := EncodeWatchSample(streams, keys, nil)

	idx := PairIndexes(len(streams))
	if len(pairs) != 6 || len(idx) != 6 {
		t.Fatalf("4 个候选应有 6 对，得到 %d/%d", len(pairs), len(idx))
	}
	if idx[0] != [2]int{0, 1} || idx[5] != [2]int{2, 3} {
		t.Errorf("下标对顺序错误: %v", idx)
	}
	// 字段顺序 game_id, user_id；(a,x) vs (b,y)
	if want := []float64{0, 0, 1, 1}; !reflect.DeepEqual(pairs[0], want) {
		t.Errorf("pairs[0] = %v, want %v", pairs[0], want)
	}
	// 未见过的主播与分类编码为 UnknownIndex
	if last := pairs[5]; last[2] != feature.UnknownIndex || last[3] != feature.UnknownIndex {
		t.Errorf("未见过的类别应编码为 UnknownIndex: %v", last)
	}
	if PairIndexes(1) != nil {
		t.Error("单个候选不应产生下标对")
	}
}
