package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/loader"
	"github.com/rushteam/streamrank/pkg/logging"
)

// fakeRanker 按主播的固定偏好值比较：P(a>b) = pref[a] / (pref[a] + pref[b])
type fakeRanker struct {
	pref map[string]float64
	err  error
}

func (f *fakeRanker) ScoreAndSortStreams(_ context.Context, streams []core.Stream) ([]core.ScoredStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.ScoredStream, len(streams))
	for i, s := range streams {
		out[i] = core.ScoredStream{Stream: s, Score: f.pref[s.StreamerID]}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (f *fakeRanker) PredictPair(_ context.Context, a, b core.Stream) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	pa, pb := f.pref[a.StreamerID], f.pref[b.StreamerID]
	return pa / (pa + pb), nil
}

func (f *fakeRanker) EmbeddingMeanInputs(context.Context) (feature.MeanInputs, error) {
	return nil, f.err
}

func (f *fakeRanker) Encoding(context.Context) (feature.EncodingKeys, error) { return nil, f.err }

func (f *fakeRanker) DatasetSize(context.Context) (core.DatasetSize, error) {
	return core.DatasetSize{}, f.err
}

var _ loader.Ranker = (*fakeRanker)(nil)

func live(streamer string, mature bool) core.Stream {
	return core.Stream{ID: "s-" + streamer, StreamerID: streamer, IsMature: mature}
}

func ids(streams []core.Stream) []string {
	out := make([]string, len(streams))
	for i, s := range streams {
		out[i] = s.StreamerID
	}
	return out
}

func newPolicy(t *testing.T, rule string) *Policy {
	t.Helper()
	p, err := NewPolicy(DefaultRelativeQualityMinimum, rule)
	if err != nil {
		t.Fatal(err)
	}
	return p.WithLogger(logging.Nop())
}

func TestSelect(t *testing.T) {
	ranker := &fakeRanker{pref: map[string]float64{"a": 3, "b": 1, "c": 5, "d": 2, "e": 4}}
	previous := []core.Stream{live("a", false), live("b", false)}
	current := []core.Stream{live("a", false), live("b", false), live("c", false), live("d", false), live("e", true)}

	tests := []struct {
		name    string
		rule    string
		watched map[string]bool
		want    []string
	}{
		{"nothing watched surfaces all new", "", nil, []string{"c", "d", "e"}},
		{"compared against best watched", "", map[string]bool{"a": true, "b": true}, []string{"c", "e"}},
		{"rule filters first", "!stream.is_mature", map[string]bool{"a": true}, []string{"c"}},
		{"watched new stream is not surfaced", "", map[string]bool{"c": true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newPolicy(t, tt.rule).Select(context.Background(), ranker, previous, current, tt.watched)
			if err != nil {
				t.Fatal(err)
			}
			if g := ids(got); len(g) != len(tt.want) {
				t.Fatalf("Select = %v, want %v", g, tt.want)
			} else {
				for i := range g {
					if g[i] != tt.want[i] {
						t.Fatalf("Select = %v, want %v", g, tt.want)
					}
				}
			}
		})
	}
}

func TestSelectRankerUnavailable(t *testing.T) {
	ranker := &fakeRanker{err: loader.ErrNoModel}
	current := []core.Stream{live("a", false), live("c", false)}

	got, err := newPolicy(t, "").Select(context.Background(), ranker, nil, current, map[string]bool{"a": true})
	if err != nil {
		t.Fatalf("ranker 不可用时不应报错: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("中性分不应超过阈值，得到 %v", ids(got))
	}
}

func TestSelectWithoutRanker(t *testing.T) {
	current := []core.Stream{live("a", false), live("c", false)}
	got, err := newPolicy(t, "").Select(context.Background(), nil, nil, current, map[string]bool{"a": true})
	if err != nil {
		t.Fatalf("没有 ranker 时不应报错: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("没有 ranker 时按中性分处理，不应推送，得到 %v", ids(got))
	}

	// 阈值 0 时中性分也会推送
	p, err := NewPolicy(0, "")
	if err != nil {
		t.Fatal(err)
	}
	got, err = p.WithLogger(logging.Nop()).Select(context.Background(), nil, nil, current, map[string]bool{"a": true})
	if err != nil || len(got) != 1 || got[0].StreamerID != "c" {
		t.Errorf("阈值 0 应推送 c，得到 %v, %v", ids(got), err)
	}
}

// blockingRanker 的调用一直阻塞到 ctx 结束
type blockingRanker struct{ fakeRanker }

func (b *blockingRanker) PredictPair(ctx context.Context, _, _ core.Stream) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestSelectRankerTimeout(t *testing.T) {
	p := newPolicy(t, "")
	p.Timeout = 20 * time.Millisecond
	current := []core.Stream{live("a", false), live("c", false)}

	start := time.Now()
	got, err := p.Select(context.Background(), &blockingRanker{}, nil, current, map[string]bool{"a": true})
	if err != nil {
		t.Fatalf("模型调用超时应按中性分处理: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("中性分不应超过阈值，得到 %v", ids(got))
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Select 耗时 %v，应在 Timeout 后返回", d)
	}
}

func TestDispatch(t *testing.T) {
	ranker := &fakeRanker{pref: map[string]float64{"a": 1, "c": 9}}
	var delivered []core.Stream
	notifier := NotifierFunc(func(_ context.Context, s []core.Stream) error {
		delivered = append(delivered, s...)
		return nil
	})
	p := newPolicy(t, "")
	current := []core.Stream{live("a", false), live("c", false)}

	n, err := p.Dispatch(context.Background(), ranker, notifier, nil, current, map[string]bool{"a": true})
	if err != nil || n != 1 || len(delivered) != 1 || delivered[0].StreamerID != "c" {
		t.Fatalf("Dispatch = %d, %v, delivered %v", n, err, ids(delivered))
	}

	failing := NotifierFunc(func(context.Context, []core.Stream) error { return errors.New("boom") })
	if _, err := p.Dispatch(context.Background(), ranker, failing, nil, current, map[string]bool{"a": true}); err == nil {
		t.Error("投递失败应返回错误")
	}
}

func TestNewPolicyInvalid(t *testing.T) {
	tests := []struct {
		name    string
		minimum float64
		rule    string
	}{
		{"bad rule", 0.6, "stream."},
		{"negative minimum", -0.1, ""},
		{"minimum above one", 1.5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPolicy(tt.minimum, tt.rule); !core.IsInvalidInput(err) {
				t.Errorf("NewPolicy(%v, %q) 应返回 INVALID_INPUT，得到 %v", tt.minimum, tt.rule, err)
			}
		})
	}
}
