package model

import (
	"testing"
	"time"

	"github.com/rushteam/streamrank/core"
)

// c 总是被观看，b 一半时间被观看，a 从未被观看
func forestHistory() []core.WatchSample {
	var samples []core.WatchSample
	for i := range 20 {
		watched := map[string]bool{"c": true}
		if i%2 == 0 {
			watched["b"] = true
		}
		samples = append(samples, core.WatchSample{
			Time:       testNow.Add(-time.Duration(i) * time.Hour),
			Watched:    watched,
			Candidates: []core.Stream{stream("a", "chess"), stream("b", "poker"), stream("c", "art")},
		})
	}
	return samples
}

func TestRandomForest(t *testing.T) {
	f := NewRandomForest(forestHistory(), ForestOptions{Trees: 30, Seed: 7})
	if f.Size() != 30 {
		t.Fatalf("Size = %d, want 30", f.Size())
	}
	scored := f.ScoreAndSortStreams([]core.Stream{stream("a", "chess"), stream("b", "poker"), stream("c", "art")})
	got := make(map[string]float64)
	order := make([]string, len(scored))
	for i, s := range scored {
		got[s.StreamerID] = s.Score
		order[i] = s.StreamerID
	}
	if order[0] != "c" || order[2] != "a" {
		t.Errorf("排序 = %v, want [c b a]", order)
	}
	if got["c"] < 0.7 || got["a"] > 0.3 {
		t.Errorf("分数偏离观看率: %v", got)
	}
	for name, s := range got {
		if s < 0 || s > 1 {
			t.Errorf("%s 分数 %v 不在 [0,1]", name, s)
		}
	}
}

func TestRandomForestDeterministic(t *testing.T) {
	streams := []core.Stream{stream("a", "chess"), stream("b", "poker"), stream("c", "art"), stream("new", "art")}
	x := NewRandomForest(forestHistory(), ForestOptions{Trees: 10, Seed: 3}).ScoreAndSortStreams(streams)
	y := NewRandomForest(forestHistory(), ForestOptions{Trees: 10, Seed: 3}).ScoreAndSortStreams(streams)
	for i := range x {
		if x[i].ID != y[i].ID || x[i].Score != y[i].Score {
			t.Fatalf("同一种子结果不同: %+v vs %+v", x[i], y[i])
		}
	}
}

func TestRandomForestNoHistory(t *testing.T) {
	f := NewRandomForest(nil, DefaultForestOptions())
	if f.Name() != "random-forest" || f.Size() != 0 {
		t.Fatalf("Name = %s, Size = %d", f.Name(), f.Size())
	}
	for _, s := range f.ScoreAndSortStreams([]core.Stream{stream("a", "x"), stream("b", "y")}) {
		if s.Score != core.NeutralScore {
			t.Errorf("没有历史时应为中性分，得到 %v", s.Score)
		}
	}
}
