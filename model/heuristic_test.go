package model

import (
	"math"
	"testing"
	"time"

	"github.com/rushteam/streamrank/core"
)

func TestTotemPole(t *testing.T) {
	samples := []core.WatchSample{
		{
			Time:       testNow,
			Watched:    map[string]bool{"a": true},
			Candidates: []core.Stream{stream("a", "chess"), stream("b", "poker")},
		},
		{
			Time:       testNow,
			Watched:    map[string]bool{"b": true},
			Candidates: []core.Stream{stream("a", "art"), stream("b", "poker")},
		},
	}
	tp := NewTotemPole(samples, testNow)

	// a 当前在 chess：第一个样本 points=2*4 在看，第二个 points=2 未看 → 8/10
	// b 当前在 poker：两个样本 points 都是 8，看了一次 → 0.5
	scored := tp.ScoreAndSortStreams([]core.Stream{stream("b", "poker"), stream("a", "chess"), stream("z", "x")})
	want := map[string]float64{"a": 0.8, "b": 0.5, "z": core.NeutralScore}
	for _, s := range scored {
		if math.Abs(s.Score-want[s.StreamerID]) > 1e-12 {
			t.Errorf("%s 分数 = %v, want %v", s.StreamerID, s.Score, want[s.StreamerID])
		}
	}
	if scored[0].StreamerID != "a" {
		t.Errorf("a 应排第一: %+v", scored)
	}

	// 一天前的样本按 0.97 衰减
	old := NewTotemPole([]core.WatchSample{
		{Time: testNow.Add(-24 * time.Hour), Watched: map[string]bool{"a": true}, Candidates: []core.Stream{stream("a", "x")}},
		{Time: testNow, Watched: map[string]bool{}, Candidates: []core.Stream{stream("a", "x")}},
	}, testNow)
	got := old.ScoreAndSortStreams([]core.Stream{stream("a", "x")})[0].Score
	if wantOld := 0.97 / 1.97; math.Abs(got-wantOld) > 1e-12 {
		t.Errorf("衰减后分数 = %v, want %v", got, wantOld)
	}
}

func TestSmoothBrain(t *testing.T) {
	samples := []core.WatchSample{{
		Time:       testNow,
		Watched:    map[string]bool{"a": true},
		Candidates: []core.Stream{stream("a", "x"), stream("b", "y"), stream("c", "z"), stream("d", "w"), stream("e", "v"), stream("f", "u"), stream("g", "t"), stream("h", "s")},
	}}
	sb := NewSmoothBrain(samples)
	scored := sb.ScoreAndSortStreams([]core.Stream{stream("b", "y"), stream("a", "x"), stream("new", "q")})

	// 8 路：总分 8^(2/3)=4，a 加 4，其余各扣 4/7
	want := map[string]float64{"a": 4, "b": -4.0 / 7, "new": 0}
	for _, s := range scored {
		if math.Abs(s.Score-want[s.StreamerID]) > 1e-9 {
			t.Errorf("%s 分数 = %v, want %v", s.StreamerID, s.Score, want[s.StreamerID])
		}
	}
	if scored[0].StreamerID != "a" || scored[2].StreamerID != "b" {
		t.Errorf("排序错误: %+v", scored)
	}

	// 全部在看或全部未看的样本不会除以 0
	all := NewSmoothBrain([]core.WatchSample{
		{Watched: map[string]bool{"a": true}, Candidates: []core.Stream{stream("a", "x")}},
		{Watched: map[string]bool{}, Candidates: []core.Stream{stream("a", "x")}},
	})
	if s := all.ScoreAndSortStreams([]core.Stream{stream("a", "x")})[0].Score; math.IsNaN(s) || math.IsInf(s, 0) {
		t.Errorf("分数不应为 NaN/Inf: %v", s)
	}
}

func TestNeutral(t *testing.T) {
	streams := []core.Stream{stream("a", "x"), stream("b", "y")}
	var s Scorer = Neutral{}
	scored := s.ScoreAndSortStreams(streams)
	for i, ss := range scored {
		if ss.Score != core.NeutralScore || ss.StreamerID != streams[i].StreamerID {
			t.Errorf("Neutral 应保持原顺序且全部 0.5: %+v", scored)
		}
	}
}
