package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rushteam/streamrank/config"
	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/rank"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
logging:
  level: error
store:
  backend: badger
  badger:
    dir: %s
trainer:
  policy:
    min_corpus: 1
model:
  hyper:
    epochs: 5
`, filepath.Join(dir, "data"))
	path := filepath.Join(dir, "streamrank.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "input.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("%v 失败: %v", args, err)
	}
	return out.String()
}

// fixtureSamples 生成主播 s0 总被观看的历史
func fixtureSamples(now time.Time) []core.WatchSample {
	var samples []core.WatchSample
	for i := 0; i < 12; i++ {
		var streams []core.Stream
		for j := 0; j < 4; j++ {
			id := (i + j) % 6
			streams = append(streams, core.Stream{
				ID:         fmt.Sprintf("%d-%d", i, id),
				StreamerID: fmt.Sprintf("s%d", id),
				CategoryID: fmt.Sprintf("g%d", id%3),
			})
		}
		watched := map[string]bool{streams[0].StreamerID: true}
		if i%6 != 0 {
			watched = map[string]bool{"s0": true}
			streams[0].StreamerID = "s0"
			streams[0].CategoryID = "g0"
		}
		samples = append(samples, core.WatchSample{
			Time:       now.Add(-time.Duration(i) * time.Hour),
			Watched:    watched,
			Candidates: streams,
		})
	}
	return samples
}

func TestCommands(t *testing.T) {
	cfgPath := writeConfig(t)
	samples := writeJSON(t, fixtureSamples(time.Now()))

	if out := execute(t, "-c", cfgPath, "publish", samples); !strings.Contains(out, "recorded 12 samples") {
		t.Fatalf("publish 输出 = %q", out)
	}
	if out := execute(t, "-c", cfgPath, "train", "--force"); !strings.Contains(out, "trained: true") {
		t.Fatalf("train 输出 = %q", out)
	}
	if out := execute(t, "-c", cfgPath, "info"); !strings.Contains(out, "saved: true") || !strings.Contains(out, "samples: 12") {
		t.Fatalf("info 输出 = %q", out)
	}

	streams := writeJSON(t, []core.Stream{
		{ID: "x", StreamerID: "s0", CategoryID: "g0"},
		{ID: "y", StreamerID: "s4", CategoryID: "g1"},
		{ID: "z", StreamerID: "s5", CategoryID: "g2"},
	})
	out := execute(t, "-c", cfgPath, "rank", streams, "-o", "json")
	var res rank.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("rank 输出不是 JSON: %v\n%s", err, out)
	}
	if res.Strategy != config.StrategyLearned || len(res.Streams) != 3 {
		t.Fatalf("rank 结果 = %+v", res)
	}
	var sum float64
	for _, s := range res.Streams {
		sum += s.Score
	}
	// 每个 pair 贡献 1，共 n(n-1)/2 个 pair，再除以 n-1
	if sum < 1.49 || sum > 1.51 {
		t.Errorf("三路候选分数之和应为 1.5，得到 %v", sum)
	}
}

func TestOpenStore(t *testing.T) {
	for _, backend := range []string{"memory", "badger"} {
		c := config.Default()
		c.Store.Backend = backend
		c.Store.Badger.Dir = ""
		st, err := openStore(context.Background(), c.Store)
		if err != nil {
			t.Fatalf("openStore(%s) 失败: %v", backend, err)
		}
		if st.Name() != backend {
			t.Errorf("Name = %s, want %s", st.Name(), backend)
		}
		if _, ok := st.(core.ListStore); !ok {
			t.Errorf("%s 应支持列表", backend)
		}
		_ = st.Close()
	}
}
