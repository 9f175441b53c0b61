package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rushteam/streamrank/config"
	_ "github.com/rushteam/streamrank/config/builders"
	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/model"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamrank.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}
	if cfg.Model.Name != core.DefaultModelName {
		t.Errorf("Model.Name = %s", cfg.Model.Name)
	}
	if cfg.Trainer.Interval != core.DefaultCheckInterval {
		t.Errorf("Trainer.Interval = %v", cfg.Trainer.Interval)
	}
	if cfg.Trainer.Policy.MinCorpus != core.MinCorpusSize || cfg.Trainer.Policy.MaxAge != core.DefaultMaxModelAge {
		t.Errorf("Trainer.Policy = %+v", cfg.Trainer.Policy)
	}
	if cfg.Model.Hyper.Key() != model.DefaultHyperOptions().Key() {
		t.Errorf("Model.Hyper = %s", cfg.Model.Hyper.Key())
	}
	if cfg.Rank.Strategy != config.StrategyLearned || cfg.Rank.Fallback != "totem-pole" {
		t.Errorf("Rank = %+v", cfg.Rank)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
store:
  backend: memory
model:
  name: my-model
  hyper:
    hidden: [32, 8]
    activation: tanh
trainer:
  interval: 30s
  policy:
    max_age: 2h
rank:
  strategy: smooth-brain
  filter: "!stream.is_mature"
`)
	t.Setenv("STREAMRANK_TRAINER__TARGET_SIZE", "512")
	t.Setenv("STREAMRANK_LOGGING__LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}
	if cfg.Store.Backend != "memory" || cfg.Model.Name != "my-model" {
		t.Errorf("文件配置未生效: %+v %+v", cfg.Store, cfg.Model)
	}
	if h := cfg.Model.Hyper; len(h.Hidden) != 2 || h.Hidden[0] != 32 || h.Activation != model.ActivationTanh {
		t.Errorf("Model.Hyper = %+v", h)
	}
	if cfg.Model.Hyper.LearningRate != model.DefaultHyperOptions().LearningRate {
		t.Errorf("未覆盖的超参数应保持默认值: %+v", cfg.Model.Hyper)
	}
	if cfg.Trainer.Interval != 30*time.Second || cfg.Trainer.Policy.MaxAge != 2*time.Hour {
		t.Errorf("Trainer = %+v", cfg.Trainer)
	}
	if cfg.Trainer.TargetSize != 512 || cfg.Logging.Level != "debug" {
		t.Errorf("环境变量未生效: target=%d level=%s", cfg.Trainer.TargetSize, cfg.Logging.Level)
	}

	opts := cfg.TrainerOptions()
	if opts.Split.TargetSize != 512 || opts.Interval != 30*time.Second || len(opts.Hyper.Hidden) != 2 {
		t.Errorf("TrainerOptions = %+v", opts)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]string{
		"backend":    "store:\n  backend: sqlite\n",
		"strategy":   "rank:\n  strategy: coin-flip\n",
		"fallback":   "rank:\n  fallback: learned\n",
		"hyper":      "model:\n  hyper:\n    activation: swish\n",
		"fraction":   "trainer:\n  training_fraction: 1.5\n",
		"redis addr": "store:\n  backend: redis\n  redis:\n    addr: \"\"\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := config.Load(writeFile(t, content)); !core.IsInvalidInput(err) {
				t.Errorf("应返回 INVALID_INPUT，得到 %v", err)
			}
		})
	}
}

func TestBuildScorer(t *testing.T) {
	for _, name := range []string{"totem-pole", "smooth-brain", "neutral", "random-forest"} {
		s, err := config.BuildScorer(name, config.ScorerEnv{})
		if err != nil {
			t.Fatalf("BuildScorer(%s) 失败: %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("Name = %s, want %s", s.Name(), name)
		}
	}

	s, err := config.BuildScorer("totem-pole", config.ScorerEnv{Params: map[string]any{"decay": 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	if tp := s.(*model.TotemPole); tp.Decay != 0.5 || tp.CategoryWeight != model.TotemPoleCategoryWeight {
		t.Errorf("参数未生效: %+v", tp)
	}

	s, err = config.BuildScorer("random-forest", config.ScorerEnv{
		Samples: []core.WatchSample{{
			Watched:    map[string]bool{"a": true},
			Candidates: []core.Stream{{ID: "1", StreamerID: "a"}, {ID: "2", StreamerID: "b"}},
		}},
		Params: map[string]any{"trees": 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rf := s.(*model.RandomForest); rf.Size() != 3 {
		t.Errorf("trees 参数未生效: %d", rf.Size())
	}

	if _, err := config.BuildScorer("coin-flip", config.ScorerEnv{}); !core.IsNotFound(err) {
		t.Errorf("未注册的策略应返回 NOT_FOUND，得到 %v", err)
	}
}
