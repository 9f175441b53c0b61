// Package config 加载服务配置并维护按名字选择的排序策略注册表。
//
// 配置分三层加载，后者覆盖前者：
//  1. 结构体默认值（defaultConfig）
//  2. YAML 配置文件（可选）
//  3. STREAMRANK_ 前缀的环境变量，层级用双下划线分隔，例如 STREAMRANK_TRAINER__INTERVAL=30s
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feed"
	"github.com/rushteam/streamrank/loader"
	"github.com/rushteam/streamrank/model"
	"github.com/rushteam/streamrank/notify"
	"github.com/rushteam/streamrank/pkg/logging"
	"github.com/rushteam/streamrank/preprocess"
	"github.com/rushteam/streamrank/store"
	"github.com/rushteam/streamrank/trainer"
)

// EnvPrefix 是环境变量前缀
const EnvPrefix = "STREAMRANK_"

// DefaultConfigPaths 未指定配置文件时依次查找的路径
var DefaultConfigPaths = []string{
	"streamrank.yaml",
	"streamrank.yml",
	"/etc/streamrank/config.yaml",
}

// Config 是服务的全部配置
type Config struct {
	Logging   logging.Config  `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	Model     ModelConfig     `koanf:"model"`
	Trainer   TrainerConfig   `koanf:"trainer"`
	Transport TransportConfig `koanf:"transport"`
	Feed      FeedConfig      `koanf:"feed"`
	Rank      RankConfig      `koanf:"rank"`
	Notify    NotifyConfig    `koanf:"notify"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// StoreConfig 选择存储后端
type StoreConfig struct {
	Backend string `koanf:"backend" validate:"oneof=memory redis badger"`
	// Redis 仅在 backend=redis 时校验
	Redis  store.RedisOptions `koanf:"redis" validate:"-"`
	Badger BadgerConfig       `koanf:"badger"`
}

// BadgerConfig 是本地持久化存储配置，Dir 为空时使用内存模式
type BadgerConfig struct {
	Dir string `koanf:"dir"`
}

// ModelConfig 是模型名与初始超参数
type ModelConfig struct {
	Name  string             `koanf:"name" validate:"required"`
	Hyper model.HyperOptions `koanf:"hyper" validate:"-"`
}

// TrainerConfig 是训练器配置
type TrainerConfig struct {
	Policy           trainer.Policy `koanf:"policy"`
	Interval         time.Duration  `koanf:"interval" validate:"gt=0"`
	Budget           time.Duration  `koanf:"budget" validate:"gte=0"`
	ChunkSize        int            `koanf:"chunk_size" validate:"gte=0"`
	TargetSize       int            `koanf:"target_size" validate:"gte=0"`
	TrainingFraction float64        `koanf:"training_fraction" validate:"gt=0,lte=1"`
	Seed             int64          `koanf:"seed"`
	// SearchSpace 是超参搜索空间的 YAML 文件，为空时使用内置空间
	SearchSpace string `koanf:"search_space"`
}

// TransportConfig 选择 Host/Proxy 之间的通道
type TransportConfig struct {
	Kind string     `koanf:"kind" validate:"oneof=chan nats"`
	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig 是 NATS 通道配置。Embedded 为 true 时在进程内启动 nats-server。
type NATSConfig struct {
	URL      string        `koanf:"url"`
	Embedded bool          `koanf:"embedded"`
	Host     string        `koanf:"host"`
	Port     int           `koanf:"port" validate:"gte=-1,lte=65535"`
	Prefix   string        `koanf:"prefix"`
	Timeout  time.Duration `koanf:"timeout" validate:"gte=0"`
}

// FeedConfig 是观看样本的来源配置
type FeedConfig struct {
	Topic      string `koanf:"topic" validate:"required"`
	SamplesKey string `koanf:"samples_key" validate:"required"`
}

// RankConfig 选择排序策略：learned 或已注册的启发式策略。
// 学习模型不可用或单次调用超过 LearnedTimeout 时使用 Fallback。Filter 是可选的 CEL 候选过滤规则。
type RankConfig struct {
	Strategy       string         `koanf:"strategy" validate:"required"`
	Fallback       string         `koanf:"fallback" validate:"required"`
	Filter         string         `koanf:"filter"`
	Params         map[string]any `koanf:"params"`
	LearnedTimeout time.Duration  `koanf:"learned_timeout" validate:"gt=0"`
}

// NotifyConfig 是推送策略配置
type NotifyConfig struct {
	RelativeQualityMinimum float64 `koanf:"relative_quality_minimum" validate:"gte=0,lte=1"`
	Rule                   string  `koanf:"rule"`
}

// MetricsConfig 是 Prometheus 指标监听地址，为空时不暴露
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

func defaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Store: StoreConfig{
			Backend: "badger",
			Redis:   store.RedisOptions{Addr: "127.0.0.1:6379", Channel: store.DefaultChangeChannel},
			Badger:  BadgerConfig{Dir: "data/streamrank"},
		},
		Model: ModelConfig{
			Name:  core.DefaultModelName,
			Hyper: model.DefaultHyperOptions(),
		},
		Trainer: TrainerConfig{
			Policy:           trainer.DefaultPolicy(),
			Interval:         core.DefaultCheckInterval,
			ChunkSize:        core.DefaultChunkSize,
			TargetSize:       core.DefaultTrainingSize,
			TrainingFraction: core.DefaultTrainingFraction,
			Seed:             core.DefaultSeed,
		},
		Transport: TransportConfig{
			Kind: "chan",
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Host:    "127.0.0.1",
				Port:    4222,
				Prefix:  loader.DefaultSubjectPrefix,
				Timeout: 2 * time.Second,
			},
		},
		Feed: FeedConfig{
			Topic:      feed.DefaultTopic,
			SamplesKey: feed.DefaultSamplesKey,
		},
		Rank: RankConfig{
			Strategy:       StrategyLearned,
			Fallback:       "totem-pole",
			LearnedTimeout: core.DefaultLearnedTimeout,
		},
		Notify: NotifyConfig{
			RelativeQualityMinimum: notify.DefaultRelativeQualityMinimum,
		},
	}
}

// Default 返回默认配置
func Default() *Config { return defaultConfig() }

// Load 依次加载默认值、配置文件与环境变量，并校验。
// path 为空时按 DefaultConfigPaths 查找，找不到文件不是错误。
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform: STREAMRANK_TRAINER__MIN_CORPUS -> trainer.min_corpus
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

var validate = validator.New()

// Validate 校验配置，错误统一为 config 模块的 INVALID_INPUT
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return core.NewDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput, "config: "+fmt.Sprintf(format, args...))
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return invalid("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return invalid("%v", err)
	}
	if c.Store.Backend == "redis" {
		if err := validate.Struct(c.Store.Redis); err != nil {
			return invalid("store.redis: %v", err)
		}
	}
	if err := c.Model.Hyper.Validate(); err != nil {
		return invalid("model.hyper: %v", err)
	}
	if err := ValidateStrategy(c.Rank.Strategy); err != nil {
		return err
	}
	if c.Rank.Fallback == StrategyLearned {
		return invalid("rank.fallback must be a heuristic strategy")
	}
	return ValidateStrategy(c.Rank.Fallback)
}

// TrainerOptions 转换为 trainer.Options
func (c *Config) TrainerOptions() trainer.Options {
	opts := trainer.DefaultOptions()
	opts.Policy = c.Trainer.Policy
	opts.Interval = c.Trainer.Interval
	opts.Hyper = c.Model.Hyper.Clone()
	opts.Budget = c.Trainer.Budget
	opts.ChunkSize = c.Trainer.ChunkSize
	opts.Split = preprocess.Options{
		TargetSize:       c.Trainer.TargetSize,
		TrainingFraction: c.Trainer.TrainingFraction,
		MaxDuration:      c.Trainer.Budget,
		Seed:             c.Trainer.Seed,
	}
	return opts
}

// NATSOptions 转换为 loader.NATSOptions
func (c *Config) NATSOptions() loader.NATSOptions {
	opts := loader.DefaultNATSOptions()
	if c.Transport.NATS.Prefix != "" {
		opts.Prefix = c.Transport.NATS.Prefix
	}
	if c.Transport.NATS.Timeout > 0 {
		opts.Timeout = c.Transport.NATS.Timeout
	}
	return opts
}
