package config

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/model"
)

// 使用配置驱动时，需在 main 或入口处 import _ "github.com/rushteam/streamrank/config/builders"
// 以触发内置启发式策略（totem-pole、smooth-brain、neutral、random-forest）的 init 注册。

// StrategyLearned 表示使用在线的学习模型（经 Host/Proxy 访问），不在注册表中
const StrategyLearned = "learned"

// ScorerEnv 是构建启发式策略所需的输入
type ScorerEnv struct {
	Samples []core.WatchSample
	Now     time.Time
	Params  map[string]any
}

// ScorerBuilder 根据观看历史与参数构建一个 Scorer。
// 各策略在 init 中调用 Register(name, builder) 即可被配置选择。
type ScorerBuilder func(env ScorerEnv) (model.Scorer, error)

var (
	defaultBuilders   = make(map[string]ScorerBuilder)
	defaultBuildersMu sync.RWMutex
)

// Register 注册一种策略的构建逻辑
func Register(name string, builder ScorerBuilder) {
	if name == "" || builder == nil {
		return
	}
	defaultBuildersMu.Lock()
	defer defaultBuildersMu.Unlock()
	defaultBuilders[name] = builder
}

// SupportedStrategies 返回当前已注册的策略名（排序），用于错误提示与校验。
func SupportedStrategies() []string {
	defaultBuildersMu.RLock()
	defer defaultBuildersMu.RUnlock()
	names := make([]string, 0, len(defaultBuilders))
	for name := range defaultBuilders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildScorer 按名字构建策略；未注册时返回包含已支持列表的错误
func BuildScorer(name string, env ScorerEnv) (model.Scorer, error) {
	defaultBuildersMu.RLock()
	builder, ok := defaultBuilders[name]
	defaultBuildersMu.RUnlock()
	if !ok {
		return nil, core.NewDomainError(core.ModuleConfig, core.ErrorCodeNotFound,
			fmt.Sprintf("unsupported strategy %q (supported: %v)", name, SupportedStrategies()))
	}
	if env.Now.IsZero() {
		env.Now = time.Now()
	}
	return builder(env)
}

// ValidateStrategy 校验策略名：learned 或已注册的启发式策略
func ValidateStrategy(name string) error {
	if name == StrategyLearned {
		return nil
	}
	defaultBuildersMu.RLock()
	_, ok := defaultBuilders[name]
	defaultBuildersMu.RUnlock()
	if !ok {
		return core.NewDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput,
			fmt.Sprintf("unsupported strategy %q (supported: %s, %v)", name, StrategyLearned, SupportedStrategies()))
	}
	return nil
}
