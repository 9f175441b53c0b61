package dsl

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rushteam/streamrank/core"
)

var (
	// celEnv 是全局的 CEL 环境，线程安全，可复用
	celEnv     *cel.Env
	celEnvErr  error
	celEnvOnce sync.Once
)

// initCELEnv 初始化 CEL 环境，定义变量
func initCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("stream", cel.DynType),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("params", cel.DynType),
	)
}

// getCELEnv 获取或创建 CEL 环境
func getCELEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = initCELEnv()
	})
	return celEnv, celEnvErr
}

// Rule 是编译好的直播过滤规则，使用 CEL (Common Expression Language) 语法。
// 编译一次后可并发多次求值。
//
// 可用变量：
//   - stream：直播字段，字段名与上游接口一致（user_id、game_id、title、viewer_count、language、is_mature、tags...）
//   - score：当前分数，未打分时为 0.5
//   - params：调用方传入的参数
//
// 示例：
//   - `!stream.is_mature`
//   - `stream.language == "en" && stream.viewer_count > 100.0`
//   - `"speedrun" in stream.tags`
//   - `score >= 0.6 || stream.game_id in params.favorites`
type Rule struct {
	expr string
	prg  cel.Program
}

// Compile 编译表达式。空表达式得到 nil Rule，Match 总是返回 true。
func Compile(expr string) (*Rule, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := getCELEnv()
	if err != nil {
		return nil, fmt.Errorf("dsl: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, core.NewDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput,
			fmt.Sprintf("dsl: compile %q: %v", expr, issues.Err()))
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, core.NewDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput,
			fmt.Sprintf("dsl: %q must return bool, got %v", expr, out))
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("dsl: program %q: %w", expr, err)
	}
	return &Rule{expr: expr, prg: prg}, nil
}

// MustCompile 编译失败时 panic，用于包级变量
func MustCompile(expr string) *Rule {
	r, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return r
}

// String 返回原始表达式
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	return r.expr
}

// Match 对单路直播求值
func (r *Rule) Match(s core.Stream, score float64, params map[string]any) (bool, error) {
	if r == nil {
		return true, nil
	}
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := r.prg.Eval(map[string]any{
		"stream": s.Entry(),
		"score":  score,
		"params": params,
	})
	if err != nil {
		// 访问不存在的字段会报错，规则里应先用 has() 判断
		return false, fmt.Errorf("dsl: eval %q: %w", r.expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("dsl: %q must return bool, got %T", r.expr, out.Value())
	}
	return result, nil
}

// Filter 返回满足规则的直播，保持原顺序。求值出错的直播视为不满足。
func (r *Rule) Filter(streams []core.Stream, params map[string]any) ([]core.Stream, []error) {
	if r == nil {
		return streams, nil
	}
	out := make([]core.Stream, 0, len(streams))
	var errs []error
	for _, s := range streams {
		ok, err := r.Match(s, core.NeutralScore, params)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, errs
}
