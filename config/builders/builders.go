package builders

import (
	"github.com/rushteam/streamrank/config"
	"github.com/rushteam/streamrank/model"
	"github.com/rushteam/streamrank/pkg/conv"
)

func init() {
	config.Register("totem-pole", BuildTotemPole)
	config.Register("smooth-brain", BuildSmoothBrain)
	config.Register("neutral", BuildNeutral)
	config.Register("random-forest", BuildRandomForest)
}

// BuildTotemPole 支持参数 decay（每天衰减系数）与 category_weight
func BuildTotemPole(env config.ScorerEnv) (model.Scorer, error) {
	t := model.NewTotemPole(env.Samples, env.Now)
	t.Decay = conv.ConfigGetFloat64(env.Params, "decay", t.Decay)
	t.CategoryWeight = conv.ConfigGetFloat64(env.Params, "category_weight", t.CategoryWeight)
	return t, nil
}

func BuildSmoothBrain(env config.ScorerEnv) (model.Scorer, error) {
	return model.NewSmoothBrain(env.Samples), nil
}

func BuildNeutral(config.ScorerEnv) (model.Scorer, error) {
	return model.Neutral{}, nil
}

// BuildRandomForest 支持参数 trees、max_depth、min_leaf 与 seed
func BuildRandomForest(env config.ScorerEnv) (model.Scorer, error) {
	opts := model.DefaultForestOptions()
	opts.Trees = int(conv.ConfigGetFloat64(env.Params, "trees", float64(opts.Trees)))
	opts.MaxDepth = int(conv.ConfigGetFloat64(env.Params, "max_depth", float64(opts.MaxDepth)))
	opts.MinLeaf = int(conv.ConfigGetFloat64(env.Params, "min_leaf", float64(opts.MinLeaf)))
	opts.Seed = int64(conv.ConfigGetFloat64(env.Params, "seed", float64(opts.Seed)))
	return model.NewRandomForest(env.Samples, opts), nil
}
