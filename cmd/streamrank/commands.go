package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feature"
	"github.com/rushteam/streamrank/feed"
	"github.com/rushteam/streamrank/loader"
	"github.com/rushteam/streamrank/model"
	"github.com/rushteam/streamrank/notify"
	"github.com/rushteam/streamrank/pkg/dsl"
	"github.com/rushteam/streamrank/pkg/logging"
	"github.com/rushteam/streamrank/rank"
	"github.com/rushteam/streamrank/registry"
)

var (
	trainCmd = &cobra.Command{
		Use:   "train",
		Short: "Check staleness once and retrain if needed",
		RunE:  runTrain,
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Show the saved model artifact without loading weights",
		RunE:  runInfo,
	}
	searchCmd = &cobra.Command{
		Use:   "search",
		Short: "Search hyperparameters with cross-validation",
		RunE:  runSearch,
	}
	rankCmd = &cobra.Command{
		Use:   "rank [streams.json|-]",
		Short: "Rank candidate streams read from a JSON array",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRank,
	}
	notifyCmd = &cobra.Command{
		Use:   "notify [snapshot.json|-]",
		Short: "Pick newly live streams worth a notification",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runNotify,
	}
	publishCmd = &cobra.Command{
		Use:   "publish [samples.json|-]",
		Short: "Record watch samples read from a JSON array",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPublish,
	}
)

var (
	forceTrain   bool
	outputFormat string
	waitHost     time.Duration
	searchOpts   = model.SearchOptions{Attempts: 20, Folds: model.DefaultFolds, SpeedPenalty: 0.1}
	saveBest     bool
)

func init() {
	trainCmd.Flags().BoolVarP(&forceTrain, "force", "f", false, "retrain even if the saved model is fresh")

	searchCmd.Flags().IntVar(&searchOpts.Attempts, "attempts", searchOpts.Attempts, "number of mutated configurations to try")
	searchCmd.Flags().IntVar(&searchOpts.Folds, "folds", searchOpts.Folds, "cross-validation folds")
	searchCmd.Flags().Float64Var(&searchOpts.SpeedPenalty, "speed-penalty", searchOpts.SpeedPenalty, "loss penalty per doubling of training time")
	searchCmd.Flags().DurationVar(&searchOpts.MaxDuration, "max-duration", 0, "abandon a cross-validation after this long")
	searchCmd.Flags().BoolVar(&saveBest, "save", false, "train the best configuration and save it if it beats the current artifact")

	for _, c := range []*cobra.Command{rankCmd, notifyCmd} {
		c.Flags().DurationVar(&waitHost, "wait", 3*time.Second, "how long to wait for a model host over NATS")
	}
	for _, c := range []*cobra.Command{trainCmd, infoCmd, searchCmd, rankCmd, notifyCmd} {
		c.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")
	}
}

func printResult(w io.Writer, v any) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func readInput(args []string, v any) error {
	var r io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}

func runTrain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tr := a.trainer()
	check := tr.Check
	if forceTrain {
		check = tr.Force
	}
	res, err := check(ctx)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), map[string]any{
		"model":    cfg.Model.Name,
		"state":    res.State.String(),
		"trained":  res.Trained,
		"skipped":  res.Skipped,
		"loss":     res.Evaluation.Loss,
		"accuracy": res.Evaluation.Accuracy,
		"dataset":  res.Dataset,
	})
}

type infoOutput struct {
	Model    string             `json:"model" yaml:"model"`
	Store    string             `json:"store" yaml:"store"`
	Samples  int                `json:"samples" yaml:"samples"`
	Saved    bool               `json:"saved" yaml:"saved"`
	Loss     float64            `json:"loss,omitempty" yaml:"loss,omitempty"`
	Age      string             `json:"age,omitempty" yaml:"age,omitempty"`
	Dataset  core.DatasetSize   `json:"dataset" yaml:"dataset"`
	Hyper    model.HyperOptions `json:"hyper,omitempty" yaml:"hyper,omitempty"`
	Features []string           `json:"features,omitempty" yaml:"features,omitempty"`
	Width    int                `json:"width,omitempty" yaml:"width,omitempty"`
}

func runInfo(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := infoOutput{Model: a.reg.Name(), Store: a.store.Name()}
	if samples, err := a.samples.Samples(ctx); err == nil {
		out.Samples = len(samples)
	}
	info, err := a.reg.SavedInfo(ctx)
	if err != nil {
		return err
	}
	if info != nil {
		out.Saved = true
		out.Loss = info.Loss
		out.Age = info.Age(time.Now()).Round(time.Second).String()
		out.Dataset = info.DatasetSize
		if out.Hyper, err = model.UnmarshalHyper(info.HyperOptions); err != nil {
			return err
		}
		var keys feature.EncodingKeys
		if err := json.Unmarshal(info.Encoding, &keys); err != nil {
			return fmt.Errorf("decode encoding: %w", err)
		}
		out.Features = keys.Fields()
		out.Width = keys.Width()
	}
	return printResult(cmd.OutOrStdout(), out)
}

func runSearch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	space := model.DefaultSearchSpace()
	if cfg.Trainer.SearchSpace != "" {
		if space, err = model.LoadSearchSpace(cfg.Trainer.SearchSpace); err != nil {
			return err
		}
	}
	start := cfg.Model.Hyper.Clone()
	if stats, err := a.reg.SavedStats(ctx); err == nil && stats != nil {
		if hyper, err := model.UnmarshalHyper(stats.HyperOptions); err == nil && hyper.Validate() == nil {
			start = hyper
		}
	}

	pre := a.preprocessor()
	opts := cfg.TrainerOptions()
	data, err := pre.GetTrainingData(ctx, opts.Split)
	if err != nil {
		return err
	}
	if len(data.Training) < opts.Policy.MinCorpus {
		return fmt.Errorf("corpus too small for search: %d < %d", len(data.Training), opts.Policy.MinCorpus)
	}
	searchOpts.Seed = cfg.Trainer.Seed
	res, err := model.Search(ctx, data.Keys, data.Training, start, space, searchOpts)
	if err != nil && len(res.Tried) == 0 {
		return err
	}

	saved := false
	if saveBest {
		r, err := model.New(data.Keys, res.Best.Hyper, model.WithName(a.reg.Name()), model.WithSaver(a.reg))
		if err != nil {
			return err
		}
		if _, err := r.Train(ctx, data.Training); err != nil {
			return err
		}
		holdout := data.Holdout
		if len(holdout) == 0 {
			holdout = data.Training
		}
		ev, err := r.Evaluate(ctx, holdout, model.EvalOptions{AutoSave: true, Total: data.Total})
		if err != nil {
			return err
		}
		saved = ev.Saved
	}

	tried := make([]map[string]any, len(res.Tried))
	for i, c := range res.Tried {
		tried[i] = map[string]any{
			"hyper":    c.Hyper.Key(),
			"loss":     c.Loss,
			"adjusted": c.Adjusted,
			"took":     c.Duration.Round(time.Millisecond).String(),
			"aborted":  c.Aborted,
		}
	}
	return printResult(cmd.OutOrStdout(), map[string]any{
		"best":    res.Best.Hyper,
		"loss":    res.Best.Loss,
		"skipped": res.Skipped,
		"saved":   saved,
		"tried":   tried,
	})
}

// learnedRanker 返回学习模型的访问入口：nats 通道经 Proxy 访问 serve 进程里的 Host；
// 否则在本进程加载一个 Host。--wait 内没有 Host 上线、或本地没有产物时返回 nil，
// 调用方退回启发式策略或中性分。
func learnedRanker(ctx context.Context, reg *registry.Registry) (loader.Ranker, func(), error) {
	logger := logging.Component("cli")
	if cfg.Transport.Kind == "nats" && !cfg.Transport.NATS.Embedded {
		tr, err := openTransport(cfg)
		if err != nil {
			return nil, nil, err
		}
		p := loader.NewProxy(cfg.Model.Name, tr)
		waitCtx, cancel := context.WithTimeout(ctx, waitHost)
		defer cancel()
		if err := p.WaitForHost(waitCtx); err != nil {
			logger.Warn().Err(err).Dur("wait", waitHost).Msg("no model host answered, using fallback")
			tr.Close()
			return nil, func() {}, nil
		}
		return p, tr.Close, nil
	}
	host := loader.NewHost(cfg.Model.Name, loader.NewChanTransport())
	if !host.Load(ctx, reg) {
		logger.Warn().Str("model", cfg.Model.Name).Msg("no saved model, using fallback")
		return nil, func() {}, nil
	}
	return host, func() {}, nil
}

func runRank(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var streams []core.Stream
	if err := readInput(args, &streams); err != nil {
		return err
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	filter, err := dsl.Compile(cfg.Rank.Filter)
	if err != nil {
		return err
	}
	learned, closeFn, err := learnedRanker(ctx, a.reg)
	if err != nil {
		return err
	}
	defer closeFn()

	svc, err := rank.New(learned, a.samples, rank.Options{
		Strategy: cfg.Rank.Strategy,
		Fallback: cfg.Rank.Fallback,
		Filter:   filter,
		Params:   cfg.Rank.Params,

		LearnedTimeout: cfg.Rank.LearnedTimeout,
	})
	if err != nil {
		return err
	}
	res, err := svc.Rank(ctx, streams)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res)
}

// snapshot 是 notify 的输入：上一轮与本轮在线的直播，以及正在观看的主播
type snapshot struct {
	Previous []core.Stream `json:"previous"`
	Current  []core.Stream `json:"current"`
	Watched  []string      `json:"watched"`
}

func runNotify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var snap snapshot
	if err := readInput(args, &snap); err != nil {
		return err
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	policy, err := notify.NewPolicy(cfg.Notify.RelativeQualityMinimum, cfg.Notify.Rule)
	if err != nil {
		return err
	}
	policy.Timeout = cfg.Rank.LearnedTimeout
	learned, closeFn, err := learnedRanker(ctx, a.reg)
	if err != nil {
		return err
	}
	defer closeFn()

	watched := make(map[string]bool, len(snap.Watched))
	for _, id := range snap.Watched {
		watched[id] = true
	}
	picked, err := policy.Select(ctx, learned, snap.Previous, snap.Current, watched)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), map[string]any{"notify": picked})
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var samples []core.WatchSample
	if err := readInput(args, &samples); err != nil {
		return err
	}
	now := time.Now()
	for i := range samples {
		if samples[i].Time.IsZero() {
			samples[i].Time = now
		}
	}

	// nats 通道时交给 serve 进程的 Collector，否则直接写入存储
	if cfg.Transport.Kind == "nats" && !cfg.Transport.NATS.Embedded {
		pub, err := feed.NewNATSPublisher(cfg.Transport.NATS.URL, feed.NewWatermillLogger(logging.Component("watermill")))
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := feed.Publish(pub, cfg.Feed.Topic, samples...); err != nil {
			return err
		}
	} else {
		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.samples.Append(ctx, samples...); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recorded %d samples\n", len(samples))
	return nil
}
