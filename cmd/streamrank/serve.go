package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feed"
	"github.com/rushteam/streamrank/loader"
	"github.com/rushteam/streamrank/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the model host, the staleness trainer and the sample collector",
	RunE:  runServe,
}

var noTrainer bool

func init() {
	serveCmd.Flags().BoolVar(&noTrainer, "no-trainer", false, "only host the model, never retrain")
}

// serviceFunc 把一个阻塞函数包装成 suture.Service
type serviceFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (s serviceFunc) Serve(ctx context.Context) error { return s.fn(ctx) }
func (s serviceFunc) String() string                  { return s.name }

func newSupervisor(logger zerolog.Logger) *suture.Supervisor {
	return suture.New("streamrank", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}

// openFeed 返回样本订阅者：nats 通道时跨进程订阅，否则使用进程内 gochannel
func openFeed(t *transport) (message.Subscriber, error) {
	wlog := feed.NewWatermillLogger(logging.Component("watermill"))
	if t.url != "" {
		return feed.NewNATSSubscriber(t.url, feed.DefaultQueueGroup, wlog)
	}
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wlog), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := logging.Component("serve")

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	tr, err := openTransport(cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	sub, err := openFeed(tr)
	if err != nil {
		return err
	}
	defer sub.Close()

	host := loader.NewHost(cfg.Model.Name, tr)
	if !host.Load(ctx, a.reg) {
		logger.Info().Str("model", cfg.Model.Name).Msg("no saved model yet, waiting for first training")
	}

	sup := newSupervisor(logger)
	sup.Add(host)
	sup.Add(serviceFunc{name: "reload/" + cfg.Model.Name, fn: func(ctx context.Context) error {
		err := host.Watch(ctx, a.reg)
		if core.IsStoreNotSupported(err) {
			logger.Warn().Str("store", a.store.Name()).Msg("store cannot watch, hot reload disabled")
			return suture.ErrDoNotRestart
		}
		return err
	}})
	sup.Add(feed.NewCollector(sub, cfg.Feed.Topic, a.samples))
	if !noTrainer {
		sup.Add(a.trainer())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Serve(gctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, logger) })
	}
	logger.Info().
		Str("model", cfg.Model.Name).
		Str("store", a.store.Name()).
		Str("transport", cfg.Transport.Kind).
		Msg("streamrank serving")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
