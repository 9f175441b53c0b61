package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/rushteam/streamrank/config"
	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/feed"
	"github.com/rushteam/streamrank/loader"
	"github.com/rushteam/streamrank/preprocess"
	"github.com/rushteam/streamrank/registry"
	"github.com/rushteam/streamrank/store"
	"github.com/rushteam/streamrank/trainer"
)

// app 持有各命令共用的存储与仓库
type app struct {
	cfg     *config.Config
	store   core.Store
	samples *feed.SampleStore
	reg     *registry.Registry
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	lists, ok := st.(core.ListStore)
	if !ok {
		_ = st.Close()
		return nil, fmt.Errorf("store %s does not support lists", st.Name())
	}
	return &app{
		cfg:     cfg,
		store:   st,
		samples: feed.NewSampleStore(lists, cfg.Feed.SamplesKey),
		reg:     registry.New(st, cfg.Model.Name),
	}, nil
}

func openStore(ctx context.Context, c config.StoreConfig) (core.Store, error) {
	switch c.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		st, err := store.NewRedisStore(ctx, c.Redis)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		st, err := store.OpenBadgerStore(c.Badger.Dir)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func (a *app) preprocessor() *preprocess.Preprocessor {
	return preprocess.New(a.samples)
}

func (a *app) trainer() *trainer.Trainer {
	return trainer.New(a.preprocessor(), a.reg, a.cfg.TrainerOptions())
}

func (a *app) Close() error { return a.store.Close() }

// transport 是 Host/Proxy 通道及其清理函数
type transport struct {
	loader.Transport
	embedded *server.Server
	conn     *nats.Conn
	// url 是实际连接的 NATS 地址，chan 通道时为空
	url string
}

// openTransport 按配置建立通道；nats.embedded 为 true 时先在进程内启动 nats-server
func openTransport(cfg *config.Config) (*transport, error) {
	if cfg.Transport.Kind != "nats" {
		return &transport{Transport: loader.NewChanTransport()}, nil
	}
	t := &transport{}
	url := cfg.Transport.NATS.URL
	if cfg.Transport.NATS.Embedded {
		ns, err := startEmbeddedNATS(cfg.Transport.NATS)
		if err != nil {
			return nil, err
		}
		t.embedded = ns
		url = ns.ClientURL()
	}
	conn, err := nats.Connect(url,
		nats.Name("streamrank"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	t.conn = conn
	t.url = url
	t.Transport = loader.NewNATSTransport(conn, cfg.NATSOptions())
	return t, nil
}

func startEmbeddedNATS(c config.NATSConfig) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: "streamrank",
		Host:       c.Host,
		Port:       c.Port,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready")
	}
	return ns, nil
}

func (t *transport) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
	if t.embedded != nil {
		t.embedded.Shutdown()
		t.embedded.WaitForShutdown()
	}
}
