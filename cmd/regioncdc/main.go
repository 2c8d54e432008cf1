// Command regioncdc runs the per-region change-data-capture service:
// one task lane per region converting committed command batches into
// row-level change events, a snapshot-apply worker, and a gRPC front end
// subscribers attach to.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/chronodb/regioncdc/config"
	"github.com/chronodb/regioncdc/ops"
	"github.com/chronodb/regioncdc/raftlog"
	"github.com/chronodb/regioncdc/snapshot"
	"github.com/chronodb/regioncdc/storage"
	"github.com/chronodb/regioncdc/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("regioncdc: exiting")
	}
}

func run(argv []string) error {
	cfg, err := config.Parse(argv)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	log := ops.NewLogger("main")

	metrics := ops.NewMetrics(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("regioncdc: received shutdown signal")
		cancel()
	}()

	// The initial incremental scan also reads the lock CF, which
	// SnapshotCFs leaves out.
	cfs := append([]raftlog.CF{raftlog.CFLock}, storage.SnapshotCFs...)
	engine, err := storage.OpenRocksEngine(cfg.Storage.DataDir, cfs)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	defer engine.Close()

	worker := snapshot.NewWorker(snapshot.Config{
		Engine:                engine,
		UseDeleteRange:        cfg.Storage.UseDeleteRange,
		CleanStalePeerDelay:   cfg.Snapshot.CleanStalePeerDelay,
		Level0SlowdownTrigger: cfg.Storage.Level0SlowdownTrigger,
		Generate:              func(context.Context, uint64) error { return nil },
		Apply:                  func(context.Context, uint64, *snapshot.AtomicStatus) error { return nil },
	})
	go worker.Run(ctx)

	router := newRegionRouter(log, metrics, engine)

	if len(cfg.Regions.Endpoints) > 0 {
		etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cfg.Regions.Endpoints})
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcdClient.Close()
		if err := router.attachDirectory(ctx, etcdClient, cfg.Regions.Prefix); err != nil {
			return fmt.Errorf("start region directory watch: %w", err)
		}
	}

	gs := transport.NewGRPCServer()
	transport.Register(gs, transport.NewServer(router, cfg.Transport.SinkBuffer))

	lis, err := net.Listen("tcp", cfg.Transport.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Transport.ListenAddr, err)
	}
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	go serveMetrics(ctx, cfg.MetricsAddr, log)

	log.WithField("addr", cfg.Transport.ListenAddr).Info("regioncdc: serving")
	if err := gs.Serve(lis); err != nil {
		return fmt.Errorf("serve grpc: %w", err)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("regioncdc: metrics server stopped")
	}
}
