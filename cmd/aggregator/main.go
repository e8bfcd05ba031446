// Command aperture-aggregator runs the Aperture aggregator process:
// it terminates agent push connections, buffers batches in the ring,
// optionally flushes them to a durable ClickHouse store, serves the
// merge/diff query RPCs, and exposes the admin HTTP surface.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"

	"github.com/hamzzy/aperture/internal/admin"
	"github.com/hamzzy/aperture/internal/config"
	"github.com/hamzzy/aperture/internal/ingest"
	"github.com/hamzzy/aperture/internal/logging"
	"github.com/hamzzy/aperture/internal/metrics"
	"github.com/hamzzy/aperture/internal/ring"
	"github.com/hamzzy/aperture/internal/rpc"
	"github.com/hamzzy/aperture/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "aperture-aggregator",
		Short: "Aperture distributed profiler aggregator",
	}
	run := &cobra.Command{
		Use:   "run",
		Short: "run the aggregator process",
		RunE:  runAggregator,
	}
	config.BindAggregatorFlags(run.Flags())
	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAggregator(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAggregatorConfig(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	metricsReg := metrics.New()

	r := ring.New(cfg.BufferCapacity, !cfg.RingBackpressure, 2048)

	var writer store.Writer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ClickHouseAddr != "" {
		chCtx, chCancel := context.WithTimeout(ctx, 10*time.Second)
		w, chErr := store.NewClickHouseWriter(chCtx, store.Config{
			Addr: cfg.ClickHouseAddr, Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser, Password: cfg.ClickHousePass,
			Table: cfg.DurableStoreTable,
		})
		chCancel()
		if chErr != nil {
			log.Errorw("durable store unavailable, continuing ring-only", "error", chErr)
		} else {
			writer = w
		}
	}

	flusher := store.NewFlusher(log, writer, 0)
	flusher.SetObserver(metricsReg)
	go flusher.ConsumeRing(ctx, r)
	go flusher.Run(ctx)

	ingestSrv := ingest.New(log, r, writer, metricsReg, ingest.Config{
		AuthToken: cfg.AuthToken,
	})

	grpcServer := grpc.NewServer()
	rpc.RegisterAggregatorServer(grpcServer, ingestSrv)

	ingestLis, err := net.Listen("tcp", cfg.IngestListen)
	if err != nil {
		return fmt.Errorf("listen ingest: %w", err)
	}

	adminSrv := admin.New(log, r, flusher, metricsReg, nil)
	httpServer := &http.Server{Addr: cfg.AdminListen, Handler: adminSrv.Handler()}

	go func() {
		log.Infow("ingest listening", "addr", cfg.IngestListen)
		if serveErr := grpcServer.Serve(ingestLis); serveErr != nil && serveErr != grpc.ErrServerStopped {
			log.Errorw("grpc serve failed", "error", serveErr)
		}
	}()
	go func() {
		log.Infow("admin listening", "addr", cfg.AdminListen)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Errorw("admin serve failed", "error", serveErr)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)
	<-sig
	log.Infow("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	cancel()
	if writer != nil {
		if closer, ok := writer.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
	return nil
}
