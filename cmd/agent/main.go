// Command aperture-agent runs the Aperture agent process: it attaches
// the kernel probes, resolves and optionally filters each sampled
// event, batches them, and pushes sealed batches to the aggregator.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/hamzzy/aperture/internal/bpfload"
	"github.com/hamzzy/aperture/internal/collector"
	"github.com/hamzzy/aperture/internal/config"
	"github.com/hamzzy/aperture/internal/events"
	"github.com/hamzzy/aperture/internal/filter"
	"github.com/hamzzy/aperture/internal/logging"
	"github.com/hamzzy/aperture/internal/pushclient"
	"github.com/hamzzy/aperture/internal/reader"
	"github.com/hamzzy/aperture/internal/rpc"
	"github.com/hamzzy/aperture/internal/symbol"
)

func main() {
	root := &cobra.Command{
		Use:   "aperture-agent",
		Short: "Aperture distributed profiler agent",
	}
	run := &cobra.Command{
		Use:   "run",
		Short: "run the agent process",
		RunE:  runAgent,
	}
	config.BindAgentFlags(run.Flags())
	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgentConfig(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = randomAgentID()
	}

	log, err := logging.New(cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	kernelSyms, err := symbol.LoadKernelSymbols("/proc/kallsyms")
	if err != nil {
		log.Warnw("failed to load kernel symbols, kernel frames will stay unresolved", "error", err)
	}
	resolver, err := symbol.NewResolver(log, kernelSyms, symbol.NewProcMapsReader(), symbol.NewELFLoader(), 0)
	if err != nil {
		return fmt.Errorf("build symbol resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var filterEngine reader.Filter
	if cfg.FilterWasmPath != "" {
		wasmBytes, readErr := os.ReadFile(cfg.FilterWasmPath)
		if readErr != nil {
			return fmt.Errorf("read filter module: %w", readErr)
		}
		engine, engErr := filter.New(ctx, log, wasmBytes)
		if engErr != nil {
			return fmt.Errorf("build filter engine: %w", engErr)
		}
		defer engine.Close(ctx)
		filterEngine = engine
	}

	conn, err := grpc.NewClient(cfg.AggregatorAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName())))
	if err != nil {
		return fmt.Errorf("dial aggregator: %w", err)
	}
	defer conn.Close()
	rpcClient := rpc.NewAggregatorClient(conn)

	transport := &grpcTransport{client: rpcClient, authToken: cfg.AuthToken}
	pushClient, err := pushclient.New(log, transport, cfg.AgentID, cfg.BacklogSize)
	if err != nil {
		return fmt.Errorf("build push client: %w", err)
	}
	go pushClient.Run(ctx)

	pushInterval := cfg.PushInterval
	if cfg.LowOverhead {
		pushInterval = collector.LowOverheadPushInterval
	}
	col := collector.New(log, cfg.AgentID, &pushSink{client: pushClient}, pushInterval)
	go col.Run()

	loaded, err := bpfload.Load(cfg.BpfObjectPath)
	if err != nil {
		return fmt.Errorf("load kernel probes: %w", err)
	}

	var stackTraces reader.StackTraces
	if loaded.StackTraces != nil {
		stackTraces = reader.NewCiliumStackTraces(loaded.StackTraces)
	}

	ringReader, err := ringbuf.NewReader(loaded.Ringbuf)
	if err != nil {
		return fmt.Errorf("open ring buffer: %w", err)
	}
	rd := reader.NewCilumRingbufSource(ringReader)
	rdr := reader.New(0, log, rd, stackTraces, resolver, filterEngine, col)
	go rdr.Run(ctx)

	log.Infow("agent running", "agent_id", cfg.AgentID, "aggregator", cfg.AggregatorAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)
	<-sig
	log.Infow("shutting down")

	cancel()
	_ = rd.Close()
	_ = loaded.Close()
	col.Stop()
	pushClient.Stop()
	return nil
}

func randomAgentID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("agent-%x", b)
}

// pushSink adapts pushclient.Client to collector.Sink: the collector
// hands it a sealed, encoded payload plus an event count, and the
// sink recovers the payload's own sequence number so the backlog
// tracks the same sequence the collector already assigned at seal
// time, rather than keeping a second counter in sync with it.
type pushSink struct {
	client *pushclient.Client
}

func (s *pushSink) Enqueue(payload []byte, eventCount int) {
	seq := uint64(0)
	if b, err := events.Decode(payload); err == nil {
		seq = b.Sequence
	}
	s.client.Enqueue(seq, payload)
}

// grpcTransport adapts rpc.AggregatorClient to pushclient.Transport,
// translating gRPC status codes to the push client's non-retry
// sentinels so it can apply spec.md §4.F's retry policy without
// depending on grpc/codes directly.
type grpcTransport struct {
	client    rpc.AggregatorClient
	authToken string
}

func (t *grpcTransport) Push(ctx context.Context, agentID string, sequence uint64, payload []byte) error {
	if t.authToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, rpc.AuthorizationKey, "Bearer "+t.authToken)
	}
	_, err := t.client.Push(ctx, &rpc.PushRequest{AgentId: agentID, Sequence: sequence, Payload: payload})
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unauthenticated:
		return pushclient.ErrAuthFailed
	case codes.InvalidArgument:
		return pushclient.ErrPayloadTooLarge
	default:
		return err
	}
}

