// Package config binds Aperture's environment variables (spec.md §6)
// to typed settings via spf13/viper, following the pflag+viper
// binding pattern the DataDog Agent uses for its own daemons.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LowOverheadSampleHz is the fixed sampling rate under LOW_OVERHEAD=1.
const LowOverheadSampleHz = 49

// LowOverheadSamplePeriodNs is 1e9/49 ns, rounded.
const LowOverheadSamplePeriodNs = 20_408_163

// AgentConfig carries the agent process's runtime settings.
type AgentConfig struct {
	AggregatorAddr string        `mapstructure:"aggregator_addr"`
	AuthToken      string        `mapstructure:"auth_token"`
	AgentID        string        `mapstructure:"agent_id"`
	LowOverhead    bool          `mapstructure:"low_overhead"`
	PushInterval   time.Duration `mapstructure:"push_interval"`
	BacklogSize    int           `mapstructure:"backlog_size"`
	LogFormat      string        `mapstructure:"log_format"`
	FilterWasmPath string        `mapstructure:"filter_wasm_path"`
	BpfObjectPath  string        `mapstructure:"bpf_object_path"`
}

// AggregatorConfig carries the aggregator process's runtime settings.
type AggregatorConfig struct {
	AuthToken         string `mapstructure:"auth_token"`
	AdminListen       string `mapstructure:"admin_listen"`
	IngestListen      string `mapstructure:"ingest_listen"`
	LogFormat         string `mapstructure:"log_format"`
	BufferCapacity    int    `mapstructure:"buffer_capacity"`
	RingBackpressure  bool   `mapstructure:"ring_backpressure"`
	ClickHouseAddr    string `mapstructure:"clickhouse_addr"`
	ClickHouseDB      string `mapstructure:"clickhouse_db"`
	ClickHouseUser    string `mapstructure:"clickhouse_user"`
	ClickHousePass    string `mapstructure:"clickhouse_pass"`
	DurableStoreTable string `mapstructure:"durable_store_table"`
}

func newViper(flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		_ = v.BindPFlags(flags)
	}
	return v
}

// BindAgentFlags registers the agent's flags on flags, each bound to
// its spec.md §6 environment-variable twin.
func BindAgentFlags(flags *pflag.FlagSet) {
	flags.String("aggregator-addr", "127.0.0.1:4317", "aggregator gRPC address")
	flags.String("auth-token", "", "bearer token for the aggregator (AUTH_TOKEN)")
	flags.String("agent-id", "", "opaque agent identifier (random if empty)")
	flags.Bool("low-overhead", false, "49Hz sampling, 10s push interval (LOW_OVERHEAD)")
	flags.Duration("push-interval", 5*time.Second, "push tick period")
	flags.Int("backlog-size", 64, "bounded push backlog size")
	flags.String("log-format", "text", "json|text (LOG_FORMAT)")
	flags.String("filter-wasm-path", "", "optional path to a sandboxed filter .wasm module")
	flags.String("bpf-object-path", "/opt/aperture/probes.o", "path to the compiled kernel-probe object (BPF_OBJECT_PATH)")
}

// LoadAgentConfig reads bound flags/env into an AgentConfig.
func LoadAgentConfig(flags *pflag.FlagSet) (AgentConfig, error) {
	v := newViper(flags)
	v.SetEnvPrefix("")
	_ = v.BindEnv("auth-token", "AUTH_TOKEN")
	_ = v.BindEnv("log-format", "LOG_FORMAT")
	_ = v.BindEnv("low-overhead", "LOW_OVERHEAD")

	var cfg AgentConfig
	cfg.AggregatorAddr = v.GetString("aggregator-addr")
	cfg.AuthToken = v.GetString("auth-token")
	cfg.AgentID = v.GetString("agent-id")
	cfg.LowOverhead = v.GetBool("low-overhead")
	cfg.PushInterval = v.GetDuration("push-interval")
	cfg.BacklogSize = v.GetInt("backlog-size")
	cfg.LogFormat = v.GetString("log-format")
	cfg.FilterWasmPath = v.GetString("filter-wasm-path")
	cfg.BpfObjectPath = v.GetString("bpf-object-path")

	if cfg.LowOverhead {
		cfg.PushInterval = 10 * time.Second
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	return cfg, nil
}

// BindAggregatorFlags registers the aggregator's flags.
func BindAggregatorFlags(flags *pflag.FlagSet) {
	flags.String("auth-token", "", "bearer token required from agents (AUTH_TOKEN)")
	flags.String("admin-listen", "0.0.0.0:9090", "admin HTTP bind address (ADMIN_LISTEN)")
	flags.String("ingest-listen", "0.0.0.0:4317", "ingest gRPC bind address (INGEST_LISTEN)")
	flags.String("log-format", "text", "json|text (LOG_FORMAT)")
	flags.Int("buffer-capacity", 10000, "ring buffer capacity (BUFFER_CAPACITY)")
	flags.Bool("ring-backpressure", false, "return ResourceExhausted instead of drop-oldest (RING_BACKPRESSURE)")
	flags.String("clickhouse-addr", "", "ClickHouse address; empty disables the durable store")
	flags.String("clickhouse-db", "aperture", "ClickHouse database")
	flags.String("clickhouse-user", "default", "ClickHouse username")
	flags.String("clickhouse-pass", "", "ClickHouse password")
	flags.String("durable-store-table", "batches", "ClickHouse table name")
}

// LoadAggregatorConfig reads bound flags/env into an AggregatorConfig.
func LoadAggregatorConfig(flags *pflag.FlagSet) (AggregatorConfig, error) {
	v := newViper(flags)
	_ = v.BindEnv("auth-token", "AUTH_TOKEN")
	_ = v.BindEnv("admin-listen", "ADMIN_LISTEN")
	_ = v.BindEnv("ingest-listen", "INGEST_LISTEN")
	_ = v.BindEnv("log-format", "LOG_FORMAT")
	_ = v.BindEnv("buffer-capacity", "BUFFER_CAPACITY")
	_ = v.BindEnv("ring-backpressure", "RING_BACKPRESSURE")

	var cfg AggregatorConfig
	cfg.AuthToken = v.GetString("auth-token")
	cfg.AdminListen = v.GetString("admin-listen")
	cfg.IngestListen = v.GetString("ingest-listen")
	cfg.LogFormat = v.GetString("log-format")
	cfg.BufferCapacity = v.GetInt("buffer-capacity")
	cfg.RingBackpressure = v.GetBool("ring-backpressure")
	cfg.ClickHouseAddr = v.GetString("clickhouse-addr")
	cfg.ClickHouseDB = v.GetString("clickhouse-db")
	cfg.ClickHouseUser = v.GetString("clickhouse-user")
	cfg.ClickHousePass = v.GetString("clickhouse-pass")
	cfg.DurableStoreTable = v.GetString("durable-store-table")

	if cfg.AdminListen == "" {
		cfg.AdminListen = "0.0.0.0:9090"
	}
	if cfg.IngestListen == "" {
		cfg.IngestListen = "0.0.0.0:4317"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 10000
	}
	return cfg, nil
}
