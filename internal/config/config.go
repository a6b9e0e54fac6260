// Package config loads service configuration from environment variables
// (TIDEHOOK_* prefixed) with sensible defaults, via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Stream struct {
	Backend    string // redis | memory
	Partitions int
	Group      string
	BatchSize  int
	Block      time.Duration
}

type Dispatcher struct {
	Workers                int
	ConsumerPrefix         string
	MaxInFlight            int64 // global HTTP attempt ceiling
	PerEndpointConcurrency int64
	DrainTimeout           time.Duration
	ReconcileInterval      time.Duration
	PendingAge             time.Duration // pending events older than this are re-published
	LeaseDuration          time.Duration
	TopicRefresh           time.Duration
}

type Delivery struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	KeepAlive           time.Duration
	StrictURLs          bool // reject private / link-local subscriber hosts
}

type Retry struct {
	SweepInterval time.Duration
	SweepBatch    int
}

type API struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Config struct {
	AppName      string
	MetricsAddr  string
	StoreBackend string // postgres | memory
	Schemas      []string
	DB           DB
	Redis        Redis
	Stream       Stream
	Dispatcher   Dispatcher
	Delivery     Delivery
	Retry        Retry
	API          API
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TIDEHOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.name", "tidehook")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("store.backend", "postgres")
	v.SetDefault("schemas", "public")

	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.pass", "postgres")
	v.SetDefault("db.host", "postgres")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "tidehook")
	v.SetDefault("db.max_conns", 10)

	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("stream.backend", "redis")
	v.SetDefault("stream.partitions", 16)
	v.SetDefault("stream.group", "dispatchers")
	v.SetDefault("stream.batch_size", 32)
	v.SetDefault("stream.block", "5s")

	v.SetDefault("dispatcher.workers", 8)
	v.SetDefault("dispatcher.consumer_prefix", "dispatcher")
	v.SetDefault("dispatcher.max_in_flight", 256)
	v.SetDefault("dispatcher.per_endpoint_concurrency", 8)
	v.SetDefault("dispatcher.drain_timeout", "30s")
	v.SetDefault("dispatcher.reconcile_interval", "30s")
	v.SetDefault("dispatcher.pending_age", "60s")
	v.SetDefault("dispatcher.lease_duration", "2m")
	v.SetDefault("dispatcher.topic_refresh", "15s")

	v.SetDefault("delivery.max_idle_conns", 100)
	v.SetDefault("delivery.max_idle_conns_per_host", 10)
	v.SetDefault("delivery.idle_conn_timeout", "90s")
	v.SetDefault("delivery.keep_alive", "30s")
	v.SetDefault("delivery.strict_urls", true)

	v.SetDefault("retry.sweep_interval", "1s")
	v.SetDefault("retry.sweep_batch", 128)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")

	return v
}

// Load reads configuration from the environment.
func Load() Config {
	v := newViper()
	return Config{
		AppName:      v.GetString("app.name"),
		MetricsAddr:  v.GetString("metrics.addr"),
		StoreBackend: v.GetString("store.backend"),
		Schemas:      splitList(v.GetString("schemas")),
		DB: DB{
			User:     v.GetString("db.user"),
			Pass:     v.GetString("db.pass"),
			Host:     v.GetString("db.host"),
			Port:     v.GetString("db.port"),
			Name:     v.GetString("db.name"),
			MaxConns: v.GetInt32("db.max_conns"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Stream: Stream{
			Backend:    v.GetString("stream.backend"),
			Partitions: v.GetInt("stream.partitions"),
			Group:      v.GetString("stream.group"),
			BatchSize:  v.GetInt("stream.batch_size"),
			Block:      v.GetDuration("stream.block"),
		},
		Dispatcher: Dispatcher{
			Workers:                v.GetInt("dispatcher.workers"),
			ConsumerPrefix:         v.GetString("dispatcher.consumer_prefix"),
			MaxInFlight:            v.GetInt64("dispatcher.max_in_flight"),
			PerEndpointConcurrency: v.GetInt64("dispatcher.per_endpoint_concurrency"),
			DrainTimeout:           v.GetDuration("dispatcher.drain_timeout"),
			ReconcileInterval:      v.GetDuration("dispatcher.reconcile_interval"),
			PendingAge:             v.GetDuration("dispatcher.pending_age"),
			LeaseDuration:          v.GetDuration("dispatcher.lease_duration"),
			TopicRefresh:           v.GetDuration("dispatcher.topic_refresh"),
		},
		Delivery: Delivery{
			MaxIdleConns:        v.GetInt("delivery.max_idle_conns"),
			MaxIdleConnsPerHost: v.GetInt("delivery.max_idle_conns_per_host"),
			IdleConnTimeout:     v.GetDuration("delivery.idle_conn_timeout"),
			KeepAlive:           v.GetDuration("delivery.keep_alive"),
			StrictURLs:          v.GetBool("delivery.strict_urls"),
		},
		Retry: Retry{
			SweepInterval: v.GetDuration("retry.sweep_interval"),
			SweepBatch:    v.GetInt("retry.sweep_batch"),
		},
		API: API{
			Addr:         v.GetString("api.addr"),
			ReadTimeout:  v.GetDuration("api.read_timeout"),
			WriteTimeout: v.GetDuration("api.write_timeout"),
		},
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DSN renders the Postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
