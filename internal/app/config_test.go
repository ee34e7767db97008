package app

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StorePostgres, cfg.StoreDriver)
	require.Equal(t, LockLocal, cfg.LockDriver)
	require.Equal(t, "ledger.events", cfg.KafkaTopic)
	require.Empty(t, cfg.KafkaBrokers)
}

func TestLoadConfigRejectsBadCombinations(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"STORE_DRIVER": "sqlite"}},
		{"memory in production", map[string]string{"STORE_DRIVER": "memory", "APP_ENV": "production"}},
		{"unknown lock", map[string]string{"LOCK_DRIVER": "etcd"}},
		{"redis lock without addr", map[string]string{"LOCK_DRIVER": "redis", "REDIS_ADDR": ""}},
		{"descending cutoffs", map[string]string{"REGIME_CUTOFFS": "300,200,100"}},
		{"two cutoffs", map[string]string{"REGIME_CUTOFFS": "100,200"}},
		{"redis db out of range", map[string]string{"REDIS_DB": "16"}},
		{"no workers", map[string]string{"WORKER_CONCURRENCY": "0"}},
		{"unknown log level", map[string]string{"LOG_LEVEL": "chatty"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestLoadConfigParsesListsAndCutoffs(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REGIME_CUTOFFS", "1000, 5000, 20000")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)

	thresholds, err := cfg.Thresholds()
	require.NoError(t, err)
	require.Equal(t, "20000", thresholds.Cutoffs[2].String())
}

func TestRedisSettingsReachCacheAndQueue(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "4")
	t.Setenv("REDIS_READ_TIMEOUT", "750ms")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	opts := cfg.RedisOptions()
	require.Equal(t, "redis:6380", opts.Addr)
	require.Equal(t, 4, opts.DB)
	require.Equal(t, 750*time.Millisecond, opts.Client().ReadTimeout)
	require.Equal(t, 5*time.Second, opts.DialTimeout)

	queue := cfg.AsynqRedis()
	require.Equal(t, opts.Addr, queue.Addr)
	require.Equal(t, 4, queue.DB)
	require.Equal(t, 750*time.Millisecond, queue.ReadTimeout)
	require.Equal(t, 5, cfg.WorkerConcurrency)
	require.Equal(t, slog.LevelInfo, cfg.Level())
}
