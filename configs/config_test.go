package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	. "peerelect/configs"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "default", cfg.Scope)
	assert.Equal(t, []string{"nats", "redis", "etcd", "websocket"}, cfg.Transports)
	assert.Empty(t, cfg.RedisAddr())
	assert.Empty(t, cfg.PostgresDSN())
	assert.Equal(t, time.Minute, cfg.DutyTimeout)
	assert.Equal(t, 20.0, cfg.InboundOpsPerSecond)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("PEER_SCOPE", "billing")
	t.Setenv("PEER_TRANSPORTS", " redis , ,memory")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("ETCD_ENDPOINTS", "e1:2379,e2:2379")
	t.Setenv("RELAY_DISCOVERY", "true")
	t.Setenv("DUTY_TIMEOUT", "5s")
	t.Setenv("DB_HOST", "db")
	t.Setenv("ETCD_LEASE_TTL", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, "billing", cfg.Scope)
	assert.Equal(t, []string{"redis", "memory"}, cfg.Transports)
	assert.Equal(t, "cache:6379", cfg.RedisAddr())
	assert.Equal(t, []string{"e1:2379", "e2:2379"}, cfg.EtcdEndpoints)
	assert.True(t, cfg.RelayDiscovery)
	assert.Equal(t, 5*time.Second, cfg.DutyTimeout)
	assert.Equal(t, 10, cfg.EtcdLeaseTTL, "invalid values fall back")
	assert.Contains(t, cfg.PostgresDSN(), "host=db")
}
