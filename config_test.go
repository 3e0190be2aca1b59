package flowstudio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetIntEnvOrDefault(t *testing.T) {
	t.Setenv("FLOW_TEST_INT", "12")
	t.Setenv("FLOW_TEST_BAD", "twelve")

	assert.Equal(t, 12, getIntEnvOrDefault("FLOW_TEST_INT", 3))
	assert.Equal(t, 3, getIntEnvOrDefault("FLOW_TEST_BAD", 3))
	assert.Equal(t, 3, getIntEnvOrDefault("FLOW_TEST_MISSING", 3))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a@x.io", "b@x.io"}, splitList(" a@x.io, ,b@x.io "))
	assert.Nil(t, splitList(""))
}

func TestInitConfigWithoutDatabase(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_HOSTNAME", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("ENGINE_MAX_RETRIES", "2")

	InitConfig("does-not-exist.env")

	cfg := GetConfig()
	assert.Nil(t, DB)
	assert.Nil(t, Redis)
	assert.Equal(t, 2, cfg.EngineConfig.MaxRetries)
	assert.Equal(t, 60, cfg.EngineConfig.NodeTimeoutSeconds)
	assert.Equal(t, ":8080", cfg.ApiPort)
}
