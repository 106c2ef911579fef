package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "8700", cfg.Server.Port)
	assert.Equal(t, "warden.db", cfg.Store.Path)
	assert.Equal(t, 30*time.Second, cfg.Runtime.Timeout)
	assert.Equal(t, 1000, cfg.Runtime.OperationBudget)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("WARDEN_DB", "/tmp/test-warden.db")
	t.Setenv("WARDEN_EXEC_TIMEOUT", "10s")
	t.Setenv("WARDEN_OP_BUDGET", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, "/tmp/test-warden.db", cfg.Store.Path)
	assert.Equal(t, 10*time.Second, cfg.Runtime.Timeout)
	assert.Equal(t, 50, cfg.Runtime.OperationBudget)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv("WARDEN_OP_BUDGET", "not-a-number")
	cfg := LoadOrDefault()
	assert.Equal(t, 1000, cfg.Runtime.OperationBudget)
}
