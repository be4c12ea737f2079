package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Port)
	assert.Equal(t, "./.fleet/fleet.db", cfg.DBPath)
	assert.True(t, cfg.CORSEnabled)
	assert.Equal(t, 3*time.Minute, cfg.HeartbeatTimeout)
	assert.Equal(t, time.Hour, cfg.ReservationTTL)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, 30*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 50, cfg.MaxConcurrentAgents)
	assert.Equal(t, 3, cfg.TaskRetryLimit)
	assert.Equal(t, 5*time.Minute, cfg.InactivityThreshold)
	assert.True(t, cfg.AutoResume)
	assert.False(t, cfg.UseExternalStore())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8099")
	t.Setenv("LOCK_TTL_MS", "60000")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:5173, https://fleet.example.com")
	t.Setenv("AUTO_RESUME", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8099, cfg.Port)
	assert.Equal(t, time.Minute, cfg.LockTTL)
	assert.Equal(t, []string{"http://localhost:5173", "https://fleet.example.com"}, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.AutoResume)
}

func TestLoadPrefixedKeysWin(t *testing.T) {
	t.Setenv("PORT", "8099")
	t.Setenv("FLEET_PORT", "8100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8100, cfg.Port)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestLoadRejectsNegativeTTL(t *testing.T) {
	t.Setenv("LOCK_TTL_MS", "-5")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownFleetKeys(t *testing.T) {
	t.Setenv("FLEET_NO_SUCH_OPTION", "1")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLEET_NO_SUCH_OPTION")
}

func TestExternalStoreDetection(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_USER", "fleet")
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.UseExternalStore())
	assert.Equal(t, 5432, cfg.DBPort)
}

func TestLoadCapabilities(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent_types:
  - name: backend
    capabilities:
      - name: api
        trigger_words: [rest, endpoint, http, api]
      - name: database
        trigger_words: [sql, migration, schema]
  - name: frontend
    capabilities:
      - name: ui
        trigger_words: [react, component, css]
`), 0o600))

	reg, err := LoadCapabilities(path)
	require.NoError(t, err)
	require.Len(t, reg.AgentTypes, 2)

	caps := reg.Defaults("backend")
	require.Len(t, caps, 2)
	assert.Equal(t, "api", caps[0].Name)
	assert.Contains(t, caps[0].TriggerWords, "endpoint")

	assert.Nil(t, reg.Defaults("unknown"))
}

func TestLoadCapabilitiesMissingFile(t *testing.T) {
	reg, err := LoadCapabilities(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, reg.AgentTypes)
}

func TestLoadCapabilitiesDuplicate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent_types:
  - name: backend
    capabilities: []
  - name: backend
    capabilities: []
`), 0o600))

	_, err := LoadCapabilities(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
