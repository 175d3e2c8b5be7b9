package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_LocalEnvironment(t *testing.T) {
	t.Setenv("CONFIG_ENV", "local")
	t.Setenv("CONFIG_DIR", filepath.Join("..", "..", "config"))
	t.Setenv("CREDENTIAL_KEY", "test-key")
	t.Setenv("ADDITIONAL_WEBHOOK_URLS", "https://a.example.com/hook, ,https://b.example.com/hook")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.Agent.ServiceURL)
	assert.Equal(t, "test-key", cfg.Credential.Key)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, 10, cfg.Sync.InitialWindow)
	assert.Equal(t, 5, cfg.Sync.IncrementalCap)
	assert.Equal(t, 3*time.Second, cfg.Enrichment.Interval())
	assert.Equal(t, 2*time.Minute, cfg.Enrichment.RateLimitCooldown())
	assert.Equal(t, 5*time.Second, cfg.IMAP.ReconnectDelay())
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout())
	assert.Equal(t, []string{"https://a.example.com/hook", "https://b.example.com/hook"}, cfg.Webhook.AdditionalURLs)
}

func TestLoad_RequiresCredentialKey(t *testing.T) {
	dir := t.TempDir()
	base := "agent:\n  service_url: http://agent\ncredential:\n  key: ${CREDENTIAL_KEY}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o600))
	t.Setenv("CONFIG_DIR", dir)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("CREDENTIAL_KEY", "")

	_, err := Load()
	assert.ErrorContains(t, err, "credential.key")
}

func TestValidate_DefaultsPort(t *testing.T) {
	cfg := &Config{Agent: AgentConfig{ServiceURL: "http://agent"}, Credential: CredentialConfig{Key: "k"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(" , "))
	assert.Equal(t, []string{"x", "y"}, splitList("x,y"))
}
