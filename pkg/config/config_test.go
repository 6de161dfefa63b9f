package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VancouverCanada/openport/pkg/artifacts"
	"github.com/VancouverCanada/openport/pkg/config"
	"github.com/VancouverCanada/openport/pkg/contracts"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"OPENPORT_ADDR", "LOG_LEVEL", "LOG_FORMAT", "OPENPORT_STORE", "OPENPORT_DOMAIN_ADAPTER",
		"DATABASE_URL", "OPENPORT_RATE_LIMIT", "OPENPORT_RATE_WINDOW", "OPENPORT_PREFLIGHT_TTL",
		"OPENPORT_BOOTSTRAP_FILE", "ARTIFACT_STORAGE_TYPE", "OPENPORT_DEMO", "REDIS_ADDR",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, config.ModeMemory, cfg.Store)
	assert.Equal(t, config.ModeMemory, cfg.DomainAdapter)
	assert.Equal(t, 240, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, 10*time.Minute, cfg.PreflightTTL)
	assert.Equal(t, 50.0, cfg.IPRPS)
	assert.Equal(t, 100, cfg.IPBurst)
	assert.False(t, cfg.Demo)
	assert.Nil(t, cfg.Bootstrap)
	assert.Equal(t, artifacts.TypeNone, cfg.ArtifactConfig().Type)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENPORT_STORE", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://openport@db:5432/openport")
	t.Setenv("OPENPORT_RATE_WINDOW", "30s")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "exports")
	t.Setenv("OPENPORT_DEMO", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.ModePostgres, cfg.Store)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.RateWindow)
	assert.True(t, cfg.Demo)

	ac := cfg.ArtifactConfig()
	assert.Equal(t, artifacts.TypeS3, ac.Type)
	assert.Equal(t, "exports", ac.S3.Bucket)
	assert.Equal(t, "us-east-1", ac.S3.Region)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":          {"OPENPORT_STORE": "mongo"},
		"postgres without dsn":   {"OPENPORT_DOMAIN_ADAPTER": "postgres"},
		"zero rate limit":        {"OPENPORT_RATE_LIMIT": "0"},
		"bad log format":         {"LOG_FORMAT": "xml"},
		"unknown artifact store": {"ARTIFACT_STORAGE_TYPE": "ftp"},
		"unparsable duration":    {"OPENPORT_RATE_WINDOW": "soon"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			require.Error(t, err)
		})
	}
}

func TestLoadBootstrap(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apps:
  - name: Demo Integration
    scope: workspace
    org_id: org_demo
    service_user_id: svc_org_demo
    created_by: admin_demo
    scopes: [ledger.read, transaction.read]
    token: op_pinned_bootstrap_token_0001
    policy:
      data:
        max_days: 30
        allowed_ledger_ids: [ledger_main]
    auto_execute:
      writes:
        enabled: true
        allowed_actions: [transaction.create]
`), 0o600))
	t.Setenv("OPENPORT_BOOTSTRAP_FILE", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Bootstrap)
	require.Len(t, cfg.Bootstrap.Apps, 1)

	app := cfg.Bootstrap.Apps[0]
	assert.Equal(t, "Demo Integration", app.Name)
	assert.Equal(t, contracts.AppScopeWorkspace, app.Scope)
	assert.Equal(t, "org_demo", app.OrgID)
	assert.Equal(t, "admin_demo", app.CreatedBy)
	assert.Equal(t, "op_pinned_bootstrap_token_0001", app.Token)
	assert.Equal(t, []string{"ledger.read", "transaction.read"}, app.Scopes)
	require.NotNil(t, app.Policy)
	require.NotNil(t, app.Policy.Data)
	assert.Equal(t, 30.0, *app.Policy.Data.MaxDays)
	assert.Equal(t, []string{"ledger_main"}, app.Policy.Data.AllowedLedgerIDs)
	require.NotNil(t, app.AutoExecute)
	require.NotNil(t, app.AutoExecute.Writes)
	assert.True(t, *app.AutoExecute.Writes.Enabled)
	assert.Equal(t, []string{"transaction.create"}, app.AutoExecute.Writes.AllowedActions)
}

func TestLoadBootstrapErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := config.LoadBootstrap(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	noScope := filepath.Join(dir, "noscope.yaml")
	require.NoError(t, os.WriteFile(noScope, []byte("apps:\n  - name: x\n"), 0o600))
	_, err = config.LoadBootstrap(noScope)
	require.ErrorContains(t, err, "scope required")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("apps: [\n"), 0o600))
	_, err = config.LoadBootstrap(broken)
	require.Error(t, err)
}
