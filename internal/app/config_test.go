package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/aussiebroadwan/attendance/pkg/gateway"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ATTEND_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("ATTEND_CONFIG_FILE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, gateway.DefaultBaseURL, cfg.APIURL)
	require.Equal(t, 10*time.Second, cfg.APITimeout)
	require.Equal(t, credstore.DriverSQLite, cfg.StoreDriver)
	require.False(t, cfg.SSOEnabled)
	require.Equal(t, 70*time.Second, cfg.SSOMinValidity)
	require.Equal(t, time.Hour, cfg.RecheckInterval)
}

func TestLoadConfig_Layers(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "attendance.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
api_url: https://attendance.example/api
api_timeout: 5s
store_driver: redis
redis_addr: localhost:6379
sso_enabled: true
sso_issuer: https://idp.example/realms/staff
sso_client_id: attendance
`), 0o600))

	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("ATTEND_SSO_CLIENT_ID=from-dotenv\n"), 0o600))

	t.Setenv("ATTEND_ENV_FILE", envPath)
	t.Setenv("ATTEND_CONFIG_FILE", yamlPath)
	t.Setenv("ATTEND_TIMEOUT", "15")
	t.Setenv("ATTEND_MAX_RPS", "2.5")
	t.Setenv("ATTEND_REDIS_DB", "3")
	t.Setenv("ATTEND_SSO_ENABLED", "not-a-bool")
	t.Setenv("ATTEND_SSO_CLIENT_ID", "")
	os.Unsetenv("ATTEND_SSO_CLIENT_ID")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "https://attendance.example/api", cfg.APIURL)
	require.Equal(t, 15*time.Second, cfg.APITimeout)
	require.InDelta(t, 2.5, cfg.MaxRPS, 0)
	require.Equal(t, credstore.DriverRedis, cfg.StoreDriver)
	require.Equal(t, 3, cfg.RedisDB)
	require.True(t, cfg.SSOEnabled, "unparseable override keeps the file value")
	require.Equal(t, "from-dotenv", cfg.SSOClientID)

	idpCfg := cfg.idpConfig()
	require.True(t, idpCfg.Enabled)
	require.Equal(t, "https://idp.example/realms/staff", idpCfg.OIDC.Issuer)
	require.Equal(t, cfg.SSORedirectURL, idpCfg.OIDC.RedirectURL)
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_timeout: [not a duration"), 0o600))
	t.Setenv("ATTEND_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("ATTEND_CONFIG_FILE", path)

	_, err := LoadConfig()
	require.Error(t, err)
}
