package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coursechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
proxy:
  backend-url: http://rag:8000/chat
  connect-timeout: 2s
credentials:
  issuer-url: https://issuer.example/keys
auth:
  jwt-secret: from-file
llm:
  history-token-budget: 500
`), 0o600))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("COURSECHAT_CACHE_TTL=30s\n"), 0o600))

	t.Setenv("COURSECHAT_AUTH_JWT_SECRET", "from-env")
	t.Setenv("COURSECHAT_CACHE_REDIS_ENABLED", "true")

	s, err := Load(path, envFile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Unsetenv("COURSECHAT_CACHE_TTL") })

	require.Equal(t, ":9090", s.Server.Addr)
	require.Equal(t, "http://rag:8000/chat", s.Proxy.BackendURL)
	require.Equal(t, 2*time.Second, s.Proxy.ConnectTimeout)
	require.Equal(t, 120*time.Second, s.Proxy.TotalTimeout)
	require.Equal(t, "from-env", s.Auth.JWTSecret)
	require.True(t, s.Cache.RedisEnabled)
	require.Equal(t, 30*time.Second, s.Cache.TTL)
	require.Equal(t, 500, s.LLM.HistoryTokenBudget)
	require.Equal(t, "lms-user-", s.Credentials.DisplayNamePrefix)
	require.NoError(t, s.Validate())
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("COURSECHAT_PROXY_TOTAL_TIMEOUT", "soon")
	t.Setenv("COURSECHAT_LLM_MAX_TOKENS", "lots")
	_, err := Load("", "")
	require.ErrorContains(t, err, "COURSECHAT_PROXY_TOTAL_TIMEOUT must be a duration")
	require.ErrorContains(t, err, "COURSECHAT_LLM_MAX_TOKENS must be an integer")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	s := Default()
	s.Proxy.BackendURL = ""
	s.Proxy.ConnectTimeout = 10 * time.Minute
	s.Cache.RedisEnabled = true
	s.Cache.RedisAddr = ""

	err := s.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"proxy.backend-url is required",
		"proxy.connect-timeout must not exceed",
		"credentials.issuer-url is required",
		"cache.redis-addr is required",
		"auth.jwt-secret or auth.trust-owner-header is required",
	} {
		require.ErrorContains(t, err, want)
	}
}
