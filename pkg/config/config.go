// Package config loads the server settings from a YAML file, an optional
// .env file and COURSECHAT_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/coursechat/pkg/auth"
	"github.com/go-go-golems/coursechat/pkg/credentials"
	"github.com/go-go-golems/coursechat/pkg/events"
	"github.com/go-go-golems/coursechat/pkg/llm"
	"github.com/go-go-golems/coursechat/pkg/proxy"
)

const EnvPrefix = "COURSECHAT_"

type ServerSettings struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read-header-timeout"`
	IdleTimeout       time.Duration `yaml:"idle-timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown-timeout"`
}

type DatabaseSettings struct {
	// Path is a SQLite file; DSN, when set, is used verbatim.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type CredentialSettings struct {
	IssuerURL         string        `yaml:"issuer-url"`
	IssuerToken       string        `yaml:"issuer-token"`
	IssuerTimeout     time.Duration `yaml:"issuer-timeout"`
	Provider          string        `yaml:"provider"`
	DisplayNamePrefix string        `yaml:"display-name-prefix"`
}

type CacheSettings struct {
	RedisEnabled bool          `yaml:"redis-enabled"`
	RedisAddr    string        `yaml:"redis-addr"`
	TTL          time.Duration `yaml:"ttl"`
	KeyPrefix    string        `yaml:"key-prefix"`
}

type Settings struct {
	Server      ServerSettings     `yaml:"server"`
	Database    DatabaseSettings   `yaml:"database"`
	Proxy       proxy.Settings     `yaml:"proxy"`
	Credentials CredentialSettings `yaml:"credentials"`
	Cache       CacheSettings      `yaml:"cache"`
	Events      events.Settings    `yaml:"events"`
	Auth        auth.Settings      `yaml:"auth"`
	LLM         llm.Settings       `yaml:"llm"`
}

func Default() Settings {
	return Settings{
		Server: ServerSettings{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Database: DatabaseSettings{Path: "coursechat.db"},
		Proxy: proxy.Settings{
			BackendURL:     "http://127.0.0.1:8000/chat",
			ConnectTimeout: proxy.DefaultConnectTimeout,
			TotalTimeout:   proxy.DefaultTotalTimeout,
			MaxBodyBytes:   proxy.DefaultMaxBodyBytes,
		},
		Credentials: CredentialSettings{
			IssuerTimeout:     15 * time.Second,
			Provider:          llm.FireworksName,
			DisplayNamePrefix: credentials.DefaultDisplayNamePrefix,
		},
		Cache: CacheSettings{
			RedisAddr: "127.0.0.1:6379",
			TTL:       credentials.DefaultCacheTTL,
			KeyPrefix: "coursechat:",
		},
		Events: events.Settings{RedisAddr: "127.0.0.1:6379"},
		LLM: llm.Settings{
			FireworksBaseURL:   llm.DefaultFireworksBaseURL,
			FireworksModel:     llm.DefaultFireworksModel,
			ClaudeBaseURL:      llm.DefaultClaudeBaseURL,
			ClaudeModel:        llm.DefaultClaudeModel,
			MaxTokens:          llm.DefaultMaxTokens,
			Temperature:        llm.DefaultTemperature,
			HistoryTokenBudget: 3000,
		},
	}
}

// Load builds settings from defaults, then the YAML file at path (when
// non-empty), then the environment. envFile, when non-empty, is loaded into
// the environment first; a missing .env is not an error.
func Load(path, envFile string) (Settings, error) {
	s := Default()
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(errors.Cause(err)) {
				return s, errors.Wrapf(err, "load env file %s", envFile)
			}
			log.Debug().Str("file", envFile).Msg("no env file found, using environment only")
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return s, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return s, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := s.applyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	return s, nil
}

type lookupFunc func(string) (string, bool)

func (s *Settings) applyEnv(lookup lookupFunc) error {
	var problems []string
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				problems = append(problems, EnvPrefix+name+" must be a boolean")
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, EnvPrefix+name+" must be a duration")
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, EnvPrefix+name+" must be an integer")
				return
			}
			*dst = i
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				problems = append(problems, EnvPrefix+name+" must be a number")
				return
			}
			*dst = f
		}
	}

	str("SERVER_ADDR", &s.Server.Addr)
	duration("SERVER_READ_HEADER_TIMEOUT", &s.Server.ReadHeaderTimeout)
	duration("SERVER_IDLE_TIMEOUT", &s.Server.IdleTimeout)
	duration("SERVER_SHUTDOWN_TIMEOUT", &s.Server.ShutdownTimeout)

	str("DATABASE_PATH", &s.Database.Path)
	str("DATABASE_DSN", &s.Database.DSN)

	str("PROXY_BACKEND_URL", &s.Proxy.BackendURL)
	duration("PROXY_CONNECT_TIMEOUT", &s.Proxy.ConnectTimeout)
	duration("PROXY_TOTAL_TIMEOUT", &s.Proxy.TotalTimeout)
	if v, ok := lookup(EnvPrefix + "PROXY_MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			problems = append(problems, EnvPrefix+"PROXY_MAX_BODY_BYTES must be an integer")
		} else {
			s.Proxy.MaxBodyBytes = n
		}
	}
	boolean("PROXY_REQUIRE_CONVERSATION", &s.Proxy.RequireConversation)

	str("CREDENTIALS_ISSUER_URL", &s.Credentials.IssuerURL)
	str("CREDENTIALS_ISSUER_TOKEN", &s.Credentials.IssuerToken)
	duration("CREDENTIALS_ISSUER_TIMEOUT", &s.Credentials.IssuerTimeout)
	str("CREDENTIALS_PROVIDER", &s.Credentials.Provider)
	str("CREDENTIALS_DISPLAY_NAME_PREFIX", &s.Credentials.DisplayNamePrefix)

	boolean("CACHE_REDIS_ENABLED", &s.Cache.RedisEnabled)
	str("CACHE_REDIS_ADDR", &s.Cache.RedisAddr)
	duration("CACHE_TTL", &s.Cache.TTL)
	str("CACHE_KEY_PREFIX", &s.Cache.KeyPrefix)

	boolean("EVENTS_REDIS_ENABLED", &s.Events.RedisEnabled)
	str("EVENTS_REDIS_ADDR", &s.Events.RedisAddr)

	str("AUTH_JWT_SECRET", &s.Auth.JWTSecret)
	boolean("AUTH_TRUST_OWNER_HEADER", &s.Auth.TrustOwnerHeader)

	str("LLM_FIREWORKS_BASE_URL", &s.LLM.FireworksBaseURL)
	str("LLM_FIREWORKS_MODEL", &s.LLM.FireworksModel)
	str("LLM_CLAUDE_API_KEY", &s.LLM.ClaudeAPIKey)
	str("LLM_CLAUDE_BASE_URL", &s.LLM.ClaudeBaseURL)
	str("LLM_CLAUDE_MODEL", &s.LLM.ClaudeModel)
	integer("LLM_MAX_TOKENS", &s.LLM.MaxTokens)
	float("LLM_TEMPERATURE", &s.LLM.Temperature)
	integer("LLM_HISTORY_TOKEN_BUDGET", &s.LLM.HistoryTokenBudget)

	if len(problems) > 0 {
		return errors.Errorf("invalid environment: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Validate reports every problem at once.
func (s Settings) Validate() error {
	var problems []string
	if strings.TrimSpace(s.Server.Addr) == "" {
		problems = append(problems, "server.addr is required")
	}
	if s.Database.Path == "" && s.Database.DSN == "" {
		problems = append(problems, "database.path or database.dsn is required")
	}
	if strings.TrimSpace(s.Proxy.BackendURL) == "" {
		problems = append(problems, "proxy.backend-url is required")
	}
	if s.Proxy.ConnectTimeout <= 0 || s.Proxy.TotalTimeout <= 0 {
		problems = append(problems, "proxy timeouts must be positive")
	} else if s.Proxy.ConnectTimeout > s.Proxy.TotalTimeout {
		problems = append(problems, "proxy.connect-timeout must not exceed proxy.total-timeout")
	}
	if s.Proxy.MaxBodyBytes <= 0 {
		problems = append(problems, "proxy.max-body-bytes must be positive")
	}
	if strings.TrimSpace(s.Credentials.IssuerURL) == "" {
		problems = append(problems, "credentials.issuer-url is required")
	}
	if strings.TrimSpace(s.Credentials.Provider) == "" {
		problems = append(problems, "credentials.provider is required")
	}
	if s.Cache.RedisEnabled && strings.TrimSpace(s.Cache.RedisAddr) == "" {
		problems = append(problems, "cache.redis-addr is required when the cache is enabled")
	}
	if s.Events.RedisEnabled && strings.TrimSpace(s.Events.RedisAddr) == "" {
		problems = append(problems, "events.redis-addr is required when redis events are enabled")
	}
	if s.Auth.JWTSecret == "" && !s.Auth.TrustOwnerHeader {
		problems = append(problems, "auth.jwt-secret or auth.trust-owner-header is required")
	}
	if s.LLM.Temperature < 0 || s.LLM.Temperature > 2 {
		problems = append(problems, "llm.temperature must be between 0 and 2")
	}
	if s.LLM.MaxTokens < 0 {
		problems = append(problems, "llm.max-tokens must not be negative")
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
