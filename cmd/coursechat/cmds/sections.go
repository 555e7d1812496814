package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coursechat/pkg/chatclient"
	"github.com/go-go-golems/coursechat/pkg/config"
	"github.com/go-go-golems/coursechat/pkg/conversations"
	"github.com/go-go-golems/coursechat/pkg/webchat"
)

const (
	ConfigSlug = "coursechat-config"
	APISlug    = "coursechat-api"
)

// ConfigSettings locates the server configuration.
type ConfigSettings struct {
	ConfigFile string `glazed:"config-path"`
	EnvFile    string `glazed:"env-file"`
}

func NewConfigSection() (schema.Section, error) {
	return schema.NewSection(
		ConfigSlug,
		"coursechat server configuration",
		schema.WithFields(
			fields.New("config-path", fields.TypeString, fields.WithDefault(""), fields.WithHelp("YAML config file")),
			fields.New("env-file", fields.TypeString, fields.WithDefault(".env"), fields.WithHelp("dotenv file loaded before the environment is read")),
		),
	)
}

func (s *ConfigSettings) Load() (config.Settings, error) {
	return config.Load(s.ConfigFile, s.EnvFile)
}

// openConversations opens the configured database directly.
func (s *ConfigSettings) openConversations() (*conversations.Service, func(), error) {
	cfg, err := s.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := webchat.OpenStore(cfg.Database)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open store")
	}
	svc, err := conversations.NewService(conversations.ServiceOptions{Store: store, Logger: log.Logger})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return svc, func() { _ = store.Close() }, nil
}

// APISettings point at a running coursechat server.
type APISettings struct {
	Server string `glazed:"server"`
	Token  string `glazed:"token"`
}

func NewAPISection() (schema.Section, error) {
	return schema.NewSection(
		APISlug,
		"coursechat API client",
		schema.WithFields(
			fields.New("server", fields.TypeString, fields.WithDefault("http://localhost:8080"), fields.WithHelp("coursechat server URL")),
			fields.New("token", fields.TypeString, fields.WithDefault(""), fields.WithHelp("bearer token (COURSECHAT_TOKEN)")),
		),
	)
}

func (s *APISettings) Client() (*chatclient.Client, error) {
	if s.Token == "" {
		return nil, errors.New("--token or COURSECHAT_TOKEN is required")
	}
	return chatclient.NewClient(s.Server, s.Token)
}
