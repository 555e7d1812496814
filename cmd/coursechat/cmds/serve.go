package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coursechat/pkg/webchat"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

func NewServeCommand() (*ServeCommand, error) {
	configSection, err := NewConfigSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Run the coursechat HTTP server"),
		cmds.WithSections(configSection),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsedValues *values.Values) error {
	cs := &ConfigSettings{}
	if err := parsedValues.DecodeSectionInto(ConfigSlug, cs); err != nil {
		return err
	}
	s, err := cs.Load()
	if err != nil {
		return err
	}
	app, err := webchat.BuildApp(s, log.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("closing app")
		}
	}()
	return app.Server.Run(ctx)
}

var _ cmds.BareCommand = &ServeCommand{}
