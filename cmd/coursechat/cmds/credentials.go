package cmds

import (
	"context"
	"fmt"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coursechat/pkg/credentials"
)

func newCredentialsGroup() (*cobra.Command, error) {
	getCmd, err := NewCredentialsGetCommand()
	if err != nil {
		return nil, err
	}
	deactivateCmd, err := NewCredentialsDeactivateCommand()
	if err != nil {
		return nil, err
	}
	return buildGroup(&cobra.Command{
		Use:   "credentials",
		Short: "Manage the caller's provider credentials on a running server",
	}, getCmd, deactivateCmd)
}

func providerArgument() *fields.Definition {
	return fields.New("provider", fields.TypeString, fields.WithHelp("Provider name"), fields.WithRequired(true))
}

func credentialRow(provider string, res credentials.Result, showKey bool) types.Row {
	key := res.Key
	if !showKey {
		key = maskKey(key)
	}
	return types.NewRow(
		types.MRP("provider", provider),
		types.MRP("display_name", res.DisplayName),
		types.MRP("key", key),
		types.MRP("existed", res.Existed),
	)
}

type CredentialsGetCommand struct {
	*cmds.CommandDescription
}

type CredentialsGetSettings struct {
	Provider string `glazed:"provider"`
	ShowKey  bool   `glazed:"show-key"`
}

func NewCredentialsGetCommand() (*CredentialsGetCommand, error) {
	apiSection, err := NewAPISection()
	if err != nil {
		return nil, err
	}
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"get",
		cmds.WithShort("Return the active key, provisioning one if needed"),
		cmds.WithFlags(
			fields.New("show-key", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Print the full key instead of a masked one")),
		),
		cmds.WithArguments(providerArgument()),
		cmds.WithSections(apiSection, glazedSection, commandSettingsSection),
	)
	return &CredentialsGetCommand{CommandDescription: desc}, nil
}

func (c *CredentialsGetCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &CredentialsGetSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	as := &APISettings{}
	if err := parsedValues.DecodeSectionInto(APISlug, as); err != nil {
		return err
	}
	client, err := as.Client()
	if err != nil {
		return err
	}
	res, err := client.GetCredential(ctx, s.Provider)
	if err != nil {
		return err
	}
	return gp.AddRow(ctx, credentialRow(s.Provider, res, s.ShowKey))
}

var _ cmds.GlazeCommand = &CredentialsGetCommand{}

type CredentialsDeactivateCommand struct {
	*cmds.CommandDescription
}

func NewCredentialsDeactivateCommand() (*CredentialsDeactivateCommand, error) {
	apiSection, err := NewAPISection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"deactivate",
		cmds.WithShort("Deactivate the active key so the next request provisions a new one"),
		cmds.WithArguments(providerArgument()),
		cmds.WithSections(apiSection),
	)
	return &CredentialsDeactivateCommand{CommandDescription: desc}, nil
}

func (c *CredentialsDeactivateCommand) RunIntoWriter(ctx context.Context, parsedValues *values.Values, w io.Writer) error {
	s := &CredentialsGetSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	as := &APISettings{}
	if err := parsedValues.DecodeSectionInto(APISlug, as); err != nil {
		return err
	}
	client, err := as.Client()
	if err != nil {
		return err
	}
	if err := client.DeactivateCredential(ctx, s.Provider); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "deactivated %s credential\n", s.Provider)
	return err
}

var _ cmds.WriterCommand = &CredentialsDeactivateCommand{}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
