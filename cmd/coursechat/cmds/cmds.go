package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"
)

// RegisterCommands adds every coursechat subcommand to root.
func RegisterCommands(root *cobra.Command) error {
	serveCmd, err := NewServeCommand()
	if err != nil {
		return err
	}
	chatCmd, err := NewChatCommand()
	if err != nil {
		return err
	}
	tokenCmd, err := NewTokenCommand()
	if err != nil {
		return err
	}
	for _, c := range []cmds.Command{serveCmd, chatCmd, tokenCmd} {
		cobraCmd, err := buildCobraCommand(c)
		if err != nil {
			return err
		}
		root.AddCommand(cobraCmd)
	}

	groups := []func() (*cobra.Command, error){
		newConversationsGroup,
		newCredentialsGroup,
		newTokensGroup,
	}
	for _, g := range groups {
		cobraCmd, err := g()
		if err != nil {
			return err
		}
		root.AddCommand(cobraCmd)
	}
	return nil
}

func buildCobraCommand(c cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
}

// buildGroup wraps glazed commands under a plain cobra parent.
func buildGroup(parent *cobra.Command, children ...cmds.Command) (*cobra.Command, error) {
	for _, c := range children {
		cobraCmd, err := buildCobraCommand(c)
		if err != nil {
			return nil, err
		}
		parent.AddCommand(cobraCmd)
	}
	return parent, nil
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("COURSECHAT",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}
