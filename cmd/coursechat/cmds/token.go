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
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coursechat/pkg/auth"
	"github.com/go-go-golems/coursechat/pkg/tokens"
)

// TokenCommand signs a bearer token with the configured JWT secret.
type TokenCommand struct {
	*cmds.CommandDescription
}

type TokenSettings struct {
	Owner string `glazed:"owner"`
}

func NewTokenCommand() (*TokenCommand, error) {
	configSection, err := NewConfigSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"token",
		cmds.WithShort("Sign a bearer token for an owner id"),
		cmds.WithFlags(
			fields.New("owner", fields.TypeString, fields.WithHelp("Owner id placed in the sub claim"), fields.WithRequired(true)),
		),
		cmds.WithSections(configSection),
	)
	return &TokenCommand{CommandDescription: desc}, nil
}

func (c *TokenCommand) RunIntoWriter(ctx context.Context, parsedValues *values.Values, w io.Writer) error {
	s := &TokenSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cs := &ConfigSettings{}
	if err := parsedValues.DecodeSectionInto(ConfigSlug, cs); err != nil {
		return err
	}
	cfg, err := cs.Load()
	if err != nil {
		return err
	}
	tok, err := auth.SignToken(cfg.Auth.JWTSecret, s.Owner)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, tok)
	return err
}

var _ cmds.WriterCommand = &TokenCommand{}

func newTokensGroup() (*cobra.Command, error) {
	countCmd, err := NewTokensCountCommand()
	if err != nil {
		return nil, err
	}
	return buildGroup(&cobra.Command{
		Use:   "tokens",
		Short: "Token counting helpers",
	}, countCmd)
}

type TokensCountCommand struct {
	*cmds.CommandDescription
}

type TokensCountSettings struct {
	Input  string `glazed:"input"`
	Approx bool   `glazed:"approx"`
}

func NewTokensCountCommand() (*TokensCountCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"count",
		cmds.WithShort("Count cl100k tokens in the input files"),
		cmds.WithFlags(
			fields.New("approx", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Use the 4-bytes-per-token estimate instead of the tokenizer")),
		),
		cmds.WithArguments(
			fields.New("input", fields.TypeStringFromFiles, fields.WithHelp("Input file")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &TokensCountCommand{CommandDescription: desc}, nil
}

func (c *TokensCountCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &TokensCountSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	row, err := countTokens(s.Input, s.Approx)
	if err != nil {
		return err
	}
	return gp.AddRow(ctx, row)
}

var _ cmds.GlazeCommand = &TokensCountCommand{}

func countTokens(text string, approx bool) (types.Row, error) {
	codec := "approx"
	var counter tokens.Counter = tokens.ApproxCounter{}
	if !approx {
		c, err := tokens.NewCounter()
		if err != nil {
			return nil, errors.Wrap(err, "load tokenizer")
		}
		codec, counter = "cl100k_base", c
	}
	return types.NewRow(
		types.MRP("codec", codec),
		types.MRP("tokens", counter.Count(text)),
	), nil
}
