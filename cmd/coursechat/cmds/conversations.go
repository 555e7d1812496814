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
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coursechat/pkg/conversations"
	chatstore "github.com/go-go-golems/coursechat/pkg/persistence/chatstore"
)

func newConversationsGroup() (*cobra.Command, error) {
	listCmd, err := NewConversationsListCommand()
	if err != nil {
		return nil, err
	}
	createCmd, err := NewConversationsCreateCommand()
	if err != nil {
		return nil, err
	}
	messagesCmd, err := NewConversationsMessagesCommand()
	if err != nil {
		return nil, err
	}
	deleteCmd, err := NewConversationsDeleteCommand()
	if err != nil {
		return nil, err
	}
	return buildGroup(&cobra.Command{
		Use:   "conversations",
		Short: "Inspect and edit conversations in the local database",
	}, listCmd, createCmd, messagesCmd, deleteCmd)
}

func conversationRow(c chatstore.Conversation) types.Row {
	return types.NewRow(
		types.MRP("conversation_id", c.ConvID),
		types.MRP("title", c.Title),
		types.MRP("owner_id", c.OwnerID),
		types.MRP("created_at_ms", c.CreatedAtMs),
		types.MRP("last_updated_ms", c.LastUpdatedMs),
		types.MRP("active", c.Active),
		types.MRP("metadata", string(c.Metadata)),
	)
}

func messageRow(m chatstore.Message) types.Row {
	return types.NewRow(
		types.MRP("sequence_number", m.SequenceNumber),
		types.MRP("type", string(m.Type)),
		types.MRP("content", m.Content),
		types.MRP("created_at_ms", m.CreatedAtMs),
		types.MRP("message_id", m.ID),
	)
}

// localCommandSections are shared by commands that read the database directly.
func localCommandSections(glazed bool) ([]cmds.CommandDescriptionOption, error) {
	configSection, err := NewConfigSection()
	if err != nil {
		return nil, err
	}
	opts := []cmds.CommandDescriptionOption{}
	if !glazed {
		return append(opts, cmds.WithSections(configSection)), nil
	}
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	return append(opts, cmds.WithSections(configSection, glazedSection, commandSettingsSection)), nil
}

func ownerFlag() *fields.Definition {
	return fields.New(
		"owner",
		fields.TypeString,
		fields.WithHelp("Owner id to act as"),
		fields.WithRequired(true),
	)
}

type ConversationsListCommand struct {
	*cmds.CommandDescription
}

type ConversationsListSettings struct {
	Owner string `glazed:"owner"`
}

func NewConversationsListCommand() (*ConversationsListCommand, error) {
	sections, err := localCommandSections(true)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"list",
		append([]cmds.CommandDescriptionOption{
			cmds.WithShort("List the owner's active conversations, most recent first"),
			cmds.WithFlags(ownerFlag()),
		}, sections...)...,
	)
	return &ConversationsListCommand{CommandDescription: desc}, nil
}

func (c *ConversationsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ConversationsListSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cs := &ConfigSettings{}
	if err := parsedValues.DecodeSectionInto(ConfigSlug, cs); err != nil {
		return err
	}
	svc, done, err := cs.openConversations()
	if err != nil {
		return err
	}
	defer done()

	list, err := svc.List(ctx, s.Owner)
	if err != nil {
		return err
	}
	for _, conv := range list {
		if err := gp.AddRow(ctx, conversationRow(conv)); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ConversationsListCommand{}

type ConversationsCreateCommand struct {
	*cmds.CommandDescription
}

type ConversationsCreateSettings struct {
	Owner string `glazed:"owner"`
	ID    string `glazed:"id"`
	Title string `glazed:"title"`
}

func NewConversationsCreateCommand() (*ConversationsCreateCommand, error) {
	sections, err := localCommandSections(true)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"create",
		append([]cmds.CommandDescriptionOption{
			cmds.WithShort("Create a conversation"),
			cmds.WithFlags(
				ownerFlag(),
				fields.New("id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Conversation id (a new uuid when empty)")),
				fields.New("title", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Conversation title")),
			),
		}, sections...)...,
	)
	return &ConversationsCreateCommand{CommandDescription: desc}, nil
}

func (c *ConversationsCreateCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ConversationsCreateSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cs := &ConfigSettings{}
	if err := parsedValues.DecodeSectionInto(ConfigSlug, cs); err != nil {
		return err
	}
	svc, done, err := cs.openConversations()
	if err != nil {
		return err
	}
	defer done()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	conv, err := svc.Create(ctx, s.Owner, conversations.CreateInput{ConvID: s.ID, Title: s.Title})
	if err != nil {
		return err
	}
	return gp.AddRow(ctx, conversationRow(conv))
}

var _ cmds.GlazeCommand = &ConversationsCreateCommand{}

type ConversationsMessagesCommand struct {
	*cmds.CommandDescription
}

type ConversationsMessagesSettings struct {
	Owner          string `glazed:"owner"`
	ConversationID string `glazed:"conversation-id"`
}

func NewConversationsMessagesCommand() (*ConversationsMessagesCommand, error) {
	sections, err := localCommandSections(true)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"messages",
		append([]cmds.CommandDescriptionOption{
			cmds.WithShort("Print a conversation's messages in sequence order"),
			cmds.WithFlags(ownerFlag()),
			cmds.WithArguments(
				fields.New("conversation-id", fields.TypeString, fields.WithHelp("Conversation id"), fields.WithRequired(true)),
			),
		}, sections...)...,
	)
	return &ConversationsMessagesCommand{CommandDescription: desc}, nil
}

func (c *ConversationsMessagesCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ConversationsMessagesSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cs := &ConfigSettings{}
	if err := parsedValues.DecodeSectionInto(ConfigSlug, cs); err != nil {
		return err
	}
	svc, done, err := cs.openConversations()
	if err != nil {
		return err
	}
	defer done()

	msgs, err := svc.Load(ctx, s.Owner, s.ConversationID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := gp.AddRow(ctx, messageRow(m)); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ConversationsMessagesCommand{}

type ConversationsDeleteCommand struct {
	*cmds.CommandDescription
}

func NewConversationsDeleteCommand() (*ConversationsDeleteCommand, error) {
	sections, err := localCommandSections(false)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"delete",
		append([]cmds.CommandDescriptionOption{
			cmds.WithShort("Soft-delete a conversation; its messages are retained"),
			cmds.WithFlags(ownerFlag()),
			cmds.WithArguments(
				fields.New("conversation-id", fields.TypeString, fields.WithHelp("Conversation id"), fields.WithRequired(true)),
			),
		}, sections...)...,
	)
	return &ConversationsDeleteCommand{CommandDescription: desc}, nil
}

func (c *ConversationsDeleteCommand) RunIntoWriter(ctx context.Context, parsedValues *values.Values, w io.Writer) error {
	s := &ConversationsMessagesSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cs := &ConfigSettings{}
	if err := parsedValues.DecodeSectionInto(ConfigSlug, cs); err != nil {
		return err
	}
	svc, done, err := cs.openConversations()
	if err != nil {
		return err
	}
	defer done()

	if err := svc.SoftDelete(ctx, s.Owner, s.ConversationID); err != nil {
		return errors.Wrapf(err, "delete %s", s.ConversationID)
	}
	_, err = fmt.Fprintf(w, "deleted %s\n", s.ConversationID)
	return err
}

var _ cmds.WriterCommand = &ConversationsDeleteCommand{}
