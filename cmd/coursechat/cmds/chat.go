package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coursechat/pkg/chatclient"
	"github.com/go-go-golems/coursechat/pkg/chaterrors"
	"github.com/go-go-golems/coursechat/pkg/conversations"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	docTitleStyle  = lipgloss.NewStyle().Underline(true).Foreground(lipgloss.Color("#FFFDF5"))
	docPaneStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#5A5A5A")).
			Padding(0, 1)
)

// terminalRenderer prints a conversation line by line.
type terminalRenderer struct {
	w       io.Writer
	loading bool
}

func (r *terminalRenderer) UserMessage(e chatclient.Entry) {
	fmt.Fprintf(r.w, "%s %s\n", userStyle.Render("you:"), e.Content)
}

func (r *terminalRenderer) Loading(on bool) {
	if on {
		fmt.Fprint(r.w, dimStyle.Render("thinking..."))
		r.loading = true
		return
	}
	if r.loading {
		// erase the indicator
		fmt.Fprint(r.w, "\r\033[K")
		r.loading = false
	}
}

func (r *terminalRenderer) AssistantDelta(fragment string) {
	fmt.Fprint(r.w, fragment)
}

func (r *terminalRenderer) AssistantDone(e chatclient.Entry) {
	fmt.Fprintln(r.w)
}

func (r *terminalRenderer) Documents(docs []chatclient.Document) {
	var sb strings.Builder
	for i, d := range docs {
		if i > 0 {
			sb.WriteString("\n")
		}
		title := d.Title
		if title == "" {
			title = d.Source
		}
		sb.WriteString(docTitleStyle.Render(title))
		if d.URL != "" {
			sb.WriteString(" " + dimStyle.Render(d.URL))
		}
		if d.Snippet != "" {
			sb.WriteString("\n" + d.Snippet)
		}
	}
	fmt.Fprintln(r.w, docPaneStyle.Render(sb.String()))
}

func (r *terminalRenderer) Error(message string, connectivity bool) {
	fmt.Fprintln(r.w, errorStyle.Render(message))
}

// labelledRenderer prints the reply label before the first fragment.
type labelledRenderer struct {
	*terminalRenderer
	started bool
}

func (r *labelledRenderer) UserMessage(e chatclient.Entry) {
	r.started = false
	r.terminalRenderer.UserMessage(e)
}

func (r *labelledRenderer) AssistantDelta(fragment string) {
	if !r.started {
		fmt.Fprint(r.w, assistantStyle.Render("assistant:")+" ")
		r.started = true
	}
	r.terminalRenderer.AssistantDelta(fragment)
}

type ChatCommand struct {
	*cmds.CommandDescription
	in  io.Reader
	out io.Writer
}

type ChatSettings struct {
	Conversation  string `glazed:"conversation"`
	Title         string `glazed:"title"`
	Provider      string `glazed:"provider"`
	HistoryTokens int    `glazed:"history-tokens"`
	NoSave        bool   `glazed:"no-save"`
}

func NewChatCommand() (*ChatCommand, error) {
	apiSection, err := NewAPISection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"chat",
		cmds.WithShort("Chat with the course assistant through a running server"),
		cmds.WithFlags(
			fields.New("conversation", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Existing conversation id (a new conversation is created when empty)")),
			fields.New("title", fields.TypeString, fields.WithDefault("Terminal chat"), fields.WithHelp("Title for a new conversation")),
			fields.New("provider", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Provision and send a credential for this provider")),
			fields.New("history-tokens", fields.TypeInteger, fields.WithDefault(chatclient.DefaultHistoryTokenBudget), fields.WithHelp("Token budget for history sent with each message")),
			fields.New("no-save", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Do not persist messages to the conversation")),
		),
		cmds.WithSections(apiSection),
	)
	return &ChatCommand{CommandDescription: desc, in: os.Stdin, out: os.Stdout}, nil
}

func (c *ChatCommand) Run(ctx context.Context, parsedValues *values.Values) error {
	s := &ChatSettings{}
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
	convID := s.Conversation
	if convID == "" {
		conv, err := client.CreateConversation(ctx, conversations.CreateInput{ConvID: uuid.NewString(), Title: s.Title})
		if err != nil {
			return errors.Wrap(err, "create conversation")
		}
		convID = conv.ConvID
	}

	interactive := false
	if f, ok := c.in.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	renderer := &labelledRenderer{terminalRenderer: &terminalRenderer{w: c.out}}
	ctrl, err := chatclient.NewController(chatclient.ControllerOptions{
		Client:             client,
		ConversationID:     convID,
		Provider:           s.Provider,
		Renderer:           renderer,
		HistoryTokenBudget: s.HistoryTokens,
		Persist:            !s.NoSave,
		Logger:             log.Logger,
	})
	if err != nil {
		return err
	}
	if interactive {
		fmt.Fprintln(c.out, dimStyle.Render("conversation "+convID+" (ctrl-d to quit)"))
	}

	scanner := bufio.NewScanner(c.in)
	for {
		if interactive {
			fmt.Fprint(c.out, userStyle.Render("> "))
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := ctrl.Submit(ctx, line); err != nil {
			if chaterrors.Is(err, chaterrors.KindValidation) {
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

var _ cmds.BareCommand = &ChatCommand{}
