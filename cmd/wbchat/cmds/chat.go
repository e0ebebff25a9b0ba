package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/Ladvien/research-workbench-sub000/pkg/api"
	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
	"github.com/Ladvien/research-workbench-sub000/pkg/store"
	"github.com/Ladvien/research-workbench-sub000/pkg/ui"
)

const chatHelp = `Type a message to send it. Ctrl-C stops a streaming reply.

  /new [title]             start a new conversation
  /list                    list conversations
  /open <id>               open a conversation
  /show                    show the active branch
  /edit <message-id> <text> edit a message into a new branch
  /switch <message-id>     make the branch through a message active
  /branches <message-id>   list the siblings of a message
  /rename <title>          rename the current conversation
  /delete                  delete the current conversation
  /model <model> [provider] select the model of new conversations
  /help                    show this help
  /quit                    leave
`

// errQuit ends the chat loop.
var errQuit = errors.New("quit")

// usageError is a mistake in a chat command. Store errors are printed from
// their events, usage errors are printed by the loop.
type usageError string

func (u usageError) Error() string {
	return string(u)
}

// parseChatLine splits a line into a slash command and its argument string.
// A line that is not a command has an empty command.
func parseChatLine(line string) (command string, rest string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	command, rest, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(command), strings.TrimSpace(rest)
}

type chatSession struct {
	store *store.Store
	out   io.Writer
}

func (c *chatSession) handle(ctx context.Context, line string) error {
	command, rest := parseChatLine(line)
	st := c.store

	switch command {
	case "":
		if rest == "" {
			return nil
		}
		defer stopOnInterrupt(ctx, st)()
		return st.SendStreamingMessage(ctx, rest)

	case "quit", "exit", "q":
		return errQuit

	case "help", "?":
		_, err := fmt.Fprint(c.out, chatHelp)
		return err

	case "new":
		_, err := st.CreateConversation(ctx, api.CreateConversationRequest{Title: rest})
		return err

	case "list":
		if err := st.LoadConversations(ctx); err != nil {
			return err
		}
		state := st.State()
		return printConversations(c.out, state.Conversations, state.CurrentConversationID)

	case "open":
		if rest == "" {
			return usageError("usage: /open <conversation-id>")
		}
		if err := st.LoadConversation(ctx, conversation.ConversationID(rest)); err != nil {
			return err
		}
		return printThread(c.out, st)

	case "show":
		return printThread(c.out, st)

	case "edit":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" || strings.TrimSpace(text) == "" {
			return usageError("usage: /edit <message-id> <text>")
		}
		defer stopOnInterrupt(ctx, st)()
		return st.EditMessage(ctx, conversation.MessageID(id), strings.TrimSpace(text))

	case "switch":
		if rest == "" {
			return usageError("usage: /switch <message-id>")
		}
		if err := st.SwitchBranch(ctx, conversation.MessageID(rest)); err != nil {
			return err
		}
		return printThread(c.out, st)

	case "branches":
		if rest == "" {
			return usageError("usage: /branches <message-id>")
		}
		if err := st.LoadBranches(ctx); err != nil {
			return err
		}
		siblings, idx, err := st.Siblings(conversation.MessageID(rest))
		if err != nil {
			return usageError(err.Error())
		}
		for i, id := range siblings {
			marker := " "
			if i == idx {
				marker = "*"
			}
			_, _ = fmt.Fprintf(c.out, "%s %d/%d %s\n", marker, i+1, len(siblings), id)
		}
		return nil

	case "rename":
		id := st.State().CurrentConversationID
		if id == "" {
			return usageError("no conversation is open")
		}
		return st.UpdateConversationTitle(ctx, id, rest)

	case "delete":
		id := st.State().CurrentConversationID
		if id == "" {
			return usageError("no conversation is open")
		}
		return st.DeleteConversation(ctx, id)

	case "model":
		fields := strings.Fields(rest)
		switch len(fields) {
		case 1:
			st.SelectModel(fields[0], "")
		case 2:
			st.SelectModel(fields[0], fields[1])
		default:
			return usageError("usage: /model <model> [provider]")
		}
		return nil

	default:
		return usageError(fmt.Sprintf("unknown command /%s, try /help", command))
	}
}

func (c *chatSession) loop(ctx context.Context, prompt *input.UI) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := prompt.Ask("\nyou>", &input.Options{
			HideOrder: true,
		})
		if err != nil {
			if errors.Is(err, input.ErrInterrupted) {
				return nil
			}
			return err
		}

		err = c.handle(ctx, line)
		var usage usageError
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return nil
		case errors.As(err, &usage):
			_, _ = fmt.Fprintln(c.out, usage)
		case errors.Is(err, store.ErrTurnInProgress):
			_, _ = fmt.Fprintln(c.out, err)
		default:
			// already printed from the error event
			log.Debug().Err(err).Msg("Chat command failed")
			c.store.ClearError()
		}
	}
}

func NewChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Chat interactively, streaming replies as they are generated",
		Long:  chatHelp,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			tty, err := ui.OpenTTY()
			if err != nil {
				return err
			}
			defer func() {
				_ = tty.Close()
			}()

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				if err := app.Store.LoadConversation(cmd.Context(), conversation.ConversationID(args[0])); err != nil {
					return err
				}
				if err := printThread(out, app.Store); err != nil {
					return err
				}
			}

			session := &chatSession{store: app.Store, out: out}
			prompt := &input.UI{Writer: tty, Reader: tty}
			return runWithPrinter(cmd.Context(), out, func(ctx context.Context) error {
				return session.loop(ctx, prompt)
			})
		},
	}
}
