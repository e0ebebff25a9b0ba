package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
	"github.com/Ladvien/research-workbench-sub000/pkg/store"
)

// openConversation loads id into the store unless id is empty.
func openConversation(ctx context.Context, st *store.Store, id string) error {
	if id == "" {
		return nil
	}
	return st.LoadConversation(ctx, conversation.ConversationID(id))
}

// stopOnInterrupt stops the streaming reply of st on Ctrl-C, until the
// returned function is called.
func stopOnInterrupt(ctx context.Context, st *store.Store) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			st.StopStreaming(ctx)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func NewSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a message and print the reply",
		Long: "Send a message to a conversation, or to a new one titled after the message " +
			"when --conversation is not given. With --stream the reply is printed as it " +
			"is generated and Ctrl-C stops it.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			conversationID, _ := cmd.Flags().GetString("conversation")
			stream, _ := cmd.Flags().GetBool("stream")
			content := strings.Join(args, " ")
			if err := openConversation(cmd.Context(), app.Store, conversationID); err != nil {
				return err
			}

			if !stream {
				if err := app.Store.SendMessage(cmd.Context(), content); err != nil {
					return err
				}
				return printLastMessage(cmd, app.Store)
			}

			return runWithPrinter(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context) error {
				defer stopOnInterrupt(ctx, app.Store)()
				return app.Store.SendStreamingMessage(ctx, content)
			})
		},
	}
	cmd.Flags().StringP("conversation", "c", "", "Conversation to send to")
	cmd.Flags().BoolP("stream", "s", true, "Stream the reply")
	return cmd
}

func printLastMessage(cmd *cobra.Command, st *store.Store) error {
	state := st.State()
	last, ok := state.CurrentMessages.Last()
	if !ok {
		return nil
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", last.Role, last.Content)
	return err
}

func NewEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <conversation-id> <message-id> <text>...",
		Short: "Edit a message into a new branch",
		Long: "Edit creates a sibling of the message with the new content and makes it " +
			"active. Editing a user message that already has a reply streams a new reply.",
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := openConversation(cmd.Context(), app.Store, args[0]); err != nil {
				return err
			}
			content := strings.Join(args[2:], " ")
			err = runWithPrinter(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context) error {
				defer stopOnInterrupt(ctx, app.Store)()
				return app.Store.EditMessage(ctx, conversation.MessageID(args[1]), content)
			})
			if err != nil {
				return err
			}
			return printThread(cmd.OutOrStdout(), app.Store)
		},
	}
}

func NewSwitchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <conversation-id> <message-id>",
		Short: "Make the branch through a message active",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := openConversation(cmd.Context(), app.Store, args[0]); err != nil {
				return err
			}
			if err := app.Store.SwitchBranch(cmd.Context(), conversation.MessageID(args[1])); err != nil {
				return err
			}
			return printThread(cmd.OutOrStdout(), app.Store)
		},
	}
}

func NewBranchesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "branches <conversation-id> <message-id>",
		Short: "List the siblings of a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := openConversation(cmd.Context(), app.Store, args[0]); err != nil {
				return err
			}
			if err := app.Store.LoadBranches(cmd.Context()); err != nil {
				return err
			}
			siblings, idx, err := app.Store.Siblings(conversation.MessageID(args[1]))
			if err != nil {
				return err
			}
			for i, id := range siblings {
				marker := " "
				if i == idx {
					marker = "*"
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %d/%d %s\n", marker, i+1, len(siblings), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func NewDeleteMessageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-message <conversation-id> <message-id>",
		Short: "Delete a message and all of its replies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := openConversation(cmd.Context(), app.Store, args[0]); err != nil {
				return err
			}
			return app.Store.DeleteMessage(cmd.Context(), conversation.MessageID(args[1]))
		},
	}
}
