package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Ladvien/research-workbench-sub000/pkg/api"
	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
)

func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			// an offline backend still lists the cached conversations
			loadErr := app.Store.LoadConversations(cmd.Context())
			state := app.Store.State()
			if loadErr != nil && len(state.Conversations) == 0 {
				return loadErr
			}

			output, _ := cmd.Flags().GetString("output")
			if ok, err := printStructured(cmd.OutOrStdout(), output, state.Conversations); ok {
				return err
			}
			return printConversations(cmd.OutOrStdout(), state.Conversations, state.CurrentConversationID)
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func NewShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show the active branch of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			id := conversation.ConversationID(args[0])
			loadErr := app.Store.LoadConversation(cmd.Context(), id)
			state := app.Store.State()
			if state.CurrentConversationID != id {
				if loadErr != nil {
					return loadErr
				}
				return errors.Errorf("conversation %s not found", id)
			}
			if loadErr != nil {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Showing the cached copy:", loadErr)
			}

			output, _ := cmd.Flags().GetString("output")
			if ok, err := printStructured(cmd.OutOrStdout(), output, state.CurrentMessages); ok {
				return err
			}
			return printThread(cmd.OutOrStdout(), app.Store)
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func NewNewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new [title]",
		Short: "Create an empty conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			req := api.CreateConversationRequest{}
			if len(args) > 0 {
				req.Title = args[0]
			}
			req.Model, _ = cmd.Flags().GetString("model")
			req.Provider, _ = cmd.Flags().GetString("provider")

			id, err := app.Store.CreateConversation(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	cmd.Flags().String("model", "", "Model of the conversation (default --default-model)")
	cmd.Flags().String("provider", "", "Provider of the conversation (default --default-provider)")
	return cmd
}

func NewRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <conversation-id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Store.UpdateConversationTitle(cmd.Context(), conversation.ConversationID(args[0]), args[1])
		},
	}
}

func NewDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and all of its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Store.DeleteConversation(cmd.Context(), conversation.ConversationID(args[0]))
		},
	}
}

func NewExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export <conversation-id> <file>",
		Short: "Export the loaded message tree of a conversation to a json or yaml file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp()
			if err != nil {
				return err
			}
			defer app.Close()

			id := conversation.ConversationID(args[0])
			if err := app.Store.LoadConversation(cmd.Context(), id); err != nil {
				return err
			}
			snapshot, ok := app.Store.Snapshot(id)
			if !ok {
				return errors.Errorf("conversation %s not found", id)
			}
			return conversation.NewTreeFromSnapshot(snapshot).SaveToFile(args[1])
		},
	}
}
