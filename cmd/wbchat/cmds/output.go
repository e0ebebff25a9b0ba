package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
	"github.com/Ladvien/research-workbench-sub000/pkg/events"
	"github.com/Ladvien/research-workbench-sub000/pkg/store"
	"github.com/Ladvien/research-workbench-sub000/pkg/ui"
)

const chatTopic = "chat"

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "text", "Output format (text, yaml, json)")
}

// printStructured writes v as yaml or json. It returns false for the text format.
func printStructured(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case "text", "":
		return false, nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return true, errors.Errorf("unknown output format %q", format)
	}
}

func printConversations(w io.Writer, conversations []conversation.Conversation, current conversation.ConversationID) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "\tID\tTITLE\tMODEL\tUPDATED")
	for _, c := range conversations {
		marker := ""
		if c.ID == current {
			marker = "*"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			marker, c.ID, c.Title, c.Model, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

// printThread renders the current conversation of st.
func printThread(w io.Writer, st *store.Store) error {
	state := st.State()
	title := ""
	for _, c := range state.Conversations {
		if c.ID == state.CurrentConversationID {
			title = c.Title
		}
	}
	branches := func(id conversation.MessageID) (int, int) {
		siblings, idx, err := st.Siblings(id)
		if err != nil {
			return 0, 0
		}
		return idx + 1, len(siblings)
	}
	return ui.Render(w, ui.ThreadMarkdown(title, state.CurrentMessages, branches))
}

// runWithPrinter runs f while an event router prints the streamed reply to w.
// The context given to f carries the router's sink. With --print-raw-events
// every event is also dumped to stderr.
func runWithPrinter(ctx context.Context, w io.Writer, f func(ctx context.Context) error) error {
	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()
	router.AddHandler("printer", chatTopic, events.PrinterFunc("assistant", w))
	if viper.GetBool("print-raw-events") {
		router.AddHandler("raw-events", chatTopic, router.DumpRawEvents(os.Stderr))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		select {
		case <-router.Running():
		case <-ctx.Done():
			return ctx.Err()
		}
		return f(events.WithEventSinks(ctx, router.Sink(chatTopic)))
	})

	return eg.Wait()
}
