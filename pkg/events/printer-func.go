package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// PrinterFunc returns a handler that renders a reply as it streams: tokens
// are written as they arrive, and stream endings are terminated by a newline.
// An error event repeating the stream error just printed is skipped.
func PrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true
	streamError := ""

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p_ := e.(type) {
		case *EventStreamStart:
			isFirst = true

		case *EventStreamToken:
			if isFirst && name != "" {
				isFirst = false
				if _, err = fmt.Fprintf(w, "\n%s: ", name); err != nil {
					return err
				}
			}
			if _, err = fmt.Fprint(w, p_.Delta); err != nil {
				return err
			}

		case *EventStreamComplete:
			if !strings.HasSuffix(p_.Text, "\n") {
				if _, err = fmt.Fprintln(w); err != nil {
					return err
				}
			}

		case *EventStreamCancelled:
			if _, err = fmt.Fprintln(w, "\n[stopped]"); err != nil {
				return err
			}

		case *EventStreamError:
			streamError = p_.ErrorString
			if _, err = fmt.Fprintf(w, "\nError: %s\n", p_.ErrorString); err != nil {
				return err
			}

		case *EventError:
			if streamError != "" && p_.ErrorString == streamError {
				streamError = ""
				return nil
			}
			if _, err = fmt.Fprintf(w, "Error (%s): %s\n", p_.Operation, p_.ErrorString); err != nil {
				return err
			}
		}

		return nil
	}
}
