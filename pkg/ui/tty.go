package ui

import (
	"io"
	"os"
)

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return nil }

// OpenTTY opens the controlling terminal so that prompts still work when
// stdin or stdout are redirected. Without a terminal it falls back to stdin
// and stdout.
func OpenTTY() (io.ReadWriteCloser, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return stdio{}, nil
	}
	return tty, nil
}
