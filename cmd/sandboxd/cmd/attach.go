package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hkuds/sandboxd/internal/terminal"
)

// detachKey is ctrl-].
const detachKey = 0x1d

var attachCmd = &cobra.Command{
	Use:   "attach <containerId>",
	Short: "Open an interactive shell in a sandbox container",
	Long:  "Attach the local terminal to a shell inside a running container. Press ctrl-] to detach.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

// terminalConn is the client side of a terminal WebSocket.
type terminalConn interface {
	Attach(containerID string) error
	Input(data string) error
	Resize(rows, cols uint16) error
	Recv() (terminal.Event, error)
	Close() error
}

// sizeFunc reports the local terminal size.
type sizeFunc func() (rows, cols uint16, ok bool)

func runAttach(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	conn, err := client.DialTerminal(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fd := int(os.Stdin.Fd())
	size := func() (uint16, uint16, bool) { return terminalSize(fd) }

	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
		fmt.Fprintf(os.Stdout, "Attached to %s, press ctrl-] to detach\r\n", args[0])
	}

	return runTerminal(conn, args[0], os.Stdin, os.Stdout, size, notifyResize(ctx))
}

func terminalSize(fd int) (uint16, uint16, bool) {
	if !term.IsTerminal(fd) {
		return 0, 0, false
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil || rows <= 0 || cols <= 0 {
		return 0, 0, false
	}
	return uint16(rows), uint16(cols), true
}

// runTerminal attaches conn to containerID and relays in to the shell and
// the shell's output to out until the server disconnects the terminal or
// the user presses the detach key. resized fires when the local window
// changes size.
func runTerminal(conn terminalConn, containerID string, in io.Reader, out io.Writer, size sizeFunc, resized <-chan struct{}) error {
	if err := conn.Attach(containerID); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	var detached atomic.Bool
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
					if i > 0 {
						_ = conn.Input(string(chunk[:i]))
					}
					detached.Store(true)
					_ = conn.Close()
					return
				}
				if conn.Input(string(chunk)) != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	sendSize := func() {
		if rows, cols, ok := size(); ok {
			_ = conn.Resize(rows, cols)
		}
	}

	go func() {
		for range resized {
			sendSize()
		}
	}()

	// The server only accepts a size once the terminal is attached, which
	// the first output frame confirms.
	attached := false

	for {
		ev, err := conn.Recv()
		if err != nil {
			if detached.Load() {
				fmt.Fprint(out, "\r\n[detached]\r\n")
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		switch ev.Name {
		case terminal.EventOutput:
			if !attached {
				attached = true
				sendSize()
			}
			if _, err := io.WriteString(out, ev.Data); err != nil {
				return err
			}
		case terminal.EventDisconnected:
			fmt.Fprint(out, "\r\n[terminal disconnected]\r\n")
			return nil
		case terminal.EventError:
			if !attached {
				return errors.New(ev.Message)
			}
			fmt.Fprintf(out, "\r\n[error: %s]\r\n", ev.Message)
		}
	}
}
