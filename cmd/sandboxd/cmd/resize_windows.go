//go:build windows

package cmd

import "context"

// notifyResize never fires on Windows, which has no SIGWINCH.
func notifyResize(ctx context.Context) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}
