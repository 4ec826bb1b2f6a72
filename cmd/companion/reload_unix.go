//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// watchConfig reloads configuration on SIGHUP until ctx ends or the app closes.
func (a *app) watchConfig(ctx context.Context, o *rootOptions) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	a.onClose(func(context.Context) error {
		close(done)
		return nil
	})
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-hup:
				a.reloadConfig(o)
			}
		}
	}()
}
