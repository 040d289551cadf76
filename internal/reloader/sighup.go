// Package reloader runs a callback on SIGHUP, used for live config
// reloads.
package reloader

import (
	"os"
	"os/signal"
	"syscall"
)

// OnSIGHUP invokes fn on every SIGHUP until the returned stop func is
// called.
func OnSIGHUP(fn func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for range ch {
			fn()
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
