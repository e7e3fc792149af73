//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler reloads the config on SIGHUP until Stop is called.
func (r *Reloader) registerSignalHandler() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				r.logger.Info("reload requested by SIGHUP", "path", r.path)
				r.Reload()
			case <-r.stopCh:
				return
			}
		}
	}()
}
