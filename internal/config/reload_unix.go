//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// reloadSignals re-read the config file without waiting for a write event,
// e.g. after a secret referenced through ${ENV} was rotated.
var reloadSignals = []os.Signal{syscall.SIGHUP}

func (r *Reloader) registerSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, reloadSignals...)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				r.logger.Info("reload signal received", "signal", sig.String(), "path", r.path)
				r.reload(triggerSignal)
			case <-r.stopCh:
				return
			}
		}
	}()

	r.logger.Debug("config reload signal handler registered", "signals", len(reloadSignals))
}
