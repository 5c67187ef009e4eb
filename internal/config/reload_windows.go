//go:build windows

package config

// registerSignalHandler does nothing on Windows. Writes to the config file
// remain the only reload trigger besides Reload.
func (r *Reloader) registerSignalHandler() {
	r.logger.Debug("config reload signals unsupported, relying on file watcher", "path", r.path)
}
