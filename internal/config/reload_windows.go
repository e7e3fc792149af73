//go:build windows

package config

// registerSignalHandler does nothing on Windows; only file edits reload the
// config there.
func (r *Reloader) registerSignalHandler() {
	r.logger.Debug("SIGHUP reload unavailable on windows", "path", r.path)
}
