// Package tlsutil terminates TLS for the edge listener. The certificate is
// reloaded when its files change so rotation needs no restart.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/cms-edge/internal/config"
)

const reloadDebounce = 300 * time.Millisecond

// CertLoader holds the current certificate and watches the cert and key
// files for changes. A failed reload keeps serving the previous certificate.
type CertLoader struct {
	mu         sync.RWMutex
	cert       *tls.Certificate
	certFile   string
	keyFile    string
	minVersion uint16
	logger     *slog.Logger
	watcher    *fsnotify.Watcher
	stopCh     chan struct{}
	stopOnce   sync.Once
	loaded     func()
}

// New loads the certificate named by cfg and starts watching both files.
func New(cfg config.TLSConfig, logger *slog.Logger) (*CertLoader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := &CertLoader{
		certFile:   cfg.CertFile,
		keyFile:    cfg.KeyFile,
		minVersion: parseMinVersion(cfg.MinVersion),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}

	if err := cl.loadCert(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(cfg.CertFile); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching cert file: %w", err)
	}
	if err := watcher.Add(cfg.KeyFile); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching key file: %w", err)
	}

	cl.watcher = watcher
	go cl.watchLoop()

	logger.Info("TLS certificate loaded, watching for changes",
		"cert_file", cfg.CertFile, "key_file", cfg.KeyFile)
	return cl, nil
}

func parseMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// ServerConfig returns a tls.Config for http.Server that always presents the
// current certificate.
func (cl *CertLoader) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     cl.minVersion,
		GetCertificate: cl.GetCertificate,
	}
}

// GetCertificate is the tls.Config.GetCertificate callback.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Reload rereads the cert and key from disk.
func (cl *CertLoader) Reload() error {
	if err := cl.loadCert(); err != nil {
		cl.logger.Error("TLS certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile, "key_file", cl.keyFile)
		return err
	}
	cl.logger.Info("TLS certificate reloaded", "cert_file", cl.certFile, "key_file", cl.keyFile)
	if cl.loaded != nil {
		cl.loaded()
	}
	return nil
}

// Stop terminates the file watcher. It is safe to call more than once.
func (cl *CertLoader) Stop() {
	cl.stopOnce.Do(func() {
		close(cl.stopCh)
		if cl.watcher != nil {
			cl.watcher.Close()
		}
	})
}

func (cl *CertLoader) loadCert() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertLoader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					cl.Reload() //nolint:errcheck
				})
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("TLS cert file watcher error", "error", err)
		case <-cl.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
