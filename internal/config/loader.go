package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads, holds and hot-reloads the configuration.
type Loader struct {
	mu  sync.RWMutex
	cfg *Config

	logger *slog.Logger

	// watcher state, guarded separately so a reload in flight can never
	// deadlock a StopWatch.
	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a config Loader holding the defaults until Load is
// called.
func NewLoader() *Loader {
	return &Loader{
		cfg:    DefaultConfig(),
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// Load reads and parses the YAML file at path, substituting ${ENV} and
// ${ENV:-default} references, and swaps it in as the current config.
// Fields absent from the file keep their defaults.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Get returns the current config. The returned pointer must be treated as
// read-only; a reload swaps in a fresh value rather than mutating it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// envVarRe matches ${VAR} and ${VAR:-default}.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} references against the process
// environment. ${VAR:-default} falls back to default when VAR is unset or
// empty; a plain ${VAR} that is unset expands to the empty string.
func substituteEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(m string) string {
		groups := envVarRe.FindStringSubmatch(m)
		if v := os.Getenv(groups[1]); v != "" {
			return v
		}
		return groups[2]
	})
}

// Watch starts an fsnotify watcher on the config file. On every write the
// file is re-loaded and, on success, onReload is invoked with the fresh
// config. The directory is watched rather than the file so editor
// rename-and-replace saves are caught.
func (l *Loader) Watch(path string, onReload func(*Config)) error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", filepath.Dir(absPath), err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(targetPath string, onReload func(*Config)) {
	defer close(l.watchDone)

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := l.Load(targetPath); err != nil {
					// Keep serving the previous config on a bad edit.
					l.logger.Error("config reload failed, keeping previous config", "error", err)
					continue
				}
				l.logger.Info("config reloaded", "path", targetPath)
				onReload(l.Get())
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config file watcher, if running.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}

// GenerateDefault writes a commented starter config to path. It refuses to
// overwrite an existing file.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	return os.WriteFile(path, []byte(defaultYAML), 0o644)
}

const defaultYAML = `# OpenControlGate configuration.

server:
  port: 7466
  log_level: info
  cors: false

storage:
  driver: sqlite
  path: ./opencontrolgate.db

# Fee metering. When disabled every request is admitted and no wallet is
# charged; receipts are still issued.
ledger:
  enabled: false

# Escalation defaults (global scope). Per-agent overrides are managed via
# the admin API.
escalation:
  auto_ks_enabled: false
  block_threshold: 3
  risk_threshold: 82
  window_size: 10
  review_risk_threshold: 70
  notify_all: true

session:
  window: 60m
  limit: 50

# Declarative base policies, merged with dynamic policies from the store.
policies:
  - id: block-credential-files
    description: Block reads of credential material
    severity: 95
    tool: file_read
    args_regex: '(?:\.env|id_rsa|credentials|\.aws/|\.ssh/)'
    action: block
  - id: review-shell
    description: Flag shell execution for review
    severity: 60
    tool: shell
    action: review

# Notification channels for escalation fan-out.
channels: []
#  - id: ops-slack
#    kind: slack
#    label: Ops alerts
#    target: ${OCG_SLACK_WEBHOOK}
#    events: "*"
`
