package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one observed change to a watched config file.
// Action is "create", "modify", "delete", or "programmatic_set".
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"`
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler reacts to a config change. Handlers run on their own
// goroutine; a returned error is logged, not propagated.
type ChangeHandler func(event ChangeEvent) error

// ConfigManager watches one directory of YAML or JSON files and
// hot-reloads them through fsnotify. The orchestrator uses it for the
// tool roster; anything else dropped into the directory is loaded the
// same way.
type ConfigManager struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu         sync.RWMutex
	configs    map[string]map[string]interface{}
	handlers   map[string][]ChangeHandler
	validators map[string]func(map[string]interface{}) error
	started    bool
	stop       chan struct{}
}

func NewConfigManager(dir string, logger *zap.Logger) (*ConfigManager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigManager{
		dir:        dir,
		watcher:    watcher,
		logger:     logger,
		configs:    make(map[string]map[string]interface{}),
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]func(map[string]interface{}) error),
		stop:       make(chan struct{}),
	}, nil
}

// Start loads every config file in the directory and begins watching
// for changes. Idempotent.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = true
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.dir); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	if err := cm.loadAll(); err != nil {
		return fmt.Errorf("load initial configs: %w", err)
	}

	go cm.watchLoop()

	cm.mu.RLock()
	loaded := len(cm.configs)
	cm.mu.RUnlock()
	cm.logger.Info("Config watcher started",
		zap.String("dir", cm.dir),
		zap.Int("files", loaded),
	)
	return nil
}

func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.started {
		return nil
	}
	close(cm.stop)
	if err := cm.watcher.Close(); err != nil {
		cm.logger.Error("Closing file watcher failed", zap.Error(err))
	}
	cm.started = false
	cm.logger.Info("Config watcher stopped")
	return nil
}

// RegisterHandler subscribes to changes of one file (by base name).
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
}

// RegisterValidator installs a validator for one file. A failing
// validator rejects the change and the previous config stays in place.
func (cm *ConfigManager) RegisterValidator(filename string, validator func(map[string]interface{}) error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = validator
}

// GetConfig returns a copy of the last loaded config for a file.
func (cm *ConfigManager) GetConfig(filename string) (map[string]interface{}, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg, ok := cm.configs[filename]
	if !ok {
		return nil, false
	}
	return copyConfig(cfg), true
}

// SetConfig stores a config without touching the filesystem and fires
// the file's handlers with action "programmatic_set".
func (cm *ConfigManager) SetConfig(filename string, config map[string]interface{}) error {
	if err := cm.validate(filename, config); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.configs[filename] = copyConfig(config)
	cm.mu.Unlock()

	cm.notify(filename, "programmatic_set", copyConfig(config))
	return nil
}

func (cm *ConfigManager) watchLoop() {
	for {
		select {
		case <-cm.stop:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) handleEvent(event fsnotify.Event) {
	if !isConfigFile(event.Name) {
		return
	}
	filename := filepath.Base(event.Name)

	var action string
	switch {
	case event.Op.Has(fsnotify.Create):
		action = "create"
	case event.Op.Has(fsnotify.Write):
		action = "modify"
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		cm.handleRemoval(filename)
		return
	default:
		// Chmod and friends carry no content change.
		return
	}

	// Editors often emit several writes in quick succession; a short
	// pause lets the file settle before reading it.
	time.Sleep(50 * time.Millisecond)

	if err := cm.loadFile(event.Name, action); err != nil {
		cm.logger.Error("Config reload failed",
			zap.String("file", filename),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (cm *ConfigManager) loadAll() error {
	return filepath.WalkDir(cm.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		return cm.loadFile(path, "create")
	})
}

func (cm *ConfigManager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	filename := filepath.Base(path)

	config := make(map[string]interface{})
	if filepath.Ext(filename) == ".json" {
		err = json.Unmarshal(data, &config)
	} else {
		err = yaml.Unmarshal(data, &config)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}

	if err := cm.validate(filename, config); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.configs[filename] = config
	cm.mu.Unlock()

	cm.notify(filename, action, copyConfig(config))
	cm.logger.Info("Config loaded",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("keys", len(config)),
	)
	return nil
}

func (cm *ConfigManager) handleRemoval(filename string) {
	cm.mu.Lock()
	last := cm.configs[filename]
	delete(cm.configs, filename)
	cm.mu.Unlock()

	cm.notify(filename, "delete", copyConfig(last))
	cm.logger.Info("Config file removed", zap.String("file", filename))
}

func (cm *ConfigManager) validate(filename string, config map[string]interface{}) error {
	cm.mu.RLock()
	validator := cm.validators[filename]
	cm.mu.RUnlock()
	if validator == nil {
		return nil
	}
	if err := validator(config); err != nil {
		return fmt.Errorf("config validation failed for %s: %w", filename, err)
	}
	return nil
}

// notify fires the file's handlers off the watch goroutine so a slow
// handler cannot stall event processing.
func (cm *ConfigManager) notify(filename, action string, config map[string]interface{}) {
	cm.mu.RLock()
	handlers := make([]ChangeHandler, len(cm.handlers[filename]))
	copy(handlers, cm.handlers[filename])
	cm.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}
	event := ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    config,
		Timestamp: time.Now(),
	}
	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				cm.logger.Error("Config handler error",
					zap.String("file", filename),
					zap.String("action", action),
					zap.Error(err),
				)
			}
		}()
	}
}

func copyConfig(config map[string]interface{}) map[string]interface{} {
	if config == nil {
		return nil
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}

func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
