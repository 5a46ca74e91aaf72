package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and invokes a callback when it changes,
// so settings like log level can be adjusted without a restart.
type Watcher struct {
	envPath  string
	watcher  *fsnotify.Watcher
	onChange func()
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWatcher creates a watcher for <configPath>/.env. onChange runs after the
// file has been re-read into the process environment.
func NewWatcher(configPath string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		envPath:  filepath.Join(configPath, ".env"),
		watcher:  fsw,
		onChange: onChange,
		stopChan: make(chan struct{}),
	}, nil
}

// Start begins watching the config directory. Watching the directory rather
// than the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go w.run()
	log.Debug().Str("path", w.envPath).Msg("Config watcher started")
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-w.stopChan:
			return
		}
	}
}

// Reload re-reads the .env file and fires the change callback. Also used by
// the SIGHUP handler.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) reload() {
	if err := godotenv.Overload(w.envPath); err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Failed to reload .env file")
		return
	}
	log.Info().Str("path", w.envPath).Msg(".env reloaded")
	if w.onChange != nil {
		w.onChange()
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if err := w.watcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close config watcher")
		}
	})
}
