package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DeployFunc receives every definition parsed by the watcher.
type DeployFunc func(ctx context.Context, def *ProcessDefinition) error

// Watcher deploys definition files from a directory and redeploys them when they change.
type Watcher struct {
	logger  zerolog.Logger
	loader  *Loader
	deploy  DeployFunc
	delay   time.Duration
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a watcher that hands parsed definitions to deploy.
func NewWatcher(logger zerolog.Logger, loader *Loader, deploy DeployFunc) *Watcher {
	return &Watcher{
		logger: logger.With().Str("component", "definition-watcher").Logger(),
		loader: loader,
		deploy: deploy,
		delay:  500 * time.Millisecond,
		timers: make(map[string]*time.Timer),
	}
}

// isDefinitionFile reports whether a path looks like a definition document.
func isDefinitionFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// DeployDirectory deploys every definition file found under dir.
// Files that fail to parse are logged and skipped.
func (w *Watcher) DeployDirectory(ctx context.Context, dir string) (int, error) {
	deployed := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDefinitionFile(path) {
			return nil
		}
		if err := w.deployFile(ctx, path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to deploy definition file")
			return nil
		}
		deployed++
		return nil
	})
	if err != nil {
		return deployed, fmt.Errorf("failed to walk directory: %w", err)
	}

	w.logger.Info().
		Int("deployed", deployed).
		Str("dir", dir).
		Msg("Definitions deployed from directory")

	return deployed, nil
}

func (w *Watcher) deployFile(ctx context.Context, path string) error {
	def, err := w.loader.LoadFile(path)
	if err != nil {
		return err
	}
	return w.deploy(ctx, def)
}

// Watch starts watching dir. Events are processed until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	go w.processEvents(ctx)

	w.logger.Info().Str("dir", dir).Msg("Started watching definitions")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			w.stopTimers()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isDefinitionFile(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Definition file changed")

			w.schedule(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// schedule debounces deployments per file; editors emit several writes per save.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		if err := w.deployFile(ctx, path); err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("Failed to redeploy definition")
			return
		}
		w.logger.Info().Str("path", path).Msg("Definition redeployed")
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
