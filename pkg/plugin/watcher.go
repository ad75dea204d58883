package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DevWatcher watches a development bundle directory and reports which plugin
// changed, debounced per plugin.
type DevWatcher struct {
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	onChange func(name string)
	logger   zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

// NewDevWatcher creates a watcher for root. onChange receives the plugin
// directory name.
func NewDevWatcher(root string, debounce time.Duration, onChange func(name string), logger zerolog.Logger) (*DevWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &DevWatcher{
		watcher:        watcher,
		root:           filepath.Clean(root),
		debounce:       debounce,
		onChange:       onChange,
		logger:         logger.With().Str("component", "dev-watcher").Logger(),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}, nil
}

// Start begins watching root and every directory under it.
func (w *DevWatcher) Start() error {
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.logger.Info().Str("path", w.root).Msg("Dev watcher started")
	return nil
}

// Stop stops watching and cancels pending callbacks.
func (w *DevWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()

		w.debounceMu.Lock()
		for _, timer := range w.debounceTimers {
			timer.Stop()
		}
		clear(w.debounceTimers)
		w.debounceMu.Unlock()

		w.logger.Info().Msg("Dev watcher stopped")
	})
	return err
}

func (w *DevWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *DevWatcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *DevWatcher) handleEvent(event fsnotify.Event) {
	name := w.pluginFor(event.Name)
	if name == "" {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
			}
		}
	}

	w.schedule(name)
}

// pluginFor maps a path under root to its top-level directory name.
func (w *DevWatcher) pluginFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first := strings.Split(rel, string(filepath.Separator))[0]
	if strings.HasPrefix(first, ".") {
		return ""
	}
	if first == rel {
		// A plain file directly under root is not a plugin.
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return ""
		}
	}
	return first
}

func (w *DevWatcher) schedule(name string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	if timer, ok := w.debounceTimers[name]; ok {
		timer.Stop()
	}
	w.debounceTimers[name] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, name)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		w.logger.Debug().Str("plugin", name).Msg("Plugin sources changed")
		w.onChange(name)
	})
}
