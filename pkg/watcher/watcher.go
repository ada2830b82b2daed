// Package watcher turns token chunk files on disk into coordinator updates.
//
// **Usage:**
//
//	w, err := watcher.New(coord, watcher.DefaultOptions(), logger)
//	if err != nil {
//	    return err
//	}
//	if err := w.LoadDir("./tokens"); err != nil {
//	    logger.Warn("some chunks were skipped", "error", err)
//	}
//	if err := w.Start("./tokens"); err != nil {
//	    return err
//	}
//	defer w.Stop()
//
// Every chunk is validated before it is ingested. Invalid chunks are logged
// and skipped; the coordinator itself never validates.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/gnana997/tokensync/pkg/tokens"
)

// DefaultInclude matches chunk files anywhere under the root.
const DefaultInclude = "**/*.tokens.json"

// Ingester receives validated chunk tokens. *coordinator.Coordinator
// implements it.
type Ingester interface {
	ProcessTokens(raw map[string]tokens.TokenValue) tokens.TokenState
}

// Options configures which files are chunks and how edits are batched.
type Options struct {
	Include    []string // doublestar patterns relative to root
	Exclude    []string // doublestar patterns relative to root
	DebounceMs int      // delay after the last event before reloading a file
}

// DefaultOptions returns the standard chunk layout.
func DefaultOptions() Options {
	return Options{
		Include:    []string{DefaultInclude},
		DebounceMs: 200,
	}
}

// Stats contains watcher counters.
type Stats struct {
	Loaded         int64 // chunks ingested
	Invalid        int64 // chunks skipped for parse or validation errors
	PendingReloads int
	IsRunning      bool
}

// ChunkWatcher loads chunk files and re-ingests them when they change.
type ChunkWatcher struct {
	ingester Ingester
	logger   *slog.Logger
	options  Options

	watcher *fsnotify.Watcher
	root    string

	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex

	stopChan chan struct{}
	started  bool
	stopped  bool
	mu       sync.Mutex
	done     sync.WaitGroup

	loaded  atomic.Int64
	invalid atomic.Int64
}

// New creates a chunk watcher. Zero-valued options fall back to
// DefaultOptions.
func New(ingester Ingester, options Options, logger *slog.Logger) (*ChunkWatcher, error) {
	if ingester == nil {
		return nil, fmt.Errorf("ingester is required")
	}
	if len(options.Include) == 0 {
		options.Include = DefaultOptions().Include
	}
	if options.DebounceMs <= 0 {
		options.DebounceMs = DefaultOptions().DebounceMs
	}
	for _, pattern := range append(append([]string{}, options.Include...), options.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q", pattern)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ChunkWatcher{
		ingester:       ingester,
		logger:         logger,
		options:        options,
		debounceTimers: make(map[string]*time.Timer),
		stopChan:       make(chan struct{}),
	}, nil
}

// LoadDir ingests every chunk under root once. Files that fail to parse or
// validate are skipped; their errors are joined into the result.
func (w *ChunkWatcher) LoadDir(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root path: %w", err)
	}

	var errs []error
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != absRoot && w.excluded(absRoot, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.matches(absRoot, path) {
			return nil
		}
		if err := w.loadFile(path); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", root, err)
	}

	w.logger.Info("chunks loaded", "root", absRoot, "loaded", w.loaded.Load(), "invalid", len(errs))
	return errors.Join(errs...)
}

// Start watches root and its subdirectories in the background.
func (w *ChunkWatcher) Start(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return fmt.Errorf("watcher already stopped")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != absRoot && w.excluded(absRoot, path) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return fmt.Errorf("failed to setup watches: %w", err)
	}

	w.watcher = fsw
	w.root = absRoot
	w.started = true

	w.done.Add(1)
	go w.eventLoop()

	w.logger.Info("chunk watcher started", "root", absRoot)
	return nil
}

// Stop stops watching and cancels pending reloads. Idempotent.
func (w *ChunkWatcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopChan)
	fsw := w.watcher
	w.mu.Unlock()

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	w.debounceTimers = make(map[string]*time.Timer)
	w.debounceMu.Unlock()

	if fsw == nil {
		return nil
	}
	err := fsw.Close()
	w.done.Wait()
	w.logger.Info("chunk watcher stopped")
	return err
}

func (w *ChunkWatcher) eventLoop() {
	defer w.done.Done()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("chunk watcher error", "error", err)
		}
	}
}

func (w *ChunkWatcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) && isDir(path) {
		if !w.excluded(w.root, path) {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Warn("failed to watch directory", "path", path, "error", err)
			}
		}
		return
	}

	if !w.matches(w.root, path) {
		return
	}

	w.logger.Debug("chunk event", "op", event.Op.String(), "file", path)

	// Removes and renames are ignored: tokens leave the state only on a
	// full clear.
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		w.debounceReload(path)
	}
}

// debounceReload reloads path once events for it stop arriving.
func (w *ChunkWatcher) debounceReload(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[path]; exists {
		timer.Stop()
	}

	w.debounceTimers[path] = time.AfterFunc(
		time.Duration(w.options.DebounceMs)*time.Millisecond,
		func() {
			w.debounceMu.Lock()
			delete(w.debounceTimers, path)
			w.debounceMu.Unlock()

			select {
			case <-w.stopChan:
				return
			default:
			}
			if err := w.loadFile(path); err != nil {
				w.logger.Debug("chunk reload skipped", "file", path, "error", err)
			}
		},
	)
}

// loadFile parses, validates and ingests one chunk.
func (w *ChunkWatcher) loadFile(path string) error {
	chunk, err := tokens.LoadChunkFile(path)
	if err != nil {
		w.invalid.Add(1)
		w.logger.Warn("skipping invalid chunk", "file", path, "error", err)
		return fmt.Errorf("%s: %w", path, err)
	}

	if len(chunk.Dependencies) > 0 {
		w.logger.Debug("chunk dependencies not enforced", "chunk", chunk.ID, "dependencies", chunk.Dependencies)
	}

	state := w.ingester.ProcessTokens(chunk.Tokens)
	w.loaded.Add(1)
	w.logger.Debug("chunk ingested", "chunk", chunk.ID, "version", chunk.Version, "tokens", state.Len())
	return nil
}

// matches reports whether path is an included, non-excluded chunk file.
func (w *ChunkWatcher) matches(root, path string) bool {
	rel, ok := relative(root, path)
	if !ok {
		return false
	}
	if matchAny(w.options.Exclude, rel) {
		return false
	}
	return matchAny(w.options.Include, rel)
}

func (w *ChunkWatcher) excluded(root, path string) bool {
	switch filepath.Base(path) {
	case "node_modules", ".git", "dist", "build":
		return true
	}
	rel, ok := relative(root, path)
	if !ok {
		return false
	}
	return matchAny(w.options.Exclude, rel)
}

// GetStats returns watcher counters.
func (w *ChunkWatcher) GetStats() Stats {
	w.debounceMu.Lock()
	pending := len(w.debounceTimers)
	w.debounceMu.Unlock()

	w.mu.Lock()
	running := w.started && !w.stopped
	w.mu.Unlock()

	return Stats{
		Loaded:         w.loaded.Load(),
		Invalid:        w.invalid.Load(),
		PendingReloads: pending,
		IsRunning:      running,
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func relative(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}
