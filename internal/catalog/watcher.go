package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the catalog when its file changes. The parent directory is
// watched so editors that replace the file by rename are handled.
type Watcher struct {
	path     string
	writer   Writer
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	pending  bool
	lastHash string

	// reloaded receives one value after each successful reload; used by tests.
	reloaded chan struct{}
}

// NewWatcher creates a watcher for the catalog file at path.
func NewWatcher(path string, w Writer, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	return &Watcher{
		path:     abs,
		writer:   w,
		watcher:  fsw,
		debounce: defaultDebounce,
		logger:   logger,
		reloaded: make(chan struct{}, 1),
	}, nil
}

// Start records the current file hash and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	if hash, err := fileHash(w.path); err == nil {
		w.lastHash = hash
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	go w.processEvents(ctx)

	w.logger.Info("catalog watcher started", "path", w.path, "debounce", w.debounce)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("catalog watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

func (w *Watcher) flushPending(ctx context.Context) {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	hash, err := fileHash(w.path)
	if err != nil {
		// Mid-rename; the create event that follows marks it pending again.
		w.logger.Debug("catalog file unreadable", "path", w.path, "error", err)
		return
	}
	if hash == w.lastHash {
		return
	}

	if err := Sync(ctx, w.writer, w.path, w.logger); err != nil {
		w.logger.Error("catalog reload failed, keeping previous catalog", "path", w.path, "error", err)
		return
	}
	w.lastHash = hash

	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
