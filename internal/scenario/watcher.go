package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
)

// isScenarioFile reports whether path looks like a scenario document.
func isScenarioFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// UploadFile reads and uploads one scenario document.
func (s *Store) UploadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scenario %q: %w", path, err)
	}
	if _, err := s.Upload(ctx, data); err != nil {
		return fmt.Errorf("upload scenario %q: %w", path, err)
	}
	return nil
}

// UploadDir uploads every scenario document in dir, in name order.
// Invalid documents are logged and skipped; the number uploaded is returned.
func (s *Store) UploadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read scenario dir %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isScenarioFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	uploaded := 0
	for _, name := range names {
		if err := s.UploadFile(ctx, filepath.Join(dir, name)); err != nil {
			slog.Error("ScenarioStore.UploadDir: skipping scenario", "file", name, "error", err)
			continue
		}
		uploaded++
	}
	slog.Info("ScenarioStore.UploadDir: scenarios uploaded", "dir", dir, "uploaded", uploaded, "found", len(names))
	return uploaded, nil
}

// Watcher re-uploads scenario documents of a directory when they are created or written.
type Watcher struct {
	store *Store
	dir   string
}

// NewWatcher creates a watcher for dir.
func NewWatcher(s *Store, dir string) *Watcher {
	return &Watcher{store: s, dir: dir}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", w.dir, err)
	}
	slog.Info("ScenarioWatcher started", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			slog.Info("ScenarioWatcher stopping", "dir", w.dir)
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isScenarioFile(event.Name) || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if err := w.store.UploadFile(ctx, event.Name); err != nil {
				slog.Error("ScenarioWatcher reload failed", "file", event.Name, "error", err)
				continue
			}
			slog.Info("ScenarioWatcher reloaded scenario", "file", event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("ScenarioWatcher error", "error", err)
		}
	}
}
