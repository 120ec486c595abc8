// Package inbox delivers worker lifecycle signals dropped as files into a
// watched directory. Workers write one JSON or YAML file per signal; the
// watcher parses it, hands it to a Handler, and removes it. Files that can
// never be applied are moved to a rejected/ subdirectory.
//
// Writers should create the file under a dot-prefixed name and rename it into
// place, as WriteSignal does. A file that fails to parse while its last write
// is younger than the settle window is left alone, since its writer may still
// be mid-write; the next event or rescan tries it again.
package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/foreman/internal/scheduler"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RejectedDir is the subdirectory that receives unusable signal files.
const RejectedDir = "rejected"

// DefaultSettleWindow is how long an unparsable file may still be growing.
const DefaultSettleWindow = 5 * time.Second

// Handler applies a worker signal.
type Handler interface {
	HandleSignal(ctx context.Context, sig scheduler.WorkerSignal) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sig scheduler.WorkerSignal) error

func (f HandlerFunc) HandleSignal(ctx context.Context, sig scheduler.WorkerSignal) error {
	return f(ctx, sig)
}

// Watcher watches a signal directory.
type Watcher struct {
	dir         string
	handler     Handler
	logger      *slog.Logger
	rescanEvery time.Duration
	settle      time.Duration
	now         func() time.Time
	mu          sync.Mutex // serializes file processing
}

// NewWatcher creates a watcher for dir. rescanEvery controls the periodic
// full scan that picks up files whose events were missed or whose handling
// failed transiently; zero uses 30s.
func NewWatcher(dir string, handler Handler, logger *slog.Logger, rescanEvery time.Duration) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if rescanEvery <= 0 {
		rescanEvery = 30 * time.Second
	}
	return &Watcher{
		dir:         dir,
		handler:     handler,
		logger:      logger,
		rescanEvery: rescanEvery,
		settle:      DefaultSettleWindow,
		now:         time.Now,
	}
}

// Run watches until ctx is done. Files already present are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, RejectedDir), 0755); err != nil {
		return fmt.Errorf("ensure inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.Scan(ctx)
	ticker := time.NewTicker(w.rescanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug("inbox event", "op", event.Op.String(), "file", event.Name)
				w.Process(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox watcher error", "err", err)
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan processes every signal file currently in the directory, oldest name first.
func (w *Watcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		w.logger.Error("failed to scan inbox", "dir", w.dir, "err", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isSignalFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.Process(ctx, filepath.Join(w.dir, name))
	}
}

// Process handles one file. A missing file was already consumed and is ignored.
func (w *Watcher) Process(ctx context.Context, path string) {
	if !isSignalFile(filepath.Base(path)) || filepath.Dir(path) != filepath.Clean(w.dir) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		w.logger.Warn("failed to read signal file", "file", path, "err", err)
		return
	}

	sig, err := Parse(filepath.Ext(path), data)
	if err != nil {
		if w.settling(path) {
			w.logger.Debug("signal file not parsable yet", "file", path, "err", err)
			return
		}
		w.reject(path, err)
		return
	}

	err = w.handler.HandleSignal(ctx, sig)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrStoreUnavailable) || errors.Is(err, context.Canceled):
		// Leave the file for the next scan.
		w.logger.Warn("signal deferred", "file", path, "err", err)
		return
	default:
		w.reject(path, err)
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("failed to remove signal file", "file", path, "err", err)
	}
}

// settling reports whether path was modified within the settle window.
func (w *Watcher) settling(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return w.now().Sub(info.ModTime()) < w.settle
}

func (w *Watcher) reject(path string, cause error) {
	dest := filepath.Join(w.dir, RejectedDir, filepath.Base(path))
	w.logger.Warn("signal rejected", "file", filepath.Base(path), "err", cause)
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("failed to move rejected signal", "file", path, "err", err)
		return
	}
	reason := []byte(cause.Error() + "\n")
	if err := os.WriteFile(dest+".reason", reason, 0644); err != nil {
		w.logger.Warn("failed to record rejection reason", "file", dest, "err", err)
	}
}

// isSignalFile skips temp files (dot-prefixed) and unknown extensions.
func isSignalFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Parse decodes a signal by file extension and validates it.
func Parse(ext string, data []byte) (scheduler.WorkerSignal, error) {
	var sig scheduler.WorkerSignal
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&sig); err != nil {
			return sig, fmt.Errorf("parse signal json: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&sig); err != nil {
			return sig, fmt.Errorf("parse signal yaml: %w", err)
		}
	default:
		return sig, fmt.Errorf("unsupported signal file type %q", ext)
	}

	kind, err := scheduler.ParseSignalKind(string(sig.Kind))
	if err != nil {
		return sig, err
	}
	sig.Kind = kind
	if err := sig.Validate(); err != nil {
		return sig, err
	}
	return sig, nil
}

// WriteSignal drops sig into dir atomically: the file is written under a
// dot-prefixed temp name and renamed into place, so the watcher never sees a
// partial file. Returns the final path.
func WriteSignal(dir string, sig scheduler.WorkerSignal) (string, error) {
	if err := sig.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("ensure inbox dir: %w", err)
	}

	content, err := yaml.Marshal(sig)
	if err != nil {
		return "", fmt.Errorf("yaml marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".signal-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.yaml",
		strconv.FormatInt(time.Now().UnixNano(), 10), sig.Kind, sanitize(sig.SessionID))
	path := filepath.Join(dir, name)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename signal file: %w", err)
	}
	return path, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}
