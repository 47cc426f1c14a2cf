// Package watch reprocesses bundle files as they appear or change under the
// input root.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ehr/bundlesync/internal/pipeline"
)

// DefaultDebounce is how long a file must be quiet before it is processed.
// Editors and copy tools usually write a file in several chunks.
const DefaultDebounce = 500 * time.Millisecond

// FileProcessor is the part of *pipeline.Processor the watcher drives.
type FileProcessor interface {
	ProcessFile(ctx context.Context, root, path string) (*pipeline.FileResult, error)
	Matches(rel string) bool
}

// Watcher feeds created and written files to a FileProcessor, one file at a
// time. Run must be called exactly once.
type Watcher struct {
	root     string
	proc     FileProcessor
	fsw      *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
	started  atomic.Bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithDebounce overrides DefaultDebounce. Non-positive values are ignored.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New registers root and every directory below it.
func New(root string, proc FileProcessor, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		root:     abs,
		proc:     proc,
		fsw:      fsw,
		logger:   zerolog.Nop(),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	if _, err := w.addTree(abs); err != nil {
		fsw.Close() //nolint:errcheck
		return nil, err
	}
	return w, nil
}

// Root returns the absolute watched root.
func (w *Watcher) Root() string { return w.root }

// Run processes events until ctx is cancelled. It returns nil on
// cancellation and an error when the underlying watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watch: Run called more than once")
	}
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("close fsnotify watcher")
		}
	}()

	pending := make(map[string]struct{})
	var fire <-chan time.Time

	w.logger.Info().Str("root", w.root).Msg("watching for bundle changes")
	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) {
				continue
			}
			queued := w.handle(evt)
			for _, path := range queued {
				pending[path] = struct{}{}
			}
			if len(queued) > 0 {
				fire = time.After(w.debounce)
			}

		case <-fire:
			fire = nil
			w.flush(ctx, pending)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatal(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// handle returns the files an event makes eligible for processing. A new
// directory is registered and any matching files already inside it are
// returned, since they may have been written before the watch was added.
func (w *Watcher) handle(evt fsnotify.Event) []string {
	info, err := os.Stat(evt.Name)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		if !evt.Has(fsnotify.Create) {
			return nil
		}
		files, err := w.addTree(evt.Name)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", evt.Name).Msg("cannot watch new directory")
		}
		return files
	}
	if !info.Mode().IsRegular() || !w.matches(evt.Name) {
		return nil
	}
	return []string{evt.Name}
}

// flush processes and clears pending in lexical order.
func (w *Watcher) flush(ctx context.Context, pending map[string]struct{}) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	clear(pending)
	sort.Strings(paths)

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		res, err := w.proc.ProcessFile(ctx, w.root, path)
		log := w.logger.With().Str("file", path).Logger()
		switch {
		case err != nil:
			log.Error().Err(err).Msg("processing changed file failed")
		case res != nil:
			log.Info().Int("resources", res.Resources).Bool("stored", res.Stored).Msg("processed changed file")
		}
	}
}

// addTree registers dir and its subdirectories and returns the matching
// files found along the way.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			w.logger.Warn().Err(walkErr).Str("path", path).Msg("skipping inaccessible path")
			return nil
		}
		if !d.IsDir() {
			if d.Type().IsRegular() && w.matches(path) {
				files = append(files, path)
			}
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watch: walk %s: %w", dir, err)
	}
	return files, nil
}

func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return w.proc.Matches(rel)
}

// isFatal reports inotify and descriptor exhaustion, after which no further
// events are delivered.
func isFatal(err error) bool {
	return errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}
