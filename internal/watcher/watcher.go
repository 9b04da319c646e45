// Package watcher uploads files dropped into a directory and keeps the
// document set in step with later edits and removals.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"ragdocs/internal/domain"
)

// Target receives the files the watcher picks up.
type Target interface {
	UploadFile(ctx context.Context, path string) (domain.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// Options configures a Watcher.
type Options struct {
	Dir        string
	Extensions []string
	// Debounce delays an upload until a file has been quiet this long.
	Debounce time.Duration
	// InitialScan uploads the files already present when Run starts.
	InitialScan bool
}

type changeKind int

const (
	changeUpsert changeKind = iota
	changeRemove
)

type change struct {
	kind changeKind
	path string
}

// Watcher turns file system events into uploads and deletions.
type Watcher struct {
	target Target
	opts   Options
	log    zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	current map[string]string // path -> document id
	stopped bool
	wg      sync.WaitGroup
}

// New validates opts and returns a watcher.
func New(target Target, opts Options, log zerolog.Logger) (*Watcher, error) {
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "watch.dir", Reason: err.Error()}
	}
	if !info.IsDir() {
		return nil, &domain.ConfigurationError{Field: "watch.dir", Reason: opts.Dir + " is not a directory"}
	}
	exts := make([]string, 0, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	opts.Extensions = exts
	return &Watcher{
		target:  target,
		opts:    opts,
		log:     log.With().Str("component", "watcher").Str("dir", opts.Dir).Logger(),
		timers:  map[string]*time.Timer{},
		current: map[string]string{},
	}, nil
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}
	if w.opts.InitialScan {
		if err := w.scan(ctx); err != nil {
			return err
		}
	}
	w.log.Info().Strs("extensions", w.opts.Extensions).Msg("watching")

	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ch := w.handleEvent(ev); ch != nil {
				w.schedule(ctx, *ch)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", w.opts.Dir, err)
	}
	for _, e := range entries {
		path := filepath.Join(w.opts.Dir, e.Name())
		if e.IsDir() || !w.accepts(path) {
			continue
		}
		w.apply(ctx, change{kind: changeUpsert, path: path})
	}
	return nil
}

// handleEvent maps an event to a change, or nil when it is irrelevant.
func (w *Watcher) handleEvent(ev fsnotify.Event) *change {
	if !w.accepts(ev.Name) {
		return nil
	}
	switch {
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		return &change{kind: changeRemove, path: ev.Name}
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		return &change{kind: changeUpsert, path: ev.Name}
	}
	return nil
}

func (w *Watcher) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	if len(w.opts.Extensions) == 0 {
		return true
	}
	return slices.Contains(w.opts.Extensions, strings.ToLower(filepath.Ext(base)))
}

// schedule applies ch once the path has been quiet for the debounce period.
func (w *Watcher) schedule(ctx context.Context, ch change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[ch.path]; ok {
		t.Stop()
	}
	w.timers[ch.path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		delete(w.timers, ch.path)
		w.wg.Add(1)
		w.mu.Unlock()
		defer w.wg.Done()
		if ctx.Err() != nil {
			return
		}
		w.apply(ctx, ch)
	})
}

func (w *Watcher) apply(ctx context.Context, ch change) {
	log := w.log.With().Str("path", ch.path).Logger()

	w.mu.Lock()
	prev := w.current[ch.path]
	w.mu.Unlock()

	if prev != "" {
		if err := w.target.DeleteDocument(ctx, prev); err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Error().Err(err).Str("document_id", prev).Msg("remove previous version")
		}
		w.mu.Lock()
		delete(w.current, ch.path)
		w.mu.Unlock()
	}
	if ch.kind == changeRemove {
		if prev != "" {
			log.Info().Str("document_id", prev).Msg("file removed")
		}
		return
	}

	doc, err := w.target.UploadFile(ctx, ch.path)
	if err != nil {
		log.Error().Err(err).Msg("upload")
		return
	}
	w.mu.Lock()
	w.current[ch.path] = doc.ID
	w.mu.Unlock()
	log.Info().Str("document_id", doc.ID).Msg("file uploaded")
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
