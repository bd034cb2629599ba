// Package watch runs the prepare step for every input document dropped into
// a directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stereodsm/internal/pipeline"

	"github.com/fsnotify/fsnotify"
)

// Preparer runs the prepare step of one input document.
type Preparer interface {
	Prepare(ctx context.Context, inputPath, outDir string) (*pipeline.PrepareResult, error)
}

// Options tune a Watcher.
type Options struct {
	// Settle is how long a document must stay unchanged before it is run.
	Settle time.Duration
	// Existing also queues the documents already present when watching starts.
	Existing bool
}

// Watcher monitors a drop directory.
type Watcher struct {
	dir     string
	outRoot string
	runner  Preparer
	opts    Options
	log     *slog.Logger
	fs      *fsnotify.Watcher
	queue   chan string
}

// New starts watching dir. Outputs of a document named pair.json go to
// outRoot/pair.
func New(dir, outRoot string, runner Preparer, opts Options, log *slog.Logger) (*Watcher, error) {
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Info("Watching directory", "dir", dir, "output", outRoot)
	return &Watcher{
		dir:     dir,
		outRoot: outRoot,
		runner:  runner,
		opts:    opts,
		log:     log,
		fs:      fs,
		queue:   make(chan string, 64),
	}, nil
}

// Run processes events until ctx is cancelled. Documents run one at a time
// in the order they settled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.work(ctx)
	}()
	defer func() { <-done }()

	if w.opts.Existing {
		existing, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
		if err != nil {
			return err
		}
		sort.Strings(existing)
		for _, p := range existing {
			w.enqueue(p)
		}
	}

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.opts.Settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isInputDocument(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)

		case now := <-ticker.C:
			var ready []string
			for p, last := range pending {
				if now.Sub(last) >= w.opts.Settle {
					ready = append(ready, p)
				}
			}
			sort.Strings(ready)
			for _, p := range ready {
				delete(pending, p)
				w.enqueue(p)
			}
		}
	}
}

func (w *Watcher) enqueue(path string) {
	select {
	case w.queue <- path:
	default:
		w.log.Warn("watch queue full, document skipped", "input", path)
	}
}

func (w *Watcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case input := <-w.queue:
			if _, err := os.Stat(input); err != nil {
				continue
			}
			outDir := filepath.Join(w.outRoot, strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)))
			w.log.Info("preparing dropped input", "input", input, "output", outDir)
			res, err := w.runner.Prepare(ctx, input, outDir)
			switch {
			case err != nil:
				w.log.Error("prepare failed", "input", input, "error", err)
			case res.Stopped != "":
				w.log.Warn("prepare stopped", "input", input, "reason", res.Stopped)
			default:
				w.log.Info("prepare completed", "input", input, "content", res.ContentPath)
			}
		}
	}
}

func isInputDocument(path string) bool {
	base := filepath.Base(path)
	return strings.EqualFold(filepath.Ext(base), ".json") && !strings.HasPrefix(base, ".")
}
