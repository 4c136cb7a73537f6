package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"comicpipe/internal/logger"
	"comicpipe/internal/metrics"
)

// Suffixes appended to inbox files once they are handled
const (
	DoneSuffix   = ".done"
	FailedSuffix = ".failed"
)

// TriggeredByInbox marks imports started by the inbox watcher
const TriggeredByInbox = "InboxWatcher"

// Importer is the part of the Ingestor the watcher and the HTTP handler use.
type Importer interface {
	Ingest(ctx context.Context, r io.Reader, triggeredBy string) (*Summary, error)
}

// Watcher ingests CSV files dropped into an inbox directory. Files should be
// moved in atomically; a file still being written may be read partially.
type Watcher struct {
	dir      string
	importer Importer
	log      zerolog.Logger
}

// NewWatcher creates a watcher over dir
func NewWatcher(dir string, importer Importer) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if importer == nil {
		return nil, errors.New("importer is required")
	}
	return &Watcher{
		dir:      dir,
		importer: importer,
		log:      logger.WithComponent("inbox"),
	}, nil
}

// Run handles files already in the inbox, then every new one, until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info().Str("dir", w.dir).Msg("watching inbox")

	if err := w.scan(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && isCSV(ev.Name) {
				w.process(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil
		}
		if e.Type().IsRegular() && isCSV(e.Name()) {
			w.process(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
	return nil
}

func (w *Watcher) process(ctx context.Context, path string) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("file", path).
				Msg("panic recovered in inbox watcher")
			metrics.PanicsRecovered.WithLabelValues("inbox").Inc()
			w.finish(path, FailedSuffix)
		}
	}()

	summary, err := w.ingestFile(ctx, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if ctx.Err() != nil {
			// the next scan picks it up again
			w.log.Warn().Err(err).Str("file", path).Msg("import interrupted by shutdown, file left in inbox")
			return
		}
		w.log.Error().Err(err).Str("file", path).Msg("inbox import failed")
		w.finish(path, FailedSuffix)
		return
	}

	w.log.Info().
		Str("file", path).
		Str("import_id", summary.ImportID).
		Int("total", summary.Total).
		Msg("inbox file imported")
	w.finish(path, DoneSuffix)
}

func (w *Watcher) ingestFile(ctx context.Context, path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return w.importer.Ingest(ctx, f, TriggeredByInbox)
}

func (w *Watcher) finish(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		w.log.Error().Err(err).Str("file", path).Msg("failed to rename inbox file")
	}
}

func isCSV(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".csv")
}
