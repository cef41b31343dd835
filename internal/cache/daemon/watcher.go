package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/studybuddy/studysync/internal/cache/schema"
)

// Subdirectories of the staging directory that receive handled files.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Stager accepts remote event records into the staging feed.
type Stager interface {
	StageEvents(ctx context.Context, events []*schema.Event) error
}

// WatcherConfig holds configuration for the staging watcher.
type WatcherConfig struct {
	// Dir is the directory watched for *.json and *.jsonl files
	Dir string

	// DebounceInterval is how long a file must be quiet before it is read.
	// This batches rapid writes to the same file together.
	DebounceInterval time.Duration

	// OnStaged is called with the providers of every ingested file
	OnStaged func(providers []string)

	// Logger for watcher activity
	Logger *slog.Logger
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		DebounceInterval: 200 * time.Millisecond,
		Logger:           slog.Default(),
	}
}

// StagingWatcher ingests event files dropped into a directory. Each file is
// parsed, staged, and moved to processed/ (or failed/ when it cannot be
// parsed) so it is read exactly once.
type StagingWatcher struct {
	stager Stager
	config *WatcherConfig
	logger *slog.Logger

	watcher     *fsnotify.Watcher
	changeQueue map[string]time.Time // path -> last event
	queueMu     gosync.Mutex

	mu      gosync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewStagingWatcher creates a watcher. Use Start to begin watching.
func NewStagingWatcher(stager Stager, config *WatcherConfig) (*StagingWatcher, error) {
	if stager == nil {
		return nil, fmt.Errorf("stager cannot be nil")
	}
	if config == nil || config.Dir == "" {
		return nil, fmt.Errorf("staging directory cannot be empty")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultWatcherConfig().DebounceInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &StagingWatcher{
		stager:      stager,
		config:      config,
		logger:      logger.With("component", "staging", "dir", config.Dir),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start ingests files already present, then watches for new ones until
// Stop is called or ctx is cancelled.
func (w *StagingWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := os.MkdirAll(w.config.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := w.watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch staging directory %s: %w", w.config.Dir, err)
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	if _, err := w.IngestExisting(w.ctx); err != nil {
		w.logger.Warn("initial ingest incomplete", "error", err)
	}

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	w.logger.Info("watching staging directory")
	return nil
}

// Stop stops watching and waits for in-progress ingestion to finish.
func (w *StagingWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IngestExisting ingests every staging file in the directory, oldest name
// first, and returns the number of records staged.
func (w *StagingWatcher) IngestExisting(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list staging directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && schema.IsStagingFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	total := 0
	var providers []string
	for _, name := range names {
		n, ps, err := w.ingest(ctx, filepath.Join(w.config.Dir, name))
		if err != nil {
			w.logger.Error("failed to ingest staging file", "file", name, "error", err)
			continue
		}
		total += n
		providers = append(providers, ps...)
	}
	w.staged(providers)
	return total, nil
}

// IngestFile stages the records of one file and moves it out of the way.
func (w *StagingWatcher) IngestFile(ctx context.Context, path string) (int, error) {
	n, providers, err := w.ingest(ctx, path)
	if err != nil {
		return 0, err
	}
	w.staged(providers)
	return n, nil
}

func (w *StagingWatcher) ingest(ctx context.Context, path string) (int, []string, error) {
	events, err := schema.ReadEventRecords(path)
	if err != nil {
		if moveErr := w.moveTo(path, FailedDir); moveErr != nil {
			w.logger.Warn("failed to quarantine staging file", "file", path, "error", moveErr)
		}
		return 0, nil, err
	}
	if err := w.stager.StageEvents(ctx, events); err != nil {
		// Left in place; the next ingest retries it.
		return 0, nil, fmt.Errorf("failed to stage %s: %w", filepath.Base(path), err)
	}
	if err := w.moveTo(path, ProcessedDir); err != nil {
		return len(events), nil, err
	}

	seen := make(map[string]bool)
	var providers []string
	for _, ev := range events {
		if !seen[ev.Source] {
			seen[ev.Source] = true
			providers = append(providers, ev.Source)
		}
	}
	w.logger.Info("staged events", "file", filepath.Base(path), "count", len(events), "providers", providers)
	return len(events), providers, nil
}

func (w *StagingWatcher) moveTo(path, sub string) error {
	dir := filepath.Join(filepath.Dir(path), sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s.%s", filepath.Base(path), time.Now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("failed to move %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (w *StagingWatcher) staged(providers []string) {
	if len(providers) == 0 || w.config.OnStaged == nil {
		return
	}
	seen := make(map[string]bool)
	var unique []string
	for _, p := range providers {
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	w.config.OnStaged(unique)
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *StagingWatcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(w.config.Dir) || !schema.IsStagingFile(event.Name) {
				continue
			}

			w.logger.Debug("file event", "op", event.Op.String(), "file", event.Name)
			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (w *StagingWatcher) queueChange(path string) {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	w.changeQueue[path] = time.Now()
}

// processChangeQueue ingests queued files once they have been quiet for the
// debounce interval.
func (w *StagingWatcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

func (w *StagingWatcher) processPendingChanges() {
	w.queueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.queueMu.Unlock()
	sort.Strings(ready)

	var providers []string
	for _, path := range ready {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		_, ps, err := w.ingest(w.ctx, path)
		if err != nil {
			w.logger.Error("failed to ingest staging file", "file", path, "error", err)
			continue
		}
		providers = append(providers, ps...)
	}
	w.staged(providers)
}
